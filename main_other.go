//go:build !linux

package main

import (
	"os"
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

// The global shortcut needs the main thread on macOS and Windows, so the
// CLI runs on a goroutine mainthread schedules.
func main() {
	code := 0
	mainthread.Init(func() { code = execute() })
	os.Exit(code)
}
