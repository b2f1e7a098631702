// Package hotkey listens for the global Ctrl+Shift+R shortcut.
package hotkey

// Hotkey delivers press and release of the shortcut.
type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

const Combo = "Ctrl+Shift+R"
