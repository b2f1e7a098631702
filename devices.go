package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"meetrec/audio"
	"meetrec/config"
	"meetrec/device"
)

func newDevicesCmd() *cobra.Command {
	var pick bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List microphones; --pick chooses the preferred one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer a.Close()

			devs, err := a.devices.Refresh(cmd.Context())
			if err != nil {
				return fmt.Errorf("%s (%w)", device.Classify(err).Message(), err)
			}
			if len(devs) == 0 {
				return fmt.Errorf("%s", device.KindNotFound.Message())
			}
			if !pick {
				listDevices(cmd.OutOrStdout(), devs, a.devices.SelectedDeviceID())
				return nil
			}

			dev, err := pickDevice(devs, a.devices.SelectedDeviceID())
			if err != nil || dev == nil {
				return err
			}
			path := cfg.Path()
			if path == "" {
				path = config.DefaultPath()
			}
			if err := config.SetPreferredDevice(path, dev.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Preferred microphone set to %s (%s)\n", dev.Name, path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&pick, "pick", false, "choose interactively and store the choice in the config file")
	return cmd
}

func listDevices(w io.Writer, devs []audio.DeviceInfo, selected string) {
	for _, d := range devs {
		mark := " "
		if d.ID == selected {
			mark = "*"
		}
		var tags string
		if d.IsDefault {
			tags += " [default]"
		}
		if audio.IsBluetooth(d.Name) {
			tags += " [bluetooth]"
		}
		fmt.Fprintf(w, "%s %s%s\n  id: %s\n", mark, d.Name, tags, d.ID)
	}
}

// pickerKey applies one read from a raw terminal to the cursor. done is
// set on Enter, cancel on Ctrl+C, Esc or q.
func pickerKey(cursor, n int, buf []byte) (next int, done, cancel bool) {
	switch {
	case len(buf) == 1:
		switch buf[0] {
		case '\r', '\n':
			return cursor, true, false
		case 3, 'q', 0x1b:
			return cursor, false, true
		case 'j':
			return min(cursor+1, n-1), false, false
		case 'k':
			return max(cursor-1, 0), false, false
		}
	case len(buf) == 3 && buf[0] == 0x1b && buf[1] == '[':
		switch buf[2] {
		case 'A':
			return max(cursor-1, 0), false, false
		case 'B':
			return min(cursor+1, n-1), false, false
		}
	}
	return cursor, false, false
}

// pickDevice shows an arrow-key menu on the terminal. It returns nil when
// the user cancels.
func pickDevice(devices []audio.DeviceInfo, selected string) (*audio.DeviceInfo, error) {
	if len(devices) == 1 {
		fmt.Printf("Using device: %s\n", devices[0].Name)
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cursor := 0
	for i, d := range devices {
		if d.ID == selected {
			cursor = i
		}
	}
	render := func() {
		fmt.Print("\r\x1b[J")
		fmt.Print("Select microphone (↑/↓, Enter to confirm, q to cancel):\r\n\r\n")
		for i, d := range devices {
			if i == cursor {
				fmt.Printf("  \x1b[1;36m▶ %s\x1b[0m\r\n", d.Name)
			} else {
				fmt.Printf("    %s\r\n", d.Name)
			}
		}
	}
	render()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		var done, cancel bool
		cursor, done, cancel = pickerKey(cursor, len(devices), buf[:n])
		switch {
		case done:
			fmt.Print("\r\n")
			return &devices[cursor], nil
		case cancel:
			fmt.Print("\r\n")
			return nil, nil
		}
		fmt.Printf("\x1b[%dA", len(devices)+2)
		render()
	}
}
