package main

import (
	"time"

	"github.com/spf13/cobra"

	"meetrec/audio"
	"meetrec/device"
	"meetrec/doctor"
)

func newDoctorCmd() *cobra.Command {
	var (
		sample      bool
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check audio, permissions, devices and storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := doctor.Env{
				Engine:      cfg.EngineConfig(),
				SaveDir:     cfg.Save.Dir,
				SystemAudio: cfg.SystemAudio.Enabled,
				Interactive: interactive,
			}
			if sample {
				env.SampleFor = 3 * time.Second
			}
			actx, err := audio.NewContext()
			if err != nil {
				env.AudioErr = err
				actx = audio.NewFakeContext()
			} else {
				env.Audio = actx
			}
			defer actx.Close()
			env.Devices = device.New(actx, cfg.DeviceConfig())

			if code := doctor.Run(cmd.Context(), env, cmd.OutOrStdout()); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sample, "sample", true, "make a short test recording")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "wait for the global shortcut to be pressed")
	return cmd
}
