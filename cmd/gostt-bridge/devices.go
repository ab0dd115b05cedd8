package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-bridge/internal/audio"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices and the ones that would be used",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg)

		host, err := openHost(cfg, logger)
		if err != nil {
			return fmt.Errorf("audio host: %w", err)
		}
		defer host.Close()

		return listDevices(os.Stdout, audio.NewDirectory(host, logger))
	},
}

func listDevices(w io.Writer, dir *audio.Directory) error {
	devices, err := dir.ListInputs()
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	fmt.Fprintln(w, "Capture devices:")
	if len(devices) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, d := range devices {
		kind := "input"
		if d.Loopback {
			kind = "loopback"
		}
		fmt.Fprintf(w, "  [%d] %-40s %-8s %dch %.0fHz\n", d.Index, d.Name, kind, d.MaxInputChannels, d.DefaultSampleRate)
	}

	fmt.Fprintln(w)
	if me, ok := dir.FindDefaultInput(); ok {
		fmt.Fprintf(w, "ME:     %s\n", me.Name)
	} else {
		fmt.Fprintln(w, "ME:     no usable microphone")
	}
	if others, ok := dir.FindDefaultLoopback(); ok {
		fmt.Fprintf(w, "OTHERS: %s\n", others.Name)
	} else {
		fmt.Fprintln(w, "OTHERS: no loopback device (system audio will not be captured)")
	}
	return nil
}
