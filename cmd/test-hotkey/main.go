// Command test-hotkey is a manual test for the global listen hotkey.
// Run it, then press Ctrl+Shift+L to see the listen switch change.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--mode hold|toggle]
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/chaz8081/gostt-bridge/internal/hotkey"
)

// printSwitch reports every change of the listen switch.
type printSwitch struct {
	on atomic.Bool
}

func (s *printSwitch) Listening() bool { return s.on.Load() }

func (s *printSwitch) SetListening(on bool) {
	s.on.Store(on)
	if on {
		fmt.Println(">>> LISTENING")
	} else {
		fmt.Println("<<< MUTED")
	}
}

func main() {
	modeFlag := flag.String("mode", "toggle", "hotkey mode: hold or toggle")
	flag.Parse()

	mode, err := hotkey.ParseMode(*modeFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	keys := []string{"ctrl", "shift", "l"}
	fmt.Printf("Listening for Ctrl+Shift+L in %q mode...\n", mode)
	fmt.Println("Press Ctrl+C to exit.")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	listener := hotkey.NewListener(keys, mode, &printSwitch{}, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
