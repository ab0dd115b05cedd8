// Package hotkey drives the listen switch from a global hotkey using
// gohook. It supports "hold" mode (listen while the keys are held) and
// "toggle" mode (each press flips listening on or off).
package hotkey

import (
	"fmt"
	"log/slog"
	"sync"

	hook "github.com/robotn/gohook"
)

// Switch is the listen switch the hotkey controls.
type Switch interface {
	Listening() bool
	SetListening(on bool)
}

// Mode selects how key presses map to the switch.
type Mode string

const (
	ModeHold   Mode = "hold"
	ModeToggle Mode = "toggle"
)

// ParseMode validates a configured mode name. Empty means toggle.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeToggle:
		return ModeToggle, nil
	case ModeHold:
		return ModeHold, nil
	}
	return "", fmt.Errorf("invalid hotkey mode %q (expected hold or toggle)", s)
}

// Listener binds a key combination to a Switch.
type Listener struct {
	keys []string
	mode Mode
	sw   Switch
	log  *slog.Logger

	mu   sync.Mutex // serializes switch updates from hook callbacks
	done chan struct{}
	once sync.Once
}

// NewListener creates a Listener for the given key combo.
// keys should be lowercase key names (e.g., ["ctrl", "shift", "l"]).
func NewListener(keys []string, mode Mode, sw Switch, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		keys: keys,
		mode: mode,
		sw:   sw,
		log:  logger.With("component", "hotkey"),
		done: make(chan struct{}),
	}
}

// Start registers the hotkey and processes events until Stop is called.
// It blocks; run it in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.press() })
	if l.mode == ModeHold {
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.release() })
	}
	l.log.Info("hotkey registered", "keys", l.keys, "mode", l.mode)

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
}

func (l *Listener) press() {
	l.mu.Lock()
	defer l.mu.Unlock()
	on := true
	if l.mode == ModeToggle {
		on = !l.sw.Listening()
	}
	if on != l.sw.Listening() {
		l.sw.SetListening(on)
		l.log.Debug("hotkey pressed", "listening", on)
	}
}

func (l *Listener) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sw.Listening() {
		l.sw.SetListening(false)
		l.log.Debug("hotkey released", "listening", false)
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
