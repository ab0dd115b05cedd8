package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaz8081/gostt-bridge/internal/audio"
	"github.com/chaz8081/gostt-bridge/internal/notify"
)

// switchHost lets a test swap the device set between resolution attempts.
type switchHost struct {
	mu      sync.Mutex
	input   *audio.Descriptor
	output  *audio.Descriptor
	loops   []audio.Descriptor
	queries atomic.Int32
	block   chan struct{}
}

func (h *switchHost) set(input, output *audio.Descriptor, loops ...audio.Descriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.input, h.output, h.loops = input, output, loops
}

func (h *switchHost) DefaultInput() (*audio.Descriptor, error) {
	h.queries.Add(1)
	if h.block != nil {
		<-h.block
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.input == nil {
		return nil, audio.ErrDeviceUnavailable
	}
	d := *h.input
	return &d, nil
}

func (h *switchHost) DefaultOutput() (*audio.Descriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.output == nil {
		return nil, audio.ErrDeviceUnavailable
	}
	d := *h.output
	return &d, nil
}

func (h *switchHost) InputDevices() ([]audio.Descriptor, error) { return nil, nil }

func (h *switchHost) LoopbackDevices() ([]audio.Descriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loops, nil
}

func (h *switchHost) OpenStream(*audio.Descriptor, audio.Format, int) (audio.Stream, error) {
	return nil, errors.New("not implemented")
}

func (h *switchHost) Close() error { return nil }

type fakeEngine struct {
	mu          sync.Mutex
	invalidated int
	configured  []*audio.Descriptor
}

func (e *fakeEngine) Invalidate() {
	e.mu.Lock()
	e.invalidated++
	e.mu.Unlock()
}

func (e *fakeEngine) Reconfigure(d *audio.Descriptor) {
	e.mu.Lock()
	e.configured = append(e.configured, d)
	e.mu.Unlock()
}

func (e *fakeEngine) last() (*audio.Descriptor, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.configured) == 0 {
		return nil, 0
	}
	return e.configured[len(e.configured)-1], len(e.configured)
}

type gate struct {
	on      atomic.Bool
	toggles atomic.Int32
}

func (g *gate) Listening() bool { return g.on.Load() }
func (g *gate) SetListening(on bool) {
	g.toggles.Add(1)
	g.on.Store(on)
}

type reporter struct {
	mu      sync.Mutex
	notes   []string
	cleared []string
}

func (r *reporter) Notify(source string, _ error, _ notify.Severity, _ string) {
	r.mu.Lock()
	r.notes = append(r.notes, source)
	r.mu.Unlock()
}

func (r *reporter) Clear(source string) {
	r.mu.Lock()
	r.cleared = append(r.cleared, source)
	r.mu.Unlock()
}

func device(name string, loopback bool) *audio.Descriptor {
	return &audio.Descriptor{Name: name, MaxInputChannels: 2, DefaultSampleRate: 48000, Loopback: loopback}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMonitor(host audio.Host, l Listener, r Reporter) *Monitor {
	m := New(Options{
		Directory:     audio.NewDirectory(host, quietLogger()),
		MaxRetries:    3,
		BaseDelay:     time.Millisecond,
		DeviceTimeout: time.Second,
		IncludeOthers: true,
		Listener:      l,
		Reporter:      r,
		Logger:        quietLogger(),
	})
	m.sleep = func(context.Context, time.Duration) error { return nil }
	return m
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, Transient},
		{"timeout", audio.ErrReadTimeout, Transient},
		{"canceled", context.Canceled, Transient},
		{"unavailable", fmt.Errorf("open: %w", audio.ErrDeviceUnavailable), DeviceFault},
		{"closed", audio.ErrStreamClosed, DeviceFault},
		{"host", audio.ErrHostError, DeviceFault},
		{"portaudio code", errors.New("PortAudio errno -9988"), DeviceFault},
		{"message", errors.New("Invalid device specified"), DeviceFault},
		{"generic", errors.New("buffer underrun"), Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 0},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 30 * time.Second},
		{80, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempt, base, 30*time.Second); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestTransientFaultDoesNotReconnect(t *testing.T) {
	host := &switchHost{}
	host.set(device("Mic", false), nil)
	m := newTestMonitor(host, nil, nil)
	defer m.Close()

	if got := m.HandleFault(audio.SourceMe, audio.ErrReadTimeout); got != Transient {
		t.Fatalf("HandleFault() = %v, want transient", got)
	}
	m.Wait()
	if m.State() != Connected {
		t.Errorf("State() = %v, want connected", m.State())
	}
	if n := len(m.History()); n != 0 {
		t.Errorf("History() has %d attempts, want 0", n)
	}
}

func TestReconnectSucceeds(t *testing.T) {
	host := &switchHost{}
	host.set(device("USB Mic", false), device("Speakers", false), *device("Monitor of Speakers", true))
	g := &gate{}
	g.on.Store(true)
	r := &reporter{}
	m := newTestMonitor(host, g, r)
	defer m.Close()

	me, others := &fakeEngine{}, &fakeEngine{}
	m.Attach(audio.SourceMe, me)
	m.Attach(audio.SourceOthers, others)

	m.HandleFault(audio.SourceMe, audio.ErrStreamClosed)
	m.Wait()

	if m.State() != Connected {
		t.Errorf("State() = %v, want connected", m.State())
	}
	if d, _ := me.last(); d == nil || d.Name != "USB Mic" {
		t.Errorf("ME reconfigured with %v, want USB Mic", d)
	}
	if d, _ := others.last(); d == nil || d.Name != "Monitor of Speakers" {
		t.Errorf("OTHERS reconfigured with %v, want Monitor of Speakers", d)
	}
	if me.invalidated != 1 || others.invalidated != 1 {
		t.Errorf("invalidations = %d/%d, want 1/1", me.invalidated, others.invalidated)
	}
	if !g.Listening() {
		t.Error("listening not resumed after reconnect")
	}
	if len(r.notes) != 1 || r.notes[0] != "audio_ME" {
		t.Errorf("notifications = %v, want [audio_ME]", r.notes)
	}
	if len(r.cleared) != 2 {
		t.Errorf("cleared = %v, want both audio sources", r.cleared)
	}
}

func TestReconnectLeavesListeningOffIfItWasOff(t *testing.T) {
	host := &switchHost{}
	host.set(device("Mic", false), nil)
	g := &gate{}
	m := newTestMonitor(host, g, nil)
	defer m.Close()

	m.HandleFault(audio.SourceMe, audio.ErrStreamClosed)
	m.Wait()

	if g.Listening() || g.toggles.Load() != 0 {
		t.Errorf("listening = %v after %d toggles, want untouched", g.Listening(), g.toggles.Load())
	}
}

func TestReconnectWithoutLoopbackDisablesOthers(t *testing.T) {
	host := &switchHost{}
	host.set(device("Mic", false), device("HDMI", false))
	m := newTestMonitor(host, nil, nil)
	defer m.Close()

	me, others := &fakeEngine{}, &fakeEngine{}
	m.Attach(audio.SourceMe, me)
	m.Attach(audio.SourceOthers, others)

	m.HandleFault(audio.SourceOthers, audio.ErrDeviceUnavailable)
	m.Wait()

	if m.State() != Connected {
		t.Fatalf("State() = %v, want connected", m.State())
	}
	if d, n := others.last(); n != 1 || d != nil {
		t.Errorf("OTHERS reconfigured with %v (%d calls), want a single nil", d, n)
	}
	if d, _ := me.last(); d == nil || d.Name != "Mic" {
		t.Errorf("ME reconfigured with %v, want Mic", d)
	}
	h := m.History()
	if len(h) != 1 || !h[0].Success || h[0].Others {
		t.Errorf("History() = %+v, want one success without loopback", h)
	}
}

func TestReconnectFailsAfterRetries(t *testing.T) {
	host := &switchHost{}
	r := &reporter{}
	g := &gate{}
	g.on.Store(true)
	m := newTestMonitor(host, g, r)
	defer m.Close()

	var delays []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	e := &fakeEngine{}
	m.Attach(audio.SourceMe, e)

	m.HandleFault(audio.SourceMe, audio.ErrInvalidDevice)
	m.Wait()

	if m.State() != Failed {
		t.Errorf("State() = %v, want failed", m.State())
	}
	if n := len(m.History()); n != 3 {
		t.Errorf("History() has %d attempts, want 3", n)
	}
	if len(delays) != 2 || delays[0] != time.Millisecond || delays[1] != 2*time.Millisecond {
		t.Errorf("backoff delays = %v, want [1ms 2ms]", delays)
	}
	if _, n := e.last(); n != 0 {
		t.Errorf("engine reconfigured %d times, want 0", n)
	}
	if g.Listening() {
		t.Error("listening resumed after failed reconnect")
	}
	if len(r.notes) != 2 {
		t.Errorf("notifications = %v, want fault and failure", r.notes)
	}

	// A later fault starts a fresh cycle.
	host.set(device("Mic", false), nil)
	m.HandleFault(audio.SourceMe, audio.ErrInvalidDevice)
	m.Wait()
	if m.State() != Connected {
		t.Errorf("State() after second cycle = %v, want connected", m.State())
	}
	if !g.Listening() {
		t.Error("listening not restored after the later cycle succeeded")
	}
}

func TestConcurrentFaultsCoalesce(t *testing.T) {
	host := &switchHost{block: make(chan struct{})}
	host.set(device("Mic", false), device("Speakers", false), *device("Speakers (loopback)", true))
	m := newTestMonitor(host, nil, nil)
	defer m.Close()

	e := &fakeEngine{}
	m.Attach(audio.SourceMe, e)

	m.HandleFault(audio.SourceMe, audio.ErrStreamClosed)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := m.HandleFault(audio.SourceOthers, audio.ErrStreamClosed); got != DeviceFault {
				t.Errorf("HandleFault() = %v, want device_fault", got)
			}
		}()
	}
	wg.Wait()
	if !m.Reconnecting() {
		t.Error("Reconnecting() = false while resolution is blocked")
	}
	close(host.block)
	m.Wait()

	if n := host.queries.Load(); n != 1 {
		t.Errorf("device queries = %d, want 1", n)
	}
	if _, n := e.last(); n != 1 {
		t.Errorf("engine reconfigured %d times, want 1", n)
	}
	if m.Reconnecting() {
		t.Error("Reconnecting() = true after cycle finished")
	}
}

func TestResolveHonoursContext(t *testing.T) {
	host := &switchHost{block: make(chan struct{})}
	defer close(host.block)
	host.set(device("Mic", false), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Resolve(ctx, audio.NewDirectory(host, quietLogger()), false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Resolve() error = %v, want deadline exceeded", err)
	}
}

func TestResolveNoInput(t *testing.T) {
	host := &switchHost{}
	_, err := Resolve(context.Background(), audio.NewDirectory(host, quietLogger()), true)
	if !errors.Is(err, ErrNoInput) {
		t.Errorf("Resolve() error = %v, want ErrNoInput", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Connected:    "connected",
		Disconnected: "disconnected",
		Reconnecting: "reconnecting",
		Failed:       "failed",
	} {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
