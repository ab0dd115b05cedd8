package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gostt-bridge/internal/audio"
	"github.com/chaz8081/gostt-bridge/internal/metrics"
	"github.com/chaz8081/gostt-bridge/internal/notify"
)

// State of the audio connection shared by all sources.
type State int32

const (
	Connected State = iota
	Disconnected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ErrNoInput is returned when no microphone can be found.
var ErrNoInput = errors.New("monitor: no usable input device")

// Engine is the monitor's handle on one capture engine. Both calls only
// post a request; the engine acts on it from its own goroutine.
type Engine interface {
	// Invalidate asks the engine to drop its stream and wait.
	Invalidate()
	// Reconfigure hands the engine a fresh device, or nil to disable it.
	Reconfigure(d *audio.Descriptor)
}

// Listener is the global listen switch.
type Listener interface {
	Listening() bool
	SetListening(on bool)
}

// Reporter receives fault and recovery events.
type Reporter interface {
	Notify(source string, err error, severity notify.Severity, message string)
	Clear(source string)
}

// Attempt records one pass of the reconnection loop.
type Attempt struct {
	Time    time.Time
	Source  audio.Source // source whose fault started the cycle
	Number  int
	Success bool
	Others  bool // loopback found
	Err     string
}

// Options configures a Monitor.
type Options struct {
	Directory     *audio.Directory
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	DeviceTimeout time.Duration
	IncludeOthers bool
	Listener      Listener
	Reporter      Reporter
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

const maxHistory = 50

// Monitor owns the connection state and runs at most one reconnection at
// a time.
type Monitor struct {
	opts Options
	log  *slog.Logger

	state        atomic.Int32
	reconnecting atomic.Bool

	// resume is set while listening was paused by a reconnection cycle
	// that has not yet succeeded.
	resume atomic.Bool

	mu      sync.Mutex
	engines map[audio.Source]Engine
	history []Attempt

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Monitor in the Connected state.
func New(opts Options) *Monitor {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.DeviceTimeout <= 0 {
		opts.DeviceTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{
		opts:    opts,
		log:     opts.Logger.With("component", "monitor"),
		engines: make(map[audio.Source]Engine),
		ctx:     ctx,
		cancel:  cancel,
		sleep:   sleepCtx,
	}
	m.setState(Connected)
	return m
}

// Attach registers the engine for source.
func (m *Monitor) Attach(source audio.Source, e Engine) {
	m.mu.Lock()
	m.engines[source] = e
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// Reconnecting reports whether a reconnection is in flight.
func (m *Monitor) Reconnecting() bool {
	return m.reconnecting.Load()
}

// History returns the recorded reconnection attempts, oldest first.
func (m *Monitor) History() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, len(m.history))
	copy(out, m.history)
	return out
}

// HandleFault classifies err from source. Device faults mark the
// connection Disconnected and start a reconnection unless one is already
// running, in which case the report is coalesced into it.
func (m *Monitor) HandleFault(source audio.Source, err error) Class {
	class := Classify(err)
	if class == Transient {
		m.log.Debug("[AUDIO] transient stream error", "source", source, "error", err)
		return class
	}

	if m.reconnecting.Load() {
		m.log.Debug("[AUDIO] reconnection in progress, fault coalesced", "source", source, "error", err)
		return class
	}

	m.log.Warn("[AUDIO] device fault", "source", source, "error", err)
	m.opts.Metrics.DeviceFault(string(source))
	m.report(source, err, "")

	if !m.reconnecting.CompareAndSwap(false, true) {
		return class
	}
	m.setState(Disconnected)
	m.wg.Add(1)
	go m.reconnect(source)
	return class
}

// Wait blocks until any running reconnection finishes.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// Close aborts a running reconnection and waits for it.
func (m *Monitor) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) reconnect(source audio.Source) {
	defer m.wg.Done()
	defer m.reconnecting.Store(false)

	if l := m.opts.Listener; l != nil && l.Listening() {
		l.SetListening(false)
		m.resume.Store(true)
	}

	m.setState(Reconnecting)
	engines := m.snapshotEngines()
	for _, e := range engines {
		e.Invalidate()
	}

	var (
		res Resolution
		err error
	)
	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(attempt, m.opts.BaseDelay, m.opts.MaxDelay)
			m.log.Info("[AUDIO] reconnect backoff", "attempt", attempt, "delay", delay)
			if err := m.sleep(m.ctx, delay); err != nil {
				return
			}
		}

		ctx, cancel := context.WithTimeout(m.ctx, m.opts.DeviceTimeout)
		res, err = Resolve(ctx, m.opts.Directory, m.opts.IncludeOthers)
		cancel()

		m.record(Attempt{
			Time:    time.Now(),
			Source:  source,
			Number:  attempt,
			Success: err == nil,
			Others:  res.Others != nil,
			Err:     errString(err),
		})
		if err == nil {
			break
		}
		m.log.Warn("[AUDIO] reconnect failed", "attempt", attempt, "error", err)
		if m.ctx.Err() != nil {
			return
		}
	}

	if err != nil {
		m.setState(Failed)
		m.opts.Metrics.Reconnect(false)
		m.report(source, err, fmt.Sprintf("Audio reconnection failed after %d attempts", m.opts.MaxRetries))
		m.log.Error("[AUDIO] reconnection failed", "attempts", m.opts.MaxRetries, "error", err)
		return
	}

	if res.Others == nil && m.opts.IncludeOthers {
		m.log.Warn("[AUDIO] loopback device not found, continuing with microphone only")
	}
	for src, e := range engines {
		e.Reconfigure(res.For(src))
	}

	m.setState(Connected)
	m.opts.Metrics.Reconnect(true)
	if r := m.opts.Reporter; r != nil {
		r.Clear(notifySource(audio.SourceMe))
		r.Clear(notifySource(audio.SourceOthers))
	}
	if m.resume.CompareAndSwap(true, false) {
		m.opts.Listener.SetListening(true)
	}
	m.log.Info("[AUDIO] reconnected", "input", res.Me.Name, "loopback", descName(res.Others))
}

func (m *Monitor) snapshotEngines() map[audio.Source]Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[audio.Source]Engine, len(m.engines))
	for k, v := range m.engines {
		out[k] = v
	}
	return out
}

func (m *Monitor) record(a Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, a)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
	m.opts.Metrics.SetConnectionState(int(s))
}

func (m *Monitor) report(source audio.Source, err error, message string) {
	if m.opts.Reporter == nil {
		return
	}
	m.opts.Reporter.Notify(notifySource(source), err, notify.SeverityError, message)
}

func notifySource(s audio.Source) string {
	return "audio_" + string(s)
}

// backoffDelay returns the wait before attempt n (n >= 2): base, 2*base,
// 4*base and so on, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 2 {
		return 0
	}
	delay := base << uint(attempt-2)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func descName(d *audio.Descriptor) string {
	if d == nil {
		return ""
	}
	return d.Name
}
