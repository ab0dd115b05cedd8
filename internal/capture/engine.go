package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gostt-bridge/internal/audio"
	"github.com/chaz8081/gostt-bridge/internal/metrics"
	"github.com/chaz8081/gostt-bridge/internal/monitor"
)

// Gate is the process-wide listen switch shared by every engine.
type Gate struct {
	on atomic.Bool
}

// NewGate returns a Gate in the given position.
func NewGate(on bool) *Gate {
	g := &Gate{}
	g.on.Store(on)
	return g
}

func (g *Gate) Listening() bool     { return g.on.Load() }
func (g *Gate) SetListening(on bool) { g.on.Store(on) }

// FaultHandler receives device faults; implemented by *monitor.Monitor.
type FaultHandler interface {
	HandleFault(source audio.Source, err error) monitor.Class
	Reconnecting() bool
}

// Queue accepts finished segments. Ownership passes with the call.
type Queue interface {
	Push(seg *audio.Segment)
}

// Options configures an Engine.
type Options struct {
	Source audio.Source
	Host   audio.Host
	Device *audio.Descriptor // nil leaves the engine idle until Reconfigure

	// Format requested from the device. A zero SampleRate or Channels is
	// taken from the device descriptor.
	Format      audio.Format
	ChunkFrames int

	Threshold       float64
	SilenceDuration time.Duration
	MaxDuration     time.Duration
	PreRollChunks   int
	DebounceChunks  int
	MinFrames       int

	TransientLimit int           // consecutive transient errors before escalating
	TransientDelay time.Duration // pause after a transient error
	RetryInterval  time.Duration // fault re-report period while waiting

	Gate    *Gate
	Faults  FaultHandler
	Queue   Queue
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type control struct {
	invalidate bool
	device     *audio.Descriptor
}

// Engine records sound-activated segments from one source. Run owns the
// stream; Invalidate and Reconfigure may be called from any goroutine.
type Engine struct {
	opts Options
	log  *slog.Logger

	ctrlMu sync.Mutex
	ctrl   chan control

	enabled atomic.Bool

	// Owned by the Run goroutine.
	device     *audio.Descriptor
	waiting    bool
	lastErr    error
	stream     audio.Stream
	format     audio.Format
	det        *Detector
	transients int

	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine returns an Engine for opts.Source.
func NewEngine(opts Options) *Engine {
	if opts.ChunkFrames <= 0 {
		opts.ChunkFrames = 1024
	}
	if opts.Format.SampleWidth == 0 {
		opts.Format.SampleWidth = 2
	}
	if opts.TransientLimit <= 0 {
		opts.TransientLimit = 5
	}
	if opts.TransientDelay <= 0 {
		opts.TransientDelay = 100 * time.Millisecond
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		opts:   opts,
		log:    opts.Logger.With("component", "capture", "source", opts.Source),
		ctrl:   make(chan control, 1),
		device: opts.Device,
		sleep:  sleepCtx,
	}
	e.enabled.Store(opts.Device != nil)
	return e
}

// Source returns the source tag of the engine.
func (e *Engine) Source() audio.Source {
	return e.opts.Source
}

// Enabled reports whether the engine has a device assigned.
func (e *Engine) Enabled() bool {
	return e.enabled.Load()
}

// Invalidate asks the engine to release its stream and wait for a new
// device.
func (e *Engine) Invalidate() {
	e.post(control{invalidate: true})
}

// Reconfigure replaces the engine's device. A nil descriptor disables the
// source until the next Reconfigure.
func (e *Engine) Reconfigure(d *audio.Descriptor) {
	e.post(control{device: d})
}

// post delivers c, replacing any control message not yet consumed.
func (e *Engine) post(c control) {
	e.ctrlMu.Lock()
	defer e.ctrlMu.Unlock()
	select {
	case <-e.ctrl:
	default:
	}
	e.ctrl <- c
}

// Run captures until ctx is done. The in-progress recording is flushed
// on return.
func (e *Engine) Run(ctx context.Context) error {
	defer e.closeStream()

	for {
		select {
		case <-ctx.Done():
			e.flush()
			return nil
		case c := <-e.ctrl:
			e.apply(c)
			continue
		default:
		}

		if e.stream == nil {
			if !e.open() {
				e.idle(ctx)
			}
			continue
		}

		chunk, err := e.stream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			e.readError(ctx, err)
			continue
		}
		e.transients = 0
		e.process(chunk)
	}
}

func (e *Engine) apply(c control) {
	e.flush()
	e.closeStream()
	if c.invalidate {
		e.waiting = true
		e.log.Debug("stream invalidated")
		return
	}
	e.device = c.device
	e.enabled.Store(c.device != nil)
	e.waiting = false
	e.lastErr = nil
	e.transients = 0
	if c.device == nil {
		e.log.Info("source disabled, no device")
	} else {
		e.log.Info("device updated", "device", c.device.Name)
	}
}

// open starts a stream on the current device. It reports false when the
// engine must wait instead.
func (e *Engine) open() bool {
	if e.device == nil || e.waiting {
		return false
	}
	if e.opts.Faults != nil && e.opts.Faults.Reconnecting() {
		return false
	}

	f := e.formatFor(e.device)
	stream, err := e.opts.Host.OpenStream(e.device, f, e.opts.ChunkFrames)
	if err != nil {
		e.log.Error("open stream failed", "device", e.device.Name, "error", err)
		if monitor.Classify(err) != monitor.DeviceFault {
			err = fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
		}
		e.fault(fmt.Errorf("capture: open %q: %w", e.device.Name, err))
		return false
	}

	e.stream = stream
	e.format = f
	cfg := DetectorConfig{
		Threshold:      e.opts.Threshold,
		SilenceChunks:  ChunkCount(e.opts.SilenceDuration, f.SampleRate, e.opts.ChunkFrames),
		PreRollChunks:  e.opts.PreRollChunks,
		DebounceChunks: e.opts.DebounceChunks,
		MinFrames:      e.opts.MinFrames,
	}
	if e.opts.MaxDuration > 0 {
		cfg.MaxChunks = ChunkCount(e.opts.MaxDuration, f.SampleRate, e.opts.ChunkFrames)
	}
	e.det = NewDetector(cfg)
	e.log.Info("stream opened", "device", e.device.Name, "rate", f.SampleRate, "channels", f.Channels)
	return true
}

// idle blocks until a control message arrives, ctx ends, or it is time
// to retry.
func (e *Engine) idle(ctx context.Context) {
	wait := e.opts.RetryInterval
	blockedByReconnect := !e.waiting && e.device != nil
	if blockedByReconnect {
		wait = e.opts.TransientDelay
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case c := <-e.ctrl:
		e.apply(c)
	case <-t.C:
		if e.waiting && e.lastErr != nil && e.opts.Faults != nil && !e.opts.Faults.Reconnecting() {
			e.log.Debug("re-reporting device fault", "error", e.lastErr)
			e.opts.Faults.HandleFault(e.opts.Source, e.lastErr)
		}
	}
}

func (e *Engine) readError(ctx context.Context, err error) {
	if monitor.Classify(err) == monitor.Transient {
		e.transients++
		if e.transients < e.opts.TransientLimit {
			e.log.Warn("transient read error", "error", err, "count", e.transients)
			_ = e.sleep(ctx, e.opts.TransientDelay)
			return
		}
		err = fmt.Errorf("%w: %d consecutive read errors: %v", audio.ErrDeviceUnavailable, e.transients, err)
	}
	e.log.Error("device fault", "error", err)
	e.flush()
	e.closeStream()
	e.fault(err)
}

// fault parks the engine and hands err to the monitor.
func (e *Engine) fault(err error) {
	e.waiting = true
	e.lastErr = err
	e.transients = 0
	if e.opts.Faults != nil {
		e.opts.Faults.HandleFault(e.opts.Source, err)
	}
}

func (e *Engine) process(chunk []byte) {
	if e.opts.Gate != nil && !e.opts.Gate.Listening() {
		if e.det.State() == Recording {
			e.det.Reset()
		}
		return
	}
	if frames := e.det.Push(chunk); frames != nil {
		e.emit(frames)
	}
}

func (e *Engine) flush() {
	if e.det == nil {
		return
	}
	if frames := e.det.Flush(); frames != nil {
		e.emit(frames)
	}
}

func (e *Engine) emit(frames [][]byte) {
	seg := audio.NewSegment(e.opts.Source, e.format, frames)
	e.opts.Metrics.SegmentCaptured(string(e.opts.Source), seg.Duration())
	e.log.Debug("segment captured", "id", seg.ID(), "frames", seg.FrameCount(), "duration", seg.Duration())
	if e.opts.Queue != nil {
		e.opts.Queue.Push(seg)
	}
}

func (e *Engine) closeStream() {
	if e.stream == nil {
		return
	}
	if err := e.stream.Close(); err != nil {
		e.log.Debug("closing stream", "error", err)
	}
	e.stream = nil
}

func (e *Engine) formatFor(d *audio.Descriptor) audio.Format {
	f := e.opts.Format
	if f.SampleRate == 0 {
		f.SampleRate = int(d.DefaultSampleRate)
	}
	if f.Channels == 0 {
		f.Channels = min(d.MaxInputChannels, 2)
	}
	return f
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
