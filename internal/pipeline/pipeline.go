// Package pipeline wires the capture engines, the connection monitor and
// the transcription manager into one running system and exposes its
// query surface.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gostt-bridge/internal/audio"
	"github.com/chaz8081/gostt-bridge/internal/capture"
	"github.com/chaz8081/gostt-bridge/internal/config"
	"github.com/chaz8081/gostt-bridge/internal/metrics"
	"github.com/chaz8081/gostt-bridge/internal/monitor"
	"github.com/chaz8081/gostt-bridge/internal/notify"
	"github.com/chaz8081/gostt-bridge/internal/transcribe"
)

const (
	popTimeout    = 500 * time.Millisecond
	resultBacklog = 64

	// transcriptionSource is the notifier source for failed segments.
	transcriptionSource = "transcription"
)

// Transcript is a finished transcription ready for downstream routing.
type Transcript struct {
	Text         string
	Source       audio.Source
	Timestamp    time.Time
	Method       transcribe.Method
	Strategy     string
	FallbackUsed bool
	SegmentID    string
}

// Transcriber is the part of *transcribe.Manager the pipeline drives.
type Transcriber interface {
	TranscribeWithFallback(ctx context.Context, seg *audio.Segment) transcribe.Result
	CurrentStrategy() string
	AvailableStrategies() map[string]bool
	Switch(name string) error
	Stats() transcribe.Stats
}

// Options configures a Pipeline.
type Options struct {
	Config      *config.Config
	Host        audio.Host
	Transcriber Transcriber
	Notifier    *notify.Notifier
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Listening   bool // initial position of the listen switch
}

// Pipeline owns one capture engine per source, a shared segment queue
// and a single transcription worker.
type Pipeline struct {
	cfg      *config.Config
	tr       Transcriber
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	gate    *capture.Gate
	monitor *monitor.Monitor
	engines []*capture.Engine
	queue   *SegmentQueue
	results chan Transcript

	runOnce sync.Once
}

// New resolves the capture devices and builds the engines. A missing
// microphone is an error; a missing loopback device only disables the
// OTHERS source.
func New(ctx context.Context, opts Options) (*Pipeline, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.New(notify.Options{Logger: logger})
	}
	if opts.Transcriber == nil {
		return nil, fmt.Errorf("pipeline: %w", transcribe.ErrNoStrategy)
	}

	p := &Pipeline{
		cfg:      cfg,
		tr:       opts.Transcriber,
		notifier: notifier,
		metrics:  opts.Metrics,
		log:      logger.With("component", "pipeline"),
		gate:     capture.NewGate(opts.Listening),
		queue:    NewSegmentQueue(opts.Metrics),
		results:  make(chan Transcript, resultBacklog),
	}

	dir := audio.NewDirectory(opts.Host, logger)
	includeOthers := !cfg.Audio.DisableLoopback
	p.monitor = monitor.New(monitor.Options{
		Directory:     dir,
		MaxRetries:    cfg.Reconnect.MaxRetries,
		BaseDelay:     cfg.Reconnect.BaseDelay,
		DeviceTimeout: cfg.Reconnect.DeviceTimeout,
		IncludeOthers: includeOthers,
		Listener:      p.gate,
		Reporter:      notifier,
		Metrics:       opts.Metrics,
		Logger:        logger,
	})

	rctx, cancel := context.WithTimeout(ctx, cfg.Reconnect.DeviceTimeout)
	res, err := monitor.Resolve(rctx, dir, includeOthers)
	cancel()
	if err != nil {
		p.monitor.Close()
		notifier.Notify("audio_"+string(audio.SourceMe), err, notify.SeverityError, "")
		return nil, fmt.Errorf("pipeline: resolve devices: %w", err)
	}

	p.log.Info("input device", "name", res.Me.Name)
	p.addEngine(audio.SourceMe, res.Me, opts.Host, audio.Format{
		SampleRate:  int(cfg.Audio.SampleRate),
		Channels:    int(cfg.Audio.Channels),
		SampleWidth: 2,
	})
	if includeOthers {
		if res.Others == nil {
			p.log.Warn("no loopback device found, OTHERS source disabled")
		} else {
			p.log.Info("loopback device", "name", res.Others.Name)
		}
		// Loopback streams use the device's native format.
		p.addEngine(audio.SourceOthers, res.Others, opts.Host, audio.Format{SampleWidth: 2})
	}
	return p, nil
}

func (p *Pipeline) addEngine(source audio.Source, d *audio.Descriptor, host audio.Host, f audio.Format) {
	c := p.cfg.Capture
	e := capture.NewEngine(capture.Options{
		Source:          source,
		Host:            host,
		Device:          d,
		Format:          f,
		ChunkFrames:     p.cfg.Audio.ChunkFrames,
		Threshold:       c.SilenceThreshold,
		SilenceDuration: c.SilenceDuration,
		MaxDuration:     c.MaxDuration,
		PreRollChunks:   c.PreRollChunks,
		DebounceChunks:  c.DebounceChunks,
		MinFrames:       c.MinFrames,
		TransientLimit:  c.TransientLimit,
		TransientDelay:  c.TransientDelay,
		RetryInterval:   c.RetryInterval,
		Gate:            p.gate,
		Faults:          p.monitor,
		Queue:           p.queue,
		Metrics:         p.metrics,
		Logger:          p.log,
	})
	p.engines = append(p.engines, e)
	p.monitor.Attach(source, e)
}

// Run captures and transcribes until ctx is done, then waits for every
// goroutine to finish and closes Results. It may be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	started := false
	p.runOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("pipeline: already run")
	}

	var wg sync.WaitGroup
	for _, e := range p.engines {
		wg.Add(1)
		go func(e *capture.Engine) {
			defer wg.Done()
			if err := e.Run(ctx); err != nil {
				p.log.Error("capture engine stopped", "source", e.Source(), "error", err)
			}
		}(e)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.work(ctx)
	}()

	p.log.Info("pipeline running", "sources", len(p.engines), "strategy", p.tr.CurrentStrategy())
	<-ctx.Done()
	wg.Wait()
	p.monitor.Close()
	close(p.results)
	p.log.Info("pipeline stopped", "pending", p.queue.Len())
	return nil
}

// work is the single transcription consumer.
func (p *Pipeline) work(ctx context.Context) {
	for {
		seg := p.queue.Pop(ctx, popTimeout)
		if seg == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		p.handle(ctx, seg)
	}
}

// handle transcribes seg, retrying inline so segments from one source
// stay in order. Only retryable failures are attempted again; a segment
// that keeps failing is discarded.
func (p *Pipeline) handle(ctx context.Context, seg *audio.Segment) {
	attempts := max(p.cfg.Transcribe.SegmentAttempts, 1)

	var res transcribe.Result
	for i := 1; i <= attempts; i++ {
		res = p.tr.TranscribeWithFallback(ctx, seg)
		if res.OK() || !res.Err.Kind.Retryable() || ctx.Err() != nil {
			break
		}
		p.log.Warn("transcription attempt failed", "segment", seg.ID(), "attempt", i, "error", res.Err)
	}

	if !res.OK() {
		p.metrics.SegmentDiscarded(string(seg.Source()))
		if !res.Err.Kind.Fallbackable() {
			p.log.Info("segment dropped", "segment", seg.ID(), "source", seg.Source(), "reason", res.Err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		p.log.Error("segment discarded", "segment", seg.ID(), "source", seg.Source(), "error", res.Err)
		p.notifier.Notify(transcriptionSource, res.Err, notify.SeverityError, "")
		return
	}

	if p.notifier.IsActive(transcriptionSource) {
		p.notifier.Clear(transcriptionSource)
	}
	if res.Text == "" {
		return
	}

	t := Transcript{
		Text:         res.Text,
		Source:       seg.Source(),
		Timestamp:    seg.CreatedAt(),
		Method:       res.Method,
		Strategy:     res.Strategy,
		FallbackUsed: res.FallbackUsed,
		SegmentID:    seg.ID().String(),
	}
	select {
	case p.results <- t:
	case <-ctx.Done():
	}
}

// Queue exposes the segment queue for diagnostics.
func (p *Pipeline) Queue() *SegmentQueue { return p.queue }

// Results delivers transcripts. It is closed when Run returns.
func (p *Pipeline) Results() <-chan Transcript { return p.results }

func (p *Pipeline) CurrentStrategy() string { return p.tr.CurrentStrategy() }

func (p *Pipeline) AvailableStrategies() map[string]bool { return p.tr.AvailableStrategies() }

// SwitchStrategy makes name the active strategy for subsequent segments.
func (p *Pipeline) SwitchStrategy(name string) error { return p.tr.Switch(name) }

func (p *Pipeline) Stats() transcribe.Stats { return p.tr.Stats() }

func (p *Pipeline) ConnectionState() monitor.State { return p.monitor.State() }

// ReconnectHistory returns the recorded reconnection attempts.
func (p *Pipeline) ReconnectHistory() []monitor.Attempt { return p.monitor.History() }

func (p *Pipeline) ActiveExceptions() []notify.Notification { return p.notifier.Active() }

// Sources reports which capture sources currently have a device.
func (p *Pipeline) Sources() map[audio.Source]bool {
	out := make(map[audio.Source]bool, len(p.engines))
	for _, e := range p.engines {
		out[e.Source()] = e.Enabled()
	}
	return out
}

func (p *Pipeline) Listening() bool { return p.gate.Listening() }

// SetListening turns capture on or off for every source.
func (p *Pipeline) SetListening(on bool) {
	p.gate.SetListening(on)
	p.log.Info("listening changed", "listening", on)
}

// ToggleListening flips the listen switch and returns the new position.
func (p *Pipeline) ToggleListening() bool {
	on := !p.gate.Listening()
	p.SetListening(on)
	return on
}
