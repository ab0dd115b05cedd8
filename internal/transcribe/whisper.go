package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	whisper "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/chaz8081/gostt-bridge/internal/audio"
	"github.com/chaz8081/gostt-bridge/internal/config"
	"github.com/chaz8081/gostt-bridge/internal/models"
)

// inferFunc runs the model over mono 16 kHz samples.
type inferFunc func(ctx context.Context, samples []float32) (string, error)

// WhisperStrategy transcribes locally with whisper.cpp. The model is
// loaded once and inference calls are serialized. Available and Health
// never wait on a running inference.
type WhisperStrategy struct {
	device string // reported only
	log    *slog.Logger

	mu     sync.Mutex // held for inference and Close
	infer  inferFunc
	close  func() error
	closed atomic.Bool

	health healthTracker
}

// NewWhisperStrategy loads the model named by cfg. A missing model file
// is downloaded first when cfg.AutoDownload is set. Load failures wrap
// ErrModelInit.
func NewWhisperStrategy(ctx context.Context, cfg config.LocalConfig, logger *slog.Logger) (*WhisperStrategy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "whisper")

	if _, err := os.Stat(cfg.ModelPath); errors.Is(err, os.ErrNotExist) {
		if !cfg.AutoDownload {
			return nil, fmt.Errorf("%w: model not found at %s (run 'gostt-bridge models pull')", ErrModelInit, cfg.ModelPath)
		}
		log.Info("model missing, downloading", "path", cfg.ModelPath)
		if err := models.DownloadWhisper(ctx, cfg.ModelPath, nil); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelInit, err)
		}
	}

	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load whisper model %q: %v", ErrModelInit, cfg.ModelPath, err)
	}

	device := selectAccelerator(cfg.Accelerator, log)
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	log.Info("whisper model loaded", "path", cfg.ModelPath, "device", device, "threads", threads)

	s := &WhisperStrategy{
		device: device,
		log:    log,
		close:  model.Close,
	}
	s.infer = func(ctx context.Context, samples []float32) (string, error) {
		return runWhisper(ctx, model, cfg, threads, samples)
	}
	return s, nil
}

func runWhisper(ctx context.Context, model whisper.Model, cfg config.LocalConfig, threads int, samples []float32) (string, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}
	if cfg.Language != "" {
		if err := wctx.SetLanguage(cfg.Language); err != nil {
			return "", fmt.Errorf("set language %q: %w", cfg.Language, err)
		}
	}
	wctx.SetThreads(uint(threads))
	if cfg.BeamSize > 0 {
		wctx.SetBeamSize(cfg.BeamSize)
	}

	// Returning false from the encoder callback aborts inference.
	keepGoing := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, keepGoing, nil, nil); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("process: %w", err)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var segments []string
	for {
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("next segment: %w", err)
		}
		segments = append(segments, seg.Text)
	}
	return strings.Join(segments, " "), nil
}

// selectAccelerator resolves "auto", "gpu" and "cpu" to the device label
// shown in Health. The bindings expose no backend switch, so the label
// does not change where whisper.cpp runs; that is fixed when the library
// is built.
func selectAccelerator(pref string, log *slog.Logger) string {
	if pref == "cpu" {
		return "cpu"
	}
	detected := detectGPU()
	if detected == "" {
		if pref == "gpu" {
			log.Warn("gpu requested but none detected, using cpu")
		}
		return "cpu"
	}
	return detected
}

func detectGPU() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "metal"
	}
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		return "cuda"
	}
	return ""
}

func (s *WhisperStrategy) Name() string   { return "local" }
func (s *WhisperStrategy) Method() Method { return MethodLocal }

// Available reports whether the model is loaded.
func (s *WhisperStrategy) Available() bool {
	return !s.closed.Load() && s.infer != nil
}

// Transcribe runs the segment through the model. Empty text after
// filtering is a successful result.
func (s *WhisperStrategy) Transcribe(ctx context.Context, seg *audio.Segment) (Result, error) {
	start := time.Now()
	res := newResult(seg, s)

	samples, err := s.samples(seg)
	if err != nil {
		return res, s.fail(KindValidation, err)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return res, s.fail(KindUnavailable, errors.New("model released"))
	}
	text, err := s.infer(ctx, samples)
	s.mu.Unlock()

	res.Duration = time.Since(start)
	if err != nil {
		return res, s.fail(KindModel, err)
	}

	res.Text = cleanTranscript(text)
	if res.Text == "" && strings.TrimSpace(text) != "" {
		s.log.Debug("filtered likely hallucination", "text", text)
	}
	s.health.success(time.Now())
	return res, nil
}

// samples renders seg as WAV and decodes it to mono 16 kHz floats.
func (s *WhisperStrategy) samples(seg *audio.Segment) ([]float32, error) {
	data, err := seg.WAV()
	if err != nil {
		return nil, err
	}
	return audio.DecodeWAV(data, audio.WhisperSampleRate)
}

func (s *WhisperStrategy) fail(kind Kind, err error) error {
	e := &Error{Kind: kind, Strategy: s.Name(), Err: err}
	s.health.failure(e, time.Now())
	return e
}

func (s *WhisperStrategy) Health() Health {
	return s.health.snapshot(s.Name(), s.device, s.Available())
}

// Close releases the model. Further calls are no-ops.
func (s *WhisperStrategy) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	// Wait for a running inference before freeing the model.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.close != nil {
		return s.close()
	}
	return nil
}
