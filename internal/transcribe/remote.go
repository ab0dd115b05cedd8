package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chaz8081/gostt-bridge/internal/audio"
	"github.com/chaz8081/gostt-bridge/internal/config"
	"github.com/chaz8081/gostt-bridge/internal/metrics"
)

// APIKeyEnv is consulted when the config carries no API key.
const APIKeyEnv = "GROQ_API_KEY"

// audioClient is the part of the go-openai client the strategy uses.
type audioClient interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// RemoteStrategy transcribes through an OpenAI-compatible HTTP API.
type RemoteStrategy struct {
	cfg     config.RemoteConfig
	client  audioClient
	log     *slog.Logger
	metrics *metrics.Metrics
	health  healthTracker

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRemoteStrategy builds a client for cfg.BaseURL. Without an API key
// the strategy is constructed but reports itself unavailable.
func NewRemoteStrategy(cfg config.RemoteConfig, m *metrics.Metrics, logger *slog.Logger) *RemoteStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(APIKeyEnv)
	}
	s := &RemoteStrategy{
		cfg:     cfg,
		log:     logger.With("component", "remote"),
		metrics: m,
		sleep:   sleepCtx,
	}
	if strings.TrimSpace(cfg.APIKey) != "" {
		oc := openai.DefaultConfig(cfg.APIKey)
		oc.BaseURL = cfg.BaseURL
		s.client = openai.NewClientWithConfig(oc)
	}
	return s
}

func (s *RemoteStrategy) Name() string   { return "remote" }
func (s *RemoteStrategy) Method() Method { return MethodRemote }

// Available reports whether a credential is configured.
func (s *RemoteStrategy) Available() bool {
	return s.client != nil
}

// Transcribe validates seg against the service limits, then sends it
// with bounded retries. Authentication and validation failures are not
// retried.
func (s *RemoteStrategy) Transcribe(ctx context.Context, seg *audio.Segment) (Result, error) {
	start := time.Now()
	res := newResult(seg, s)

	if !s.Available() {
		return res, s.fail(KindUnavailable, fmt.Errorf("no API key (set transcribe.remote.api_key or %s)", APIKeyEnv))
	}
	if d := seg.Duration(); d < s.cfg.MinDuration {
		return res, s.fail(KindNoContent, fmt.Errorf("segment of %v is shorter than %v", d, s.cfg.MinDuration))
	}
	data, err := seg.MonoWAV(audio.WhisperSampleRate)
	if err != nil {
		return res, s.fail(KindValidation, err)
	}
	if s.cfg.MaxFileBytes > 0 && len(data) > s.cfg.MaxFileBytes {
		return res, s.fail(KindValidation, fmt.Errorf("encoded audio is %d bytes, limit %d", len(data), s.cfg.MaxFileBytes))
	}

	var lastErr error
	var lastKind Kind
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.backoff(attempt - 1)
			s.log.Warn("remote transcription failed, retrying", "attempt", attempt, "delay", delay, "error", lastErr)
			s.metrics.RemoteRetry()
			if err := s.sleep(ctx, delay); err != nil {
				lastErr, lastKind = err, KindNetwork
				break
			}
		}

		text, err := s.request(ctx, data)
		if err == nil {
			res.Text = cleanTranscript(text)
			res.Duration = time.Since(start)
			s.health.success(time.Now())
			s.log.Debug("remote transcription done", "attempt", attempt+1, "elapsed", res.Duration)
			return res, nil
		}

		lastErr, lastKind = err, categorize(err)
		if !lastKind.Retryable() {
			s.log.Error("non-retryable remote error", "kind", lastKind, "error", err)
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	res.Duration = time.Since(start)
	return res, s.fail(lastKind, lastErr)
}

func (s *RemoteStrategy) request(ctx context.Context, data []byte) (string, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.cfg.Model,
		FilePath: "segment.wav",
		Reader:   bytes.NewReader(data),
		Language: s.cfg.Language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// backoff returns factor^n seconds.
func (s *RemoteStrategy) backoff(n int) time.Duration {
	factor := s.cfg.BackoffFactor
	if factor <= 0 {
		factor = 2
	}
	return time.Duration(math.Pow(factor, float64(n)) * float64(time.Second))
}

func (s *RemoteStrategy) fail(kind Kind, err error) error {
	if err == nil {
		err = errors.New("unknown failure")
	}
	e := &Error{Kind: kind, Strategy: s.Name(), Err: err}
	s.health.failure(e, time.Now())
	return e
}

func (s *RemoteStrategy) Health() Health {
	return s.health.snapshot(s.Name(), s.cfg.BaseURL, s.Available())
}

func (s *RemoteStrategy) Close() error { return nil }

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
