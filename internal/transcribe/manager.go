package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gostt-bridge/internal/audio"
	"github.com/chaz8081/gostt-bridge/internal/config"
	"github.com/chaz8081/gostt-bridge/internal/metrics"
)

// FallbackNotifier is told when the fallback strategy takes over.
type FallbackNotifier interface {
	NotifyFallback(primary, fallback string, err error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Policy   config.FallbackPolicy
	Notifier FallbackNotifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Manager runs a primary strategy with an optional, rate-limited
// fallback. A segment is only ever handed to one strategy at a time.
type Manager struct {
	opts ManagerOptions
	log  *slog.Logger

	mu         sync.RWMutex
	strategies map[string]Strategy
	order      []string
	primary    Strategy
	fallback   Strategy

	fbMu          sync.Mutex
	fallbackCount map[string]int
	lastFallback  map[string]time.Time

	stats *statsTracker
}

// NewManager registers primary and fallback; either may be nil. If the
// primary is unavailable the fallback is promoted. ErrNoStrategy is
// returned when nothing is available.
func NewManager(primary, fallback Strategy, opts ManagerOptions) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		opts:          opts,
		log:           opts.Logger.With("component", "transcribe"),
		strategies:    make(map[string]Strategy),
		fallbackCount: make(map[string]int),
		lastFallback:  make(map[string]time.Time),
		stats:         newStatsTracker(),
	}
	for _, s := range []Strategy{primary, fallback} {
		if s == nil {
			continue
		}
		m.strategies[s.Name()] = s
		m.order = append(m.order, s.Name())
	}

	switch {
	case primary != nil && primary.Available():
		m.primary = primary
		if fallback != nil && fallback.Available() {
			m.fallback = fallback
		}
	case fallback != nil && fallback.Available():
		m.log.Warn("primary strategy unavailable, promoting fallback", "fallback", fallback.Name())
		m.primary = fallback
	default:
		return nil, ErrNoStrategy
	}
	m.log.Info("transcription ready", "primary", m.primary.Name(), "fallback", nameOf(m.fallback))
	return m, nil
}

// TranscribeWithFallback transcribes seg with the primary strategy and,
// if that fails with a fallbackable error, once with the fallback. When
// both fail the primary's result is returned with Err set.
func (m *Manager) TranscribeWithFallback(ctx context.Context, seg *audio.Segment) Result {
	m.mu.RLock()
	primary, fallback := m.primary, m.fallback
	m.mu.RUnlock()

	res, err := m.run(ctx, primary, seg, false)
	if err == nil {
		return res
	}
	perr := asError(primary, err)
	res.Err = perr
	m.log.Warn("primary transcription failed", "strategy", primary.Name(), "kind", perr.Kind, "error", perr.Err)

	if fallback == nil || !m.opts.Policy.Enabled {
		return res
	}
	if !perr.Kind.Fallbackable() {
		m.log.Info("segment rejected, not falling back", "kind", perr.Kind)
		return res
	}
	if ctx.Err() != nil || !fallback.Available() {
		return res
	}
	if !m.allowFallback(fallback.Name()) {
		m.log.Info("fallback cooldown active", "fallback", fallback.Name())
		return res
	}

	if m.opts.Notifier != nil {
		m.opts.Notifier.NotifyFallback(primary.Name(), fallback.Name(), perr)
	}
	m.opts.Metrics.Fallback()

	fres, ferr := m.run(ctx, fallback, seg, true)
	if ferr != nil {
		m.log.Warn("fallback transcription also failed", "strategy", fallback.Name(), "error", ferr)
		return res
	}
	fres.FallbackUsed = true
	m.log.Info("fallback transcription succeeded", "strategy", fallback.Name())
	return fres
}

func (m *Manager) run(ctx context.Context, s Strategy, seg *audio.Segment, fallback bool) (Result, error) {
	start := m.opts.Now()
	res, err := s.Transcribe(ctx, seg)
	elapsed := res.Duration
	if elapsed == 0 {
		elapsed = m.opts.Now().Sub(start)
	}
	m.stats.record(Entry{
		Time:     m.opts.Now(),
		Strategy: s.Name(),
		Success:  err == nil,
		Duration: elapsed,
		Fallback: fallback,
	})
	m.opts.Metrics.Transcription(s.Name(), err == nil, elapsed)
	return res, err
}

// allowFallback enforces the cooldown: once the limit is reached the
// fallback is skipped until the cooldown has passed since its last use.
// Every permitted use counts, whatever its outcome.
func (m *Manager) allowFallback(name string) bool {
	m.fbMu.Lock()
	defer m.fbMu.Unlock()

	now := m.opts.Now()
	if limit := m.opts.Policy.RetryLimit; limit > 0 && m.fallbackCount[name] >= limit {
		if now.Sub(m.lastFallback[name]) < m.opts.Policy.Cooldown {
			return false
		}
		m.fallbackCount[name] = 0
	}
	m.fallbackCount[name]++
	m.lastFallback[name] = now
	return true
}

// Switch makes name the primary strategy after re-checking that it is
// available. Switching to the current fallback swaps the two roles.
func (m *Manager) Switch(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.strategies[name]
	if !ok {
		return fmt.Errorf("transcribe: unknown strategy %q", name)
	}
	if !s.Available() {
		return &Error{Kind: KindUnavailable, Strategy: name, Err: errors.New("strategy not available")}
	}
	if s == m.primary {
		return nil
	}
	old := m.primary
	if s == m.fallback {
		m.fallback = old
	}
	m.primary = s
	m.log.Info("switched transcription strategy", "from", old.Name(), "to", name)
	return nil
}

// CurrentStrategy returns the primary strategy's name.
func (m *Manager) CurrentStrategy() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primary.Name()
}

// FallbackStrategy returns the fallback's name, or "".
func (m *Manager) FallbackStrategy() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return nameOf(m.fallback)
}

// AvailableStrategies maps each registered strategy to its availability.
func (m *Manager) AvailableStrategies() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.strategies))
	for name, s := range m.strategies {
		out[name] = s.Available()
	}
	return out
}

// Health returns the health of every registered strategy.
func (m *Manager) Health() map[string]Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Health, len(m.strategies))
	for name, s := range m.strategies {
		out[name] = s.Health()
	}
	return out
}

// Stats returns a copy of the performance statistics.
func (m *Manager) Stats() Stats {
	return m.stats.snapshot()
}

// Summary renders Stats for humans.
func (m *Manager) Summary() string {
	return m.Stats().Summary()
}

// Close releases every registered strategy.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, name := range m.order {
		if err := m.strategies[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func asError(s Strategy, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: KindAPI, Strategy: s.Name(), Err: err}
}

func nameOf(s Strategy) string {
	if s == nil {
		return ""
	}
	return s.Name()
}
