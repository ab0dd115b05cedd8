package transcribe

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

const (
	statsWindow  = 100
	recentWindow = 10
)

// Entry is one recorded transcription call.
type Entry struct {
	Time     time.Time
	Strategy string
	Success  bool
	Duration time.Duration
	Fallback bool
}

// StrategyStats aggregates the calls made to one strategy.
type StrategyStats struct {
	Requests  int
	Successes int
	Failures  int
	TotalTime time.Duration
	AvgTime   time.Duration
}

// Stats is a snapshot of manager performance.
type Stats struct {
	TotalRequests    int
	Successful       int
	Failed           int
	FallbackRequests int
	TotalTime        time.Duration

	AvgTime      time.Duration
	SuccessRate  float64
	FallbackRate float64

	// Over the last ten calls.
	RecentSuccessRate  float64
	RecentFallbackRate float64
	RecentAvgTime      time.Duration

	ByStrategy map[string]StrategyStats
	Recent     []Entry // oldest first, at most 100
}

type statsTracker struct {
	mu     sync.Mutex
	totals Stats
	by     map[string]*StrategyStats
	recent deque.Deque[Entry]
}

func newStatsTracker() *statsTracker {
	return &statsTracker{by: make(map[string]*StrategyStats)}
}

func (t *statsTracker) record(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totals.TotalRequests++
	t.totals.TotalTime += e.Duration
	if e.Success {
		t.totals.Successful++
	} else {
		t.totals.Failed++
	}
	if e.Fallback {
		t.totals.FallbackRequests++
	}

	s, ok := t.by[e.Strategy]
	if !ok {
		s = &StrategyStats{}
		t.by[e.Strategy] = s
	}
	s.Requests++
	s.TotalTime += e.Duration
	if e.Success {
		s.Successes++
	} else {
		s.Failures++
	}
	s.AvgTime = s.TotalTime / time.Duration(s.Requests)

	t.recent.PushBack(e)
	for t.recent.Len() > statsWindow {
		t.recent.PopFront()
	}
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.totals
	st.ByStrategy = make(map[string]StrategyStats, len(t.by))
	for name, s := range t.by {
		st.ByStrategy[name] = *s
	}
	st.Recent = make([]Entry, t.recent.Len())
	for i := range st.Recent {
		st.Recent[i] = t.recent.At(i)
	}

	if n := st.TotalRequests; n > 0 {
		st.AvgTime = st.TotalTime / time.Duration(n)
		st.SuccessRate = float64(st.Successful) / float64(n)
		st.FallbackRate = float64(st.FallbackRequests) / float64(n)
	}

	recent := st.Recent
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}
	if n := len(recent); n > 0 {
		var ok, fb int
		var total time.Duration
		for _, e := range recent {
			if e.Success {
				ok++
			}
			if e.Fallback {
				fb++
			}
			total += e.Duration
		}
		st.RecentSuccessRate = float64(ok) / float64(n)
		st.RecentFallbackRate = float64(fb) / float64(n)
		st.RecentAvgTime = total / time.Duration(n)
	}
	return st
}

// Summary renders s for humans.
func (s Stats) Summary() string {
	if s.TotalRequests == 0 {
		return "No transcription requests processed yet"
	}
	var b strings.Builder
	b.WriteString("Transcription performance:\n")
	fmt.Fprintf(&b, "  Total requests: %d\n", s.TotalRequests)
	fmt.Fprintf(&b, "  Success rate: %.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(&b, "  Fallback rate: %.1f%%\n", s.FallbackRate*100)
	fmt.Fprintf(&b, "  Average time: %.2fs\n", s.AvgTime.Seconds())

	if len(s.ByStrategy) > 0 {
		b.WriteString("By strategy:\n")
		names := make([]string, 0, len(s.ByStrategy))
		for name := range s.ByStrategy {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			st := s.ByStrategy[name]
			rate := 0.0
			if st.Requests > 0 {
				rate = float64(st.Successes) / float64(st.Requests)
			}
			fmt.Fprintf(&b, "  %s: %d requests, %.1f%% success, %.2fs avg\n", name, st.Requests, rate*100, st.AvgTime.Seconds())
		}
	}
	return b.String()
}
