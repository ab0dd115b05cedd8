// Package transcribe turns captured audio segments into text.
//
// Two strategies are provided:
//   - local: whisper.cpp via Go bindings, model loaded once
//   - remote: an OpenAI-compatible transcription API (Groq by default)
//
// A Manager runs a primary strategy and, under failure, a rate-limited
// fallback.
package transcribe

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chaz8081/gostt-bridge/internal/audio"
)

// Method identifies how a transcript was produced.
type Method string

const (
	MethodLocal  Method = "local"
	MethodRemote Method = "remote"
)

// Result is the outcome of transcribing one segment.
type Result struct {
	Text         string
	Method       Method
	Strategy     string
	Duration     time.Duration // processing time
	FallbackUsed bool
	Err          *Error // set when every attempt failed
	SegmentID    string
	Source       audio.Source
	Timestamp    time.Time // segment creation time
}

// OK reports whether the result carries no error.
func (r Result) OK() bool { return r.Err == nil }

// Strategy is one way of transcribing a segment.
type Strategy interface {
	Name() string
	Method() Method
	Available() bool
	// Transcribe returns the cleaned text. Failures are *Error values.
	Transcribe(ctx context.Context, seg *audio.Segment) (Result, error)
	Health() Health
	Close() error
}

// Health is a point-in-time view of one strategy.
type Health struct {
	Name        string
	Available   bool
	Device      string // accelerator or endpoint
	Successes   int
	Errors      int
	LastError   string
	LastErrorAt time.Time
	LastSuccess time.Time
}

// healthTracker records outcomes for a strategy. Safe for concurrent use.
type healthTracker struct {
	mu sync.Mutex
	h  Health
}

func (t *healthTracker) success(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Successes++
	t.h.LastSuccess = at
}

func (t *healthTracker) failure(err error, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Errors++
	t.h.LastError = err.Error()
	t.h.LastErrorAt = at
}

func (t *healthTracker) snapshot(name, device string, available bool) Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.h
	h.Name = name
	h.Device = device
	h.Available = available
	return h
}

func newResult(seg *audio.Segment, s Strategy) Result {
	return Result{
		Method:    s.Method(),
		Strategy:  s.Name(),
		SegmentID: seg.ID().String(),
		Source:    seg.Source(),
		Timestamp: seg.CreatedAt(),
	}
}

var multiSpace = regexp.MustCompile(` {2,}`)

// cleanTranscript collapses runs of spaces and drops output that is too
// short to be real speech, along with short acknowledgement phrases the
// models hallucinate on silence.
func cleanTranscript(text string) string {
	text = strings.TrimSpace(multiSpace.ReplaceAllString(text, " "))
	n := utf8.RuneCountInString(text)
	if n <= 10 {
		return ""
	}
	if n <= 40 && strings.Contains(strings.ToLower(text), "thank") {
		return ""
	}
	return text
}
