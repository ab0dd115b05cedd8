// Package notify collects failure and recovery events from the capture
// and transcription components, deduplicates them and forwards status
// updates to a display sink.
package notify

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Severity of a notification.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Notification is one active fault, keyed by source and message.
type Notification struct {
	Source    string
	Severity  Severity
	Message   string
	Err       error
	FirstSeen time.Time
	Timestamp time.Time // last occurrence
	Count     int
}

func (n Notification) key() string {
	return n.Source + ":" + n.Message
}

// Status is what the display sink receives.
type Status struct {
	Key  string // e.g. "audio_error", "success"
	Text string
}

// ReadyStatus is sent when the last active notification goes away.
var ReadyStatus = Status{Key: StatusSuccess, Text: "Status: Ready"}

// Sink displays a status. Errors and panics from a sink are logged and
// never reach the caller of Notify or Clear.
type Sink func(Status) error

// Options configures a Notifier.
type Options struct {
	DedupWindow time.Duration
	Timeout     time.Duration
	MaxHistory  int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Notifier deduplicates notifications and forwards them to a sink. All
// methods are safe for concurrent use.
type Notifier struct {
	dedup      time.Duration
	timeout    time.Duration
	maxHistory int
	log        *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	active  map[string]*Notification
	history map[string][]Notification
	timer   *time.Timer
	closed  bool
	seq     uint64 // bumped for every computed status

	sinkMu    sync.Mutex // serializes delivery
	sink      Sink
	delivered uint64 // seq of the last status handed to sink
}

// New returns a Notifier. Zero options get the defaults: 30s dedup
// window, 5m timeout, 10 history entries per source.
func New(opts Options) *Notifier {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Notifier{
		dedup:      opts.DedupWindow,
		timeout:    opts.Timeout,
		maxHistory: opts.MaxHistory,
		log:        opts.Logger.With("component", "notify"),
		now:        opts.Now,
		active:     make(map[string]*Notification),
		history:    make(map[string][]Notification),
	}
}

// SetSink installs the display callback.
func (n *Notifier) SetSink(s Sink) {
	n.sinkMu.Lock()
	n.sink = s
	n.sinkMu.Unlock()
}

// Notify records a fault. An empty message is generated from source and
// err. A repeat of an active (source, message) within the dedup window
// bumps its count instead of creating a new entry.
func (n *Notifier) Notify(source string, err error, severity Severity, message string) {
	if message == "" {
		message = UserMessage(source, err)
	}
	now := n.now()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	entry := Notification{
		Source:    source,
		Severity:  severity,
		Message:   message,
		Err:       err,
		FirstSeen: now,
		Timestamp: now,
		Count:     1,
	}
	shown := entry
	if existing, ok := n.active[entry.key()]; ok && now.Sub(existing.Timestamp) <= n.dedup {
		existing.Count++
		existing.Timestamp = now
		existing.Err = err
		shown = *existing
		n.log.Debug("deduplicated notification", "source", source, "count", existing.Count)
	} else {
		n.active[entry.key()] = &entry
		n.log.Info("new notification", "source", source, "severity", severity, "message", message)
	}
	n.addHistory(source, shown)
	n.scheduleSweep()
	status := statusFor(shown)
	seq := n.nextSeq()
	n.mu.Unlock()

	n.deliver(status, seq)
}

// NotifyFallback reports that the fallback strategy handled a segment.
func (n *Notifier) NotifyFallback(primary, fallback string, err error) {
	msg := fmt.Sprintf("Transcription fallback - %s failed, using %s", primary, fallback)
	n.Notify("transcription_fallback", err, SeverityWarning, msg)
}

// Clear removes every active notification for source. If that empties
// the active set the sink receives ReadyStatus, otherwise the most recent
// remaining notification.
func (n *Notifier) Clear(source string) {
	n.mu.Lock()
	removed := 0
	for k, v := range n.active {
		if v.Source == source {
			delete(n.active, k)
			removed++
		}
	}
	if removed == 0 {
		n.mu.Unlock()
		return
	}
	n.log.Info("cleared notifications", "source", source, "count", removed)
	status := n.currentStatus()
	seq := n.nextSeq()
	n.mu.Unlock()

	n.deliver(status, seq)
}

// IsActive reports whether source has any active notification.
func (n *Notifier) IsActive(source string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, v := range n.active {
		if v.Source == source {
			return true
		}
	}
	return false
}

// Active returns a snapshot of active notifications, newest first.
func (n *Notifier) Active() []Notification {
	n.mu.Lock()
	out := make([]Notification, 0, len(n.active))
	for _, v := range n.active {
		out = append(out, *v)
	}
	n.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// History returns the most recent notifications recorded for source.
func (n *Notifier) History(source string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := n.history[source]
	out := make([]Notification, len(h))
	copy(out, h)
	return out
}

// Sweep purges notifications idle for longer than the timeout.
func (n *Notifier) Sweep() {
	now := n.now()

	n.mu.Lock()
	removed := 0
	for k, v := range n.active {
		if now.Sub(v.Timestamp) > n.timeout {
			delete(n.active, k)
			removed++
			n.log.Info("notification timed out", "key", k)
		}
	}
	if removed == 0 {
		n.mu.Unlock()
		return
	}
	status := n.currentStatus()
	seq := n.nextSeq()
	n.mu.Unlock()

	n.deliver(status, seq)
}

// Close stops the sweep timer. Later calls to Notify are ignored.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.timer != nil {
		n.timer.Stop()
	}
}

// currentStatus returns the status to show after removals. Caller holds mu.
func (n *Notifier) currentStatus() Status {
	var latest *Notification
	for _, v := range n.active {
		if latest == nil || v.Timestamp.After(latest.Timestamp) {
			latest = v
		}
	}
	if latest == nil {
		return ReadyStatus
	}
	return statusFor(*latest)
}

func (n *Notifier) nextSeq() uint64 {
	n.seq++
	return n.seq
}

// addHistory appends to the per-source ring. Caller holds mu.
func (n *Notifier) addHistory(source string, entry Notification) {
	h := append(n.history[source], entry)
	if len(h) > n.maxHistory {
		h = h[len(h)-n.maxHistory:]
	}
	n.history[source] = h
}

// scheduleSweep (re)arms the timeout sweep. Caller holds mu.
func (n *Notifier) scheduleSweep() {
	if n.timer != nil {
		n.timer.Stop()
	}
	// Fire just past the timeout so the newest entry qualifies.
	n.timer = time.AfterFunc(n.timeout+time.Second, n.Sweep)
}

// deliver hands s to the sink unless a status computed after it has
// already been shown.
func (n *Notifier) deliver(s Status, seq uint64) {
	n.sinkMu.Lock()
	defer n.sinkMu.Unlock()
	if seq <= n.delivered {
		n.log.Debug("dropping stale status", "status", s.Key, "seq", seq)
		return
	}
	n.delivered = seq
	if n.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("status sink panicked", "panic", r, "status", s.Key)
		}
	}()
	if err := n.sink(s); err != nil {
		n.log.Error("status sink failed", "error", err, "status", s.Key)
	}
}
