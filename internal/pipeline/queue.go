package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"github.com/chaz8081/gostt-bridge/internal/audio"
	"github.com/chaz8081/gostt-bridge/internal/metrics"
)

// SegmentQueue is an unbounded FIFO of segments with many producers and
// one consumer.
type SegmentQueue struct {
	mu      sync.Mutex
	items   deque.Deque[*audio.Segment]
	signal  chan struct{}
	metrics *metrics.Metrics
}

// NewSegmentQueue returns an empty queue.
func NewSegmentQueue(m *metrics.Metrics) *SegmentQueue {
	return &SegmentQueue{signal: make(chan struct{}, 1), metrics: m}
}

// Push appends seg. It never blocks.
func (q *SegmentQueue) Push(seg *audio.Segment) {
	q.mu.Lock()
	q.items.PushBack(seg)
	n := q.items.Len()
	q.mu.Unlock()
	q.metrics.SetQueueDepth(n)

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop removes the oldest segment, waiting up to timeout for one. It
// returns nil on timeout or when ctx is done.
func (q *SegmentQueue) Pop(ctx context.Context, timeout time.Duration) *audio.Segment {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		if seg := q.tryPop(); seg != nil {
			return seg
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			return q.tryPop()
		case <-q.signal:
		}
	}
}

func (q *SegmentQueue) tryPop() *audio.Segment {
	q.mu.Lock()
	if q.items.Len() == 0 {
		q.mu.Unlock()
		return nil
	}
	seg := q.items.PopFront()
	n := q.items.Len()
	q.mu.Unlock()
	q.metrics.SetQueueDepth(n)
	return seg
}

// Len returns the number of queued segments.
func (q *SegmentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
