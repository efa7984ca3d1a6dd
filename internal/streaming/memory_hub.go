package streaming

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 64

// Subscription receives matching events on C until it is closed.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	filter  Filter
	dropped atomic.Uint64
	close   func()
}

// Close ends the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() { s.close() }

// Dropped counts events this subscriber missed because its queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// MemoryHub is an in-process Hub. Publish never blocks on a slow reader: the event is
// dropped for that subscriber instead.
type MemoryHub struct {
	buffer int
	seq    atomic.Uint64
	lost   atomic.Uint64

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewMemoryHub creates a hub whose subscriptions queue up to buffer events. A
// non-positive buffer means DefaultBuffer.
func NewMemoryHub(buffer int) *MemoryHub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &MemoryHub{buffer: buffer, subs: make(map[*Subscription]struct{})}
}

// Publish stamps e with the next hub sequence and delivers it to matching subscribers.
func (h *MemoryHub) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.Seq = h.seq.Add(1)
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			h.lost.Add(1)
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, filter: f}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		sub.close = func() {}
		return sub, nil
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	stop := context.AfterFunc(ctx, func() { h.remove(sub) })
	sub.close = func() {
		once.Do(func() {
			stop()
			h.remove(sub)
		})
	}
	return sub, nil
}

func (h *MemoryHub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped totals missed deliveries across all subscriptions, past and present.
func (h *MemoryHub) Dropped() uint64 { return h.lost.Load() }

// Close ends every subscription. Later subscriptions get an already-closed channel.
func (h *MemoryHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
}

var _ Hub = (*MemoryHub)(nil)
