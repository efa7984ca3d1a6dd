package streaming

import (
	"context"
	"slices"
	"time"
)

// Event is a live notification about a session's traversal. The durable copy lives in
// the event log; streamed events are best-effort.
type Event struct {
	Seq        uint64    `json:"seq"`
	SessionKey string    `json:"session_key"`
	RequestID  string    `json:"request_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	Type       string    `json:"event_type"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// Filter narrows a subscription. Zero fields match everything.
type Filter struct {
	SessionKey string
	Types      []string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.SessionKey != "" && f.SessionKey != e.SessionKey {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, e.Type)
}

// Hub fans events out to subscribers.
type Hub interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe returns a subscription that ends when ctx is done or Close is called.
	Subscribe(ctx context.Context, f Filter) (*Subscription, error)
}
