package conversation

import (
	"context"
	"sync"
	"time"
)

// Message is one outbound message captured by a Buffer.
type Message struct {
	Text    string    `json:"text"`
	Actions []Action  `json:"actions,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Buffer is a Channel that keeps the most recent messages per address in memory.
// It backs sessions started over HTTP, whose clients poll for output.
type Buffer struct {
	name  string
	limit int

	mu   sync.Mutex
	msgs map[string][]Message
}

// NewBuffer creates a Buffer channel keeping up to limit messages per address.
func NewBuffer(name string, limit int) *Buffer {
	if limit <= 0 {
		limit = 50
	}
	return &Buffer{name: name, limit: limit, msgs: make(map[string][]Message)}
}

func (b *Buffer) Name() string { return b.name }

func (b *Buffer) Send(_ context.Context, address, text string, actions []Action) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := append(b.msgs[address], Message{Text: text, Actions: actions, SentAt: time.Now().UTC()})
	if len(list) > b.limit {
		list = list[len(list)-b.limit:]
	}
	b.msgs[address] = list
	return nil
}

// Messages returns a copy of the messages held for address.
func (b *Buffer) Messages(address string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.msgs[address]...)
}

// Drop forgets all messages for address.
func (b *Buffer) Drop(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.msgs, address)
}
