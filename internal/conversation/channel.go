package conversation

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Action is a machine-actionable choice attached to a message.
type Action struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

const (
	approvePrefix = "approve:"
	denyPrefix    = "deny:"
)

// ApprovalActions returns the approve/deny pair for an approval request ID.
func ApprovalActions(requestID string) []Action {
	return []Action{
		{Label: "Approve", Data: approvePrefix + requestID},
		{Label: "Deny", Data: denyPrefix + requestID},
	}
}

// ParseApprovalAction decodes callback data produced by ApprovalActions.
func ParseApprovalAction(data string) (requestID string, approved bool, ok bool) {
	switch {
	case strings.HasPrefix(data, approvePrefix):
		id := strings.TrimPrefix(data, approvePrefix)
		return id, true, id != ""
	case strings.HasPrefix(data, denyPrefix):
		id := strings.TrimPrefix(data, denyPrefix)
		return id, false, id != ""
	}
	return "", false, false
}

// Inbound is one message or button press received from a channel.
type Inbound struct {
	Channel      string
	Address      string
	UserID       string
	Text         string
	CallbackID   string
	CallbackData string
}

// Handle returns the reply handle for this message.
func (in Inbound) Handle() Handle {
	return Handle{Channel: in.Channel, Address: in.Address}
}

// Channel delivers text to an address on one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, address, text string, actions []Action) error
}

// Router dispatches sends to registered channels by name.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRouter creates a Router with the given channels.
func NewRouter(channels ...Channel) *Router {
	r := &Router{channels: make(map[string]Channel)}
	for _, ch := range channels {
		r.Register(ch)
	}
	return r
}

// Register adds or replaces a channel.
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Channels returns registered channel names, sorted.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for n := range r.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Send delivers text over the channel named in h.
func (r *Router) Send(ctx context.Context, h Handle, text string, actions []Action) error {
	r.mu.RLock()
	ch, ok := r.channels[h.Channel]
	r.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotification, "channel %q not registered", h.Channel)
	}
	return ch.Send(ctx, h.Address, text, actions)
}

// Notifier sends to whichever channel a session was started from.
type Notifier struct {
	contexts *ContextStore
	router   *Router
	logger   *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(contexts *ContextStore, router *Router, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notifier{contexts: contexts, router: router, logger: logger}
}

// Notify sends text to the session's channel. A session with no recorded channel is a
// NOTIFICATION_FAILED error; callers log it and carry on.
func (n *Notifier) Notify(ctx context.Context, sessionKey, text string, actions []Action) error {
	h, ok := n.contexts.Get(sessionKey)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotification, "no channel recorded for session %q", sessionKey)
	}
	if err := n.router.Send(ctx, h, text, actions); err != nil {
		n.logger.DebugContext(ctx, "notify failed", slog.String("channel", h.Channel), slog.String("error", err.Error()))
		return err
	}
	return nil
}
