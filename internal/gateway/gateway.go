package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/walterra/eddoapp-sub009/internal/approval"
	"github.com/walterra/eddoapp-sub009/internal/conversation"
	"github.com/walterra/eddoapp-sub009/internal/engine"
	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/internal/metrics"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Config limits how often one user may start runs.
type Config struct {
	RunsPerMinute float64 `json:"runs_per_minute" mapstructure:"runs_per_minute"`
	Burst         int     `json:"burst" mapstructure:"burst"`
}

// DefaultConfig allows a short burst, then one run every six seconds.
func DefaultConfig() Config {
	return Config{RunsPerMinute: 10, Burst: 3}
}

const retryText = "I couldn't record your answer. Please try again."

const helpText = "Tell me what to do with your todos, e.g. \"add buy milk to my errands\".\n" +
	"I'll ask before changing or deleting things. Answer with the buttons, yes/no, " +
	"or /approve and /deny followed by an optional note."

// Gateway turns inbound channel traffic into approvals and runs.
type Gateway struct {
	engine    engine.Engine
	approvals *approval.Coordinator
	router    *conversation.Router
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Gateway.
func New(eng engine.Engine, approvals *approval.Coordinator, router *conversation.Router, cfg Config, logger *slog.Logger) *Gateway {
	def := DefaultConfig()
	if cfg.RunsPerMinute <= 0 {
		cfg.RunsPerMinute = def.RunsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gateway{
		engine:    eng,
		approvals: approvals,
		router:    router,
		cfg:       cfg,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SessionKey derives the session of a conversation, one per chat.
func SessionKey(channel, address string) string {
	return channel + ":" + address
}

// Handle processes one inbound message. It never blocks on a traversal.
func (g *Gateway) Handle(ctx context.Context, in conversation.Inbound) {
	key := SessionKey(in.Channel, in.Address)
	ctx = logging.WithUser(logging.WithSessionKey(ctx, key), in.UserID)
	log := logging.LogWith(ctx, g.logger)

	if in.CallbackData != "" {
		metrics.InboundMessages.WithLabelValues(in.Channel, "callback").Inc()
		g.handleCallback(ctx, in)
		return
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}
	if cmd, arg, ok := command(text); ok {
		metrics.InboundMessages.WithLabelValues(in.Channel, "command").Inc()
		switch cmd {
		case "approve", "deny":
			g.resolveSession(ctx, in, key, cmd == "approve", arg)
		case "start", "help":
			g.reply(ctx, in, helpText)
		default:
			g.reply(ctx, in, "I don't know that command. "+helpText)
		}
		return
	}

	if approved, ok := yesNo(text); ok && g.awaitingApproval(ctx, key) {
		metrics.InboundMessages.WithLabelValues(in.Channel, "reply").Inc()
		g.resolveSession(ctx, in, key, approved, "")
		return
	}

	metrics.InboundMessages.WithLabelValues(in.Channel, "request").Inc()
	if !g.limiter(in.UserID).Allow() {
		log.Info("run rate limited", slog.String("user_id", in.UserID))
		g.reply(ctx, in, "You're sending requests faster than I can handle them. Give me a moment.")
		return
	}

	// The engine records the handle once the run is admitted, so a queued message
	// cannot overwrite or lose the channel of the run ahead of it.
	h := in.Handle()
	req := engine.Request{SessionKey: key, UserID: in.UserID, Intent: text, Handle: &h}
	err := g.engine.Dispatch(ctx, req, func(_ *engine.Result, err error) {
		if err != nil {
			g.runFailed(context.WithoutCancel(ctx), in, err)
		}
	})
	if err != nil {
		log.Error("run not dispatched", slog.String("error", err.Error()))
		g.reply(ctx, in, "I can't take new requests right now.")
	}
}

func (g *Gateway) handleCallback(ctx context.Context, in conversation.Inbound) {
	id, approved, ok := conversation.ParseApprovalAction(in.CallbackData)
	if !ok {
		logging.LogWith(ctx, g.logger).Debug("unknown callback data", slog.String("data", in.CallbackData))
		return
	}
	switch g.approvals.ResolveByID(ctx, id, approved, "") {
	case approval.OutcomeResolved:
		g.reply(ctx, in, decisionText(approved))
	case approval.OutcomeAlreadyResolved:
		g.reply(ctx, in, "That request was already answered.")
	case approval.OutcomeFailed:
		g.reply(ctx, in, retryText)
	default:
		g.reply(ctx, in, "That request is no longer open.")
	}
}

func (g *Gateway) resolveSession(ctx context.Context, in conversation.Inbound, key string, approved bool, feedback string) {
	switch g.approvals.ResolveSession(ctx, key, approved, feedback) {
	case approval.OutcomeResolved:
		g.reply(ctx, in, decisionText(approved))
	case approval.OutcomeFailed:
		g.reply(ctx, in, retryText)
	default:
		g.reply(ctx, in, "Nothing is waiting for your approval.")
	}
}

// awaitingApproval also consults the checkpoint so a restart does not turn an answer
// into a new request.
func (g *Gateway) awaitingApproval(ctx context.Context, key string) bool {
	if _, ok := g.approvals.Pending(key); ok {
		return true
	}
	res, err := g.engine.Status(ctx, key)
	return err == nil && res.Status == schema.WorkflowStatusSuspended && res.Pending != nil
}

func (g *Gateway) runFailed(ctx context.Context, in conversation.Inbound, err error) {
	var msg string
	switch {
	case schema.HasCode(err, schema.ErrCodeConflict):
		msg = "I'm still waiting for your answer on the previous request. Reply yes or no."
	case schema.HasCode(err, schema.ErrCodeCancelled):
		msg = "I was interrupted. Please send that again."
	default:
		msg = "Something went wrong while handling that request."
	}
	logging.LogWith(ctx, g.logger).Warn("run failed", slog.String("error", err.Error()))
	g.reply(ctx, in, msg)
}

func (g *Gateway) reply(ctx context.Context, in conversation.Inbound, text string) {
	if err := g.router.Send(ctx, in.Handle(), text, nil); err != nil {
		metrics.NotificationsFailed.WithLabelValues("reply").Inc()
		logging.LogWith(ctx, g.logger).Warn("reply failed", slog.String("error", err.Error()))
	}
}

func (g *Gateway) limiter(userID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[userID]
	if !ok {
		every := time.Duration(float64(time.Minute) / g.cfg.RunsPerMinute)
		l = rate.NewLimiter(rate.Every(every), g.cfg.Burst)
		g.limiters[userID] = l
	}
	return l
}

func decisionText(approved bool) string {
	if approved {
		return "Approved. Continuing."
	}
	return "Denied. I won't make that change."
}

// command splits "/cmd@bot rest" into ("cmd", "rest").
func command(text string) (string, string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest), head != ""
}

var (
	yesWords = map[string]bool{"yes": true, "y": true, "ok": true, "okay": true, "sure": true, "approve": true, "approved": true, "go": true, "go ahead": true}
	noWords  = map[string]bool{"no": true, "n": true, "nope": true, "deny": true, "denied": true, "cancel": true, "stop": true, "don't": true}
)

func yesNo(text string) (approved bool, ok bool) {
	t := strings.ToLower(strings.Trim(strings.TrimSpace(text), ".!"))
	switch {
	case yesWords[t]:
		return true, true
	case noWords[t]:
		return false, true
	}
	return false, false
}

