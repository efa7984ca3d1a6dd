package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/walterra/eddoapp-sub009/internal/approval"
	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/internal/conversation"
	"github.com/walterra/eddoapp-sub009/internal/engine"
	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/internal/plugins"
	"github.com/walterra/eddoapp-sub009/internal/store"
	"github.com/walterra/eddoapp-sub009/internal/streaming"
)

// ChannelName is the conversation channel of sessions started over HTTP. Their output is
// buffered and returned by GET /api/sessions/{key}.
const ChannelName = "http"

// PluginStatus reports plugin health. Satisfied by *plugins.Manager.
type PluginStatus interface {
	Status() []plugins.Health
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Engine       engine.Engine
	Approvals    *approval.Coordinator
	Capabilities *capability.Registry
	Store        store.Store
	Outbox       *conversation.Buffer
	Hub          streaming.Hub
	Plugins      PluginStatus
	Logger       *slog.Logger
}

// Server serves the JSON API, SSE streams and metrics.
type Server struct {
	deps Deps
}

// NewServer creates a Server. Outbox must be registered with the router under ChannelName.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/sessions/{key}", s.handleSSESession)

	// API.
	mux.HandleFunc("GET /api/capabilities", s.handleCapabilities)
	mux.HandleFunc("POST /api/sessions/{key}/run", s.handleRun)
	mux.HandleFunc("GET /api/sessions/{key}", s.handleStatus)
	mux.HandleFunc("DELETE /api/sessions/{key}", s.handleAbandon)
	mux.HandleFunc("GET /api/sessions/{key}/events", s.handleEvents)
	mux.HandleFunc("POST /api/sessions/{key}/approval", s.handleSessionApproval)
	mux.HandleFunc("GET /api/approvals", s.handleApprovals)
	mux.HandleFunc("POST /api/approvals/{id}/resolve", s.handleResolveApproval)

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.deps.Logger.Debug("http request", slog.String("method", r.Method), slog.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}
