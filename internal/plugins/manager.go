package plugins

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/walterra/eddoapp-sub009/internal/capability"
	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/internal/metrics"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Config describes how to launch and identify a plugin MCP server.
type Config struct {
	ID      string   `json:"id" mapstructure:"id"`
	Name    string   `json:"name" mapstructure:"name"` // capability namespace
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
	Env     []string `json:"env" mapstructure:"env"`
}

// Status values reported per plugin.
const (
	StatusStarting  = "starting"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Health is a point-in-time view of one plugin.
type Health struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Tools       int       `json:"tools"`
	LastError   string    `json:"last_error,omitempty"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Options tune the refresh loop.
type Options struct {
	// RefreshInterval is how often the tool list is re-read. The live list may change.
	RefreshInterval time.Duration
	// FailureThreshold is the number of consecutive refresh errors that mark a plugin
	// unhealthy and, for launched plugins, trigger a restart.
	FailureThreshold int
	// CallTimeout bounds initialize and tools/list requests.
	CallTimeout time.Duration
}

// DefaultOptions returns the refresh defaults.
func DefaultOptions() Options {
	return Options{RefreshInterval: 30 * time.Second, FailureThreshold: 3, CallTimeout: 10 * time.Second}
}

// Manager owns the MCP plugin clients and keeps their tools registered as capabilities.
type Manager struct {
	registry *capability.Registry
	opts     Options
	logger   *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*managedPlugin
	wg      sync.WaitGroup
}

type managedPlugin struct {
	config      Config
	client      Client
	dial        dialFunc
	status      string
	errCount    int
	lastErr     string
	tools       int
	refreshedAt time.Time
	cancel      context.CancelFunc
}

// NewManager creates a Manager registering into registry.
func NewManager(registry *capability.Registry, opts Options, logger *slog.Logger) *Manager {
	def := DefaultOptions()
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = def.RefreshInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		registry: registry,
		opts:     opts,
		logger:   logger,
		plugins:  make(map[string]*managedPlugin),
	}
}

// LoadPlugin launches a stdio MCP server and registers its tools.
func (m *Manager) LoadPlugin(ctx context.Context, cfg Config) error {
	if cfg.Command == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "plugin %q has no command", cfg.ID)
	}
	dial := func(context.Context) (Client, error) {
		c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	c, err := dial(ctx)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeCapabilityUnavailable, "start plugin %q", cfg.ID).WithCause(err)
	}
	return m.attach(ctx, cfg, c, dial)
}

// Attach registers an already started client, e.g. an in-process server.
func (m *Manager) Attach(ctx context.Context, cfg Config, c Client) error {
	return m.attach(ctx, cfg, c, nil)
}

func (m *Manager) attach(ctx context.Context, cfg Config, c Client, dial dialFunc) error {
	if cfg.ID == "" {
		_ = c.Close()
		return schema.NewError(schema.ErrCodeValidation, "plugin id is empty")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}

	m.mu.Lock()
	if _, exists := m.plugins[cfg.ID]; exists {
		m.mu.Unlock()
		_ = c.Close()
		return schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already loaded", cfg.ID)
	}
	mp := &managedPlugin{config: cfg, client: c, dial: dial, status: StatusStarting}
	m.plugins[cfg.ID] = mp
	m.mu.Unlock()

	if err := m.initialize(ctx, c); err != nil {
		m.drop(cfg.ID)
		_ = c.Close()
		return schema.NewErrorf(schema.ErrCodeCapabilityUnavailable, "handshake with plugin %q", cfg.ID).WithCause(err)
	}
	if err := m.Refresh(ctx, cfg.ID); err != nil {
		m.drop(cfg.ID)
		_ = c.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	mp.cancel = cancel
	m.mu.Unlock()
	m.wg.Add(1)
	go m.refreshLoop(loopCtx, cfg.ID)

	m.logger.Info("plugin loaded", slog.String("id", cfg.ID), slog.String("name", cfg.Name))
	return nil
}

func (m *Manager) initialize(ctx context.Context, c Client) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "eddo", Version: "1.0.0"}
	_, err := c.Initialize(ctx, req)
	return err
}

// Refresh re-reads a plugin's tool list and replaces its capabilities.
func (m *Manager) Refresh(ctx context.Context, id string) error {
	m.mu.RLock()
	mp, ok := m.plugins[id]
	var c Client
	if ok {
		c = mp.client
	}
	m.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q not found", id)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.CallTimeout)
	defer cancel()
	res, err := c.ListTools(callCtx, mcp.ListToolsRequest{})
	if err != nil {
		m.recordError(mp, err)
		return schema.NewErrorf(schema.ErrCodeCapabilityUnavailable, "list tools of plugin %q", id).WithCause(err)
	}

	invs := make([]capability.Invoker, 0, len(res.Tools))
	for _, t := range res.Tools {
		invs = append(invs, &toolInvoker{tool: t, client: c, plugin: id})
	}
	n := m.registry.ReplacePlugin(mp.config.Name, invs)
	metrics.PluginCapabilities.WithLabelValues(mp.config.Name).Set(float64(n))

	m.mu.Lock()
	changed := mp.tools != n
	mp.tools = n
	mp.errCount = 0
	mp.lastErr = ""
	mp.status = StatusHealthy
	mp.refreshedAt = time.Now().UTC()
	m.mu.Unlock()

	if changed {
		m.logger.Info("plugin tools discovered", slog.String("id", id), slog.Int("count", n))
	}
	return nil
}

func (m *Manager) recordError(mp *managedPlugin, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp.errCount++
	mp.lastErr = err.Error()
	if mp.errCount >= m.opts.FailureThreshold {
		mp.status = StatusUnhealthy
	}
}

// refreshLoop periodically re-reads the tool list and restarts launched plugins that
// stay unhealthy.
func (m *Manager) refreshLoop(ctx context.Context, id string) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.Refresh(ctx, id); err != nil {
			m.logger.Warn("plugin refresh failed", slog.String("id", id), slog.String("error", err.Error()))
		}
		if m.status(id) == StatusUnhealthy {
			m.restart(ctx, id)
		}
	}
}

func (m *Manager) status(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mp, ok := m.plugins[id]; ok {
		return mp.status
	}
	return ""
}

// restart reconnects a launched plugin with exponential backoff. Attached clients are
// left unhealthy.
func (m *Manager) restart(ctx context.Context, id string) {
	m.mu.RLock()
	mp, ok := m.plugins[id]
	if !ok || mp.dial == nil {
		m.mu.RUnlock()
		return
	}
	errCount, dial, old := mp.errCount, mp.dial, mp.client
	m.mu.RUnlock()

	// min(1s * 2^errCount, 60s)
	delay := time.Duration(math.Min(
		float64(time.Second)*math.Pow(2, float64(errCount)),
		float64(60*time.Second),
	))
	m.logger.Info("restarting plugin", slog.String("id", id), slog.Duration("backoff", delay))

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	_ = old.Close()
	c, err := dial(ctx)
	if err == nil {
		err = m.initialize(ctx, c)
	}
	if err != nil {
		m.logger.Error("failed to restart plugin", slog.String("id", id), slog.String("error", err.Error()))
		return
	}
	m.mu.Lock()
	mp.client = c
	m.mu.Unlock()
	if err := m.Refresh(ctx, id); err != nil {
		m.logger.Warn("plugin refresh after restart failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

// StopPlugin closes a plugin's client and removes its capabilities.
func (m *Manager) StopPlugin(_ context.Context, id string) error {
	mp, ok := m.drop(id)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q not found", id)
	}
	if mp.cancel != nil {
		mp.cancel()
	}
	err := mp.client.Close()
	m.logger.Info("plugin stopped", slog.String("id", id))
	return err
}

func (m *Manager) drop(id string) (*managedPlugin, bool) {
	m.mu.Lock()
	mp, ok := m.plugins[id]
	if ok {
		delete(m.plugins, id)
	}
	m.mu.Unlock()
	if ok {
		m.registry.RemovePlugin(mp.config.Name)
		metrics.PluginCapabilities.DeleteLabelValues(mp.config.Name)
	}
	return mp, ok
}

// StopAll stops every plugin and waits for the refresh loops to exit.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.plugins))
	for id := range m.plugins {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, id := range ids {
		if err := m.StopPlugin(ctx, id); err != nil {
			lastErr = err
			m.logger.Error("failed to stop plugin", slog.String("id", id), slog.String("error", err.Error()))
		}
	}
	m.wg.Wait()
	return lastErr
}

// Status returns the health of all managed plugins.
func (m *Manager) Status() []Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Health, 0, len(m.plugins))
	for id, mp := range m.plugins {
		out = append(out, Health{
			ID:          id,
			Name:        mp.config.Name,
			Status:      mp.status,
			Tools:       mp.tools,
			LastError:   mp.lastErr,
			RefreshedAt: mp.refreshedAt,
		})
	}
	return out
}

// toolInvoker exposes one MCP tool as a capability.
type toolInvoker struct {
	tool   mcp.Tool
	client Client
	plugin string
}

func (t *toolInvoker) Capability() capability.Capability {
	return capability.Capability{Name: t.tool.Name, Description: t.tool.Description}
}

func (t *toolInvoker) Invoke(ctx context.Context, params map[string]any) (*capability.Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = params

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityUnavailable, "plugin %s: call %s", t.plugin, t.tool.Name).WithCause(err)
	}
	return &capability.Result{Text: resultText(res), IsError: res.IsError}, nil
}

// resultText flattens a tool result: structured content wins, then text parts.
func resultText(res *mcp.CallToolResult) string {
	if res.StructuredContent != nil {
		if b, err := json.Marshal(res.StructuredContent); err == nil {
			return string(b)
		}
	}
	var parts []string
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
