package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/walterra/eddoapp-sub009/internal/logging"
	"github.com/walterra/eddoapp-sub009/internal/metrics"
	"github.com/walterra/eddoapp-sub009/internal/store"
	"github.com/walterra/eddoapp-sub009/pkg/schema"
)

// Abandoner marks a suspended session abandoned. Satisfied by engine.Engine.
type Abandoner interface {
	Abandon(ctx context.Context, sessionKey, reason string) (bool, error)
}

// Config controls the sweep schedule and retention.
type Config struct {
	Cron            string        `json:"cron" mapstructure:"cron"`
	AbandonAfter    time.Duration `json:"abandon_after" mapstructure:"abandon_after"`
	RetainCompleted time.Duration `json:"retain_completed" mapstructure:"retain_completed"`
	// BatchSize caps the checkpoints handled per status in one sweep.
	BatchSize int `json:"batch_size" mapstructure:"batch_size"`
}

// DefaultConfig sweeps every ten minutes.
func DefaultConfig() Config {
	return Config{
		Cron:            "*/10 * * * *",
		AbandonAfter:    24 * time.Hour,
		RetainCompleted: 7 * 24 * time.Hour,
		BatchSize:       500,
	}
}

// Report summarises one sweep.
type Report struct {
	Abandoned int `json:"abandoned"`
	Purged    int `json:"purged"`
}

// Janitor abandons stale suspended sessions and purges old terminal checkpoints.
type Janitor struct {
	store     store.Store
	abandoner Abandoner
	cfg       Config
	parser    cron.Parser
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running atomic.Bool
}

// NewJanitor creates a Janitor. Zero config fields take their defaults.
func NewJanitor(s store.Store, abandoner Abandoner, cfg Config, logger *slog.Logger) *Janitor {
	def := DefaultConfig()
	if cfg.Cron == "" {
		cfg.Cron = def.Cron
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = def.AbandonAfter
	}
	if cfg.RetainCompleted <= 0 {
		cfg.RetainCompleted = def.RetainCompleted
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Janitor{
		store:     s,
		abandoner: abandoner,
		cfg:       cfg,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the sweep. It does not sweep immediately.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return fmt.Errorf("janitor already started")
	}

	schedule, err := j.parser.Parse(j.cfg.Cron)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", j.cfg.Cron, err)
	}
	c := cron.New(cron.WithParser(j.parser), cron.WithLocation(time.UTC))
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error("janitor sweep failed", slog.String("error", err.Error()))
		}
	}))
	c.Start()
	j.cron = c
	j.logger.Info("janitor started", slog.String("cron", j.cfg.Cron))
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.cron = nil
	j.logger.Info("janitor stopped")
}

// NextRun computes the next sweep time after from.
func (j *Janitor) NextRun(from time.Time) (time.Time, error) {
	schedule, err := j.parser.Parse(j.cfg.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", j.cfg.Cron, err)
	}
	return schedule.Next(from), nil
}

// Sweep runs one pass. Overlapping calls return immediately with an empty report.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	if !j.running.CompareAndSwap(false, true) {
		return rep, nil
	}
	defer j.running.Store(false)

	now := j.now()
	abandoned, err := j.abandonStale(ctx, now.Add(-j.cfg.AbandonAfter))
	rep.Abandoned = abandoned
	if err != nil {
		return rep, err
	}
	purged, err := j.purgeTerminal(ctx, now.Add(-j.cfg.RetainCompleted))
	rep.Purged = purged
	if err != nil {
		return rep, err
	}

	if rep.Abandoned > 0 || rep.Purged > 0 {
		j.logger.Info("janitor sweep", slog.Int("abandoned", rep.Abandoned), slog.Int("purged", rep.Purged))
	}
	return rep, nil
}

// abandonStale ends suspended sessions nobody answered and running sessions no
// traversal holds any more. Abandon takes the session lock, so a live traversal
// finishes first and its session is then terminal.
func (j *Janitor) abandonStale(ctx context.Context, cutoff time.Time) (int, error) {
	reasons := map[schema.WorkflowStatus]string{
		schema.WorkflowStatusSuspended: fmt.Sprintf("no approval for %s", j.cfg.AbandonAfter),
		schema.WorkflowStatusRunning:   fmt.Sprintf("no progress for %s", j.cfg.AbandonAfter),
	}
	n := 0
	for _, status := range []schema.WorkflowStatus{schema.WorkflowStatusSuspended, schema.WorkflowStatusRunning} {
		cps, err := j.store.ListCheckpoints(ctx, store.CheckpointFilter{Status: &status, UpdatedBefore: &cutoff, Limit: j.cfg.BatchSize})
		if err != nil {
			return n, fmt.Errorf("list %s checkpoints: %w", status, err)
		}
		for _, cp := range cps {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			ok, err := j.abandoner.Abandon(ctx, cp.SessionKey, reasons[status])
			if err != nil {
				j.logger.Warn("abandon failed", slog.String("session_key", cp.SessionKey), slog.String("error", err.Error()))
				continue
			}
			if ok {
				n++
			}
		}
	}
	return n, nil
}

func (j *Janitor) purgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	for _, status := range []schema.WorkflowStatus{schema.WorkflowStatusCompleted, schema.WorkflowStatusAbandoned} {
		cps, err := j.store.ListCheckpoints(ctx, store.CheckpointFilter{Status: &status, UpdatedBefore: &cutoff, Limit: j.cfg.BatchSize})
		if err != nil {
			return n, fmt.Errorf("list %s checkpoints: %w", status, err)
		}
		for _, cp := range cps {
			if err := j.store.DeleteCheckpoint(ctx, cp.SessionKey); err != nil {
				j.logger.Warn("purge failed", slog.String("session_key", cp.SessionKey), slog.String("error", err.Error()))
				continue
			}
			if err := j.store.DeleteApprovals(ctx, cp.SessionKey); err != nil {
				j.logger.Warn("approval purge failed", slog.String("session_key", cp.SessionKey), slog.String("error", err.Error()))
			}
			metrics.CheckpointsPurged.Inc()
			n++
		}
	}
	return n, nil
}
