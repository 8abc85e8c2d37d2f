// Package scheduler drives the periodic work of the settlement engine:
// sweeping resting orders, running bot cycles and replicating newly filled
// master orders. Crash recovery runs once before any loop starts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

// ReplicationWatermark names the stored replication progress marker.
const ReplicationWatermark = "replication"

// Settler is the part of the settlement engine the scheduler drives.
type Settler interface {
	ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error)
	CheckAndExecute(ctx context.Context, orderID string) (*model.Trade, error)
	Resume(ctx context.Context) (*settlement.ResumeReport, error)
}

type BotRunner interface {
	RunAll(ctx context.Context) error
}

type Replicator interface {
	ReplicateRecent(ctx context.Context, since time.Time) (int, time.Time, error)
}

// Watermarks persists named progress timestamps.
type Watermarks interface {
	Watermark(ctx context.Context, name string) (time.Time, error)
	SetWatermark(ctx context.Context, name string, at time.Time) error
}

// Config sets the loop intervals. A zero interval disables the loop.
type Config struct {
	SettleInterval      time.Duration
	BotInterval         time.Duration
	ReplicationInterval time.Duration
	// ReplicationLookback is how far back the first replication run looks
	// when no watermark is stored.
	ReplicationLookback time.Duration
}

// Scheduler runs the periodic jobs.
type Scheduler struct {
	cfg        Config
	engine     Settler
	bots       BotRunner
	replicator Replicator
	marks      Watermarks
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a Scheduler. bots, replicator and marks may be nil to
// disable their loops.
func New(cfg Config, engine Settler, bots BotRunner, replicator Replicator, marks Watermarks, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReplicationLookback <= 0 {
		cfg.ReplicationLookback = time.Hour
	}
	return &Scheduler{
		cfg:        cfg,
		engine:     engine,
		bots:       bots,
		replicator: replicator,
		marks:      marks,
		logger:     logger.With("component", "scheduler"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run recovers interrupted work, then runs the loops until ctx is done.
// Orders recovery could not repair are logged and left to the sweeps; only
// a recovery that could not read the orders at all keeps the loops from
// starting.
func (s *Scheduler) Run(ctx context.Context) error {
	report, err := s.engine.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	s.logger.Info("recovery complete",
		"opened", report.Opened,
		"rejected", report.Rejected,
		"settled", report.Settled,
		"released", report.Released,
		"failed", report.Failed,
	)
	if report.Failed > 0 {
		s.logger.Warn("recovery left orders unrepaired", "count", report.Failed, "err", errors.Join(report.Errors...))
	}

	var wg sync.WaitGroup
	start := func(name string, interval time.Duration, job func(context.Context) error) {
		if interval <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, name, interval, job)
		}()
	}

	start("settle", s.cfg.SettleInterval, func(ctx context.Context) error {
		_, err := s.SettleOpenOrders(ctx)
		return err
	})
	if s.bots != nil {
		start("bots", s.cfg.BotInterval, s.bots.RunAll)
	}
	if s.replicator != nil && s.marks != nil {
		start("replication", s.cfg.ReplicationInterval, func(ctx context.Context) error {
			_, err := s.ReplicateFilled(ctx)
			return err
		})
	}

	wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("starting job loop", "job", name, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping job loop", "job", name)
			return
		case <-ticker.C:
			if err := job(ctx); err != nil {
				metrics.SchedulerRuns.WithLabelValues(name, "error").Inc()
				s.logger.Error("job failed", "job", name, "err", err)
				continue
			}
			metrics.SchedulerRuns.WithLabelValues(name, "ok").Inc()
		}
	}
}

// SettleOpenOrders checks every resting order against the market and
// returns how many produced a fill. One order's error does not stop the
// sweep.
func (s *Scheduler) SettleOpenOrders(ctx context.Context) (int, error) {
	orders, err := s.engine.ListOrders(ctx, store.OrderFilter{
		Statuses: []model.OrderStatus{model.OrderStatusOpen, model.OrderStatusPartiallyFilled},
	})
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}
	filled := 0
	var errs []error
	for _, o := range orders {
		if ctx.Err() != nil {
			return filled, ctx.Err()
		}
		t, err := s.engine.CheckAndExecute(ctx, o.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
			continue
		}
		if t != nil {
			filled++
		}
	}
	return filled, errors.Join(errs...)
}

// ReplicateFilled replicates master orders filled since the stored
// watermark and advances it.
func (s *Scheduler) ReplicateFilled(ctx context.Context) (int, error) {
	since, err := s.marks.Watermark(ctx, ReplicationWatermark)
	if err != nil {
		return 0, fmt.Errorf("load watermark: %w", err)
	}
	if since.IsZero() {
		since = s.now().Add(-s.cfg.ReplicationLookback)
	}
	n, next, err := s.replicator.ReplicateRecent(ctx, since)
	if next.After(since) {
		if serr := s.marks.SetWatermark(ctx, ReplicationWatermark, next); serr != nil {
			err = errors.Join(err, fmt.Errorf("save watermark: %w", serr))
		}
	}
	return n, err
}
