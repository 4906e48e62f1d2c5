package safeguard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/safeguard/internal/metrics"
)

// DefaultSweepCadence is used when no cadence is configured. Half the
// smallest TTL granularity (one minute) keeps expiry lag bounded.
const DefaultSweepCadence = "30s"

// maxSweepTick bounds the internal poll interval; cadences coarser than
// this are evaluated on each tick, finer ones shrink the tick itself.
const maxSweepTick = 30 * time.Second

// Executor runs a due deferred action and returns its result. The executor
// owns the pending→executed/failed transition; the sweeper records the
// outcome via MarkExecuted and then cleans up the approval's secrets.
type Executor interface {
	Execute(ctx context.Context, action DueAction) (map[string]any, error)
}

type approvalSweepStore interface {
	ExpireOld(ctx context.Context) (int64, error)
	CleanupSecrets(ctx context.Context, approvalID string) (bool, error)
}

type deferredSweepStore interface {
	Due(ctx context.Context) ([]DueAction, error)
	MarkExecuted(ctx context.Context, deferredID string, result map[string]any, execErr string) error
}

// Sweeper periodically expires stale approval requests and dispatches due
// deferred actions. It is stateless between runs; at-most-once dispatch is
// enforced by MarkExecuted flipping status out of pending.
type Sweeper struct {
	approvals approvalSweepStore
	deferred  deferredSweepStore
	executor  Executor
	log       *zap.Logger
	cadence   string

	mu       sync.Mutex
	cancel   context.CancelFunc
	ticker   *time.Ticker
	started  time.Time
	lastRun  *time.Time
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper over the two managers. executor may be nil;
// due actions are then only reported, not dispatched. cadence is either a
// Go duration ("30s") or a standard cron expression ("*/1 * * * *").
func NewSweeper(approvals approvalSweepStore, deferred deferredSweepStore, executor Executor, cadence string, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cadence) == "" {
		cadence = DefaultSweepCadence
	}
	return &Sweeper{
		approvals: approvals,
		deferred:  deferred,
		executor:  executor,
		log:       logger,
		cadence:   cadence,
	}
}

// Start starts the sweep loop. It is safe to call Start multiple times.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(sweepTick(s.cadence))
	s.started = time.Now().UTC()
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweep(loopCtx, time.Now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				due, err := s.cadenceDue(now.UTC())
				if err != nil {
					s.log.Warn("invalid sweep cadence", zap.String("cadence", s.cadence), zap.Error(err))
					continue
				}
				if due {
					s.sweep(loopCtx, now.UTC())
				}
			}
		}
	}()
}

// Stop stops background sweeping and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// cadenceDue reports whether a sweep should run at now, anchored on the
// previous run (or Start when none has happened yet).
func (s *Sweeper) cadenceDue(now time.Time) (bool, error) {
	s.mu.Lock()
	anchor := s.started
	if s.lastRun != nil {
		anchor = *s.lastRun
	}
	s.mu.Unlock()
	return isCadenceDue(s.cadence, anchor, now)
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.lastRun = &now
	s.mu.Unlock()

	metrics.SweepRunsTotal.Inc()

	if count, err := s.approvals.ExpireOld(ctx); err != nil {
		s.log.Warn("expire old requests failed", zap.Error(err))
	} else if count > 0 {
		s.log.Debug("expired pending requests", zap.Int64("count", count))
	}

	due, err := s.deferred.Due(ctx)
	if err != nil {
		s.log.Warn("list due actions failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	if s.executor == nil {
		s.log.Info("due deferred actions awaiting executor", zap.Int("count", len(due)))
		return
	}

	for _, action := range due {
		s.dispatch(ctx, action)
	}
}

func (s *Sweeper) dispatch(ctx context.Context, action DueAction) {
	result, err := s.executor.Execute(ctx, action)
	execErr := ""
	if err != nil {
		execErr = err.Error()
	}

	if err := s.deferred.MarkExecuted(ctx, action.DeferredID, result, execErr); err != nil {
		s.log.Warn("mark deferred executed failed",
			zap.String("deferred_id", action.DeferredID), zap.Error(err))
		return
	}

	// Secrets are no longer needed once the action has run. Cleanup failure
	// is logged, never surfaced as an execution failure.
	if _, err := s.approvals.CleanupSecrets(ctx, action.ApprovalID); err != nil {
		s.log.Warn("cleanup secrets failed",
			zap.String("approval_id", action.ApprovalID), zap.Error(err))
	}
}

// sweepTick picks the internal poll interval for a cadence.
func sweepTick(cadence string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(cadence)); err == nil && d > 0 && d < maxSweepTick {
		return d
	}
	return maxSweepTick
}

// isCadenceDue reports whether a cadence fires between anchor and now.
// The cadence is either a Go duration or a standard cron expression.
func isCadenceDue(cadence string, anchor, now time.Time) (bool, error) {
	cadence = strings.TrimSpace(cadence)
	if cadence == "" {
		return false, fmt.Errorf("cadence is required")
	}

	if interval, err := time.ParseDuration(cadence); err == nil {
		if interval <= 0 {
			return false, fmt.Errorf("interval must be > 0")
		}
		return !anchor.Add(interval).After(now), nil
	}

	spec, err := cron.ParseStandard(cadence)
	if err != nil {
		return false, err
	}
	next := spec.Next(anchor)
	return !next.After(now), nil
}
