package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/kubilitics/team-onboarding/internal/lease"
	"github.com/kubilitics/team-onboarding/internal/pkg/metrics"
	"golang.org/x/sync/errgroup"
)

// Resume drives every request left in flight, typically by a restart. Requests whose team
// lease is held elsewhere are skipped. It returns the number of requests it drove.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	reqs, err := o.repo.ListResumableRequests(ctx)
	if err != nil {
		return 0, storeErr("reconcile.list", err)
	}

	var driven atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.ReconcileParallelism)
	for _, req := range reqs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			l, err := o.acquire(gctx, req.TeamID, 1)
			if errors.Is(err, lease.ErrHeld) {
				return nil
			}
			if err != nil {
				o.logger.Warn("reconcile: failed to acquire team lease", "request_id", req.ID, "team_id", req.TeamID, "error", err)
				return nil
			}
			o.wg.Add(1)
			defer o.wg.Done()
			defer o.release(l)
			driven.Add(1)
			o.logger.Info("reconcile: resuming request", "request_id", req.ID, "team_id", req.TeamID, "status", req.Status)
			o.drive(o.ctx, l, req.ID)
			return nil
		})
	}
	_ = g.Wait()

	if _, err := o.UpdateStuckGauge(ctx); err != nil {
		o.logger.Warn("reconcile: failed to count stuck requests", "error", err)
	}
	return int(driven.Load()), nil
}

// UpdateStuckGauge counts non-terminal requests that have not moved for StuckThreshold
// and publishes the count.
func (o *Orchestrator) UpdateStuckGauge(ctx context.Context) (int, error) {
	n, err := o.repo.CountStaleRequests(ctx, time.Now().Add(-o.opts.StuckThreshold))
	if err != nil {
		return 0, storeErr("reconcile.stuck", err)
	}
	metrics.StuckRequests.Set(float64(n))
	if n > 0 {
		o.logger.Warn("requests have not progressed", "count", n, "threshold", o.opts.StuckThreshold.String())
	}
	return n, nil
}

// Run calls Resume immediately and then every ReconcileInterval until ctx is done. A
// zero interval runs a single pass.
func (o *Orchestrator) Run(ctx context.Context) {
	if _, err := o.Resume(ctx); err != nil {
		o.logger.Error("reconcile pass failed", "error", err)
	}
	if o.opts.ReconcileInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.opts.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := o.Resume(ctx)
			if err != nil {
				o.logger.Error("reconcile pass failed", "error", err)
				continue
			}
			if n > 0 {
				o.logger.Info("reconcile pass resumed requests", "count", n)
			}
		}
	}
}
