// Package lease provides the per-team mutual exclusion used by the onboarding workflow.
// A lease is held by one instance at a time, expires after its TTL unless renewed, and
// is renewed in the background by Hold.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kubilitics/team-onboarding/internal/pkg/metrics"
)

var (
	// ErrHeld is returned when another holder owns an unexpired lease.
	ErrHeld = errors.New("lease is held by another instance")
	// ErrNotHeld is returned by Renew when the caller no longer owns the lease.
	ErrNotHeld = errors.New("lease not held")
)

// Locker is a lease backend. Implementations must be safe for concurrent use.
type Locker interface {
	// TryAcquire takes the lease for holder if it is free, expired or already held by holder.
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Renew extends a lease owned by holder; ErrNotHeld if it was lost.
	Renew(ctx context.Context, key, holder string, ttl time.Duration) error
	// Release drops the lease if holder owns it. Releasing a lost lease is not an error.
	Release(ctx context.Context, key, holder string) error
	// Backend names the implementation for metrics.
	Backend() string
}

// TeamKey is the lease key guarding a team's onboarding workflow.
func TeamKey(teamID string) string {
	return "team-" + teamID
}

// Lease is an acquired lease with a running heartbeat.
type Lease struct {
	locker Locker
	key    string
	holder string
	ttl    time.Duration
	logger *slog.Logger

	lost     chan struct{}
	lostOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	released sync.Once
}

// Hold acquires key for holder and starts renewing it every ttl/3. It returns ErrHeld
// when someone else owns the lease.
func Hold(ctx context.Context, locker Locker, key, holder string, ttl time.Duration, logger *slog.Logger) (*Lease, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ok, err := locker.TryAcquire(ctx, key, holder, ttl)
	record(locker, "acquire", err, ok)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHeld
	}
	l := &Lease{
		locker: locker,
		key:    key,
		holder: holder,
		ttl:    ttl,
		logger: logger.With("lease", key, "holder", holder),
		lost:   make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.heartbeat()
	return l, nil
}

// Key returns the lease key.
func (l *Lease) Key() string { return l.key }

// Lost is closed when the lease could not be renewed before it expired.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Valid reports whether the lease is still believed to be held.
func (l *Lease) Valid() bool {
	select {
	case <-l.lost:
		return false
	default:
		return true
	}
}

// Release stops the heartbeat and releases the lease. Safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.released.Do(func() {
		close(l.stop)
		<-l.done
		err = l.locker.Release(ctx, l.key, l.holder)
		record(l.locker, "release", err, true)
	})
	return err
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

func (l *Lease) heartbeat() {
	defer close(l.done)
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastRenew := time.Now()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := l.locker.Renew(ctx, l.key, l.holder, l.ttl)
		cancel()
		record(l.locker, "renew", err, err == nil)
		switch {
		case err == nil:
			lastRenew = time.Now()
		case errors.Is(err, ErrNotHeld):
			l.logger.Warn("lease taken over by another holder")
			l.markLost()
			return
		default:
			l.logger.Warn("lease renew failed", "error", err)
			if time.Since(lastRenew) >= l.ttl {
				l.logger.Error("lease expired without renewal")
				l.markLost()
				return
			}
		}
	}
}

func record(locker Locker, op string, err error, ok bool) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case !ok:
		result = "held"
	}
	metrics.LeaseOperationsTotal.WithLabelValues(locker.Backend(), op, result).Inc()
}
