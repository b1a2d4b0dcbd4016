package k8s

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// isRetryableStatus returns true for 5xx and 429 (too many requests).
func isRetryableStatus(err error) bool {
	if err == nil {
		return false
	}
	if apierrors.IsTooManyRequests(err) {
		return true
	}
	if apierrors.IsInternalError(err) || apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) || apierrors.IsServiceUnavailable(err) {
		return true
	}
	var se *apierrors.StatusError
	if errors.As(err, &se) && se.ErrStatus.Code >= 500 {
		return true
	}
	return false
}

// Classify maps a cluster API error onto the onboarding fault taxonomy. Already
// classified errors pass through unchanged; nil stays nil.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	switch {
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, context.DeadlineExceeded):
		return fault.Transient(op, err)
	case isRetryableStatus(err):
		return fault.Transient(op, err)
	case apierrors.IsConflict(err):
		// stale resourceVersion: another writer updated the object first; re-reading fixes it
		return fault.Transient(op, err)
	case apierrors.IsAlreadyExists(err):
		return fault.New(fault.KindConflict, op, err)
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return fault.New(fault.KindValidation, op, err)
	case apierrors.IsForbidden(err):
		// The service account lacks the permission; an operator must fix RBAC.
		return fault.New(fault.KindPolicy, op, err)
	case apierrors.IsNotFound(err):
		return fault.New(fault.KindNotFound, op, err)
	case isInfraError(err):
		return fault.Transient(op, err)
	}
	return fault.New(fault.KindInternal, op, err)
}

// Backoff holds the exponential retry schedule: initial, multiplied by 3 per attempt, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is used when no schedule is configured.
var DefaultBackoff = Backoff{Initial: 200 * time.Millisecond, Max: 10 * time.Second}

// Delay returns the wait before attempt+1 (attempt is 0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = DefaultBackoff.Initial
	}
	for i := 0; i < attempt && d < b.Max; i++ {
		d = d * 3
		if b.Max > 0 && d > b.Max {
			d = b.Max
		}
	}
	return d
}
