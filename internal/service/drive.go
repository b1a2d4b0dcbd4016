package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kubilitics/team-onboarding/internal/bootstrap"
	"github.com/kubilitics/team-onboarding/internal/lease"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	"github.com/kubilitics/team-onboarding/internal/pkg/metrics"
	"github.com/kubilitics/team-onboarding/internal/pkg/tracing"
	"github.com/kubilitics/team-onboarding/internal/rbac"
	"github.com/kubilitics/team-onboarding/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

// drive advances requestID one step at a time until it is terminal, parks in Failed, or
// the lease is lost. The request is reloaded before every step so cancellation requested
// by another caller is seen between steps.
func (o *Orchestrator) drive(ctx context.Context, l *lease.Lease, requestID string) {
	logger := o.logger.With("request_id", requestID, "lease", l.Key())
	rollbackTried := false
	for {
		if !l.Valid() {
			logger.Warn("team lease lost; stopping drive")
			return
		}
		if ctx.Err() != nil {
			return
		}
		req, err := o.repo.GetRequest(ctx, requestID)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("failed to load request", "error", err)
			}
			return
		}
		if req.Status.Terminal() {
			return
		}

		var step models.Step
		switch {
		case req.CancelRequested:
			if rollbackTried {
				return
			}
			rollbackTried = true
			step = models.StepRollback
			err = o.rollback(ctx, req)
		case req.Status == models.StatusPending:
			step = models.StepNamespace
			err = o.start(ctx, req)
		case req.Status == models.StatusProvisioning:
			step = models.StepNamespace
			err = o.provision(ctx, req)
		case req.Status == models.StatusGranting:
			step = models.StepGrants
			err = o.grantAccess(ctx, req)
		default:
			// Failed: parked until Retry or Cancel
			return
		}
		if err == nil || errors.Is(err, repository.ErrStale) {
			continue
		}
		if ctx.Err() != nil {
			// shutting down; the request stays in flight for the next Resume
			return
		}
		if ferr := o.fail(ctx, req, step, err); ferr != nil && !errors.Is(ferr, repository.ErrStale) {
			return
		}
	}
}

// transition audits the move of req to status `to` and then commits it. Nothing is
// committed when the audit write fails.
func (o *Orchestrator) transition(ctx context.Context, req *models.OnboardingRequest, actor string, to models.RequestStatus,
	action models.AuditAction, outcome models.AuditOutcome, details models.AuditDetails, mutate func(*models.OnboardingRequest)) error {
	from := req.Status
	if details == nil {
		details = models.AuditDetails{}
	}
	details[models.DetailTransition] = string(from) + "->" + string(to)
	if _, ok := details["namespace"]; !ok {
		details["namespace"] = req.Spec.NamespaceName
	}
	if _, err := o.audit.Record(ctx, models.AuditEntry{
		ActorIdentity: actor,
		Action:        action,
		SubjectTeamID: req.TeamID,
		RequestID:     req.ID,
		Details:       details,
		Outcome:       outcome,
	}); err != nil {
		return err
	}
	err := o.commit(ctx, req, func(r *models.OnboardingRequest) {
		r.Status = to
		if mutate != nil {
			mutate(r)
		}
	})
	if err != nil {
		return err
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	o.logger.Info("request transitioned", "request_id", req.ID, "team_id", req.TeamID, "from", from, "to", to)
	return nil
}

// commit applies mutate and writes req with a version check. When only flags changed
// underneath (a cancellation), mutate is reapplied on the fresh row; a status change by
// someone else returns repository.ErrStale.
func (o *Orchestrator) commit(ctx context.Context, req *models.OnboardingRequest, mutate func(*models.OnboardingRequest)) error {
	for attempt := 0; attempt < 3; attempt++ {
		next := cloneRequest(req)
		mutate(next)
		err := o.repo.UpdateRequest(ctx, next)
		if err == nil {
			*req = *next
			return nil
		}
		if !errors.Is(err, repository.ErrStale) {
			return err
		}
		fresh, gerr := o.repo.GetRequest(ctx, req.ID)
		if gerr != nil {
			return gerr
		}
		if fresh.Status != req.Status {
			return err
		}
		*req = *fresh
	}
	return fmt.Errorf("commit request %s: %w", req.ID, repository.ErrStale)
}

// withRetry runs fn until it succeeds, fails with a non-transient error, or MaxAttempts
// is reached.
func (o *Orchestrator) withRetry(ctx context.Context, step models.Step, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < o.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.StepRetriesTotal.WithLabelValues(string(step)).Inc()
			delay := o.opts.Backoff.Delay(attempt - 1)
			o.logger.Warn("retrying step after transient failure",
				"step", step, "attempt", attempt+1, "delay", delay.String(), "error", err)
			if serr := o.sleep(ctx, delay); serr != nil {
				return err
			}
		}
		start := time.Now()
		err = fn(ctx)
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.StepDurationSeconds.WithLabelValues(string(step), outcome).Observe(time.Since(start).Seconds())
		if err == nil || !fault.IsRetryable(err) {
			return err
		}
	}
	return err
}

func (o *Orchestrator) start(ctx context.Context, req *models.OnboardingRequest) error {
	return o.transition(ctx, req, req.Actor, models.StatusProvisioning, models.ActionRequestStarted, models.OutcomeSuccess, nil,
		func(r *models.OnboardingRequest) { r.Attempts++ })
}

func (o *Orchestrator) provision(ctx context.Context, req *models.OnboardingRequest) (err error) {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "onboarding.step.namespace",
		attribute.String("team.id", req.TeamID), attribute.String("request.id", req.ID),
		attribute.String("namespace", req.Spec.NamespaceName))
	defer func() { tracing.EndSpan(span, err) }()

	var res bootstrap.Result
	err = o.withRetry(ctx, models.StepNamespace, func(ctx context.Context) error {
		var err error
		res, err = o.boot.Bootstrap(ctx, req.Spec)
		return err
	})
	if err != nil {
		return err
	}
	recorded := false
	if res.Quota == bootstrap.Unchanged && res.LimitRange == bootstrap.Unchanged {
		// a re-run after a lost commit; the first run already audited the quota
		if recorded, err = o.audited(ctx, req.ID, models.ActionQuotaApplied); err != nil {
			return err
		}
	}
	if !recorded {
		if _, err = o.audit.Record(ctx, models.AuditEntry{
			ActorIdentity: req.Actor,
			Action:        models.ActionQuotaApplied,
			SubjectTeamID: req.TeamID,
			RequestID:     req.ID,
			Details: models.AuditDetails{
				"namespace":           req.Spec.NamespaceName,
				"quota":               bootstrap.QuotaName,
				"quota_outcome":       string(res.Quota),
				"limit_range":         bootstrap.LimitRangeName,
				"limit_range_outcome": string(res.LimitRange),
				"cpu_quota":           req.Spec.CPUQuota,
				"memory_quota":        req.Spec.MemoryQuota,
				"max_pods":            strconv.Itoa(req.Spec.MaxPods),
			},
		}); err != nil {
			return err
		}
	}
	return o.transition(ctx, req, req.Actor, models.StatusGranting, models.ActionNamespaceCreated, models.OutcomeSuccess,
		models.AuditDetails{"namespace_outcome": string(res.Namespace)},
		func(r *models.OnboardingRequest) { r.CompletedSteps = r.CompletedSteps.Add(models.StepNamespace) })
}

func (o *Orchestrator) grantAccess(ctx context.Context, req *models.OnboardingRequest) (err error) {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "onboarding.step.grants",
		attribute.String("team.id", req.TeamID), attribute.String("request.id", req.ID))
	defer func() { tracing.EndSpan(span, err) }()

	team, err := o.repo.GetTeam(ctx, req.TeamID)
	if err != nil {
		return storeErr("onboarding.grants", err)
	}
	grants := make([]*models.PermissionGrant, 0, len(o.opts.DefaultRoles))
	for _, role := range o.opts.DefaultRoles {
		var g *models.PermissionGrant
		err = o.withRetry(ctx, models.StepGrants, func(ctx context.Context) error {
			var err error
			g, err = o.rbac.Grant(ctx, rbac.GrantInput{
				RequestID: req.ID,
				TeamID:    req.TeamID,
				Namespace: req.Spec.NamespaceName,
				Role:      role,
				Subjects:  []string{team.OwnerIdentity},
			})
			return err
		})
		if err != nil {
			return err
		}
		grants = append(grants, g)
	}
	return o.transition(ctx, req, req.Actor, models.StatusCompleted, models.ActionPermissionGranted, models.OutcomeSuccess,
		grantDetails(grants),
		func(r *models.OnboardingRequest) { r.CompletedSteps = r.CompletedSteps.Add(models.StepGrants) })
}

func grantDetails(grants []*models.PermissionGrant) models.AuditDetails {
	var roles, bindings, ids, subjects []string
	for _, g := range grants {
		roles = append(roles, g.RoleName+"="+g.ClusterRole)
		bindings = append(bindings, g.BindingName)
		ids = append(ids, g.ID)
		subjects = append(subjects, g.Subjects...)
	}
	sort.Strings(subjects)
	return models.AuditDetails{
		"roles":     strings.Join(roles, ","),
		"bindings":  strings.Join(bindings, ","),
		"grant_ids": strings.Join(ids, ","),
		"subjects":  strings.Join(subjects, ","),
	}
}

// fail audits the step failure and parks the request in Failed. If even the failure
// cannot be audited, the status is left alone and the error is recorded on the row; the
// reconciler picks the request up again.
func (o *Orchestrator) fail(ctx context.Context, req *models.OnboardingRequest, step models.Step, cause error) error {
	kind := string(fault.KindOf(cause))
	msg := cause.Error()
	err := o.transition(ctx, req, req.Actor, models.StatusFailed, models.ActionRequestFailed, models.OutcomeFailure,
		models.AuditDetails{"step": string(step), "error_kind": kind, "error": msg},
		func(r *models.OnboardingRequest) {
			r.FailedStep = &step
			r.LastError = &msg
			r.LastErrorKind = &kind
		})
	if err == nil {
		o.logger.Warn("onboarding step failed",
			"request_id", req.ID, "team_id", req.TeamID, "step", step, "error_kind", kind, "error", msg)
		return nil
	}
	if errors.Is(err, repository.ErrStale) {
		return err
	}
	o.logger.Error("could not record request failure",
		"request_id", req.ID, "team_id", req.TeamID, "step", step, "cause", msg, "error", err)
	auditMsg := err.Error()
	auditKind := string(fault.KindAuditWrite)
	if cerr := o.commit(ctx, req, func(r *models.OnboardingRequest) {
		r.LastError = &auditMsg
		r.LastErrorKind = &auditKind
	}); cerr != nil {
		o.logger.Error("could not record audit failure on request", "request_id", req.ID, "error", cerr)
	}
	return err
}

// rollback revokes the request's grants, deletes the namespace it created and moves the
// request to RolledBack.
func (o *Orchestrator) rollback(ctx context.Context, req *models.OnboardingRequest) (err error) {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "onboarding.rollback",
		attribute.String("team.id", req.TeamID), attribute.String("request.id", req.ID))
	defer func() { tracing.EndSpan(span, err) }()

	actor := req.Actor
	if req.CancelledBy != nil && *req.CancelledBy != "" {
		actor = *req.CancelledBy
	}

	grants, err := o.rbac.ActiveGrantsForRequest(ctx, req.ID)
	if err != nil {
		return err
	}
	revoked := 0
	for _, g := range grants {
		var done bool
		err = o.withRetry(ctx, models.StepRollback, func(ctx context.Context) error {
			var err error
			_, done, err = o.rbac.Revoke(ctx, g.ID)
			return err
		})
		if err != nil {
			return err
		}
		if !done {
			continue
		}
		revoked++
		if _, err = o.audit.Record(ctx, models.AuditEntry{
			ActorIdentity: actor,
			Action:        models.ActionPermissionRevoked,
			SubjectTeamID: req.TeamID,
			RequestID:     req.ID,
			Details: models.AuditDetails{
				"grant_id":  g.ID,
				"role":      g.RoleName,
				"binding":   g.BindingName,
				"namespace": g.NamespaceName,
			},
		}); err != nil {
			return err
		}
	}

	details := models.AuditDetails{"revoked_grants": strconv.Itoa(revoked)}
	switch {
	case req.Status == models.StatusPending:
		details["namespace_action"] = "none"
	default:
		retained, err := o.namespaceRetained(ctx, req)
		if err != nil {
			return err
		}
		if retained {
			details["namespace_action"] = "retained"
			break
		}
		var deleted bool
		err = o.withRetry(ctx, models.StepRollback, func(ctx context.Context) error {
			var err error
			deleted, err = o.boot.Teardown(ctx, req.TeamID, req.Spec.NamespaceName)
			return err
		})
		if fault.Is(err, fault.KindConflict) && !req.CompletedSteps.Has(models.StepNamespace) {
			// the namespace step never succeeded, so the namespace was never ours
			details["namespace_action"] = "not-owned"
			break
		}
		if err != nil {
			return err
		}
		details["namespace_action"] = "absent"
		if deleted {
			details["namespace_action"] = "deleted"
			if _, err = o.audit.Record(ctx, models.AuditEntry{
				ActorIdentity: actor,
				Action:        models.ActionNamespaceDeleted,
				SubjectTeamID: req.TeamID,
				RequestID:     req.ID,
				Details:       models.AuditDetails{"namespace": req.Spec.NamespaceName},
			}); err != nil {
				return err
			}
		}
	}

	return o.transition(ctx, req, actor, models.StatusRolledBack, models.ActionRequestRolledBack, models.OutcomeSuccess, details,
		func(r *models.OnboardingRequest) { r.CompletedSteps = r.CompletedSteps.Add(models.StepRollback) })
}

// audited reports whether the request already has an entry for action.
func (o *Orchestrator) audited(ctx context.Context, requestID string, action models.AuditAction) (bool, error) {
	entries, err := o.repo.ListAudit(ctx, models.AuditFilter{RequestID: requestID, Action: action}, 0, 1)
	if err != nil {
		return false, fault.AuditWrite("onboarding.audit.lookup", err)
	}
	return len(entries) > 0, nil
}

// namespaceRetained reports whether an earlier completed onboarding of the team owns the
// namespace, in which case rollback must not delete it.
func (o *Orchestrator) namespaceRetained(ctx context.Context, req *models.OnboardingRequest) (bool, error) {
	reqs, err := o.repo.ListRequestsByTeam(ctx, req.TeamID)
	if err != nil {
		return false, storeErr("onboarding.rollback", err)
	}
	for _, r := range reqs {
		if r.ID != req.ID && r.Status == models.StatusCompleted && r.Spec.NamespaceName == req.Spec.NamespaceName {
			return true, nil
		}
	}
	return false, nil
}
