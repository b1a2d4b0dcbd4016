package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kubilitics/team-onboarding/internal/bootstrap"
	"github.com/kubilitics/team-onboarding/internal/lease"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	"github.com/kubilitics/team-onboarding/internal/pkg/tracing"
	"github.com/kubilitics/team-onboarding/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

// Orchestrator drives onboarding requests through Pending -> Provisioning -> Granting ->
// Completed. Work for a team runs under that team's lease; every status change is audited
// before it is committed.
type Orchestrator struct {
	repo   repository.Repository
	boot   Bootstrapper
	rbac   Delegator
	audit  AuditRecorder
	locker lease.Locker
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ OnboardingService = (*Orchestrator)(nil)

// NewOrchestrator wires the workflow. Call Close to stop in-flight drives.
func NewOrchestrator(repo repository.Repository, boot Bootstrapper, delegator Delegator, recorder AuditRecorder,
	locker lease.Locker, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		repo:   repo,
		boot:   boot,
		rbac:   delegator,
		audit:  recorder,
		locker: locker,
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until every drive started so far has parked or finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Close cancels in-flight drives and waits for them to release their leases. Requests
// interrupted this way stay non-terminal and are picked up by the next Resume.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// storeErr maps repository sentinels onto fault kinds.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fault.New(fault.KindNotFound, op, err)
	case errors.Is(err, repository.ErrDuplicate):
		return fault.New(fault.KindConflict, op, err)
	case errors.Is(err, repository.ErrStale):
		return fault.New(fault.KindConflict, op, err)
	default:
		return fault.New(fault.KindInternal, op, err)
	}
}

// RegisterTeam creates a team or returns the existing one. The owner is immutable; a new
// display name is applied.
func (o *Orchestrator) RegisterTeam(ctx context.Context, team models.Team) (*models.Team, bool, error) {
	if err := bootstrap.ValidateTeamID(team.ID); err != nil {
		return nil, false, err
	}
	team.OwnerIdentity = strings.TrimSpace(team.OwnerIdentity)
	if team.OwnerIdentity == "" {
		return nil, false, fault.Validation("team.register", "ownerIdentity is required")
	}
	if team.DisplayName == "" {
		team.DisplayName = team.ID
	}

	existing, err := o.repo.GetTeam(ctx, team.ID)
	if errors.Is(err, repository.ErrNotFound) {
		t := team
		err = o.repo.CreateTeam(ctx, &t)
		if err == nil {
			o.logger.Info("team registered", "team_id", t.ID, "owner", t.OwnerIdentity)
			return &t, true, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, false, storeErr("team.register", err)
		}
		// lost a race with a concurrent registration
		existing, err = o.repo.GetTeam(ctx, team.ID)
	}
	if err != nil {
		return nil, false, storeErr("team.register", err)
	}
	if existing.OwnerIdentity != team.OwnerIdentity {
		return nil, false, fault.Conflict("team.register", "team %q is already registered to a different owner", team.ID)
	}
	if existing.DisplayName != team.DisplayName {
		existing.DisplayName = team.DisplayName
		if err := o.repo.UpdateTeam(ctx, existing); err != nil {
			return nil, false, storeErr("team.update", err)
		}
	}
	return existing, false, nil
}

func (o *Orchestrator) GetTeam(ctx context.Context, teamID string) (*models.Team, error) {
	team, err := o.repo.GetTeam(ctx, teamID)
	return team, storeErr("team.get", err)
}

// BuildSpec derives the namespace spec for teamID: defaults, overridden by the caller's
// quota values, with the namespace named prefix+teamID.
func BuildSpec(prefix string, defaults models.NamespaceBootstrapSpec, teamID string, in models.QuotaOverrides) (models.NamespaceBootstrapSpec, error) {
	spec := defaults
	spec.TeamID = teamID
	name, err := bootstrap.NamespaceName(prefix, teamID)
	if err != nil {
		return spec, err
	}
	spec.NamespaceName = name
	if in.CPUQuota != "" {
		spec.CPUQuota = in.CPUQuota
	}
	if in.MemoryQuota != "" {
		spec.MemoryQuota = in.MemoryQuota
	}
	if in.MaxPods != 0 {
		spec.MaxPods = in.MaxPods
	}
	return spec, bootstrap.ValidateSpec(spec)
}

// Submit implements OnboardingService.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (_ *models.OnboardingRequest, _ bool, err error) {
	ctx, span := tracing.StartSpanWithAttributes(ctx, "onboarding.submit", attribute.String("team.id", in.TeamID))
	defer func() { tracing.EndSpan(span, err) }()

	if _, err := o.repo.GetTeam(ctx, in.TeamID); err != nil {
		return nil, false, storeErr("onboarding.submit", err)
	}
	if in.IdempotencyKey != "" {
		prior, err := o.repo.FindRequestByIdempotencyKey(ctx, in.IdempotencyKey)
		if err == nil {
			if prior.TeamID != in.TeamID {
				return nil, false, fault.Conflict("onboarding.submit", "idempotency key already used for another team")
			}
			return prior, false, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, false, storeErr("onboarding.submit", err)
		}
	}
	active, err := o.repo.FindActiveRequest(ctx, in.TeamID)
	if err == nil {
		return active, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, storeErr("onboarding.submit", err)
	}

	spec, err := BuildSpec(o.opts.NamespacePrefix, o.opts.Defaults, in.TeamID, in.Overrides)
	if err != nil {
		return nil, false, err
	}
	if err := o.boot.Check(ctx, spec); err != nil {
		if !fault.IsRetryable(err) {
			return nil, false, err
		}
		// the drive re-checks ownership; an unreachable cluster must not block submission
		o.logger.Warn("pre-flight namespace check skipped", "team_id", in.TeamID, "error", err)
	}

	req := &models.OnboardingRequest{
		TeamID: in.TeamID,
		Actor:  in.Actor,
		Status: models.StatusPending,
		Spec:   spec,
	}
	if in.IdempotencyKey != "" {
		key := in.IdempotencyKey
		req.IdempotencyKey = &key
	}
	if err := o.repo.CreateRequest(ctx, req); err != nil {
		if !errors.Is(err, repository.ErrDuplicate) {
			return nil, false, storeErr("onboarding.submit", err)
		}
		// a concurrent Submit won; hand back its request
		if in.IdempotencyKey != "" {
			if prior, perr := o.repo.FindRequestByIdempotencyKey(ctx, in.IdempotencyKey); perr == nil && prior.TeamID == in.TeamID {
				return prior, false, nil
			}
		}
		winner, ferr := o.repo.FindActiveRequest(ctx, in.TeamID)
		if ferr != nil {
			return nil, false, storeErr("onboarding.submit", err)
		}
		return winner, false, nil
	}

	o.logger.Info("onboarding request submitted",
		"request_id", req.ID, "team_id", req.TeamID, "namespace", spec.NamespaceName, "actor", in.Actor)
	o.spawn(req.ID, req.TeamID)
	return req, true, nil
}

// Get returns a request of teamID. A request of another team is reported as not found.
func (o *Orchestrator) Get(ctx context.Context, teamID, requestID string) (*models.OnboardingRequest, error) {
	req, err := o.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, storeErr("onboarding.get", err)
	}
	if req.TeamID != teamID {
		return nil, fault.NotFound("onboarding.get", "request %q not found for team %q", requestID, teamID)
	}
	return req, nil
}

func (o *Orchestrator) ListRequests(ctx context.Context, teamID string) ([]*models.OnboardingRequest, error) {
	if _, err := o.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	reqs, err := o.repo.ListRequestsByTeam(ctx, teamID)
	return reqs, storeErr("onboarding.list", err)
}

func (o *Orchestrator) ListGrants(ctx context.Context, teamID string) ([]*models.PermissionGrant, error) {
	if _, err := o.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	return o.rbac.ListGrants(ctx, teamID)
}

// Retry implements OnboardingService. The lease is taken synchronously so a concurrent
// drive surfaces as a Conflict to the caller.
func (o *Orchestrator) Retry(ctx context.Context, teamID, requestID, actor string) (*models.OnboardingRequest, error) {
	req, err := o.Get(ctx, teamID, requestID)
	if err != nil {
		return nil, err
	}
	if err := retryable(req); err != nil {
		return nil, err
	}
	l, err := o.acquire(ctx, teamID, 1)
	if errors.Is(err, lease.ErrHeld) {
		return nil, fault.Conflict("onboarding.retry", "request %q is being processed by another worker", requestID)
	}
	if err != nil {
		return nil, fault.Transient("onboarding.retry", err)
	}
	if req, err = o.repo.GetRequest(ctx, requestID); err != nil {
		o.release(l)
		return nil, storeErr("onboarding.retry", err)
	}
	if err := retryable(req); err != nil {
		o.release(l)
		return nil, err
	}

	resume := models.StatusProvisioning
	switch {
	case req.CancelRequested:
		// a failed rollback: stay Failed and let the drive run the rollback again
		resume = models.StatusFailed
	case req.CompletedSteps.Has(models.StepNamespace):
		resume = models.StatusGranting
	}
	details := models.AuditDetails{"resume_status": string(resume)}
	if req.FailedStep != nil {
		details["failed_step"] = string(*req.FailedStep)
	}
	err = o.transition(ctx, req, actor, resume, models.ActionRequestRetried, models.OutcomeSuccess, details,
		func(r *models.OnboardingRequest) {
			r.FailedStep = nil
			r.LastError = nil
			r.LastErrorKind = nil
			r.Attempts++
		})
	if err != nil {
		o.release(l)
		if errors.Is(err, repository.ErrStale) {
			return nil, fault.Conflict("onboarding.retry", "request %q changed concurrently", requestID)
		}
		return nil, err
	}
	o.logger.Info("onboarding request retried", "request_id", req.ID, "team_id", teamID, "resume_status", resume, "actor", actor)
	o.spawnHeld(l, req.ID)
	return req, nil
}

func retryable(req *models.OnboardingRequest) error {
	if req.Status != models.StatusFailed {
		return fault.InvalidState("onboarding.retry", "request is %s; only Failed requests can be retried", req.Status)
	}
	if req.CancelRequested && (req.FailedStep == nil || *req.FailedStep != models.StepRollback) {
		return fault.InvalidState("onboarding.retry", "request has a pending cancellation")
	}
	return nil
}

// Cancel implements OnboardingService. Cancelling a rolled-back request is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, teamID, requestID, actor string) (*models.OnboardingRequest, error) {
	req, err := o.Get(ctx, teamID, requestID)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		switch {
		case req.Status == models.StatusRolledBack:
			return req, nil
		case req.Status == models.StatusCompleted:
			return nil, fault.InvalidState("onboarding.cancel", "request already completed; revoke its grants instead")
		case req.CancelRequested:
			o.spawn(req.ID, req.TeamID)
			return req, nil
		}
		next := cloneRequest(req)
		next.CancelRequested = true
		next.CancelledBy = &actor
		err = o.repo.UpdateRequest(ctx, next)
		if err == nil {
			o.logger.Info("onboarding cancellation requested", "request_id", req.ID, "team_id", teamID, "status", req.Status, "actor", actor)
			o.spawn(next.ID, next.TeamID)
			return next, nil
		}
		if !errors.Is(err, repository.ErrStale) || attempt >= 4 {
			return nil, storeErr("onboarding.cancel", err)
		}
		if req, err = o.repo.GetRequest(ctx, requestID); err != nil {
			return nil, storeErr("onboarding.cancel", err)
		}
	}
}

// acquire takes the team lease under a holder unique to this call, so two drives inside
// one process exclude each other as well.
func (o *Orchestrator) acquire(ctx context.Context, teamID string, attempts int) (*lease.Lease, error) {
	holder := fmt.Sprintf("%s/%s", o.opts.InstanceID, uuid.NewString()[:8])
	for i := 0; ; i++ {
		l, err := lease.Hold(ctx, o.locker, lease.TeamKey(teamID), holder, o.opts.LeaseTTL, o.logger)
		if err == nil || !errors.Is(err, lease.ErrHeld) || i+1 >= attempts {
			return l, err
		}
		if serr := o.sleep(ctx, o.opts.Backoff.Delay(i)); serr != nil {
			return nil, err
		}
	}
}

func (o *Orchestrator) release(l *lease.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		o.logger.Warn("failed to release lease", "lease", l.Key(), "error", err)
	}
}

// spawn drives requestID in the background once the team lease is free.
func (o *Orchestrator) spawn(requestID, teamID string) {
	if o.ctx.Err() != nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		l, err := o.acquire(o.ctx, teamID, 3)
		if err != nil {
			if errors.Is(err, lease.ErrHeld) {
				o.logger.Debug("team lease held elsewhere; leaving request to its holder", "request_id", requestID, "team_id", teamID)
			} else if o.ctx.Err() == nil {
				o.logger.Error("failed to acquire team lease", "request_id", requestID, "team_id", teamID, "error", err)
			}
			return
		}
		defer o.release(l)
		o.drive(o.ctx, l, requestID)
	}()
}

// spawnHeld drives requestID under an already-acquired lease and releases it afterwards.
func (o *Orchestrator) spawnHeld(l *lease.Lease, requestID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.release(l)
		o.drive(o.ctx, l, requestID)
	}()
}

func cloneRequest(req *models.OnboardingRequest) *models.OnboardingRequest {
	c := *req
	c.CompletedSteps = append(models.StepList(nil), req.CompletedSteps...)
	return &c
}
