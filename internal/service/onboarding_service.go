package service

import (
	"context"
	"time"

	"github.com/kubilitics/team-onboarding/internal/bootstrap"
	"github.com/kubilitics/team-onboarding/internal/k8s"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/rbac"
)

// SubmitInput is the payload for starting an onboarding workflow.
type SubmitInput struct {
	TeamID string
	Actor  string
	// IdempotencyKey is an optional caller-supplied token. A repeated Submit with the
	// same key returns the original request instead of starting another workflow.
	IdempotencyKey string
	Overrides      models.QuotaOverrides
}

// OnboardingService is the entry point for team registration and onboarding workflows.
type OnboardingService interface {
	RegisterTeam(ctx context.Context, team models.Team) (*models.Team, bool, error)
	GetTeam(ctx context.Context, teamID string) (*models.Team, error)

	// Submit creates a Pending request (created=true) or returns the team's existing
	// non-terminal request, and starts driving it asynchronously.
	Submit(ctx context.Context, in SubmitInput) (req *models.OnboardingRequest, created bool, err error)
	Get(ctx context.Context, teamID, requestID string) (*models.OnboardingRequest, error)
	ListRequests(ctx context.Context, teamID string) ([]*models.OnboardingRequest, error)
	ListGrants(ctx context.Context, teamID string) ([]*models.PermissionGrant, error)
	// Retry resumes a Failed request at the step that failed. A request whose rollback
	// failed has the rollback run again.
	Retry(ctx context.Context, teamID, requestID, actor string) (*models.OnboardingRequest, error)
	// Cancel requests rollback of a non-terminal request. Rollback runs between steps.
	Cancel(ctx context.Context, teamID, requestID, actor string) (*models.OnboardingRequest, error)
}

// Bootstrapper is the namespace side of the workflow.
type Bootstrapper interface {
	Check(ctx context.Context, spec models.NamespaceBootstrapSpec) error
	Bootstrap(ctx context.Context, spec models.NamespaceBootstrapSpec) (bootstrap.Result, error)
	Teardown(ctx context.Context, teamID, namespace string) (bool, error)
}

// Delegator is the permission side of the workflow.
type Delegator interface {
	Grant(ctx context.Context, in rbac.GrantInput) (*models.PermissionGrant, error)
	Revoke(ctx context.Context, grantID string) (*models.PermissionGrant, bool, error)
	ListGrants(ctx context.Context, teamID string) ([]*models.PermissionGrant, error)
	ActiveGrantsForRequest(ctx context.Context, requestID string) ([]*models.PermissionGrant, error)
}

// AuditRecorder makes an audit entry durable.
type AuditRecorder interface {
	Record(ctx context.Context, entry models.AuditEntry) (*models.AuditEntry, error)
}

// Options tunes the orchestrator.
type Options struct {
	// InstanceID identifies this process as a lease holder.
	InstanceID      string
	NamespacePrefix string
	// Defaults supplies quota and limit range values not given by the caller.
	Defaults     models.NamespaceBootstrapSpec
	DefaultRoles []string

	MaxAttempts int
	Backoff     k8s.Backoff
	LeaseTTL    time.Duration

	ReconcileInterval    time.Duration
	ReconcileParallelism int
	StuckThreshold       time.Duration
}

func (o *Options) setDefaults() {
	if o.InstanceID == "" {
		o.InstanceID = "onboarding"
	}
	if o.Defaults.CPUQuota == "" {
		o.Defaults.CPUQuota = "4"
	}
	if o.Defaults.MemoryQuota == "" {
		o.Defaults.MemoryQuota = "8Gi"
	}
	if o.Defaults.MaxPods == 0 {
		o.Defaults.MaxPods = 20
	}
	if len(o.DefaultRoles) == 0 {
		o.DefaultRoles = []string{"developer"}
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff = k8s.DefaultBackoff
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.ReconcileParallelism <= 0 {
		o.ReconcileParallelism = 4
	}
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = 30 * time.Minute
	}
}
