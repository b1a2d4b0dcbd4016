package repository

import (
	"context"
	"time"

	"github.com/kubilitics/team-onboarding/internal/models"
)

// TeamRepository persists registered teams.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *models.Team) error
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	UpdateTeam(ctx context.Context, team *models.Team) error
}

// RequestRepository persists onboarding requests. UpdateRequest is a compare-and-set on
// Version and returns ErrStale when another writer got there first.
type RequestRepository interface {
	CreateRequest(ctx context.Context, req *models.OnboardingRequest) error
	GetRequest(ctx context.Context, id string) (*models.OnboardingRequest, error)
	UpdateRequest(ctx context.Context, req *models.OnboardingRequest) error
	FindActiveRequest(ctx context.Context, teamID string) (*models.OnboardingRequest, error)
	FindRequestByIdempotencyKey(ctx context.Context, key string) (*models.OnboardingRequest, error)
	ListRequestsByTeam(ctx context.Context, teamID string) ([]*models.OnboardingRequest, error)
	ListResumableRequests(ctx context.Context) ([]*models.OnboardingRequest, error)
	CountStaleRequests(ctx context.Context, updatedBefore time.Time) (int, error)
}

// GrantRepository persists permission grants. Rows are never deleted.
type GrantRepository interface {
	CreateGrant(ctx context.Context, grant *models.PermissionGrant) error
	GetGrant(ctx context.Context, id string) (*models.PermissionGrant, error)
	FindActiveGrant(ctx context.Context, namespace, role, subjectsKey string) (*models.PermissionGrant, error)
	RevokeGrant(ctx context.Context, id string, at time.Time) (bool, error)
	ListGrantsByTeam(ctx context.Context, teamID string) ([]*models.PermissionGrant, error)
	ListActiveGrantsByRequest(ctx context.Context, requestID string) ([]*models.PermissionGrant, error)
}

// SealFunc builds the next audit entry given the sequence number and hash it must chain from.
type SealFunc func(seq int64, prevHash string) (*models.AuditEntry, error)

// AuditRepository is the append-only audit store. There is deliberately no update or delete.
type AuditRepository interface {
	AppendAudit(ctx context.Context, seal SealFunc) (*models.AuditEntry, error)
	ListAudit(ctx context.Context, filter models.AuditFilter, afterSeq int64, limit int) ([]*models.AuditEntry, error)
}

// Repository is the full durable store used by the service.
type Repository interface {
	TeamRepository
	RequestRepository
	GrantRepository
	AuditRepository
	Ping(ctx context.Context) error
	Close() error
}
