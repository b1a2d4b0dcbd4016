// Package rbac delegates namespace-scoped access to teams through RoleBindings that
// reference allow-listed ClusterRoles, and keeps a durable record of every grant.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kubilitics/team-onboarding/internal/k8s"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	"github.com/kubilitics/team-onboarding/internal/repository"
	rbacv1 "k8s.io/api/rbac/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const managedByLabel = "app.kubernetes.io/managed-by"

// GrantInput describes one delegation.
type GrantInput struct {
	RequestID string
	TeamID    string
	Namespace string
	Role      string
	Subjects  []string
}

// Delegator grants and revokes team permissions.
type Delegator struct {
	client *k8s.Client
	store  repository.GrantRepository
	policy *Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewDelegator returns a Delegator enforcing policy.
func NewDelegator(client *k8s.Client, store repository.GrantRepository, policy *Policy, logger *slog.Logger) *Delegator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Delegator{client: client, store: store, policy: policy, logger: logger, now: time.Now}
}

// Policy returns the enforced allow-list.
func (d *Delegator) Policy() *Policy { return d.policy }

// Grant binds in.Role to in.Subjects inside in.Namespace. An identical active grant is
// returned as-is after its RoleBinding is re-ensured.
func (d *Delegator) Grant(ctx context.Context, in GrantInput) (*models.PermissionGrant, error) {
	clusterRole, err := d.policy.Resolve(in.Role, in.Namespace)
	if err != nil {
		return nil, err
	}
	subjects, err := NormalizeSubjects(in.Subjects)
	if err != nil {
		return nil, err
	}

	existing, err := d.store.FindActiveGrant(ctx, in.Namespace, in.Role, subjects.Key())
	switch {
	case err == nil:
		if err := d.ensureBinding(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("look up grant: %w", err)
	}

	grant := &models.PermissionGrant{
		RequestID:     in.RequestID,
		TeamID:        in.TeamID,
		NamespaceName: in.Namespace,
		RoleName:      in.Role,
		ClusterRole:   clusterRole,
		BindingName:   BindingName(in.Role, subjects),
		Subjects:      subjects,
		GrantedAt:     d.now().UTC(),
	}
	if err := d.ensureBinding(ctx, grant); err != nil {
		return nil, err
	}
	if err := d.store.CreateGrant(ctx, grant); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// A concurrent grant of the same binding won; return its record.
			return d.store.FindActiveGrant(ctx, in.Namespace, in.Role, subjects.Key())
		}
		return nil, fmt.Errorf("record grant: %w", err)
	}
	d.logger.Info("permission granted",
		"team_id", in.TeamID, "namespace", in.Namespace, "role", in.Role,
		"cluster_role", clusterRole, "binding", grant.BindingName)
	return grant, nil
}

func (d *Delegator) ensureBinding(ctx context.Context, g *models.PermissionGrant) error {
	bindings := d.client.Clientset.RbacV1().RoleBindings(g.NamespaceName)
	want := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      g.BindingName,
			Namespace: g.NamespaceName,
			Labels: map[string]string{
				"onboarding.kubilitics.io/team": g.TeamID,
				"onboarding.kubilitics.io/role": g.RoleName,
				managedByLabel:                  "team-onboarding",
			},
		},
		RoleRef: rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "ClusterRole",
			Name:     g.ClusterRole,
		},
		Subjects: toRBACSubjects(g.Subjects),
	}

	var existing *rbacv1.RoleBinding
	err := d.client.Do(ctx, "rbac.rolebinding.get", func(ctx context.Context) error {
		var err error
		existing, err = bindings.Get(ctx, g.BindingName, metav1.GetOptions{})
		return err
	})
	if fault.Is(err, fault.KindNotFound) {
		err = d.client.Do(ctx, "rbac.rolebinding.create", func(ctx context.Context) error {
			_, err := bindings.Create(ctx, want, metav1.CreateOptions{})
			return err
		})
		if fault.Is(err, fault.KindConflict) {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	if existing.RoleRef != want.RoleRef {
		// RoleRef is immutable; a binding with our name pointing elsewhere was not made by us.
		return fault.Conflict("rbac.rolebinding", "role binding %s/%s references %s, expected %s",
			g.NamespaceName, g.BindingName, existing.RoleRef.Name, g.ClusterRole)
	}
	if equality.Semantic.DeepEqual(existing.Subjects, want.Subjects) {
		return nil
	}
	updated := existing.DeepCopy()
	updated.Subjects = want.Subjects
	return d.client.Do(ctx, "rbac.rolebinding.update", func(ctx context.Context) error {
		_, err := bindings.Update(ctx, updated, metav1.UpdateOptions{})
		return err
	})
}

// Revoke removes the RoleBinding of grantID and marks the grant revoked. It reports false
// when the grant had already been revoked.
func (d *Delegator) Revoke(ctx context.Context, grantID string) (*models.PermissionGrant, bool, error) {
	grant, err := d.store.GetGrant(ctx, grantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, fault.NotFound("rbac.revoke", "grant %s not found", grantID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("load grant: %w", err)
	}
	if !grant.Active() {
		return grant, false, nil
	}

	err = d.client.Do(ctx, "rbac.rolebinding.delete", func(ctx context.Context) error {
		return d.client.Clientset.RbacV1().RoleBindings(grant.NamespaceName).Delete(ctx, grant.BindingName, metav1.DeleteOptions{})
	})
	if err != nil && !fault.Is(err, fault.KindNotFound) {
		return nil, false, err
	}

	at := d.now().UTC()
	revoked, err := d.store.RevokeGrant(ctx, grant.ID, at)
	if err != nil {
		return nil, false, fmt.Errorf("record revocation: %w", err)
	}
	if revoked {
		grant.RevokedAt = &at
		d.logger.Info("permission revoked", "team_id", grant.TeamID, "namespace", grant.NamespaceName, "binding", grant.BindingName)
	}
	return grant, revoked, nil
}

// ListGrants returns every grant of teamID, including revoked ones.
func (d *Delegator) ListGrants(ctx context.Context, teamID string) ([]*models.PermissionGrant, error) {
	return d.store.ListGrantsByTeam(ctx, teamID)
}

// ActiveGrantsForRequest returns the unrevoked grants issued by an onboarding request.
func (d *Delegator) ActiveGrantsForRequest(ctx context.Context, requestID string) ([]*models.PermissionGrant, error) {
	return d.store.ListActiveGrantsByRequest(ctx, requestID)
}
