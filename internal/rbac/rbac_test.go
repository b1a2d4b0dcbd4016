package rbac

import (
	"context"
	"testing"

	"github.com/kubilitics/team-onboarding/internal/k8s"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	"github.com/kubilitics/team-onboarding/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	authv1 "k8s.io/api/authorization/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	testingk8s "k8s.io/client-go/testing"
)

type fixture struct {
	delegator *Delegator
	clientset *fake.Clientset
	requestID string
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	repo, err := repository.NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(ctx, nil))
	t.Cleanup(func() { repo.Close() })

	require.NoError(t, repo.CreateTeam(ctx, &models.Team{ID: "payments", DisplayName: "Payments", OwnerIdentity: "alice"}))
	req := &models.OnboardingRequest{TeamID: "payments", Actor: "alice", Status: models.StatusGranting,
		Spec: models.NamespaceBootstrapSpec{TeamID: "payments", NamespaceName: "payments"}}
	require.NoError(t, repo.CreateRequest(ctx, req))

	policy, err := NewPolicy(DefaultRoles())
	require.NoError(t, err)
	cs := fake.NewSimpleClientset()
	return fixture{
		delegator: NewDelegator(k8s.NewClientForTest(cs), repo, policy, nil),
		clientset: cs,
		requestID: req.ID,
	}
}

func (f fixture) input(role string, subjects ...string) GrantInput {
	return GrantInput{RequestID: f.requestID, TeamID: "payments", Namespace: "payments", Role: role, Subjects: subjects}
}

func TestNewPolicy_RejectsEscalatingRoles(t *testing.T) {
	_, err := NewPolicy(map[string]string{"root": "cluster-admin"})
	assert.Error(t, err)
	_, err = NewPolicy(map[string]string{"node": "system:node"})
	assert.Error(t, err)
	_, err = NewPolicy(nil)
	assert.Error(t, err)
}

func TestPolicyResolve(t *testing.T) {
	p, err := NewPolicy(DefaultRoles())
	require.NoError(t, err)

	cr, err := p.Resolve("developer", "payments")
	require.NoError(t, err)
	assert.Equal(t, "edit", cr)

	tests := []struct {
		name, role, namespace string
	}{
		{"cluster admin", "cluster-admin", "payments"},
		{"unknown role", "owner", "payments"},
		{"no namespace", "developer", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Resolve(tt.role, tt.namespace)
			assert.True(t, fault.Is(err, fault.KindPolicy), "got %v", err)
		})
	}
	assert.Equal(t, []string{"admin", "edit", "view"}, p.ClusterRoles())
}

func TestNormalizeSubjects(t *testing.T) {
	got, err := NormalizeSubjects([]string{"bob", "Group:payments-devs", "User:bob", " alice "})
	require.NoError(t, err)
	assert.Equal(t, models.SubjectSet{"Group:payments-devs", "User:alice", "User:bob"}, got)

	_, err = NormalizeSubjects(nil)
	assert.True(t, fault.Is(err, fault.KindValidation))
	_, err = NormalizeSubjects([]string{"ServiceAccount:ci"})
	assert.True(t, fault.Is(err, fault.KindValidation))

	sa, err := NormalizeSubjects([]string{"ServiceAccount:payments/ci"})
	require.NoError(t, err)
	subjects := toRBACSubjects(sa)
	assert.Equal(t, rbacv1.Subject{Kind: "ServiceAccount", Namespace: "payments", Name: "ci"}, subjects[0])
}

func TestBindingName_Deterministic(t *testing.T) {
	a := BindingName("developer", models.SubjectSet{"User:alice"})
	b := BindingName("developer", models.SubjectSet{"User:alice"})
	c := BindingName("developer", models.SubjectSet{"User:bob"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.LessOrEqual(t, len(a), 63)
}

func TestGrant_CreatesBindingAndIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	g1, err := f.delegator.Grant(ctx, f.input("developer", "alice"))
	require.NoError(t, err)
	assert.Equal(t, "edit", g1.ClusterRole)

	rb, err := f.clientset.RbacV1().RoleBindings("payments").Get(ctx, g1.BindingName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "edit", rb.RoleRef.Name)
	require.Len(t, rb.Subjects, 1)
	assert.Equal(t, "alice", rb.Subjects[0].Name)

	g2, err := f.delegator.Grant(ctx, f.input("developer", "User:alice"))
	require.NoError(t, err)
	assert.Equal(t, g1.ID, g2.ID, "identical grant returns the existing record")

	grants, err := f.delegator.ListGrants(ctx, "payments")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestGrant_RecreatesMissingBinding(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	g, err := f.delegator.Grant(ctx, f.input("viewer", "alice"))
	require.NoError(t, err)
	require.NoError(t, f.clientset.RbacV1().RoleBindings("payments").Delete(ctx, g.BindingName, metav1.DeleteOptions{}))

	_, err = f.delegator.Grant(ctx, f.input("viewer", "alice"))
	require.NoError(t, err)
	_, err = f.clientset.RbacV1().RoleBindings("payments").Get(ctx, g.BindingName, metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestGrant_PolicyViolationTouchesNothing(t *testing.T) {
	f := setup(t)
	_, err := f.delegator.Grant(context.Background(), f.input("cluster-admin", "alice"))
	assert.True(t, fault.Is(err, fault.KindPolicy))
	assert.Empty(t, f.clientset.Actions())

	grants, err := f.delegator.ListGrants(context.Background(), "payments")
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestGrant_ClusterFailureRecordsNothing(t *testing.T) {
	f := setup(t)
	f.clientset.PrependReactor("create", "rolebindings", func(action testingk8s.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewTooManyRequests("throttled", 1)
	})
	_, err := f.delegator.Grant(context.Background(), f.input("developer", "alice"))
	assert.True(t, fault.IsRetryable(err))

	active, err := f.delegator.ActiveGrantsForRequest(context.Background(), f.requestID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRevoke(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	g, err := f.delegator.Grant(ctx, f.input("developer", "alice"))
	require.NoError(t, err)

	revokedGrant, revoked, err := f.delegator.Revoke(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.NotNil(t, revokedGrant.RevokedAt)
	_, err = f.clientset.RbacV1().RoleBindings("payments").Get(ctx, g.BindingName, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	_, revoked, err = f.delegator.Revoke(ctx, g.ID)
	require.NoError(t, err)
	assert.False(t, revoked, "second revoke is a no-op")

	_, _, err = f.delegator.Revoke(ctx, "missing")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	active, err := f.delegator.ActiveGrantsForRequest(ctx, f.requestID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPermissionChecker_CheckDelegation(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	clientset.PrependReactor("create", "selfsubjectaccessreviews", func(action testingk8s.Action) (bool, runtime.Object, error) {
		sar := action.(testingk8s.CreateAction).GetObject().(*authv1.SelfSubjectAccessReview)
		allowed := sar.Spec.ResourceAttributes.Verb != "bind" || sar.Spec.ResourceAttributes.Name != "admin"
		return true, &authv1.SelfSubjectAccessReview{Status: authv1.SubjectAccessReviewStatus{Allowed: allowed}}, nil
	})

	checker := NewPermissionChecker(clientset)
	gaps, err := checker.CheckDelegation(context.Background(), []string{"edit", "admin"})
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "bind", gaps[0].Verb)
	assert.Equal(t, "admin", gaps[0].Name)
}
