package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kubilitics/team-onboarding/internal/audit"
	"github.com/kubilitics/team-onboarding/internal/bootstrap"
	"github.com/kubilitics/team-onboarding/internal/k8s"
	"github.com/kubilitics/team-onboarding/internal/lease"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	"github.com/kubilitics/team-onboarding/internal/pkg/logger"
	"github.com/kubilitics/team-onboarding/internal/rbac"
	"github.com/kubilitics/team-onboarding/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"
	testingk8s "k8s.io/client-go/testing"
)

// flakyRecorder fails Record for selected actions.
type flakyRecorder struct {
	next    AuditRecorder
	mu      sync.Mutex
	failOn  map[models.AuditAction]bool
	failAll bool
}

func (f *flakyRecorder) Record(ctx context.Context, e models.AuditEntry) (*models.AuditEntry, error) {
	f.mu.Lock()
	fail := f.failAll || f.failOn[e.Action]
	f.mu.Unlock()
	if fail {
		return nil, fault.AuditWrite("audit.record", errors.New("disk full"))
	}
	return f.next.Record(ctx, e)
}

type env struct {
	orch      *Orchestrator
	repo      *repository.SQLRepository
	clientset *fake.Clientset
	log       *audit.Log
	recorder  *flakyRecorder
	locker    *lease.MemoryLocker
}

func newEnv(t *testing.T, roles []string, objects ...runtime.Object) *env {
	t.Helper()
	ctx := context.Background()
	repo, err := repository.NewSQLiteRepository(":memory:")
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(ctx, nil))
	t.Cleanup(func() { repo.Close() })

	cs := fake.NewSimpleClientset(objects...)
	client := k8s.NewClientForTest(cs)
	policy, err := rbac.NewPolicy(rbac.DefaultRoles())
	require.NoError(t, err)

	log := audit.New(repo, logger.Discard())
	rec := &flakyRecorder{next: log, failOn: map[models.AuditAction]bool{}}
	locker := lease.NewMemoryLocker()
	orch := NewOrchestrator(repo, bootstrap.New(client, logger.Discard()),
		rbac.NewDelegator(client, repo, policy, logger.Discard()), rec, locker,
		Options{
			InstanceID:      "test",
			NamespacePrefix: "team-",
			DefaultRoles:    roles,
			MaxAttempts:     4,
			Backoff:         k8s.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond},
			LeaseTTL:        5 * time.Second,
		}, logger.Discard())
	t.Cleanup(orch.Close)

	_, created, err := orch.RegisterTeam(ctx, models.Team{ID: "payments", DisplayName: "Payments", OwnerIdentity: "User:alice"})
	require.NoError(t, err)
	require.True(t, created)
	return &env{orch: orch, repo: repo, clientset: cs, log: log, recorder: rec, locker: locker}
}

func (e *env) submit(t *testing.T, key string) *models.OnboardingRequest {
	t.Helper()
	req, _, err := e.orch.Submit(context.Background(), SubmitInput{TeamID: "payments", Actor: "alice", IdempotencyKey: key})
	require.NoError(t, err)
	return req
}

func (e *env) reload(t *testing.T, id string) *models.OnboardingRequest {
	t.Helper()
	req, err := e.repo.GetRequest(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (e *env) auditFor(t *testing.T, requestID string) []*models.AuditEntry {
	t.Helper()
	entries, err := e.repo.ListAudit(context.Background(), models.AuditFilter{RequestID: requestID}, 0, 100)
	require.NoError(t, err)
	return entries
}

func actions(entries []*models.AuditEntry) []models.AuditAction {
	out := make([]models.AuditAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// forbidRoleBindings rejects creation of bindings to clusterRole while *enabled is true.
// The returned counter holds the number of rejected calls.
func forbidRoleBindings(cs *fake.Clientset, clusterRole string, enabled *atomic.Bool) *atomic.Int32 {
	var denied atomic.Int32
	cs.PrependReactor("create", "rolebindings", func(action testingk8s.Action) (bool, runtime.Object, error) {
		rb := action.(testingk8s.CreateAction).GetObject().(*rbacv1.RoleBinding)
		if rb.RoleRef.Name != clusterRole || !enabled.Load() {
			return false, nil, nil
		}
		denied.Add(1)
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "rbac.authorization.k8s.io", Resource: "rolebindings"},
			rb.Name, errors.New("escalation denied"))
	})
	return &denied
}

func TestSubmit_CompletesWorkflow(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	req := e.submit(t, "")
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, "team-payments", req.Spec.NamespaceName)
	e.orch.Wait()

	got := e.reload(t, req.ID)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.True(t, got.CompletedSteps.Has(models.StepNamespace))
	assert.True(t, got.CompletedSteps.Has(models.StepGrants))
	assert.Equal(t, 1, got.Attempts)

	ns, err := e.clientset.CoreV1().Namespaces().Get(ctx, "team-payments", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "payments", ns.Labels[bootstrap.LabelTeam])
	_, err = e.clientset.CoreV1().ResourceQuotas("team-payments").Get(ctx, bootstrap.QuotaName, metav1.GetOptions{})
	require.NoError(t, err)

	grants, err := e.orch.ListGrants(ctx, "payments")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "developer", grants[0].RoleName)
	assert.Equal(t, "edit", grants[0].ClusterRole)
	assert.Equal(t, models.SubjectSet{"User:alice"}, grants[0].Subjects)

	entries := e.auditFor(t, req.ID)
	assert.Equal(t, []models.AuditAction{
		models.ActionRequestStarted,
		models.ActionQuotaApplied,
		models.ActionNamespaceCreated,
		models.ActionPermissionGranted,
	}, actions(entries))
	transitions := 0
	for _, entry := range entries {
		assert.Equal(t, models.OutcomeSuccess, entry.Outcome)
		if _, ok := entry.Details[models.DetailTransition]; ok {
			transitions++
		}
	}
	assert.Equal(t, 3, transitions, "one audit entry per status change")

	res, err := e.log.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestSubmit_IdempotentWhileActive(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	// Hold the team lease so the request stays Pending.
	held, err := lease.Hold(ctx, e.locker, lease.TeamKey("payments"), "someone-else", time.Minute, logger.Discard())
	require.NoError(t, err)

	first, created, err := e.orch.Submit(ctx, SubmitInput{TeamID: "payments", Actor: "alice", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := e.orch.Submit(ctx, SubmitInput{TeamID: "payments", Actor: "alice", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := e.orch.Submit(ctx, SubmitInput{TeamID: "payments", Actor: "bob"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, other.ID, "a team has at most one active request")

	e.orch.Wait()
	assert.Equal(t, models.StatusPending, e.reload(t, first.ID).Status)

	require.NoError(t, held.Release(ctx))
	n, err := e.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusCompleted, e.reload(t, first.ID).Status)

	reqs, err := e.orch.ListRequests(ctx, "payments")
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
}

func TestSubmit_Validation(t *testing.T) {
	foreign := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "team-payments"}}
	e := newEnv(t, nil, foreign)
	ctx := context.Background()

	_, _, err := e.orch.Submit(ctx, SubmitInput{TeamID: "payments", Actor: "alice"})
	assert.True(t, fault.Is(err, fault.KindValidation), "namespace owned by someone else: %v", err)

	_, _, err = e.orch.Submit(ctx, SubmitInput{TeamID: "unknown", Actor: "alice"})
	assert.True(t, fault.Is(err, fault.KindNotFound))

	_, _, err = e.orch.Submit(ctx, SubmitInput{TeamID: "payments", Actor: "alice", Overrides: models.QuotaOverrides{CPUQuota: "lots"}})
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestSubmit_IdempotencyKeyOfAnotherTeam(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, _, err := e.orch.RegisterTeam(ctx, models.Team{ID: "search", OwnerIdentity: "User:bob"})
	require.NoError(t, err)

	e.submit(t, "shared")
	_, _, err = e.orch.Submit(ctx, SubmitInput{TeamID: "search", Actor: "bob", IdempotencyKey: "shared"})
	assert.True(t, fault.Is(err, fault.KindConflict))
	e.orch.Wait()
}

func TestDrive_RetriesTransientErrors(t *testing.T) {
	e := newEnv(t, nil)
	var calls atomic.Int32
	e.clientset.PrependReactor("create", "namespaces", func(testingk8s.Action) (bool, runtime.Object, error) {
		if calls.Add(1) <= 2 {
			return true, nil, apierrors.NewServiceUnavailable("apiserver restarting")
		}
		return false, nil, nil
	})

	req := e.submit(t, "")
	e.orch.Wait()

	assert.Equal(t, models.StatusCompleted, e.reload(t, req.ID).Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDrive_TransientErrorsExhaustRetries(t *testing.T) {
	e := newEnv(t, nil)
	e.clientset.PrependReactor("create", "namespaces", func(testingk8s.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewTooManyRequests("slow down", 1)
	})

	req := e.submit(t, "")
	e.orch.Wait()

	got := e.reload(t, req.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.FailedStep)
	assert.Equal(t, models.StepNamespace, *got.FailedStep)
	require.NotNil(t, got.LastErrorKind)
	assert.Equal(t, string(fault.KindTransient), *got.LastErrorKind)
}

func TestDrive_PolicyViolationFailsAndRetryResumesAtGrants(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	var deny atomic.Bool
	deny.Store(true)
	denied := forbidRoleBindings(e.clientset, "edit", &deny)

	req := e.submit(t, "")
	e.orch.Wait()

	failed := e.reload(t, req.ID)
	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailedStep)
	assert.Equal(t, models.StepGrants, *failed.FailedStep)
	assert.Equal(t, string(fault.KindPolicy), *failed.LastErrorKind)
	assert.True(t, failed.CompletedSteps.Has(models.StepNamespace))
	assert.Equal(t, int32(1), denied.Load(), "a policy violation is not retried")

	// the namespace from the first step stays in place
	_, err := e.clientset.CoreV1().Namespaces().Get(ctx, "team-payments", metav1.GetOptions{})
	require.NoError(t, err)

	last := e.auditFor(t, req.ID)
	assert.Equal(t, models.ActionRequestFailed, last[len(last)-1].Action)
	assert.Equal(t, models.OutcomeFailure, last[len(last)-1].Outcome)

	deny.Store(false)
	retried, err := e.orch.Retry(ctx, "payments", req.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.StatusGranting, retried.Status)
	e.orch.Wait()

	done := e.reload(t, req.ID)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Nil(t, done.FailedStep)
	assert.Nil(t, done.LastError)

	entries := e.auditFor(t, req.ID)
	var retryEntry *models.AuditEntry
	for _, entry := range entries {
		if entry.Action == models.ActionRequestRetried {
			retryEntry = entry
		}
	}
	require.NotNil(t, retryEntry)
	assert.Equal(t, "bob", retryEntry.ActorIdentity)
	assert.Equal(t, "Failed->Granting", retryEntry.Details[models.DetailTransition])

	_, err = e.orch.Retry(ctx, "payments", req.ID, "bob")
	assert.True(t, fault.Is(err, fault.KindInvalidState))
}

func TestCancel_RollsBackGrantsAndNamespace(t *testing.T) {
	e := newEnv(t, []string{"developer", "viewer"})
	ctx := context.Background()
	var deny atomic.Bool
	deny.Store(true)
	forbidRoleBindings(e.clientset, "view", &deny)

	req := e.submit(t, "")
	e.orch.Wait()
	require.Equal(t, models.StatusFailed, e.reload(t, req.ID).Status)
	active, err := e.repo.ListActiveGrantsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	binding := active[0].BindingName
	_, err = e.clientset.CoreV1().Namespaces().Get(ctx, "team-payments", metav1.GetOptions{})
	require.NoError(t, err, "a failed request keeps its namespace until cancelled")

	cancelled, err := e.orch.Cancel(ctx, "payments", req.ID, "carol")
	require.NoError(t, err)
	assert.True(t, cancelled.CancelRequested)
	e.orch.Wait()

	got := e.reload(t, req.ID)
	assert.Equal(t, models.StatusRolledBack, got.Status)

	active, err = e.repo.ListActiveGrantsByRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
	_, err = e.clientset.RbacV1().RoleBindings("team-payments").Get(ctx, binding, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	_, err = e.clientset.CoreV1().Namespaces().Get(ctx, "team-payments", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	entries := e.auditFor(t, req.ID)
	tail := actions(entries[len(entries)-3:])
	assert.Equal(t, []models.AuditAction{
		models.ActionPermissionRevoked,
		models.ActionNamespaceDeleted,
		models.ActionRequestRolledBack,
	}, tail)
	assert.Equal(t, "carol", entries[len(entries)-1].ActorIdentity)

	again, err := e.orch.Cancel(ctx, "payments", req.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRolledBack, again.Status)

	_, err = e.orch.Retry(ctx, "payments", req.ID, "carol")
	assert.True(t, fault.Is(err, fault.KindInvalidState))

	// the slot is free again
	next := e.submit(t, "")
	assert.NotEqual(t, req.ID, next.ID)
	e.orch.Wait()
}

func TestCancel_CompletedRequest(t *testing.T) {
	e := newEnv(t, nil)
	req := e.submit(t, "")
	e.orch.Wait()

	_, err := e.orch.Cancel(context.Background(), "payments", req.ID, "alice")
	assert.True(t, fault.Is(err, fault.KindInvalidState))

	_, err = e.orch.Cancel(context.Background(), "search", req.ID, "alice")
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestCancel_PendingRequestLeavesClusterUntouched(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	held, err := lease.Hold(ctx, e.locker, lease.TeamKey("payments"), "someone-else", time.Minute, logger.Discard())
	require.NoError(t, err)

	req := e.submit(t, "")
	_, err = e.orch.Cancel(ctx, "payments", req.ID, "alice")
	require.NoError(t, err)
	e.orch.Wait()
	require.NoError(t, held.Release(ctx))

	_, err = e.orch.Resume(ctx)
	require.NoError(t, err)

	got := e.reload(t, req.ID)
	assert.Equal(t, models.StatusRolledBack, got.Status)
	entries := e.auditFor(t, req.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionRequestRolledBack, entries[0].Action)
	assert.Equal(t, "none", entries[0].Details["namespace_action"])
}

func TestDrive_AuditFailureBlocksTransition(t *testing.T) {
	e := newEnv(t, nil)
	e.recorder.failOn[models.ActionNamespaceCreated] = true

	req := e.submit(t, "")
	e.orch.Wait()

	got := e.reload(t, req.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.LastErrorKind)
	assert.Equal(t, string(fault.KindAuditWrite), *got.LastErrorKind)
	assert.False(t, got.CompletedSteps.Has(models.StepNamespace))
	assert.NotContains(t, actions(e.auditFor(t, req.ID)), models.ActionNamespaceCreated)
}

func TestDrive_AuditUnavailableKeepsStatus(t *testing.T) {
	e := newEnv(t, nil)
	e.recorder.failAll = true

	req := e.submit(t, "")
	e.orch.Wait()

	got := e.reload(t, req.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.LastErrorKind)
	assert.Equal(t, string(fault.KindAuditWrite), *got.LastErrorKind)
	assert.Empty(t, e.auditFor(t, req.ID))

	e.recorder.mu.Lock()
	e.recorder.failAll = false
	e.recorder.mu.Unlock()
	n, err := e.orch.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusCompleted, e.reload(t, req.ID).Status)
}

func TestResume_DrivesInterruptedRequest(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	req := &models.OnboardingRequest{
		TeamID: "payments",
		Actor:  "alice",
		Status: models.StatusProvisioning,
		Spec: models.NamespaceBootstrapSpec{
			TeamID: "payments", NamespaceName: "team-payments", CPUQuota: "2", MemoryQuota: "4Gi", MaxPods: 10,
		},
		Attempts: 1,
	}
	require.NoError(t, e.repo.CreateRequest(ctx, req))

	n, err := e.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusCompleted, e.reload(t, req.ID).Status)

	n, err = e.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	stuck, err := e.orch.UpdateStuckGauge(ctx)
	require.NoError(t, err)
	assert.Zero(t, stuck)
}

func TestRegisterTeam(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	team, created, err := e.orch.RegisterTeam(ctx, models.Team{ID: "payments", DisplayName: "Payments Platform", OwnerIdentity: "User:alice"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Payments Platform", team.DisplayName)

	_, _, err = e.orch.RegisterTeam(ctx, models.Team{ID: "payments", OwnerIdentity: "User:mallory"})
	assert.True(t, fault.Is(err, fault.KindConflict))

	_, _, err = e.orch.RegisterTeam(ctx, models.Team{ID: "Bad_Team", OwnerIdentity: "User:alice"})
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, _, err = e.orch.RegisterTeam(ctx, models.Team{ID: "ops"})
	assert.True(t, fault.Is(err, fault.KindValidation))

	_, err = e.orch.GetTeam(ctx, "nobody")
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestSubmit_ConcurrentCallsShareOneRequest(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	held, err := lease.Hold(ctx, e.locker, lease.TeamKey("payments"), "someone-else", time.Minute, logger.Discard())
	require.NoError(t, err)

	const callers = 20
	ids := make([]string, callers)
	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, isNew, err := e.orch.Submit(ctx, SubmitInput{TeamID: "payments", Actor: "alice"})
			if !assert.NoError(t, err) {
				return
			}
			if isNew {
				created.Add(1)
			}
			ids[i] = req.ID
		}()
	}
	wg.Wait()
	e.orch.Wait()
	require.NoError(t, held.Release(ctx))

	assert.Equal(t, int32(1), created.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	reqs, err := e.orch.ListRequests(ctx, "payments")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].Status.Terminal())
}

func TestDrive_StaleQuotaUpdateIsRetried(t *testing.T) {
	owned := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{
		Name:   "team-payments",
		Labels: map[string]string{bootstrap.LabelTeam: "payments"},
	}}
	quota := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{Name: bootstrap.QuotaName, Namespace: "team-payments"},
		Spec:       corev1.ResourceQuotaSpec{Hard: corev1.ResourceList{corev1.ResourcePods: resource.MustParse("1")}},
	}
	e := newEnv(t, nil, owned, quota)
	var updates atomic.Int32
	e.clientset.PrependReactor("update", "resourcequotas", func(testingk8s.Action) (bool, runtime.Object, error) {
		if updates.Add(1) == 1 {
			return true, nil, apierrors.NewConflict(schema.GroupResource{Resource: "resourcequotas"}, bootstrap.QuotaName,
				errors.New("the object has been modified"))
		}
		return false, nil, nil
	})

	req := e.submit(t, "")
	e.orch.Wait()

	assert.Equal(t, models.StatusCompleted, e.reload(t, req.ID).Status)
	assert.Equal(t, int32(2), updates.Load())
}

func TestDrive_RerunDoesNotRepeatQuotaEntry(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.recorder.mu.Lock()
	e.recorder.failOn[models.ActionNamespaceCreated] = true
	e.recorder.mu.Unlock()

	req := e.submit(t, "")
	e.orch.Wait()
	require.Equal(t, models.StatusFailed, e.reload(t, req.ID).Status)

	e.recorder.mu.Lock()
	e.recorder.failOn[models.ActionNamespaceCreated] = false
	e.recorder.mu.Unlock()
	_, err := e.orch.Retry(ctx, "payments", req.ID, "alice")
	require.NoError(t, err)
	e.orch.Wait()
	require.Equal(t, models.StatusCompleted, e.reload(t, req.ID).Status)

	quotaEntries := 0
	for _, a := range actions(e.auditFor(t, req.ID)) {
		if a == models.ActionQuotaApplied {
			quotaEntries++
		}
	}
	assert.Equal(t, 1, quotaEntries)
}

func TestCancel_ForeignNamespaceIsLeftAlone(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	held, err := lease.Hold(ctx, e.locker, lease.TeamKey("payments"), "someone-else", time.Minute, logger.Discard())
	require.NoError(t, err)

	req := e.submit(t, "")
	// someone else claims the name after the pre-flight check
	_, err = e.clientset.CoreV1().Namespaces().Create(ctx,
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "team-payments"}}, metav1.CreateOptions{})
	require.NoError(t, err)
	e.orch.Wait()
	require.NoError(t, held.Release(ctx))
	_, err = e.orch.Resume(ctx)
	require.NoError(t, err)

	failed := e.reload(t, req.ID)
	require.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.FailedStep)
	assert.Equal(t, models.StepNamespace, *failed.FailedStep)
	assert.Equal(t, string(fault.KindConflict), *failed.LastErrorKind)

	_, err = e.orch.Cancel(ctx, "payments", req.ID, "carol")
	require.NoError(t, err)
	e.orch.Wait()

	got := e.reload(t, req.ID)
	assert.Equal(t, models.StatusRolledBack, got.Status)
	entries := e.auditFor(t, req.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, models.ActionRequestRolledBack, last.Action)
	assert.Equal(t, "not-owned", last.Details["namespace_action"])
	_, err = e.clientset.CoreV1().Namespaces().Get(ctx, "team-payments", metav1.GetOptions{})
	require.NoError(t, err, "a namespace the team never owned is not deleted")

	require.NoError(t, e.clientset.CoreV1().Namespaces().Delete(ctx, "team-payments", metav1.DeleteOptions{}))
	next, created, err := e.orch.Submit(ctx, SubmitInput{TeamID: "payments", Actor: "alice"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, req.ID, next.ID)
	e.orch.Wait()
	assert.Equal(t, models.StatusCompleted, e.reload(t, next.ID).Status)
}

func TestRetry_RerunsFailedRollback(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	var deny atomic.Bool
	deny.Store(true)
	forbidRoleBindings(e.clientset, "edit", &deny)
	var blockDelete atomic.Bool
	blockDelete.Store(true)
	e.clientset.PrependReactor("delete", "namespaces", func(testingk8s.Action) (bool, runtime.Object, error) {
		if !blockDelete.Load() {
			return false, nil, nil
		}
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Resource: "namespaces"}, "team-payments", errors.New("denied"))
	})

	req := e.submit(t, "")
	e.orch.Wait()
	require.Equal(t, models.StatusFailed, e.reload(t, req.ID).Status)

	_, err := e.orch.Cancel(ctx, "payments", req.ID, "carol")
	require.NoError(t, err)
	e.orch.Wait()

	stuck := e.reload(t, req.ID)
	assert.Equal(t, models.StatusFailed, stuck.Status)
	require.NotNil(t, stuck.FailedStep)
	assert.Equal(t, models.StepRollback, *stuck.FailedStep)
	assert.True(t, stuck.CancelRequested)

	blockDelete.Store(false)
	retried, err := e.orch.Retry(ctx, "payments", req.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, retried.Status)
	assert.Nil(t, retried.FailedStep)
	e.orch.Wait()

	assert.Equal(t, models.StatusRolledBack, e.reload(t, req.ID).Status)
	_, err = e.clientset.CoreV1().Namespaces().Get(ctx, "team-payments", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	var retryEntry *models.AuditEntry
	for _, entry := range e.auditFor(t, req.ID) {
		if entry.Action == models.ActionRequestRetried {
			retryEntry = entry
		}
	}
	require.NotNil(t, retryEntry)
	assert.Equal(t, "Failed->Failed", retryEntry.Details[models.DetailTransition])
}
