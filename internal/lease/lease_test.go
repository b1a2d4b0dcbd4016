package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kubilitics/team-onboarding/internal/k8s"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

// exerciseLocker checks the exclusion contract every backend must honour.
func exerciseLocker(t *testing.T, l Locker, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	key := TeamKey("payments")
	ttl := 30 * time.Second

	ok, err := l.TryAcquire(ctx, key, "instance-a", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "first acquire succeeds")

	ok, err = l.TryAcquire(ctx, key, "instance-b", ttl)
	require.NoError(t, err)
	assert.False(t, ok, "second holder is excluded")

	ok, err = l.TryAcquire(ctx, key, "instance-a", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "re-acquire by the holder succeeds")

	require.NoError(t, l.Renew(ctx, key, "instance-a", ttl))
	assert.ErrorIs(t, l.Renew(ctx, key, "instance-b", ttl), ErrNotHeld)

	if advance != nil {
		advance(ttl + time.Second)
		ok, err = l.TryAcquire(ctx, key, "instance-b", ttl)
		require.NoError(t, err)
		assert.True(t, ok, "expired lease can be taken over")
		assert.ErrorIs(t, l.Renew(ctx, key, "instance-a", ttl), ErrNotHeld)
		require.NoError(t, l.Release(ctx, key, "instance-a"), "releasing a lost lease is not an error")
		require.NoError(t, l.Release(ctx, key, "instance-b"))
	} else {
		require.NoError(t, l.Release(ctx, key, "instance-a"))
	}

	ok, err = l.TryAcquire(ctx, key, "instance-c", ttl)
	require.NoError(t, err)
	assert.True(t, ok, "released lease is free")
	require.NoError(t, l.Release(ctx, key, "instance-c"))
}

func TestMemoryLocker(t *testing.T) {
	m := NewMemoryLocker()
	now := time.Now()
	m.now = func() time.Time { return now }
	exerciseLocker(t, m, func(d time.Duration) { now = now.Add(d) })
}

func TestKubernetesLocker(t *testing.T) {
	client := k8s.NewClientForTest(fake.NewSimpleClientset())
	kl := NewKubernetesLocker(client, "team-onboarding")
	now := time.Now()
	kl.now = func() time.Time { return now }
	exerciseLocker(t, kl, func(d time.Duration) { now = now.Add(d) })

	ok, err := kl.TryAcquire(context.Background(), TeamKey("search"), "instance-a", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	lease, err := client.Clientset.CoordinationV1().Leases("team-onboarding").Get(context.Background(), "onboarding-team-search", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "instance-a", *lease.Spec.HolderIdentity)
	assert.Equal(t, int32(10), *lease.Spec.LeaseDurationSeconds)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("ONBOARDING_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ONBOARDING_TEST_REDIS_ADDR not set")
	}
	r, err := NewRedisLocker(addr, "", 0, nil)
	require.NoError(t, err)
	defer r.Close()
	r.prefix = "onboarding:test:" + t.Name() + ":"
	exerciseLocker(t, r, nil)
}

func TestHold_ExcludesSecondHolderUntilRelease(t *testing.T) {
	m := NewMemoryLocker()
	ctx := context.Background()

	first, err := Hold(ctx, m, TeamKey("payments"), "instance-a", 3*time.Second, nil)
	require.NoError(t, err)
	assert.True(t, first.Valid())

	_, err = Hold(ctx, m, TeamKey("payments"), "instance-b", 3*time.Second, nil)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, first.Release(ctx), "second release is a no-op")

	second, err := Hold(ctx, m, TeamKey("payments"), "instance-b", 3*time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestHold_SignalsLostLease(t *testing.T) {
	m := NewMemoryLocker()
	ctx := context.Background()
	l, err := Hold(ctx, m, TeamKey("search"), "instance-a", 300*time.Millisecond, nil)
	require.NoError(t, err)
	defer l.Release(ctx)

	// Another holder takes over behind our back.
	m.mu.Lock()
	m.entries[TeamKey("search")] = memoryEntry{holder: "instance-b", expires: time.Now().Add(time.Minute)}
	m.mu.Unlock()

	select {
	case <-l.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("expected the lease to be reported lost")
	}
	assert.False(t, l.Valid())
}
