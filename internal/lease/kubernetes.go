package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/kubilitics/team-onboarding/internal/k8s"
	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	coordinationv1 "k8s.io/api/coordination/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const leaseNamePrefix = "onboarding-"

// KubernetesLocker stores leases as coordination.k8s.io/v1 Lease objects in one namespace.
// Takeover of an expired lease is an Update guarded by resourceVersion, so two instances
// racing for it cannot both win.
type KubernetesLocker struct {
	client    *k8s.Client
	namespace string
	now       func() time.Time
}

// NewKubernetesLocker stores leases in namespace.
func NewKubernetesLocker(client *k8s.Client, namespace string) *KubernetesLocker {
	return &KubernetesLocker{client: client, namespace: namespace, now: time.Now}
}

func (k *KubernetesLocker) Backend() string { return "kubernetes" }

func leaseName(key string) string { return leaseNamePrefix + key }

func (k *KubernetesLocker) get(ctx context.Context, key string) (*coordinationv1.Lease, error) {
	var lease *coordinationv1.Lease
	err := k.client.Do(ctx, "lease.get", func(ctx context.Context) error {
		var err error
		lease, err = k.client.Clientset.CoordinationV1().Leases(k.namespace).Get(ctx, leaseName(key), metav1.GetOptions{})
		return err
	})
	return lease, err
}

func (k *KubernetesLocker) expired(l *coordinationv1.Lease) bool {
	if l.Spec.HolderIdentity == nil || *l.Spec.HolderIdentity == "" {
		return true
	}
	if l.Spec.RenewTime == nil || l.Spec.LeaseDurationSeconds == nil {
		return true
	}
	deadline := l.Spec.RenewTime.Add(time.Duration(*l.Spec.LeaseDurationSeconds) * time.Second)
	return !k.now().Before(deadline)
}

func (k *KubernetesLocker) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := metav1.NewMicroTime(k.now())
	seconds := int32(ttl.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	existing, err := k.get(ctx, key)
	if fault.Is(err, fault.KindNotFound) {
		lease := &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{
				Name:      leaseName(key),
				Namespace: k.namespace,
				Labels:    map[string]string{"app.kubernetes.io/managed-by": "team-onboarding"},
			},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &holder,
				LeaseDurationSeconds: &seconds,
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}
		err = k.client.Do(ctx, "lease.create", func(ctx context.Context) error {
			_, err := k.client.Clientset.CoordinationV1().Leases(k.namespace).Create(ctx, lease, metav1.CreateOptions{})
			return err
		})
		if fault.Is(err, fault.KindConflict) {
			return false, nil
		}
		return err == nil, err
	}
	if err != nil {
		return false, err
	}

	owned := existing.Spec.HolderIdentity != nil && *existing.Spec.HolderIdentity == holder
	if !owned && !k.expired(existing) {
		return false, nil
	}
	updated := existing.DeepCopy()
	updated.Spec.HolderIdentity = &holder
	updated.Spec.LeaseDurationSeconds = &seconds
	updated.Spec.RenewTime = &now
	if !owned {
		updated.Spec.AcquireTime = &now
		transitions := int32(0)
		if existing.Spec.LeaseTransitions != nil {
			transitions = *existing.Spec.LeaseTransitions
		}
		transitions++
		updated.Spec.LeaseTransitions = &transitions
	}
	err = k.update(ctx, updated)
	if fault.Is(err, fault.KindConflict) {
		return false, nil
	}
	return err == nil, err
}

func (k *KubernetesLocker) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	existing, err := k.get(ctx, key)
	if fault.Is(err, fault.KindNotFound) {
		return ErrNotHeld
	}
	if err != nil {
		return err
	}
	if existing.Spec.HolderIdentity == nil || *existing.Spec.HolderIdentity != holder {
		return ErrNotHeld
	}
	now := metav1.NewMicroTime(k.now())
	seconds := int32(ttl.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	updated := existing.DeepCopy()
	updated.Spec.RenewTime = &now
	updated.Spec.LeaseDurationSeconds = &seconds
	err = k.update(ctx, updated)
	if fault.Is(err, fault.KindConflict) {
		return ErrNotHeld
	}
	return err
}

func (k *KubernetesLocker) Release(ctx context.Context, key, holder string) error {
	existing, err := k.get(ctx, key)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Spec.HolderIdentity == nil || *existing.Spec.HolderIdentity != holder {
		return nil
	}
	rv := existing.ResourceVersion
	err = k.client.Do(ctx, "lease.delete", func(ctx context.Context) error {
		return k.client.Clientset.CoordinationV1().Leases(k.namespace).Delete(ctx, leaseName(key), metav1.DeleteOptions{
			Preconditions: &metav1.Preconditions{ResourceVersion: &rv},
		})
	})
	if fault.Is(err, fault.KindNotFound) || fault.Is(err, fault.KindConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}

func (k *KubernetesLocker) update(ctx context.Context, lease *coordinationv1.Lease) error {
	return k.client.Do(ctx, "lease.update", func(ctx context.Context) error {
		_, err := k.client.Clientset.CoordinationV1().Leases(k.namespace).Update(ctx, lease, metav1.UpdateOptions{})
		return err
	})
}
