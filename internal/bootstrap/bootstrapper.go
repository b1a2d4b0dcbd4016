package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kubilitics/team-onboarding/internal/k8s"
	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Outcome is what Bootstrap did to one sub-resource.
type Outcome string

const (
	Created   Outcome = "Created"
	Updated   Outcome = "Updated"
	Unchanged Outcome = "Unchanged"
)

// Result reports the outcome per sub-resource.
type Result struct {
	Namespace  Outcome `json:"namespace"`
	Quota      Outcome `json:"quota"`
	LimitRange Outcome `json:"limitRange"`
}

// Bootstrapper applies namespace, quota and limit range for a team.
type Bootstrapper struct {
	client *k8s.Client
	logger *slog.Logger
}

// New returns a Bootstrapper that talks to the cluster through client.
func New(client *k8s.Client, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{client: client, logger: logger}
}

func (b *Bootstrapper) getNamespace(ctx context.Context, name string) (*corev1.Namespace, error) {
	var ns *corev1.Namespace
	err := b.client.Do(ctx, "bootstrap.namespace.get", func(ctx context.Context) error {
		var err error
		ns, err = b.client.Clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
		return err
	})
	return ns, err
}

// Check is the pre-flight test run at submit time: the namespace must either not exist
// or already belong to the team.
func (b *Bootstrapper) Check(ctx context.Context, spec models.NamespaceBootstrapSpec) error {
	if err := ValidateSpec(spec); err != nil {
		return err
	}
	ns, err := b.getNamespace(ctx, spec.NamespaceName)
	if fault.Is(err, fault.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !ownedBy(ns.Labels, spec.TeamID) {
		return fault.Validation("bootstrap.check", "namespace %q already exists and is not owned by team %q", spec.NamespaceName, spec.TeamID)
	}
	return nil
}

// Bootstrap ensures the namespace, quota and limit range described by spec exist.
func (b *Bootstrapper) Bootstrap(ctx context.Context, spec models.NamespaceBootstrapSpec) (Result, error) {
	var res Result
	if err := ValidateSpec(spec); err != nil {
		return res, err
	}
	logger := b.logger.With("team_id", spec.TeamID, "namespace", spec.NamespaceName)

	var err error
	if res.Namespace, err = b.ensureNamespace(ctx, spec); err != nil {
		return res, err
	}
	if res.Quota, err = b.ensureQuota(ctx, spec); err != nil {
		return res, err
	}
	if res.LimitRange, err = b.ensureLimitRange(ctx, spec); err != nil {
		return res, err
	}
	logger.Info("namespace bootstrapped",
		"namespace_outcome", res.Namespace, "quota_outcome", res.Quota, "limit_range_outcome", res.LimitRange)
	return res, nil
}

func (b *Bootstrapper) ensureNamespace(ctx context.Context, spec models.NamespaceBootstrapSpec) (Outcome, error) {
	existing, err := b.getNamespace(ctx, spec.NamespaceName)
	if fault.Is(err, fault.KindNotFound) {
		err = b.client.Do(ctx, "bootstrap.namespace.create", func(ctx context.Context) error {
			_, err := b.client.Clientset.CoreV1().Namespaces().Create(ctx, namespaceObject(spec), metav1.CreateOptions{})
			return err
		})
		if err == nil {
			return Created, nil
		}
		if !fault.Is(err, fault.KindConflict) {
			return "", err
		}
		// Lost a create race; fall through and judge the winner by its labels.
		existing, err = b.getNamespace(ctx, spec.NamespaceName)
	}
	if err != nil {
		return "", err
	}

	if !ownedBy(existing.Labels, spec.TeamID) {
		return "", fault.Conflict("bootstrap.namespace", "namespace %q exists and is not owned by team %q", spec.NamespaceName, spec.TeamID)
	}
	if existing.Status.Phase == corev1.NamespaceTerminating {
		return "", fault.Transient("bootstrap.namespace", fmt.Errorf("namespace %q is terminating", spec.NamespaceName))
	}
	if existing.Labels[LabelManagedBy] == ManagedByValue {
		return Unchanged, nil
	}
	updated := existing.DeepCopy()
	updated.Labels[LabelManagedBy] = ManagedByValue
	err = b.client.Do(ctx, "bootstrap.namespace.update", func(ctx context.Context) error {
		_, err := b.client.Clientset.CoreV1().Namespaces().Update(ctx, updated, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return "", err
	}
	return Updated, nil
}

func (b *Bootstrapper) ensureQuota(ctx context.Context, spec models.NamespaceBootstrapSpec) (Outcome, error) {
	quotas := b.client.Clientset.CoreV1().ResourceQuotas(spec.NamespaceName)
	var existing *corev1.ResourceQuota
	err := b.client.Do(ctx, "bootstrap.quota.get", func(ctx context.Context) error {
		var err error
		existing, err = quotas.Get(ctx, QuotaName, metav1.GetOptions{})
		return err
	})
	if fault.Is(err, fault.KindNotFound) {
		err = b.client.Do(ctx, "bootstrap.quota.create", func(ctx context.Context) error {
			_, err := quotas.Create(ctx, quotaObject(spec), metav1.CreateOptions{})
			return err
		})
		if err != nil {
			return "", err
		}
		return Created, nil
	}
	if err != nil {
		return "", err
	}

	want := quotaHard(spec)
	if sameResources(existing.Spec.Hard, want) {
		return Unchanged, nil
	}
	updated := existing.DeepCopy()
	updated.Spec.Hard = want
	err = b.client.Do(ctx, "bootstrap.quota.update", func(ctx context.Context) error {
		_, err := quotas.Update(ctx, updated, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return "", err
	}
	return Updated, nil
}

func (b *Bootstrapper) ensureLimitRange(ctx context.Context, spec models.NamespaceBootstrapSpec) (Outcome, error) {
	ranges := b.client.Clientset.CoreV1().LimitRanges(spec.NamespaceName)
	var existing *corev1.LimitRange
	err := b.client.Do(ctx, "bootstrap.limitrange.get", func(ctx context.Context) error {
		var err error
		existing, err = ranges.Get(ctx, LimitRangeName, metav1.GetOptions{})
		return err
	})
	if fault.Is(err, fault.KindNotFound) {
		err = b.client.Do(ctx, "bootstrap.limitrange.create", func(ctx context.Context) error {
			_, err := ranges.Create(ctx, limitRangeObject(spec), metav1.CreateOptions{})
			return err
		})
		if err != nil {
			return "", err
		}
		return Created, nil
	}
	if err != nil {
		return "", err
	}

	want := limitRangeItems(spec)
	if sameLimits(existing.Spec.Limits, want) {
		return Unchanged, nil
	}
	updated := existing.DeepCopy()
	updated.Spec.Limits = want
	err = b.client.Do(ctx, "bootstrap.limitrange.update", func(ctx context.Context) error {
		_, err := ranges.Update(ctx, updated, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		return "", err
	}
	return Updated, nil
}

func sameLimits(a, b []corev1.LimitRangeItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Type != b[i].Type ||
			!sameResources(a[i].Default, b[i].Default) ||
			!sameResources(a[i].DefaultRequest, b[i].DefaultRequest) {
			return false
		}
	}
	return true
}

// Teardown deletes the team's namespace (and with it the quota and limit range). It
// reports false when the namespace was already gone and refuses with a Conflict when the
// namespace is not owned by teamID.
func (b *Bootstrapper) Teardown(ctx context.Context, teamID, namespace string) (bool, error) {
	ns, err := b.getNamespace(ctx, namespace)
	if fault.Is(err, fault.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !ownedBy(ns.Labels, teamID) {
		return false, fault.Conflict("bootstrap.teardown", "namespace %q is not owned by team %q", namespace, teamID)
	}
	if ns.Status.Phase == corev1.NamespaceTerminating {
		return true, nil
	}
	err = b.client.Do(ctx, "bootstrap.namespace.delete", func(ctx context.Context) error {
		return b.client.Clientset.CoreV1().Namespaces().Delete(ctx, namespace, metav1.DeleteOptions{})
	})
	if fault.Is(err, fault.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	b.logger.Info("namespace deleted", "team_id", teamID, "namespace", namespace)
	return true, nil
}
