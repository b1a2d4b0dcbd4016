package bootstrap

import (
	"bytes"
	"fmt"

	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// ValidateSpec checks every quantity in spec before anything touches the cluster.
func ValidateSpec(spec models.NamespaceBootstrapSpec) error {
	if err := ValidateTeamID(spec.TeamID); err != nil {
		return err
	}
	if spec.NamespaceName == "" {
		return fault.Validation("bootstrap.spec", "namespace name is required")
	}
	if spec.MaxPods <= 0 {
		return fault.Validation("bootstrap.spec", "maxPods must be positive, got %d", spec.MaxPods)
	}
	for field, value := range map[string]string{"cpuQuota": spec.CPUQuota, "memoryQuota": spec.MemoryQuota} {
		if _, err := positiveQuantity(field, value); err != nil {
			return err
		}
	}
	for field, value := range map[string]string{
		"defaultCpuLimit":      spec.DefaultCPULimit,
		"defaultMemoryLimit":   spec.DefaultMemoryLimit,
		"defaultCpuRequest":    spec.DefaultCPURequest,
		"defaultMemoryRequest": spec.DefaultMemoryRequest,
	} {
		if value == "" {
			continue
		}
		if _, err := positiveQuantity(field, value); err != nil {
			return err
		}
	}
	return nil
}

func positiveQuantity(field, value string) (resource.Quantity, error) {
	q, err := resource.ParseQuantity(value)
	if err != nil {
		return q, fault.Validation("bootstrap.spec", "%s %q is not a valid quantity", field, value)
	}
	if q.Sign() <= 0 {
		return q, fault.Validation("bootstrap.spec", "%s must be positive, got %q", field, value)
	}
	return q, nil
}

func ownershipLabels(teamID string) map[string]string {
	return map[string]string{
		LabelTeam:      teamID,
		LabelManagedBy: ManagedByValue,
	}
}

func namespaceObject(spec models.NamespaceBootstrapSpec) *corev1.Namespace {
	return &corev1.Namespace{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "Namespace"},
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.NamespaceName,
			Labels: ownershipLabels(spec.TeamID),
		},
	}
}

func quotaHard(spec models.NamespaceBootstrapSpec) corev1.ResourceList {
	return corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse(spec.CPUQuota),
		corev1.ResourceMemory: resource.MustParse(spec.MemoryQuota),
		corev1.ResourcePods:   *resource.NewQuantity(int64(spec.MaxPods), resource.DecimalSI),
	}
}

func quotaObject(spec models.NamespaceBootstrapSpec) *corev1.ResourceQuota {
	return &corev1.ResourceQuota{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "ResourceQuota"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      QuotaName,
			Namespace: spec.NamespaceName,
			Labels:    ownershipLabels(spec.TeamID),
		},
		Spec: corev1.ResourceQuotaSpec{Hard: quotaHard(spec)},
	}
}

func resourceList(cpu, memory string) corev1.ResourceList {
	out := corev1.ResourceList{}
	if cpu != "" {
		out[corev1.ResourceCPU] = resource.MustParse(cpu)
	}
	if memory != "" {
		out[corev1.ResourceMemory] = resource.MustParse(memory)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func limitRangeItems(spec models.NamespaceBootstrapSpec) []corev1.LimitRangeItem {
	return []corev1.LimitRangeItem{{
		Type:           corev1.LimitTypeContainer,
		Default:        resourceList(spec.DefaultCPULimit, spec.DefaultMemoryLimit),
		DefaultRequest: resourceList(spec.DefaultCPURequest, spec.DefaultMemoryRequest),
	}}
}

func limitRangeObject(spec models.NamespaceBootstrapSpec) *corev1.LimitRange {
	return &corev1.LimitRange{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "LimitRange"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      LimitRangeName,
			Namespace: spec.NamespaceName,
			Labels:    ownershipLabels(spec.TeamID),
		},
		Spec: corev1.LimitRangeSpec{Limits: limitRangeItems(spec)},
	}
}

// Render returns the multi-document YAML manifest Bootstrap would apply for spec.
func Render(spec models.NamespaceBootstrapSpec) ([]byte, error) {
	if err := ValidateSpec(spec); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for i, obj := range []interface{}{namespaceObject(spec), quotaObject(spec), limitRangeObject(spec)} {
		out, err := yaml.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("render manifest: %w", err)
		}
		if i > 0 {
			buf.WriteString("---\n")
		}
		buf.Write(out)
	}
	return buf.Bytes(), nil
}

// sameResources compares two resource lists semantically ("1000m" equals "1").
func sameResources(a, b corev1.ResourceList) bool {
	if len(a) != len(b) {
		return false
	}
	for name, qa := range a {
		qb, ok := b[name]
		if !ok || qa.Cmp(qb) != 0 {
			return false
		}
	}
	return true
}
