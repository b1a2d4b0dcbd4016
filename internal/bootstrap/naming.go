package bootstrap

import (
	"strings"

	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	// LabelTeam marks a namespace as owned by a team.
	LabelTeam = "onboarding.kubilitics.io/team"
	// LabelManagedBy is the standard managed-by label.
	LabelManagedBy = "app.kubernetes.io/managed-by"
	// ManagedByValue is the value of LabelManagedBy on every object this service creates.
	ManagedByValue = "team-onboarding"

	QuotaName      = "team-quota"
	LimitRangeName = "team-limits"
)

var reservedNamespaces = map[string]bool{
	"default":         true,
	"kube-system":     true,
	"kube-public":     true,
	"kube-node-lease": true,
}

// ValidateTeamID checks that teamID can be used as a label value and namespace suffix.
func ValidateTeamID(teamID string) error {
	if teamID == "" {
		return fault.Validation("team.id", "team id is required")
	}
	if errs := validation.IsDNS1123Label(teamID); len(errs) > 0 {
		return fault.Validation("team.id", "team id %q is not a valid DNS-1123 label: %s", teamID, strings.Join(errs, "; "))
	}
	return nil
}

// NamespaceName derives the namespace for teamID: prefix + teamID. The result must be a
// DNS-1123 label and may not be a system namespace.
func NamespaceName(prefix, teamID string) (string, error) {
	if err := ValidateTeamID(teamID); err != nil {
		return "", err
	}
	name := prefix + teamID
	if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
		return "", fault.Validation("bootstrap.name", "namespace %q is not a valid DNS-1123 label: %s", name, strings.Join(errs, "; "))
	}
	if IsReservedNamespace(name) {
		return "", fault.Validation("bootstrap.name", "namespace %q is reserved", name)
	}
	return name, nil
}

// IsReservedNamespace reports system namespaces that may never be handed to a team.
func IsReservedNamespace(name string) bool {
	return reservedNamespaces[name] || strings.HasPrefix(name, "kube-")
}

func ownedBy(labels map[string]string, teamID string) bool {
	return labels[LabelTeam] == teamID
}
