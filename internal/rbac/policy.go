package rbac

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
)

// ClusterRoles that grant cluster-wide or escalation rights can never be delegated,
// even if misconfigured into the allow-list.
var forbiddenClusterRoles = map[string]bool{
	"cluster-admin": true,
}

// Policy is the allow-list of delegatable roles. Each role maps to the ClusterRole that a
// namespaced RoleBinding will reference.
type Policy struct {
	roles map[string]string
}

// NewPolicy builds a policy from role -> ClusterRole pairs.
func NewPolicy(allowed map[string]string) (*Policy, error) {
	if len(allowed) == 0 {
		return nil, fmt.Errorf("role allow-list is empty")
	}
	roles := make(map[string]string, len(allowed))
	for role, clusterRole := range allowed {
		if role == "" || clusterRole == "" {
			return nil, fmt.Errorf("role allow-list entry %q -> %q is incomplete", role, clusterRole)
		}
		if isForbidden(clusterRole) {
			return nil, fmt.Errorf("role %q maps to %q, which may not be delegated", role, clusterRole)
		}
		roles[role] = clusterRole
	}
	return &Policy{roles: roles}, nil
}

// DefaultRoles is the allow-list used when none is configured.
func DefaultRoles() map[string]string {
	return map[string]string{
		"developer":  "edit",
		"viewer":     "view",
		"maintainer": "admin",
	}
}

func isForbidden(clusterRole string) bool {
	return forbiddenClusterRoles[clusterRole] || strings.HasPrefix(clusterRole, "system:")
}

// Resolve returns the ClusterRole for role in namespace, or a PolicyViolation when the
// grant would exceed namespace scope or the allow-list.
func (p *Policy) Resolve(role, namespace string) (string, error) {
	if namespace == "" {
		return "", fault.Policy("rbac.policy", "role %q requested without a namespace; cluster-wide grants are not allowed", role)
	}
	if isForbidden(role) {
		return "", fault.Policy("rbac.policy", "role %q may not be delegated", role)
	}
	clusterRole, ok := p.roles[role]
	if !ok {
		return "", fault.Policy("rbac.policy", "role %q is not in the allow-list (%s)", role, strings.Join(p.Roles(), ", "))
	}
	return clusterRole, nil
}

// Roles returns the allowed role names, sorted.
func (p *Policy) Roles() []string {
	out := make([]string, 0, len(p.roles))
	for r := range p.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// ClusterRoles returns the distinct ClusterRoles referenced by the policy, sorted.
func (p *Policy) ClusterRoles() []string {
	seen := map[string]bool{}
	var out []string
	for _, cr := range p.roles {
		if !seen[cr] {
			seen[cr] = true
			out = append(out, cr)
		}
	}
	sort.Strings(out)
	return out
}
