package rbac

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/kubilitics/team-onboarding/internal/models"
	"github.com/kubilitics/team-onboarding/internal/pkg/fault"
	rbacv1 "k8s.io/api/rbac/v1"
)

// NormalizeSubjects parses identity references of the form "Kind:name" (Kind defaults
// to User) and returns them sorted and de-duplicated. ServiceAccounts are written
// "ServiceAccount:namespace/name".
func NormalizeSubjects(in []string) (models.SubjectSet, error) {
	seen := map[string]bool{}
	out := models.SubjectSet{}
	for _, raw := range in {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		kind, name := rbacv1.UserKind, raw
		if k, n, ok := strings.Cut(raw, ":"); ok && isSubjectKind(k) {
			kind, name = k, n
		}
		if name == "" {
			return nil, fault.Validation("rbac.subjects", "subject %q has no name", raw)
		}
		if kind == rbacv1.ServiceAccountKind {
			if ns, sa, ok := strings.Cut(name, "/"); !ok || ns == "" || sa == "" {
				return nil, fault.Validation("rbac.subjects", "service account subject %q must be namespace/name", raw)
			}
		}
		ref := kind + ":" + name
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	if len(out) == 0 {
		return nil, fault.Validation("rbac.subjects", "at least one subject is required")
	}
	sort.Strings(out)
	return out, nil
}

func isSubjectKind(k string) bool {
	return k == rbacv1.UserKind || k == rbacv1.GroupKind || k == rbacv1.ServiceAccountKind
}

func toRBACSubjects(set models.SubjectSet) []rbacv1.Subject {
	out := make([]rbacv1.Subject, 0, len(set))
	for _, ref := range set {
		kind, name, _ := strings.Cut(ref, ":")
		switch kind {
		case rbacv1.ServiceAccountKind:
			ns, sa, _ := strings.Cut(name, "/")
			out = append(out, rbacv1.Subject{Kind: kind, Namespace: ns, Name: sa})
		default:
			out = append(out, rbacv1.Subject{Kind: kind, APIGroup: rbacv1.GroupName, Name: name})
		}
	}
	return out
}

// BindingName is the deterministic RoleBinding name for role and subjects.
func BindingName(role string, subjects models.SubjectSet) string {
	sum := sha256.Sum256([]byte(subjects.Key()))
	return "onboarding-" + role + "-" + hex.EncodeToString(sum[:])[:10]
}
