package models

import (
	"database/sql/driver"
	"encoding/json"
	"strings"
	"time"
)

// SubjectSet is a sorted, de-duplicated set of identity references ("User:alice", "Group:team-a").
type SubjectSet []string

// Key returns a stable representation used to detect identical grants.
func (s SubjectSet) Key() string {
	return strings.Join(s, ",")
}

func (s SubjectSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

func (s *SubjectSet) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// PermissionGrant records a RoleBinding delegated to a team. Revocation sets RevokedAt; rows are never deleted.
type PermissionGrant struct {
	ID            string     `json:"id" db:"id"`
	RequestID     string     `json:"requestId" db:"request_id"`
	TeamID        string     `json:"teamId" db:"team_id"`
	NamespaceName string     `json:"namespaceName" db:"namespace_name"`
	RoleName      string     `json:"roleName" db:"role_name"`
	ClusterRole   string     `json:"clusterRole" db:"cluster_role"`
	BindingName   string     `json:"bindingName" db:"binding_name"`
	Subjects      SubjectSet `json:"subjects" db:"subjects"`
	SubjectsKey   string     `json:"-" db:"subjects_key"`
	GrantedAt     time.Time  `json:"grantedAt" db:"granted_at"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty" db:"revoked_at"`
}

// Active reports whether the grant has not been revoked.
func (g *PermissionGrant) Active() bool {
	return g.RevokedAt == nil
}
