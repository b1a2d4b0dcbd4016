package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RequestStatus is the state of an onboarding request.
type RequestStatus string

const (
	StatusPending      RequestStatus = "Pending"
	StatusProvisioning RequestStatus = "Provisioning"
	StatusGranting     RequestStatus = "Granting"
	StatusCompleted    RequestStatus = "Completed"
	StatusFailed       RequestStatus = "Failed"
	StatusRolledBack   RequestStatus = "RolledBack"
)

// Terminal reports whether no further transition is possible. Failed is not terminal:
// a failed request waits for Retry or Cancel and keeps the team's slot.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRolledBack
}

// NonTerminalStatuses lists every status that occupies a team's single active slot.
var NonTerminalStatuses = []RequestStatus{StatusPending, StatusProvisioning, StatusGranting, StatusFailed}

// Step is a unit of work in the onboarding workflow.
type Step string

const (
	StepNamespace Step = "namespace"
	StepGrants    Step = "grants"
	StepRollback  Step = "rollback"
)

// StepList is a set of completed steps persisted as a JSON array.
type StepList []Step

// Has reports whether s is in the list.
func (l StepList) Has(s Step) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

// Add appends s if not already present.
func (l StepList) Add(s Step) StepList {
	if l.Has(s) {
		return l
	}
	return append(l, s)
}

func (l StepList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *StepList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// OnboardingRequest is the durable record of one onboarding workflow.
type OnboardingRequest struct {
	ID              string                 `json:"id" db:"id"`
	IdempotencyKey  *string                `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	TeamID          string                 `json:"teamId" db:"team_id"`
	Actor           string                 `json:"actor" db:"actor"`
	Status          RequestStatus          `json:"status" db:"status"`
	Spec            NamespaceBootstrapSpec `json:"spec" db:"spec"`
	CompletedSteps  StepList               `json:"completedSteps" db:"completed_steps"`
	FailedStep      *Step                  `json:"failedStep,omitempty" db:"failed_step"`
	LastError       *string                `json:"lastError,omitempty" db:"last_error"`
	LastErrorKind   *string                `json:"lastErrorKind,omitempty" db:"last_error_kind"`
	CancelRequested bool                   `json:"cancelRequested" db:"cancel_requested"`
	CancelledBy     *string                `json:"cancelledBy,omitempty" db:"cancelled_by"`
	Attempts        int                    `json:"attempts" db:"attempts"`
	Version         int64                  `json:"version" db:"version"`
	CreatedAt       time.Time              `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time              `json:"updatedAt" db:"updated_at"`
}

// NamespaceBootstrapSpec describes the namespace, quota and limit range for a team.
type NamespaceBootstrapSpec struct {
	TeamID        string `json:"teamId"`
	NamespaceName string `json:"namespaceName"`
	CPUQuota      string `json:"cpuQuota"`
	MemoryQuota   string `json:"memoryQuota"`
	MaxPods       int    `json:"maxPods"`

	DefaultCPULimit      string `json:"defaultCpuLimit,omitempty"`
	DefaultMemoryLimit   string `json:"defaultMemoryLimit,omitempty"`
	DefaultCPURequest    string `json:"defaultCpuRequest,omitempty"`
	DefaultMemoryRequest string `json:"defaultMemoryRequest,omitempty"`
}

func (s NamespaceBootstrapSpec) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	return string(b), err
}

func (s *NamespaceBootstrapSpec) Scan(src interface{}) error {
	return scanJSON(src, s)
}

// QuotaOverrides are the caller-supplied values applied over configured defaults.
type QuotaOverrides struct {
	CPUQuota    string `json:"cpuQuota,omitempty"`
	MemoryQuota string `json:"memoryQuota,omitempty"`
	MaxPods     int    `json:"maxPods,omitempty"`
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
