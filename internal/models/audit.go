package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// AuditAction is the kind of mutating action an audit entry records.
type AuditAction string

const (
	ActionNamespaceCreated  AuditAction = "NamespaceCreated"
	ActionQuotaApplied      AuditAction = "QuotaApplied"
	ActionPermissionGranted AuditAction = "PermissionGranted"
	ActionPermissionRevoked AuditAction = "PermissionRevoked"
	ActionRequestFailed     AuditAction = "RequestFailed"
	ActionRequestRolledBack AuditAction = "RequestRolledBack"
	ActionRequestStarted    AuditAction = "RequestStarted"
	ActionRequestRetried    AuditAction = "RequestRetried"
	ActionNamespaceDeleted  AuditAction = "NamespaceDeleted"
)

// AuditOutcome is the result of the audited action.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "Success"
	OutcomeFailure AuditOutcome = "Failure"
)

// DetailTransition is the details key carrying "<from>-><to>" on entries that record a status change.
const DetailTransition = "transition"

// AuditDetails is the structured key-value payload of an entry.
type AuditDetails map[string]string

func (d AuditDetails) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	return string(b), err
}

func (d *AuditDetails) Scan(src interface{}) error {
	return scanJSON(src, d)
}

// AuditEntry is one append-only audit record. Seq, PrevHash and Hash form a tamper-evident chain.
type AuditEntry struct {
	ID            string       `json:"id" db:"id"`
	Seq           int64        `json:"seq" db:"seq"`
	Timestamp     time.Time    `json:"timestamp" db:"timestamp"`
	ActorIdentity string       `json:"actorIdentity" db:"actor_identity"`
	Action        AuditAction  `json:"action" db:"action"`
	SubjectTeamID string       `json:"subjectTeamId" db:"subject_team_id"`
	RequestID     string       `json:"requestId,omitempty" db:"request_id"`
	Details       AuditDetails `json:"details,omitempty" db:"details"`
	Outcome       AuditOutcome `json:"outcome" db:"outcome"`
	PrevHash      string       `json:"prevHash" db:"prev_hash"`
	Hash          string       `json:"hash" db:"hash"`
}

// AuditFilter selects entries for a query. Zero values are unbounded.
type AuditFilter struct {
	TeamID    string
	RequestID string
	Action    AuditAction
	Since     *time.Time
	Until     *time.Time
}
