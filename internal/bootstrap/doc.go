// Package bootstrap creates and maintains the namespace a team is onboarded into.
//
// # Resources
//
// For each team the bootstrapper owns three objects:
//   - Namespace {prefix}{teamId}, labelled with the owning team and the managing tool
//   - ResourceQuota "team-quota" with hard cpu, memory and pods limits
//   - LimitRange "team-limits" with container default limits and requests
//
// Bootstrap is idempotent. Reapplying the same spec reports every object as Unchanged;
// changed quota or limit values are updated in place.
//
// # Ownership
//
// A namespace belongs to a team when it carries the label
// onboarding.kubilitics.io/team={teamId}. The bootstrapper never adopts or deletes a
// namespace owned by someone else; such a collision is reported as a Conflict.
package bootstrap
