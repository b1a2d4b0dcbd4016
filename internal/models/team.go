package models

import "time"

// Team is a registered organizational team. ID is a stable slug; only DisplayName may change.
type Team struct {
	ID            string    `json:"id" db:"id"`
	DisplayName   string    `json:"displayName" db:"display_name"`
	OwnerIdentity string    `json:"ownerIdentity" db:"owner_identity"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}
