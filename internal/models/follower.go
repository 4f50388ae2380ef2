package models

import "gorm.io/gorm"

// Follower lifecycle states.
const (
	FollowerProvisioning = "provisioning"
	FollowerActive       = "active"
	FollowerDisabled     = "disabled"
	FollowerError        = "error"
)

// Follower represents a subscriber account that replicates the master
// strategy through its own broker account. Rows are soft-disabled, never
// hard-deleted, so historical attempts keep a valid reference.
type Follower struct {
	gorm.Model
	Name           string  `gorm:"uniqueIndex;not null"`
	Enabled        bool    `gorm:"default:false"`
	CredentialRef  string  `gorm:"not null"` // opaque handle into the secret store
	CommissionRate float64 `gorm:"not null"`
	State          string  `gorm:"default:provisioning"`
}
