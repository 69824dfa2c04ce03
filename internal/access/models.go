package access

import (
	"time"

	"github.com/google/uuid"
)

// Capability is a permission a principal may hold.
type Capability string

const (
	CapabilityIssuer   Capability = "issuer"
	CapabilityVerifier Capability = "verifier"
	CapabilityAdmin    Capability = "admin"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityIssuer, CapabilityVerifier, CapabilityAdmin:
		return true
	}
	return false
}

// conflicts lists capabilities that may not be held together.
var conflicts = map[Capability]Capability{
	CapabilityIssuer:   CapabilityVerifier,
	CapabilityVerifier: CapabilityIssuer,
}

// RoleGrant records that a principal holds a capability.
type RoleGrant struct {
	Principal  uuid.UUID  `gorm:"type:uuid;primaryKey" json:"principal"`
	Capability Capability `gorm:"primaryKey;size:32" json:"capability"`
	GrantedBy  uuid.UUID  `gorm:"type:uuid" json:"granted_by"`
	GrantedAt  time.Time  `json:"granted_at"`
}

func (RoleGrant) TableName() string {
	return "role_grants"
}

// PauseState is the single row holding the emergency pause flag.
type PauseState struct {
	ID        uint8     `gorm:"primaryKey;autoIncrement:false"`
	Paused    bool      `gorm:"not null"`
	UpdatedBy uuid.UUID `gorm:"type:uuid"`
	UpdatedAt time.Time
}

func (PauseState) TableName() string {
	return "pause_state"
}
