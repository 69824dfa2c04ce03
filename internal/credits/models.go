package credits

import (
	"math"
	"time"

	"github.com/google/uuid"

	"carbon-scribe/credit-exchange/pkg/workflows"
)

// MaxAmount is the largest quantity a balance column holds.
const MaxAmount = math.MaxInt64

// CreditType is one issuance of fungible credits against a project.
// TotalSupply records the size of the original mint and never changes.
type CreditType struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ProjectName string    `gorm:"not null" json:"project_name"`
	Location    string    `json:"location"`
	Category    string    `gorm:"index" json:"category"`
	TotalSupply uint64    `gorm:"not null" json:"total_supply"`
	Verified    bool      `gorm:"not null;default:false" json:"verified"`
	VerifiedAt  time.Time `json:"verified_at"`
	IssuedBy    uuid.UUID `gorm:"type:uuid;not null" json:"issued_by"`
	VerifiedBy  uuid.UUID `gorm:"type:uuid" json:"verified_by"`
	CreatedAt   time.Time `json:"created_at"`
}

func (CreditType) TableName() string {
	return "credit_types"
}

// Exists reports whether the record describes a minted credit type.
func (c *CreditType) Exists() bool {
	return c != nil && c.TotalSupply > 0
}

// Balance is a holder's quantity of one credit type.
type Balance struct {
	Holder       uuid.UUID `gorm:"type:uuid;primaryKey" json:"holder"`
	CreditTypeID uint64    `gorm:"primaryKey;autoIncrement:false" json:"credit_type_id"`
	Amount       uint64    `gorm:"not null" json:"amount"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Balance) TableName() string {
	return "credit_balances"
}

// Retirement is the permanent record of a burn.
type Retirement struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Holder            uuid.UUID `gorm:"type:uuid;not null;index" json:"holder"`
	CreditTypeID      uint64    `gorm:"not null;index" json:"credit_type_id"`
	Amount            uint64    `gorm:"not null" json:"amount"`
	Beneficiary       string    `json:"beneficiary,omitempty"`
	CertificateNumber uuid.UUID `gorm:"type:uuid;uniqueIndex" json:"certificate_number"`
	RetiredAt         time.Time `gorm:"not null" json:"retired_at"`
}

func (Retirement) TableName() string {
	return "credit_retirements"
}

const (
	StateUnverified workflows.State = "unverified"
	StateVerified   workflows.State = "verified"
)

// Verification is a one-way gate.
var lifecycle = workflows.NewStateMachine(map[workflows.State][]workflows.State{
	StateUnverified: {StateVerified},
	StateVerified:   {},
})

func stateOf(c *CreditType) workflows.State {
	if c.Verified {
		return StateVerified
	}
	return StateUnverified
}

// MintRequest carries the descriptive fields of a new issuance.
type MintRequest struct {
	ProjectName string `json:"project_name" binding:"required"`
	Location    string `json:"location"`
	Category    string `json:"category"`
	Amount      uint64 `json:"amount"`
}

// RetireRequest asks to burn units of a verified credit type.
type RetireRequest struct {
	Amount      uint64 `json:"amount"`
	Beneficiary string `json:"beneficiary"`
}

// TransferRequest moves units from the caller to another holder.
type TransferRequest struct {
	To     uuid.UUID `json:"to"`
	Amount uint64    `json:"amount"`
}

// Supply summarizes the conservation figures of a credit type.
type Supply struct {
	TotalSupply uint64 `json:"total_supply"`
	Retired     uint64 `json:"retired"`
	Circulating uint64 `json:"circulating"`
}
