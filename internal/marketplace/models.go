package marketplace

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"carbon-scribe/credit-exchange/internal/payments"
	"carbon-scribe/credit-exchange/pkg/workflows"
)

// Fee rates are parts per FeeDenominator, so the default 25 is 2.5%.
const (
	FeeDenominator = 1000
	DefaultFeeBps  = 25
	MaxFeeBps      = 100
)

const (
	StatusActive    workflows.State = "active"
	StatusDepleted  workflows.State = "depleted"
	StatusCancelled workflows.State = "cancelled"
)

// Both inactive states are terminal.
var listingLifecycle = workflows.NewStateMachine(map[workflows.State][]workflows.State{
	StatusActive:    {StatusActive, StatusDepleted, StatusCancelled},
	StatusDepleted:  {},
	StatusCancelled: {},
})

// Listing is a standing fixed-price offer to sell units of one credit type.
// The seller's balance is not escrowed.
type Listing struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CreditTypeID    uint64          `gorm:"not null;index" json:"credit_type_id"`
	Seller          uuid.UUID       `gorm:"type:uuid;not null;index" json:"seller"`
	ListedAmount    uint64          `gorm:"not null" json:"listed_amount"`
	RemainingAmount uint64          `gorm:"not null" json:"remaining_amount"`
	PricePerUnit    payments.Amount `gorm:"not null" json:"price_per_unit"`
	Active          bool            `gorm:"not null;index" json:"active"`
	Status          workflows.State `gorm:"size:16;not null" json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (Listing) TableName() string {
	return "listings"
}

// Purchase records one settled buy against a listing.
type Purchase struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement:false" json:"id"`
	ListingID      uint64          `gorm:"not null;index" json:"listing_id"`
	CreditTypeID   uint64          `gorm:"not null" json:"credit_type_id"`
	Buyer          uuid.UUID       `gorm:"type:uuid;not null;index" json:"buyer"`
	Seller         uuid.UUID       `gorm:"type:uuid;not null" json:"seller"`
	Amount         uint64          `gorm:"not null" json:"amount"`
	PricePerUnit   payments.Amount `gorm:"not null" json:"price_per_unit"`
	TotalPrice     payments.Amount `gorm:"not null" json:"total_price"`
	Fee            payments.Amount `gorm:"not null" json:"fee"`
	SellerProceeds payments.Amount `gorm:"not null" json:"seller_proceeds"`
	Refund         payments.Amount `gorm:"not null" json:"refund"`
	FeeBps         uint16          `gorm:"not null" json:"fee_bps"`
	FeeRecipient   uuid.UUID       `gorm:"type:uuid" json:"fee_recipient"`
	PurchasedAt    time.Time       `gorm:"not null" json:"purchased_at"`
}

func (Purchase) TableName() string {
	return "purchases"
}

// Settings is the single row of global market parameters.
type Settings struct {
	ID           uint8           `gorm:"primaryKey;autoIncrement:false" json:"-"`
	FeeBps       uint16          `gorm:"not null" json:"fee_bps"`
	FeeRecipient uuid.UUID       `gorm:"type:uuid" json:"fee_recipient"`
	TotalVolume  payments.Amount `gorm:"not null" json:"total_volume"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (Settings) TableName() string {
	return "market_settings"
}

const settingsRow uint8 = 1

// Receipt is the settlement breakdown returned to the buyer.
type Receipt struct {
	PurchaseID      uint64          `json:"purchase_id"`
	ListingID       uint64          `json:"listing_id"`
	CreditTypeID    uint64          `json:"credit_type_id"`
	Amount          uint64          `json:"amount"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	Fee             decimal.Decimal `json:"fee"`
	SellerProceeds  decimal.Decimal `json:"seller_proceeds"`
	Refund          decimal.Decimal `json:"refund"`
	RemainingAmount uint64          `json:"remaining_amount"`
	ListingActive   bool            `json:"listing_active"`
}

// Stats is a point-in-time summary of the market.
type Stats struct {
	TotalListings  uint64          `json:"total_listings"`
	ActiveListings int64           `json:"active_listings"`
	Purchases      int64           `json:"purchases"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	FeeBps         uint16          `json:"fee_bps"`
	FeeRecipient   uuid.UUID       `json:"fee_recipient"`
}

type CreateListingRequest struct {
	CreditTypeID uint64          `json:"credit_type_id"`
	Amount       uint64          `json:"amount"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

// BuyRequest carries the requested quantity and the attached payment.
type BuyRequest struct {
	Amount  uint64          `json:"amount"`
	Payment decimal.Decimal `json:"payment"`
}

type FeeRequest struct {
	FeeBps uint16 `json:"fee_bps"`
}

type FeeRecipientRequest struct {
	Recipient uuid.UUID `json:"recipient"`
}
