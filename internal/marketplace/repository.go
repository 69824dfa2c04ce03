package marketplace

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"carbon-scribe/credit-exchange/internal/store"
	"carbon-scribe/credit-exchange/pkg/workflows"
)

// Repository persists listings, purchases and market settings.
type Repository interface {
	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id uint64) (*Listing, error)
	UpdateListing(ctx context.Context, id uint64, remaining uint64, status workflows.State) error
	ListingsBySeller(ctx context.Context, seller uuid.UUID) ([]Listing, error)
	ActiveListings(ctx context.Context, creditTypeID *uint64) ([]Listing, error)
	CountActiveListings(ctx context.Context) (int64, error)

	CreatePurchase(ctx context.Context, p *Purchase) error
	PurchasesByListing(ctx context.Context, listingID uint64) ([]Purchase, error)
	AllPurchases(ctx context.Context) ([]Purchase, error)
	CountPurchases(ctx context.Context) (int64, error)

	GetSettings(ctx context.Context) (*Settings, error)
	CreateSettings(ctx context.Context, s *Settings) error
	UpdateSettings(ctx context.Context, fields map[string]any) error
}

type gormRepository struct {
	db *store.DB
}

func NewRepository(db *store.DB) Repository {
	return &gormRepository{db: db}
}

// Migrate creates the marketplace tables.
func Migrate(db *store.DB) error {
	return db.Migrate(&Listing{}, &Purchase{}, &Settings{})
}

func (r *gormRepository) CreateListing(ctx context.Context, l *Listing) error {
	return r.db.Conn(ctx).Create(l).Error
}

func (r *gormRepository) GetListing(ctx context.Context, id uint64) (*Listing, error) {
	var l Listing
	err := r.db.Conn(ctx).Where("id = ?", id).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *gormRepository) UpdateListing(ctx context.Context, id uint64, remaining uint64, status workflows.State) error {
	return r.db.Conn(ctx).Model(&Listing{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"remaining_amount": remaining,
			"status":           status,
			"active":           status == StatusActive,
		}).Error
}

func (r *gormRepository) ListingsBySeller(ctx context.Context, seller uuid.UUID) ([]Listing, error) {
	var out []Listing
	err := r.db.Conn(ctx).Where("seller = ?", seller).Order("id").Find(&out).Error
	return out, err
}

func (r *gormRepository) ActiveListings(ctx context.Context, creditTypeID *uint64) ([]Listing, error) {
	query := r.db.Conn(ctx).Where("active = ?", true)
	if creditTypeID != nil {
		query = query.Where("credit_type_id = ?", *creditTypeID)
	}
	var out []Listing
	if err := query.Order("id").Find(&out).Error; err != nil {
		return nil, err
	}
	// Prices are text on SQLite, so order numerically here.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PricePerUnit.LessThan(out[j].PricePerUnit.Decimal)
	})
	return out, nil
}

func (r *gormRepository) CountActiveListings(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.Conn(ctx).Model(&Listing{}).Where("active = ?", true).Count(&n).Error
	return n, err
}

func (r *gormRepository) CreatePurchase(ctx context.Context, p *Purchase) error {
	return r.db.Conn(ctx).Create(p).Error
}

func (r *gormRepository) PurchasesByListing(ctx context.Context, listingID uint64) ([]Purchase, error) {
	var out []Purchase
	err := r.db.Conn(ctx).Where("listing_id = ?", listingID).Order("id").Find(&out).Error
	return out, err
}

func (r *gormRepository) AllPurchases(ctx context.Context) ([]Purchase, error) {
	var out []Purchase
	err := r.db.Conn(ctx).Order("id").Find(&out).Error
	return out, err
}

func (r *gormRepository) CountPurchases(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.Conn(ctx).Model(&Purchase{}).Count(&n).Error
	return n, err
}

func (r *gormRepository) GetSettings(ctx context.Context) (*Settings, error) {
	var s Settings
	err := r.db.Conn(ctx).Where("id = ?", settingsRow).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormRepository) CreateSettings(ctx context.Context, s *Settings) error {
	s.ID = settingsRow
	return r.db.Conn(ctx).Create(s).Error
}

func (r *gormRepository) UpdateSettings(ctx context.Context, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	return r.db.Conn(ctx).Model(&Settings{}).Where("id = ?", settingsRow).Updates(fields).Error
}
