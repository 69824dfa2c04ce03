package credits

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"carbon-scribe/credit-exchange/internal/store"
)

// Repository persists credit types, balances and retirements. Writes go
// through the transaction bound to ctx.
type Repository interface {
	CreateCreditType(ctx context.Context, ct *CreditType) error
	GetCreditType(ctx context.Context, id uint64) (*CreditType, error)
	MarkVerified(ctx context.Context, id uint64, verifier uuid.UUID, at time.Time) error
	ListCreditTypes(ctx context.Context, category string) ([]CreditType, error)

	GetBalance(ctx context.Context, holder uuid.UUID, creditTypeID uint64) (uint64, error)
	SetBalance(ctx context.Context, holder uuid.UUID, creditTypeID uint64, amount uint64) error
	ListBalances(ctx context.Context, creditTypeID uint64) ([]Balance, error)

	CreateRetirement(ctx context.Context, r *Retirement) error
	GetRetirement(ctx context.Context, id uint64) (*Retirement, error)
	ListRetirementsByHolder(ctx context.Context, holder uuid.UUID) ([]Retirement, error)
	TotalRetired(ctx context.Context, creditTypeID uint64) (uint64, error)
}

type gormRepository struct {
	db *store.DB
}

func NewRepository(db *store.DB) Repository {
	return &gormRepository{db: db}
}

// Migrate creates the ledger tables.
func Migrate(db *store.DB) error {
	return db.Migrate(&CreditType{}, &Balance{}, &Retirement{})
}

func (r *gormRepository) CreateCreditType(ctx context.Context, ct *CreditType) error {
	return r.db.Conn(ctx).Create(ct).Error
}

func (r *gormRepository) GetCreditType(ctx context.Context, id uint64) (*CreditType, error) {
	var ct CreditType
	err := r.db.Conn(ctx).Where("id = ?", id).First(&ct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

func (r *gormRepository) MarkVerified(ctx context.Context, id uint64, verifier uuid.UUID, at time.Time) error {
	return r.db.Conn(ctx).Model(&CreditType{}).
		Where("id = ? AND verified = ?", id, false).
		Updates(map[string]any{
			"verified":    true,
			"verified_at": at,
			"verified_by": verifier,
		}).Error
}

func (r *gormRepository) ListCreditTypes(ctx context.Context, category string) ([]CreditType, error) {
	query := r.db.Conn(ctx).Order("id")
	if category != "" {
		query = query.Where("category = ?", category)
	}
	var out []CreditType
	err := query.Find(&out).Error
	return out, err
}

func (r *gormRepository) GetBalance(ctx context.Context, holder uuid.UUID, creditTypeID uint64) (uint64, error) {
	var b Balance
	err := r.db.Conn(ctx).Where("holder = ? AND credit_type_id = ?", holder, creditTypeID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return b.Amount, nil
}

func (r *gormRepository) SetBalance(ctx context.Context, holder uuid.UUID, creditTypeID uint64, amount uint64) error {
	conn := r.db.Conn(ctx)
	res := conn.Model(&Balance{}).
		Where("holder = ? AND credit_type_id = ?", holder, creditTypeID).
		Updates(map[string]any{"amount": amount, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return conn.Create(&Balance{Holder: holder, CreditTypeID: creditTypeID, Amount: amount}).Error
}

func (r *gormRepository) ListBalances(ctx context.Context, creditTypeID uint64) ([]Balance, error) {
	var out []Balance
	err := r.db.Conn(ctx).
		Where("credit_type_id = ? AND amount > 0", creditTypeID).
		Order("amount DESC").
		Find(&out).Error
	return out, err
}

func (r *gormRepository) CreateRetirement(ctx context.Context, ret *Retirement) error {
	return r.db.Conn(ctx).Create(ret).Error
}

func (r *gormRepository) GetRetirement(ctx context.Context, id uint64) (*Retirement, error) {
	var ret Retirement
	err := r.db.Conn(ctx).Where("id = ?", id).First(&ret).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

func (r *gormRepository) ListRetirementsByHolder(ctx context.Context, holder uuid.UUID) ([]Retirement, error) {
	var out []Retirement
	err := r.db.Conn(ctx).Where("holder = ?", holder).Order("id").Find(&out).Error
	return out, err
}

func (r *gormRepository) TotalRetired(ctx context.Context, creditTypeID uint64) (uint64, error) {
	var total uint64
	err := r.db.Conn(ctx).Model(&Retirement{}).
		Where("credit_type_id = ?", creditTypeID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}
