// Package payments moves native value between principals. Amounts are integer
// quantities of the smallest native unit.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"carbon-scribe/credit-exchange/internal/errs"
	"carbon-scribe/credit-exchange/internal/store"
)

var (
	ErrInsufficientFunds = errors.New("insufficient wallet funds")
	ErrPaymentRejected   = errors.New("payment rejected by recipient")
	ErrInvalidAmount     = errors.New("amount must be a non-negative whole number")
)

// Rail is the push-payment primitive the marketplace settles through.
type Rail interface {
	// Collect takes the payment attached to a call from the payer.
	Collect(ctx context.Context, from uuid.UUID, amount decimal.Decimal) error
	// Send pushes amount to the recipient, running any recipient code.
	Send(ctx context.Context, to uuid.UUID, amount decimal.Decimal) error
}

// Receiver is recipient-controlled code run when a payment arrives. It is
// called with the sender's context; returning an error rejects the payment.
type Receiver func(ctx context.Context, amount decimal.Decimal) error

// Wallet is a principal's native balance.
type Wallet struct {
	Owner     uuid.UUID `gorm:"type:uuid;primaryKey" json:"owner"`
	Balance   Amount    `gorm:"not null" json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallets"
}

// WalletRail keeps native balances in the shared store, so a rolled back
// settlement also rolls back its payments.
type WalletRail struct {
	db        *store.DB
	logger    *zap.Logger
	mu        sync.RWMutex
	receivers map[uuid.UUID]Receiver
}

func NewWalletRail(db *store.DB, logger *zap.Logger) *WalletRail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WalletRail{db: db, logger: logger, receivers: make(map[uuid.UUID]Receiver)}
}

// Migrate creates the wallet table.
func Migrate(db *store.DB) error {
	return db.Migrate(&Wallet{})
}

// OnReceive installs r as owner's receiver, replacing any previous one.
func (r *WalletRail) OnReceive(owner uuid.UUID, recv Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if recv == nil {
		delete(r.receivers, owner)
		return
	}
	r.receivers[owner] = recv
}

func (r *WalletRail) receiver(owner uuid.UUID) Receiver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.receivers[owner]
}

// BalanceOf returns owner's balance; unknown owners hold zero.
func (r *WalletRail) BalanceOf(ctx context.Context, owner uuid.UUID) (decimal.Decimal, error) {
	w, err := r.load(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance.Decimal, nil
}

// Deposit credits owner without running receiver code.
func (r *WalletRail) Deposit(ctx context.Context, owner uuid.UUID, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if owner == uuid.Nil {
		return errs.ErrInvalidAddress
	}
	return r.db.Atomic(ctx, func(ctx context.Context) error {
		return r.credit(ctx, owner, amount)
	})
}

func (r *WalletRail) Collect(ctx context.Context, from uuid.UUID, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}
	return r.db.Atomic(ctx, func(ctx context.Context) error {
		w, err := r.load(ctx, from)
		if err != nil {
			return err
		}
		if w.Balance.LessThan(amount) {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, w.Balance, amount)
		}
		return r.store(ctx, from, w.Balance.Sub(amount))
	})
}

func (r *WalletRail) Send(ctx context.Context, to uuid.UUID, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to == uuid.Nil {
		return errs.ErrInvalidAddress
	}
	return r.db.Atomic(ctx, func(ctx context.Context) error {
		if err := r.credit(ctx, to, amount); err != nil {
			return err
		}
		if recv := r.receiver(to); recv != nil {
			err := r.db.Callout(func() error { return recv(ctx, amount) })
			if err != nil {
				r.logger.Debug("Recipient rejected payment",
					zap.String("recipient", to.String()),
					zap.String("amount", amount.String()),
					zap.Error(err))
				return fmt.Errorf("%w: %w", ErrPaymentRejected, err)
			}
		}
		return nil
	})
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() || !amount.IsInteger() {
		return ErrInvalidAmount
	}
	return nil
}

func (r *WalletRail) load(ctx context.Context, owner uuid.UUID) (*Wallet, error) {
	var w Wallet
	err := r.db.Conn(ctx).Where("owner = ?", owner).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Wallet{Owner: owner, Balance: NewAmount(decimal.Zero)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return &w, nil
}

func (r *WalletRail) credit(ctx context.Context, owner uuid.UUID, amount decimal.Decimal) error {
	w, err := r.load(ctx, owner)
	if err != nil {
		return err
	}
	return r.store(ctx, owner, w.Balance.Add(amount))
}

func (r *WalletRail) store(ctx context.Context, owner uuid.UUID, balance decimal.Decimal) error {
	conn := r.db.Conn(ctx)
	res := conn.Model(&Wallet{}).Where("owner = ?", owner).Updates(map[string]any{
		"balance":    balance,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update wallet: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := conn.Create(&Wallet{Owner: owner, Balance: NewAmount(balance)}).Error; err != nil {
			return fmt.Errorf("failed to create wallet: %w", err)
		}
	}
	return nil
}
