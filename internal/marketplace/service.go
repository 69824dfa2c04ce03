// Package marketplace sells verified credits at fixed prices and settles each
// purchase atomically: credit transfer, seller proceeds, protocol fee and
// buyer refund either all happen or none do.
package marketplace

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carbon-scribe/credit-exchange/internal/access"
	"carbon-scribe/credit-exchange/internal/errs"
	"carbon-scribe/credit-exchange/internal/events"
	"carbon-scribe/credit-exchange/internal/payments"
	"carbon-scribe/credit-exchange/internal/store"
)

const (
	sequenceListing  = "listing"
	sequencePurchase = "purchase"

	// Credit balances are stored as signed 64-bit integers.
	maxAmount = math.MaxInt64
)

// Ledger is the slice of the credit ledger the marketplace settles against.
type Ledger interface {
	BalanceOf(ctx context.Context, holder uuid.UUID, creditTypeID uint64) (uint64, error)
	IsVerified(ctx context.Context, creditTypeID uint64) (bool, error)
	Transfer(ctx context.Context, from, to uuid.UUID, creditTypeID uint64, amount uint64) error
}

// Defaults seed the settings row the first time the market starts.
type Defaults struct {
	FeeBps       uint16
	FeeRecipient uuid.UUID
}

type Service struct {
	db     *store.DB
	repo   Repository
	ledger Ledger
	rail   payments.Rail
	auth   access.Authorizer
	gate   access.Gate
	logger *zap.Logger
	now    func() time.Time
}

func NewService(db *store.DB, repo Repository, ledger Ledger, rail payments.Rail, auth access.Authorizer, gate access.Gate, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     db,
		repo:   repo,
		ledger: ledger,
		rail:   rail,
		auth:   auth,
		gate:   gate,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Init creates the settings row if it does not exist yet. Existing settings
// are left alone.
func (s *Service) Init(ctx context.Context, d Defaults) error {
	if d.FeeBps > MaxFeeBps {
		return errs.ErrFeeTooHigh
	}
	return s.db.Atomic(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetSettings(ctx)
		if err != nil {
			return err
		}
		if current != nil {
			return nil
		}
		s.logger.Info("Initializing market settings",
			zap.Uint16("fee_bps", d.FeeBps),
			zap.String("fee_recipient", d.FeeRecipient.String()))
		return s.repo.CreateSettings(ctx, &Settings{
			FeeBps:       d.FeeBps,
			FeeRecipient: d.FeeRecipient,
			TotalVolume:  payments.NewAmount(decimal.Zero),
		})
	})
}

type guardKey struct{}

// enter marks ctx as running a marketplace mutation. A context that already
// carries the mark belongs to code called back from inside one, typically a
// payment recipient.
func enter(ctx context.Context) (context.Context, error) {
	if ctx.Value(guardKey{}) != nil {
		return ctx, errs.ErrReentrantCall
	}
	return context.WithValue(ctx, guardKey{}, struct{}{}), nil
}

func (s *Service) settings(ctx context.Context) (*Settings, error) {
	st, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load market settings: %w", err)
	}
	if st == nil {
		return &Settings{FeeBps: DefaultFeeBps, TotalVolume: payments.NewAmount(decimal.Zero)}, nil
	}
	return st, nil
}

// CreateListing offers amount units of a verified credit type at a fixed
// price per unit.
func (s *Service) CreateListing(ctx context.Context, caller uuid.UUID, req CreateListingRequest) (uint64, error) {
	ctx, err := enter(ctx)
	if err != nil {
		return 0, err
	}

	var id uint64
	err = s.db.Atomic(ctx, func(ctx context.Context) error {
		if s.gate.Paused(ctx) {
			return errs.ErrPaused
		}
		if req.Amount == 0 {
			return errs.ErrAmountZero
		}
		if req.Amount > maxAmount {
			return fmt.Errorf("listing %d: %w", req.Amount, errs.ErrAmountTooLarge)
		}
		if !req.PricePerUnit.IsPositive() {
			return errs.ErrPriceZero
		}
		if !req.PricePerUnit.IsInteger() {
			return fmt.Errorf("price per unit %s: %w", req.PricePerUnit, payments.ErrInvalidAmount)
		}
		balance, err := s.ledger.BalanceOf(ctx, caller, req.CreditTypeID)
		if err != nil {
			return fmt.Errorf("failed to read balance: %w", err)
		}
		if balance < req.Amount {
			return fmt.Errorf("have %d, listing %d: %w", balance, req.Amount, errs.ErrInsufficientBalance)
		}
		verified, err := s.ledger.IsVerified(ctx, req.CreditTypeID)
		if err != nil {
			return fmt.Errorf("failed to read verification: %w", err)
		}
		if !verified {
			return fmt.Errorf("credit type %d: %w", req.CreditTypeID, errs.ErrNotVerified)
		}

		next, err := s.db.NextSequence(ctx, sequenceListing)
		if err != nil {
			return err
		}
		l := &Listing{
			ID:              next,
			CreditTypeID:    req.CreditTypeID,
			Seller:          caller,
			ListedAmount:    req.Amount,
			RemainingAmount: req.Amount,
			PricePerUnit:    payments.NewAmount(req.PricePerUnit),
			Active:          true,
			Status:          StatusActive,
			CreatedAt:       s.now(),
		}
		if err := s.repo.CreateListing(ctx, l); err != nil {
			return fmt.Errorf("failed to create listing: %w", err)
		}

		s.db.Emit(ctx, events.New(events.KindListingCreated, map[string]any{
			"listing_id":     next,
			"credit_type_id": req.CreditTypeID,
			"seller":         caller,
			"amount":         req.Amount,
			"price_per_unit": req.PricePerUnit.String(),
		}))
		id = next
		return nil
	})
	if err != nil {
		s.logger.Debug("Listing rejected", zap.String("seller", caller.String()), zap.Error(err))
		return 0, err
	}

	s.logger.Info("Listing created",
		zap.Uint64("listing_id", id),
		zap.Uint64("credit_type_id", req.CreditTypeID),
		zap.String("seller", caller.String()),
		zap.Uint64("amount", req.Amount),
		zap.String("price_per_unit", req.PricePerUnit.String()))
	return id, nil
}

// BuyCredits buys amount units from a listing, paying with the attached
// payment. Anything paid above the total price is refunded.
//
// Listing state, credit balances and the volume counter are all updated
// before any outbound payment runs recipient code; a failure at any step
// rolls back the whole purchase.
func (s *Service) BuyCredits(ctx context.Context, buyer uuid.UUID, listingID uint64, req BuyRequest) (*Receipt, error) {
	ctx, err := enter(ctx)
	if err != nil {
		return nil, err
	}

	var receipt *Receipt
	err = s.db.Atomic(ctx, func(ctx context.Context) error {
		if s.gate.Paused(ctx) {
			return errs.ErrPaused
		}
		l, err := s.repo.GetListing(ctx, listingID)
		if err != nil {
			return fmt.Errorf("failed to load listing: %w", err)
		}
		if l == nil || !l.Active {
			return fmt.Errorf("listing %d: %w", listingID, errs.ErrNotActive)
		}
		if req.Amount == 0 {
			return errs.ErrAmountZero
		}
		if req.Amount > l.RemainingAmount {
			return fmt.Errorf("requested %d of %d: %w", req.Amount, l.RemainingAmount, errs.ErrInsufficientListed)
		}
		totalPrice := l.PricePerUnit.Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(req.Amount), 0))
		if req.Payment.LessThan(totalPrice) {
			return fmt.Errorf("paid %s, need %s: %w", req.Payment, totalPrice, errs.ErrInsufficientPayment)
		}

		st, err := s.ensureSettings(ctx)
		if err != nil {
			return err
		}
		fee := FeeFor(totalPrice, st.FeeBps)
		proceeds := totalPrice.Sub(fee)
		refund := req.Payment.Sub(totalPrice)

		if err := s.rail.Collect(ctx, buyer, req.Payment); err != nil {
			return fmt.Errorf("%w: collect: %w", errs.ErrPaymentFailed, err)
		}

		remaining := l.RemainingAmount - req.Amount
		status := StatusActive
		if remaining == 0 {
			status = StatusDepleted
		}
		if _, err := listingLifecycle.Transition(l.Status, status); err != nil {
			return fmt.Errorf("listing %d: %w", listingID, errs.ErrNotActive)
		}
		if err := s.repo.UpdateListing(ctx, l.ID, remaining, status); err != nil {
			return fmt.Errorf("failed to update listing: %w", err)
		}
		if err := s.repo.UpdateSettings(ctx, map[string]any{"total_volume": st.TotalVolume.Add(totalPrice)}); err != nil {
			return fmt.Errorf("failed to update volume: %w", err)
		}

		if err := s.ledger.Transfer(ctx, l.Seller, buyer, l.CreditTypeID, req.Amount); err != nil {
			return fmt.Errorf("%w: %w", errs.ErrTransferFailed, err)
		}

		if err := s.pay(ctx, l.Seller, proceeds, "seller proceeds"); err != nil {
			return err
		}
		if err := s.pay(ctx, st.FeeRecipient, fee, "protocol fee"); err != nil {
			return err
		}
		if err := s.pay(ctx, buyer, refund, "refund"); err != nil {
			return err
		}

		seq, err := s.db.NextSequence(ctx, sequencePurchase)
		if err != nil {
			return err
		}
		p := &Purchase{
			ID:             seq,
			ListingID:      l.ID,
			CreditTypeID:   l.CreditTypeID,
			Buyer:          buyer,
			Seller:         l.Seller,
			Amount:         req.Amount,
			PricePerUnit:   l.PricePerUnit,
			TotalPrice:     payments.NewAmount(totalPrice),
			Fee:            payments.NewAmount(fee),
			SellerProceeds: payments.NewAmount(proceeds),
			Refund:         payments.NewAmount(refund),
			FeeBps:         st.FeeBps,
			FeeRecipient:   st.FeeRecipient,
			PurchasedAt:    s.now(),
		}
		if err := s.repo.CreatePurchase(ctx, p); err != nil {
			return fmt.Errorf("failed to record purchase: %w", err)
		}

		s.db.Emit(ctx, events.New(events.KindPurchase, map[string]any{
			"listing_id":     l.ID,
			"purchase_id":    seq,
			"credit_type_id": l.CreditTypeID,
			"buyer":          buyer,
			"seller":         l.Seller,
			"amount":         req.Amount,
			"total_price":    totalPrice.String(),
			"fee":            fee.String(),
		}))

		receipt = &Receipt{
			PurchaseID:      seq,
			ListingID:       l.ID,
			CreditTypeID:    l.CreditTypeID,
			Amount:          req.Amount,
			TotalPrice:      totalPrice,
			Fee:             fee,
			SellerProceeds:  proceeds,
			Refund:          refund,
			RemainingAmount: remaining,
			ListingActive:   status == StatusActive,
		}
		return nil
	})
	if err != nil {
		s.logger.Debug("Purchase rejected",
			zap.Uint64("listing_id", listingID),
			zap.String("buyer", buyer.String()),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Credits purchased",
		zap.Uint64("listing_id", listingID),
		zap.String("buyer", buyer.String()),
		zap.Uint64("amount", req.Amount),
		zap.String("total_price", receipt.TotalPrice.String()),
		zap.String("fee", receipt.Fee.String()))
	return receipt, nil
}

func (s *Service) pay(ctx context.Context, to uuid.UUID, amount decimal.Decimal, what string) error {
	if !amount.IsPositive() {
		return nil
	}
	if err := s.rail.Send(ctx, to, amount); err != nil {
		return fmt.Errorf("%w: %s: %w", errs.ErrPaymentFailed, what, err)
	}
	return nil
}

// FeeFor is floor(total * feeBps / 1000).
func FeeFor(total decimal.Decimal, feeBps uint16) decimal.Decimal {
	q, _ := total.Mul(decimal.NewFromInt(int64(feeBps))).QuoRem(decimal.NewFromInt(FeeDenominator), 0)
	return q
}

// CancelListing permanently deactivates a listing. Only its seller may do so.
func (s *Service) CancelListing(ctx context.Context, caller uuid.UUID, listingID uint64) error {
	ctx, err := enter(ctx)
	if err != nil {
		return err
	}

	err = s.db.Atomic(ctx, func(ctx context.Context) error {
		if s.gate.Paused(ctx) {
			return errs.ErrPaused
		}
		l, err := s.repo.GetListing(ctx, listingID)
		if err != nil {
			return fmt.Errorf("failed to load listing: %w", err)
		}
		if l == nil || l.Seller != caller {
			return errs.ErrUnauthorized
		}
		if !l.Active {
			return fmt.Errorf("listing %d: %w", listingID, errs.ErrNotActive)
		}
		if _, err := listingLifecycle.Transition(l.Status, StatusCancelled); err != nil {
			return fmt.Errorf("listing %d: %w", listingID, errs.ErrNotActive)
		}
		if err := s.repo.UpdateListing(ctx, l.ID, l.RemainingAmount, StatusCancelled); err != nil {
			return fmt.Errorf("failed to cancel listing: %w", err)
		}
		s.db.Emit(ctx, events.New(events.KindListingCancelled, map[string]any{
			"listing_id": l.ID,
			"seller":     caller,
		}))
		return nil
	})
	if err != nil {
		s.logger.Debug("Cancel rejected", zap.Uint64("listing_id", listingID), zap.Error(err))
		return err
	}

	s.logger.Info("Listing cancelled", zap.Uint64("listing_id", listingID))
	return nil
}

// UpdateProtocolFee replaces the fee rate for future purchases.
func (s *Service) UpdateProtocolFee(ctx context.Context, caller uuid.UUID, feeBps uint16) error {
	ctx, err := enter(ctx)
	if err != nil {
		return err
	}

	var old uint16
	err = s.db.Atomic(ctx, func(ctx context.Context) error {
		if s.gate.Paused(ctx) {
			return errs.ErrPaused
		}
		if !s.auth.Has(ctx, caller, access.CapabilityAdmin) {
			return errs.ErrUnauthorized
		}
		if feeBps > MaxFeeBps {
			return fmt.Errorf("%d > %d: %w", feeBps, MaxFeeBps, errs.ErrFeeTooHigh)
		}
		st, err := s.ensureSettings(ctx)
		if err != nil {
			return err
		}
		old = st.FeeBps
		if err := s.repo.UpdateSettings(ctx, map[string]any{"fee_bps": feeBps}); err != nil {
			return fmt.Errorf("failed to update fee: %w", err)
		}
		s.db.Emit(ctx, events.New(events.KindFeeUpdated, map[string]any{
			"old_fee_bps": old,
			"new_fee_bps": feeBps,
		}))
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Protocol fee updated", zap.Uint16("old_fee_bps", old), zap.Uint16("new_fee_bps", feeBps))
	return nil
}

// UpdateFeeRecipient changes who receives the protocol fee.
func (s *Service) UpdateFeeRecipient(ctx context.Context, caller, recipient uuid.UUID) error {
	ctx, err := enter(ctx)
	if err != nil {
		return err
	}

	err = s.db.Atomic(ctx, func(ctx context.Context) error {
		if s.gate.Paused(ctx) {
			return errs.ErrPaused
		}
		if !s.auth.Has(ctx, caller, access.CapabilityAdmin) {
			return errs.ErrUnauthorized
		}
		if recipient == uuid.Nil {
			return errs.ErrInvalidAddress
		}
		st, err := s.ensureSettings(ctx)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateSettings(ctx, map[string]any{"fee_recipient": recipient}); err != nil {
			return fmt.Errorf("failed to update fee recipient: %w", err)
		}
		s.db.Emit(ctx, events.New(events.KindRecipientUpdated, map[string]any{
			"old_recipient": st.FeeRecipient,
			"new_recipient": recipient,
		}))
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Fee recipient updated", zap.String("recipient", recipient.String()))
	return nil
}

func (s *Service) ensureSettings(ctx context.Context) (*Settings, error) {
	st, err := s.repo.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load market settings: %w", err)
	}
	if st != nil {
		return st, nil
	}
	st = &Settings{FeeBps: DefaultFeeBps, TotalVolume: payments.NewAmount(decimal.Zero)}
	if err := s.repo.CreateSettings(ctx, st); err != nil {
		return nil, fmt.Errorf("failed to create market settings: %w", err)
	}
	return st, nil
}

// GetListing returns a listing by id.
func (s *Service) GetListing(ctx context.Context, id uint64) (*Listing, error) {
	l, err := s.repo.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("listing %d: %w", id, errs.ErrNotFound)
	}
	return l, nil
}

// GetListingsBySeller returns every listing the seller created, active or not.
func (s *Service) GetListingsBySeller(ctx context.Context, seller uuid.UUID) ([]Listing, error) {
	return s.repo.ListingsBySeller(ctx, seller)
}

// ActiveListings returns the open order book, cheapest first.
func (s *Service) ActiveListings(ctx context.Context, creditTypeID *uint64) ([]Listing, error) {
	return s.repo.ActiveListings(ctx, creditTypeID)
}

// GetTotalListings is the number of listings ever created.
func (s *Service) GetTotalListings(ctx context.Context) (uint64, error) {
	return s.db.PeekSequence(ctx, sequenceListing)
}

func (s *Service) TotalVolumeTraded(ctx context.Context) (decimal.Decimal, error) {
	st, err := s.settings(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return st.TotalVolume.Decimal, nil
}

func (s *Service) GetPurchases(ctx context.Context, listingID uint64) ([]Purchase, error) {
	return s.repo.PurchasesByListing(ctx, listingID)
}

// CurrentFee returns the fee rate and recipient in effect.
func (s *Service) CurrentFee(ctx context.Context) (uint16, uuid.UUID, error) {
	st, err := s.settings(ctx)
	if err != nil {
		return 0, uuid.Nil, err
	}
	return st.FeeBps, st.FeeRecipient, nil
}

// Stats summarizes the market.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	total, err := s.GetTotalListings(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.repo.CountActiveListings(ctx)
	if err != nil {
		return nil, err
	}
	purchases, err := s.repo.CountPurchases(ctx)
	if err != nil {
		return nil, err
	}
	st, err := s.settings(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		TotalListings:  total,
		ActiveListings: active,
		Purchases:      purchases,
		TotalVolume:    st.TotalVolume.Decimal,
		FeeBps:         st.FeeBps,
		FeeRecipient:   st.FeeRecipient,
	}, nil
}
