// Package credits is the credit ledger: issuance, one-time verification,
// retirement and balance accounting for fungible credit types.
package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/credit-exchange/internal/access"
	"carbon-scribe/credit-exchange/internal/errs"
	"carbon-scribe/credit-exchange/internal/events"
	"carbon-scribe/credit-exchange/internal/store"
	"carbon-scribe/credit-exchange/pkg/pdf"
)

const (
	sequenceCreditType = "credit_type"
	sequenceRetirement = "retirement"
)

// Service owns every credit balance. Nothing else writes to them.
type Service struct {
	db     *store.DB
	repo   Repository
	auth   access.Authorizer
	gate   access.Gate
	certs  pdf.Generator
	logger *zap.Logger
	now    func() time.Time
}

func NewService(db *store.DB, repo Repository, auth access.Authorizer, gate access.Gate, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     db,
		repo:   repo,
		auth:   auth,
		gate:   gate,
		certs:  pdf.NewGenerator(pdf.DefaultOptions()),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Mint creates a credit type and credits the whole issuance to the caller.
func (s *Service) Mint(ctx context.Context, caller uuid.UUID, req MintRequest) (uint64, error) {
	var id uint64
	err := s.db.Atomic(ctx, func(ctx context.Context) error {
		if s.gate.Paused(ctx) {
			return errs.ErrPaused
		}
		if !s.auth.Has(ctx, caller, access.CapabilityIssuer) {
			return errs.ErrUnauthorized
		}
		if req.Amount == 0 {
			return errs.ErrAmountZero
		}
		if req.Amount > MaxAmount {
			return fmt.Errorf("minting %d: %w", req.Amount, errs.ErrAmountTooLarge)
		}

		next, err := s.db.NextSequence(ctx, sequenceCreditType)
		if err != nil {
			return err
		}
		ct := &CreditType{
			ID:          next,
			ProjectName: req.ProjectName,
			Location:    req.Location,
			Category:    req.Category,
			TotalSupply: req.Amount,
			IssuedBy:    caller,
			CreatedAt:   s.now(),
		}
		if err := s.repo.CreateCreditType(ctx, ct); err != nil {
			return fmt.Errorf("failed to create credit type: %w", err)
		}
		if err := s.repo.SetBalance(ctx, caller, next, req.Amount); err != nil {
			return fmt.Errorf("failed to credit issuer: %w", err)
		}

		s.db.Emit(ctx, events.New(events.KindCreditMinted, map[string]any{
			"credit_type_id": next,
			"issuer":         caller,
			"project_name":   req.ProjectName,
			"location":       req.Location,
			"category":       req.Category,
			"amount":         req.Amount,
		}))
		id = next
		return nil
	})
	if err != nil {
		s.logger.Debug("Mint rejected", zap.String("caller", caller.String()), zap.Error(err))
		return 0, err
	}

	s.logger.Info("Credits minted",
		zap.Uint64("credit_type_id", id),
		zap.String("issuer", caller.String()),
		zap.Uint64("amount", req.Amount))
	return id, nil
}

// Verify marks a credit type verified. It succeeds at most once per type.
func (s *Service) Verify(ctx context.Context, caller uuid.UUID, id uint64) error {
	err := s.db.Atomic(ctx, func(ctx context.Context) error {
		if s.gate.Paused(ctx) {
			return errs.ErrPaused
		}
		if !s.auth.Has(ctx, caller, access.CapabilityVerifier) {
			return errs.ErrUnauthorized
		}
		ct, err := s.repo.GetCreditType(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load credit type: %w", err)
		}
		if !ct.Exists() {
			return fmt.Errorf("credit type %d: %w", id, errs.ErrNotFound)
		}
		if _, err := lifecycle.Transition(stateOf(ct), StateVerified); err != nil {
			return fmt.Errorf("credit type %d: %w", id, errs.ErrAlreadyVerified)
		}

		at := s.now()
		if err := s.repo.MarkVerified(ctx, id, caller, at); err != nil {
			return fmt.Errorf("failed to mark verified: %w", err)
		}
		s.db.Emit(ctx, events.New(events.KindCreditVerified, map[string]any{
			"credit_type_id": id,
			"verifier":       caller,
			"verified_at":    at,
		}))
		return nil
	})
	if err != nil {
		s.logger.Debug("Verify rejected", zap.Uint64("credit_type_id", id), zap.Error(err))
		return err
	}

	s.logger.Info("Credit type verified", zap.Uint64("credit_type_id", id), zap.String("verifier", caller.String()))
	return nil
}

// Retire irreversibly burns units from the caller's balance and records the
// retirement.
func (s *Service) Retire(ctx context.Context, caller uuid.UUID, id uint64, req RetireRequest) (*Retirement, error) {
	var ret *Retirement
	err := s.db.Atomic(ctx, func(ctx context.Context) error {
		if s.gate.Paused(ctx) {
			return errs.ErrPaused
		}
		ct, err := s.repo.GetCreditType(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load credit type: %w", err)
		}
		if !ct.Exists() || !ct.Verified {
			return fmt.Errorf("credit type %d: %w", id, errs.ErrNotVerified)
		}
		balance, err := s.repo.GetBalance(ctx, caller, id)
		if err != nil {
			return fmt.Errorf("failed to load balance: %w", err)
		}
		if balance < req.Amount {
			return fmt.Errorf("have %d, retiring %d: %w", balance, req.Amount, errs.ErrInsufficientBalance)
		}
		if req.Amount == 0 {
			return errs.ErrAmountZero
		}

		if err := s.repo.SetBalance(ctx, caller, id, balance-req.Amount); err != nil {
			return fmt.Errorf("failed to debit balance: %w", err)
		}
		seq, err := s.db.NextSequence(ctx, sequenceRetirement)
		if err != nil {
			return err
		}
		ret = &Retirement{
			ID:                seq,
			Holder:            caller,
			CreditTypeID:      id,
			Amount:            req.Amount,
			Beneficiary:       req.Beneficiary,
			CertificateNumber: uuid.New(),
			RetiredAt:         s.now(),
		}
		if err := s.repo.CreateRetirement(ctx, ret); err != nil {
			return fmt.Errorf("failed to record retirement: %w", err)
		}

		s.db.Emit(ctx, events.New(events.KindCreditRetired, map[string]any{
			"retirement_id":  seq,
			"credit_type_id": id,
			"holder":         caller,
			"amount":         req.Amount,
		}))
		return nil
	})
	if err != nil {
		s.logger.Debug("Retire rejected", zap.Uint64("credit_type_id", id), zap.Error(err))
		return nil, err
	}

	s.logger.Info("Credits retired",
		zap.Uint64("credit_type_id", id),
		zap.String("holder", caller.String()),
		zap.Uint64("amount", req.Amount))
	return ret, nil
}

// Transfer moves amount units of a credit type from one holder to another. It
// is the primitive the marketplace settles through; over HTTP the caller is
// always the source.
func (s *Service) Transfer(ctx context.Context, from, to uuid.UUID, id uint64, amount uint64) error {
	return s.db.Atomic(ctx, func(ctx context.Context) error {
		if s.gate.Paused(ctx) {
			return errs.ErrPaused
		}
		if to == uuid.Nil {
			return errs.ErrInvalidAddress
		}
		if amount == 0 {
			return errs.ErrAmountZero
		}
		if amount > MaxAmount {
			return fmt.Errorf("transferring %d: %w", amount, errs.ErrAmountTooLarge)
		}
		fromBalance, err := s.repo.GetBalance(ctx, from, id)
		if err != nil {
			return fmt.Errorf("failed to load balance: %w", err)
		}
		if fromBalance < amount {
			return fmt.Errorf("have %d, sending %d: %w", fromBalance, amount, errs.ErrInsufficientBalance)
		}
		if from != to {
			toBalance, err := s.repo.GetBalance(ctx, to, id)
			if err != nil {
				return fmt.Errorf("failed to load balance: %w", err)
			}
			if err := s.repo.SetBalance(ctx, from, id, fromBalance-amount); err != nil {
				return fmt.Errorf("failed to debit balance: %w", err)
			}
			if err := s.repo.SetBalance(ctx, to, id, toBalance+amount); err != nil {
				return fmt.Errorf("failed to credit balance: %w", err)
			}
		}

		s.db.Emit(ctx, events.New(events.KindCreditTransfer, map[string]any{
			"credit_type_id": id,
			"from":           from,
			"to":             to,
			"amount":         amount,
		}))
		return nil
	})
}

// BalanceOf returns holder's quantity of a credit type. Unknown pairs hold zero.
func (s *Service) BalanceOf(ctx context.Context, holder uuid.UUID, id uint64) (uint64, error) {
	return s.repo.GetBalance(ctx, holder, id)
}

// IsVerified reports whether the credit type has passed verification.
// Unknown ids are not verified.
func (s *Service) IsVerified(ctx context.Context, id uint64) (bool, error) {
	ct, err := s.repo.GetCreditType(ctx, id)
	if err != nil {
		return false, err
	}
	return ct.Exists() && ct.Verified, nil
}

// GetInfo returns the credit type record.
func (s *Service) GetInfo(ctx context.Context, id uint64) (*CreditType, error) {
	ct, err := s.repo.GetCreditType(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ct.Exists() {
		return nil, fmt.Errorf("credit type %d: %w", id, errs.ErrNotFound)
	}
	return ct, nil
}

// ListCreditTypes lists credit types in id order, optionally by category.
func (s *Service) ListCreditTypes(ctx context.Context, category string) ([]CreditType, error) {
	return s.repo.ListCreditTypes(ctx, category)
}

// Holders lists every non-zero balance of a credit type, largest first.
func (s *Service) Holders(ctx context.Context, id uint64) ([]Balance, error) {
	return s.repo.ListBalances(ctx, id)
}

// TotalRetired sums every retirement of a credit type.
func (s *Service) TotalRetired(ctx context.Context, id uint64) (uint64, error) {
	return s.repo.TotalRetired(ctx, id)
}

// CirculatingSupply is the original issuance minus everything retired.
func (s *Service) CirculatingSupply(ctx context.Context, id uint64) (uint64, error) {
	ct, err := s.GetInfo(ctx, id)
	if err != nil {
		return 0, err
	}
	retired, err := s.repo.TotalRetired(ctx, id)
	if err != nil {
		return 0, err
	}
	return ct.TotalSupply - retired, nil
}

func (s *Service) GetRetirement(ctx context.Context, id uint64) (*Retirement, error) {
	ret, err := s.repo.GetRetirement(ctx, id)
	if err != nil {
		return nil, err
	}
	if ret == nil {
		return nil, fmt.Errorf("retirement %d: %w", id, errs.ErrNotFound)
	}
	return ret, nil
}

func (s *Service) RetirementsByHolder(ctx context.Context, holder uuid.UUID) ([]Retirement, error) {
	return s.repo.ListRetirementsByHolder(ctx, holder)
}
