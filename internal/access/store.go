package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"carbon-scribe/credit-exchange/internal/errs"
	"carbon-scribe/credit-exchange/internal/events"
	"carbon-scribe/credit-exchange/internal/store"
)

// RoleStore persists role grants. Only admins may change them, and the issuer
// and verifier capabilities are never granted to the same principal.
type RoleStore struct {
	db     *store.DB
	logger *zap.Logger
}

func NewRoleStore(db *store.DB, logger *zap.Logger) *RoleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoleStore{db: db, logger: logger}
}

// Migrate creates the role and pause tables.
func Migrate(db *store.DB) error {
	return db.Migrate(&RoleGrant{}, &PauseState{})
}

func (s *RoleStore) Has(ctx context.Context, principal uuid.UUID, c Capability) bool {
	var n int64
	err := s.db.Conn(ctx).Model(&RoleGrant{}).
		Where("principal = ? AND capability = ?", principal, c).
		Count(&n).Error
	if err != nil {
		s.logger.Warn("Role lookup failed", zap.String("principal", principal.String()), zap.Error(err))
		return false
	}
	return n > 0
}

// Roles lists every capability principal holds.
func (s *RoleStore) Roles(ctx context.Context, principal uuid.UUID) ([]Capability, error) {
	var grants []RoleGrant
	if err := s.db.Conn(ctx).Where("principal = ?", principal).Order("capability").Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	caps := make([]Capability, 0, len(grants))
	for _, g := range grants {
		caps = append(caps, g.Capability)
	}
	return caps, nil
}

// EnsureAdmin grants the admin capability without an authorization check.
// It is meant for bootstrapping a fresh deployment.
func (s *RoleStore) EnsureAdmin(ctx context.Context, principal uuid.UUID) error {
	if principal == uuid.Nil {
		return errs.ErrInvalidAddress
	}
	return s.db.Atomic(ctx, func(ctx context.Context) error {
		return s.insert(ctx, principal, CapabilityAdmin, principal)
	})
}

// Grant gives principal the capability c. Granting a held capability is a no-op.
func (s *RoleStore) Grant(ctx context.Context, admin, principal uuid.UUID, c Capability) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownCapability, c)
	}
	if principal == uuid.Nil {
		return errs.ErrInvalidAddress
	}
	return s.db.Atomic(ctx, func(ctx context.Context) error {
		if !s.Has(ctx, admin, CapabilityAdmin) {
			return errs.ErrUnauthorized
		}
		if other, ok := conflicts[c]; ok && s.Has(ctx, principal, other) {
			return fmt.Errorf("%w: %s already holds %s", ErrRoleConflict, principal, other)
		}
		if s.Has(ctx, principal, c) {
			return nil
		}
		if err := s.insert(ctx, principal, c, admin); err != nil {
			return err
		}
		s.db.Emit(ctx, events.New(events.KindRoleGranted, map[string]any{
			"principal":  principal,
			"capability": c,
			"granted_by": admin,
		}))
		s.logger.Info("Role granted",
			zap.String("principal", principal.String()),
			zap.String("capability", string(c)))
		return nil
	})
}

// Revoke removes capability c from principal.
func (s *RoleStore) Revoke(ctx context.Context, admin, principal uuid.UUID, c Capability) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownCapability, c)
	}
	return s.db.Atomic(ctx, func(ctx context.Context) error {
		if !s.Has(ctx, admin, CapabilityAdmin) {
			return errs.ErrUnauthorized
		}
		res := s.db.Conn(ctx).Where("principal = ? AND capability = ?", principal, c).Delete(&RoleGrant{})
		if res.Error != nil {
			return fmt.Errorf("failed to revoke role: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		s.db.Emit(ctx, events.New(events.KindRoleRevoked, map[string]any{
			"principal":  principal,
			"capability": c,
			"revoked_by": admin,
		}))
		return nil
	})
}

func (s *RoleStore) insert(ctx context.Context, principal uuid.UUID, c Capability, by uuid.UUID) error {
	if s.Has(ctx, principal, c) {
		return nil
	}
	grant := &RoleGrant{Principal: principal, Capability: c, GrantedBy: by, GrantedAt: time.Now().UTC()}
	if err := s.db.Conn(ctx).Create(grant).Error; err != nil {
		return fmt.Errorf("failed to grant role: %w", err)
	}
	return nil
}

const pauseRowID = 1

// PauseSwitch is the persisted emergency pause. It has a single writer, the
// admin, and is read at the top of every mutating operation.
type PauseSwitch struct {
	db     *store.DB
	auth   Authorizer
	logger *zap.Logger
}

func NewPauseSwitch(db *store.DB, auth Authorizer, logger *zap.Logger) *PauseSwitch {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PauseSwitch{db: db, auth: auth, logger: logger}
}

func (p *PauseSwitch) Paused(ctx context.Context) bool {
	var state PauseState
	err := p.db.Conn(ctx).Where("id = ?", pauseRowID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if err != nil {
		// An unreadable switch fails closed.
		p.logger.Error("Pause state lookup failed", zap.Error(err))
		return true
	}
	return state.Paused
}

func (p *PauseSwitch) Pause(ctx context.Context, admin uuid.UUID) error {
	return p.set(ctx, admin, true)
}

func (p *PauseSwitch) Unpause(ctx context.Context, admin uuid.UUID) error {
	return p.set(ctx, admin, false)
}

func (p *PauseSwitch) set(ctx context.Context, admin uuid.UUID, paused bool) error {
	return p.db.Atomic(ctx, func(ctx context.Context) error {
		if !p.auth.Has(ctx, admin, CapabilityAdmin) {
			return errs.ErrUnauthorized
		}
		if p.Paused(ctx) == paused {
			return nil
		}
		state := PauseState{ID: pauseRowID, Paused: paused, UpdatedBy: admin, UpdatedAt: time.Now().UTC()}
		conn := p.db.Conn(ctx)
		res := conn.Model(&PauseState{}).Where("id = ?", pauseRowID).Updates(map[string]any{
			"paused":     paused,
			"updated_by": admin,
			"updated_at": state.UpdatedAt,
		})
		if res.Error != nil {
			return fmt.Errorf("failed to update pause state: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			if err := conn.Create(&state).Error; err != nil {
				return fmt.Errorf("failed to update pause state: %w", err)
			}
		}

		kind := events.KindUnpaused
		if paused {
			kind = events.KindPaused
		}
		p.db.Emit(ctx, events.New(kind, map[string]any{"by": admin}))
		p.logger.Info("Pause state changed", zap.Bool("paused", paused), zap.String("by", admin.String()))
		return nil
	})
}
