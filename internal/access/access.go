// Package access answers who may do what, and whether anything may be done at
// all right now.
package access

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrRoleConflict      = errors.New("capability conflicts with an existing role")
	ErrUnknownCapability = errors.New("unknown capability")
)

// Authorizer reports whether a principal holds a capability.
type Authorizer interface {
	Has(ctx context.Context, principal uuid.UUID, c Capability) bool
}

// Gate reports whether mutating operations are currently suspended.
type Gate interface {
	Paused(ctx context.Context) bool
}

// StaticAuthorizer is an in-memory Authorizer.
type StaticAuthorizer struct {
	mu    sync.RWMutex
	roles map[uuid.UUID]map[Capability]bool
}

func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{roles: make(map[uuid.UUID]map[Capability]bool)}
}

// Grant gives principal each of caps. It does not enforce role separation.
func (a *StaticAuthorizer) Grant(principal uuid.UUID, caps ...Capability) *StaticAuthorizer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roles[principal] == nil {
		a.roles[principal] = make(map[Capability]bool)
	}
	for _, c := range caps {
		a.roles[principal][c] = true
	}
	return a
}

func (a *StaticAuthorizer) Revoke(principal uuid.UUID, c Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.roles[principal], c)
}

func (a *StaticAuthorizer) Has(_ context.Context, principal uuid.UUID, c Capability) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.roles[principal][c]
}

// Flag is an in-memory Gate.
type Flag struct {
	paused atomic.Bool
}

func (f *Flag) Paused(context.Context) bool {
	return f.paused.Load()
}

func (f *Flag) Set(paused bool) {
	f.paused.Store(paused)
}
