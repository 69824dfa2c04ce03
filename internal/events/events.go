// Package events carries the notifications emitted by the ledger and the
// marketplace. The core only ever writes to a Sink; nothing here is read back
// to make decisions.
package events

import (
	"context"
	"sync"
	"time"
)

// Kind names a notification.
type Kind string

const (
	KindCreditMinted     Kind = "credit.minted"
	KindCreditVerified   Kind = "credit.verified"
	KindCreditRetired    Kind = "credit.retired"
	KindCreditTransfer   Kind = "credit.transferred"
	KindListingCreated   Kind = "listing.created"
	KindListingCancelled Kind = "listing.cancelled"
	KindPurchase         Kind = "listing.purchased"
	KindFeeUpdated       Kind = "market.fee_updated"
	KindRecipientUpdated Kind = "market.fee_recipient_updated"
	KindRoleGranted      Kind = "access.role_granted"
	KindRoleRevoked      Kind = "access.role_revoked"
	KindPaused           Kind = "access.paused"
	KindUnpaused         Kind = "access.unpaused"
	KindMarketSnapshot   Kind = "market.snapshot"
)

// Event is a single structured notification.
type Event struct {
	Kind   Kind           `json:"kind"`
	At     time.Time      `json:"at"`
	Fields map[string]any `json:"fields"`
}

// New builds an event stamped with the current time.
func New(kind Kind, fields map[string]any) Event {
	return Event{Kind: kind, At: time.Now().UTC(), Fields: fields}
}

// Sink receives committed events.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Fanout delivers every event to each sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, e Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(ctx, e)
		}
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded kinds in publish order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

// Last returns the most recent event of the given kind.
func (r *Recorder) Last(kind Kind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
