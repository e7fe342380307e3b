// Package intervention tracks conversations a human operator has taken
// over. While an intervention is active the assistant stays silent.
package intervention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/atendai/atendai/internal/convo"
)

// AutoDuration is the takeover window granted when the operator sends a
// message from the account itself (no explicit start).
const AutoDuration = 10 * time.Minute

type State string

const (
	StateInactive State = "inactive"
	StateActive   State = "active"
)

// Record is the persisted intervention state for one conversation.
type Record struct {
	Key       convo.Key
	State     State
	Automatic bool
	StartedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether an active record has run out. Pure so the
// same rule serves both the lazy read path and the periodic sweep.
func IsExpired(rec Record, now time.Time) bool {
	return rec.State == StateActive && !now.Before(rec.ExpiresAt)
}

// Store persists intervention records.
type Store interface {
	Get(ctx context.Context, key convo.Key) (*Record, error)
	Put(ctx context.Context, rec Record) error
	ListActive(ctx context.Context) ([]Record, error)
}

// Tracker is the state machine over the store.
type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store}
}

// Start activates or renews an intervention. Renewing never shortens
// the window: the later expiry wins.
func (t *Tracker) Start(ctx context.Context, key convo.Key, d time.Duration, automatic bool) error {
	now := time.Now()
	rec := Record{
		Key:       key,
		State:     StateActive,
		Automatic: automatic,
		StartedAt: now,
		ExpiresAt: now.Add(d),
	}

	existing, err := t.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read intervention: %w", err)
	}
	if existing != nil && existing.State == StateActive && !IsExpired(*existing, now) {
		rec.StartedAt = existing.StartedAt
		if existing.ExpiresAt.After(rec.ExpiresAt) {
			rec.ExpiresAt = existing.ExpiresAt
		}
		// A manual takeover is not downgraded by a later automatic renewal.
		if !existing.Automatic {
			rec.Automatic = false
		}
	}

	if err := t.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("persist intervention: %w", err)
	}
	slog.Info("intervention started",
		"conversation", key.String(),
		"automatic", rec.Automatic,
		"expires_at", rec.ExpiresAt)
	return nil
}

// End forces the conversation back to inactive regardless of expiry.
func (t *Tracker) End(ctx context.Context, key convo.Key) error {
	rec := Record{Key: key, State: StateInactive}
	if err := t.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("end intervention: %w", err)
	}
	slog.Info("intervention ended", "conversation", key.String())
	return nil
}

// Active reports whether a human currently owns the conversation.
// Expiry is evaluated lazily on read; the record itself is cleaned up
// by SweepExpired.
func (t *Tracker) Active(ctx context.Context, key convo.Key, now time.Time) (bool, error) {
	rec, err := t.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read intervention: %w", err)
	}
	if rec == nil || rec.State != StateActive {
		return false, nil
	}
	return !IsExpired(*rec, now), nil
}

// SweepExpired flips every expired active record to inactive and
// returns how many it ended.
func (t *Tracker) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	active, err := t.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active interventions: %w", err)
	}

	ended := 0
	for _, rec := range active {
		if !IsExpired(rec, now) {
			continue
		}
		rec.State = StateInactive
		if err := t.store.Put(ctx, rec); err != nil {
			slog.Warn("sweep: end intervention failed",
				"conversation", rec.Key.String(), "error", err)
			continue
		}
		ended++
	}
	return ended, nil
}
