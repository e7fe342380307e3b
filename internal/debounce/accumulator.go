// Package debounce coalesces bursts of inbound messages from the same
// conversation into a single pending turn. A turn fires only after the
// conversation has been quiet for the configured window.
package debounce

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/atendai/atendai/internal/convo"
)

// DefaultQuietWindow is how long a conversation must stay silent before
// its accumulated messages are released as one turn.
const DefaultQuietWindow = 8 * time.Second

// FireFunc receives a detached pending turn. It runs on its own
// goroutine; a panic or error inside it never affects other keys.
type FireFunc func(ctx context.Context, turn convo.PendingTurn)

type entry struct {
	turn  convo.PendingTurn
	timer *time.Timer
}

// Accumulator owns the per-conversation pending turns.
type Accumulator struct {
	quiet time.Duration
	fire  FireFunc

	mu      sync.Mutex
	pending map[convo.Key]*entry
	closed  bool
	wg      sync.WaitGroup
}

func NewAccumulator(quiet time.Duration, fire FireFunc) *Accumulator {
	if quiet <= 0 {
		quiet = DefaultQuietWindow
	}
	return &Accumulator{
		quiet:   quiet,
		fire:    fire,
		pending: make(map[convo.Key]*entry),
	}
}

// Add merges an inbound event into the key's pending turn and re-arms
// the quiet timer. Later fragments append on a new line.
func (a *Accumulator) Add(ev convo.InboundEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	now := time.Now()
	e, ok := a.pending[ev.Key]
	if !ok {
		e = &entry{
			turn: convo.PendingTurn{
				Key:        ev.Key,
				Content:    ev.Content,
				MessageIDs: []string{ev.MessageID},
				PushName:   ev.PushName,
				FirstAt:    now,
				LastAt:     now,
				Merged:     1,
			},
		}
		key := ev.Key
		e.timer = time.AfterFunc(a.quiet, func() { a.release(key) })
		a.pending[ev.Key] = e
		return
	}

	e.turn.Content += "\n" + ev.Content
	e.turn.MessageIDs = append(e.turn.MessageIDs, ev.MessageID)
	e.turn.LastAt = now
	e.turn.Merged++
	if ev.PushName != "" {
		e.turn.PushName = ev.PushName
	}
	e.timer.Reset(a.quiet)
}

// release detaches the pending turn for key and hands it to fire. If a
// message slipped in after the timer fired, the timer is re-armed for
// the remaining quiet time instead.
func (a *Accumulator) release(key convo.Key) {
	a.mu.Lock()
	e, ok := a.pending[key]
	if !ok || a.closed {
		a.mu.Unlock()
		return
	}
	if remaining := a.quiet - time.Since(e.turn.LastAt); remaining > 10*time.Millisecond {
		e.timer.Reset(remaining)
		a.mu.Unlock()
		return
	}
	delete(a.pending, key)
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("turn handler panicked", "conversation", key.String(), "panic", r)
			}
		}()
		a.fire(context.Background(), e.turn)
	}()
}

// FlushAll releases every pending turn immediately. Used on shutdown so
// accumulated messages are not lost.
func (a *Accumulator) FlushAll() {
	a.mu.Lock()
	entries := make([]*entry, 0, len(a.pending))
	for key, e := range a.pending {
		e.timer.Stop()
		entries = append(entries, e)
		delete(a.pending, key)
	}
	a.mu.Unlock()

	for _, e := range entries {
		a.wg.Add(1)
		go func(e *entry) {
			defer a.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("turn handler panicked", "conversation", e.turn.Key.String(), "panic", r)
				}
			}()
			a.fire(context.Background(), e.turn)
		}(e)
	}
}

// PendingCount reports how many conversations have an undelivered turn.
func (a *Accumulator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close stops all timers, flushes nothing, and waits for in-flight
// handlers to finish.
func (a *Accumulator) Close() {
	a.mu.Lock()
	a.closed = true
	for key, e := range a.pending {
		e.timer.Stop()
		delete(a.pending, key)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
