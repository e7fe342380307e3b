// Package guard classifies inbound messages before any model work is
// done, blocking conversations that look like bot loops or abuse.
package guard

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/atendai/atendai/internal/convo"
)

// Reason tags recorded on blocks and surfaced in logs.
const (
	ReasonGroupChat        = "group_chat"
	ReasonAlreadyBlocked   = "already_blocked"
	ReasonBotMessage       = "bot_message"
	ReasonAutomatedService = "automated_service"
	ReasonRepeatedMessages = "repeated_messages"
)

// maxRepeats is how many identical messages in a row trip the
// repeated-message rule. The third identical message blocks.
const maxRepeats = 3

// BlockStore persists active blocks so they survive restarts.
type BlockStore interface {
	ActiveBlock(ctx context.Context, key convo.Key, now time.Time) (*convo.Block, error)
	PutBlock(ctx context.Context, block convo.Block) error
}

// Verdict is the classification result for one inbound event.
type Verdict struct {
	ShouldBlock    bool
	AlreadyBlocked bool
	Reasons        []string
	BlockDuration  time.Duration
}

type rule struct {
	tag      string
	duration time.Duration
	match    func(c *Classifier, ev convo.InboundEvent) bool
}

// ring keeps the last maxRepeats content hashes for one conversation.
type ring struct {
	hashes   [maxRepeats]uint64
	filled   int
	next     int
	lastSeen time.Time
}

func (r *ring) push(h uint64, now time.Time) {
	r.hashes[r.next] = h
	r.next = (r.next + 1) % maxRepeats
	if r.filled < maxRepeats {
		r.filled++
	}
	r.lastSeen = now
}

// saturatedWith reports whether the ring holds maxRepeats copies of h.
func (r *ring) saturatedWith(h uint64) bool {
	if r.filled < maxRepeats {
		return false
	}
	for _, v := range r.hashes {
		if v != h {
			return false
		}
	}
	return true
}

// Classifier applies the ordered rule list. Repeated-message rings are
// in-memory only; block records go through the store.
type Classifier struct {
	blocks BlockStore
	rules  []rule

	mu    sync.Mutex
	rings map[convo.Key]*ring
}

func NewClassifier(blocks BlockStore) *Classifier {
	c := &Classifier{
		blocks: blocks,
		rings:  make(map[convo.Key]*ring),
	}
	// Order matters: cheap structural checks run before content
	// inspection, and the store is consulted in between.
	c.rules = []rule{
		{ReasonGroupChat, 60 * time.Minute, (*Classifier).matchGroupChat},
		{ReasonBotMessage, 120 * time.Minute, (*Classifier).matchBotMessage},
		{ReasonAutomatedService, 60 * time.Minute, (*Classifier).matchAutomatedService},
		{ReasonRepeatedMessages, 45 * time.Minute, (*Classifier).matchRepeated},
	}
	return c
}

// Classify runs the rule list against one inbound event. The first
// matching rule decides the block duration; an existing active block
// short-circuits everything after the group check.
func (c *Classifier) Classify(ctx context.Context, ev convo.InboundEvent) (Verdict, error) {
	now := time.Now()

	// Group chat is structural and never reaches the store.
	if c.rules[0].match(c, ev) {
		return c.applyBlock(ctx, ev.Key, c.rules[0], now)
	}

	existing, err := c.blocks.ActiveBlock(ctx, ev.Key, now)
	if err != nil {
		return Verdict{}, fmt.Errorf("read active block: %w", err)
	}
	if existing != nil {
		return Verdict{
			ShouldBlock:    true,
			AlreadyBlocked: true,
			Reasons:        append([]string{ReasonAlreadyBlocked}, existing.Reasons...),
			BlockDuration:  existing.ExpiresAt.Sub(now),
		}, nil
	}

	for _, r := range c.rules[1:] {
		if r.match(c, ev) {
			return c.applyBlock(ctx, ev.Key, r, now)
		}
	}

	return Verdict{}, nil
}

func (c *Classifier) applyBlock(ctx context.Context, key convo.Key, r rule, now time.Time) (Verdict, error) {
	block := convo.Block{
		Key:       key,
		Reasons:   []string{r.tag},
		StartedAt: now,
		ExpiresAt: now.Add(r.duration),
	}
	if err := c.blocks.PutBlock(ctx, block); err != nil {
		return Verdict{}, fmt.Errorf("persist block: %w", err)
	}
	return Verdict{
		ShouldBlock:   true,
		Reasons:       []string{r.tag},
		BlockDuration: r.duration,
	}, nil
}

func (c *Classifier) matchGroupChat(ev convo.InboundEvent) bool {
	return ev.IsGroup || strings.HasSuffix(ev.Key.Address, "@g.us")
}

// matchRepeated pushes the content hash into the key's ring and trips
// once the ring is saturated with the same hash.
func (c *Classifier) matchRepeated(ev convo.InboundEvent) bool {
	h := contentHash(ev.Content)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rings[ev.Key]
	if !ok {
		r = &ring{}
		c.rings[ev.Key] = r
	}
	r.push(h, now)
	return r.saturatedWith(h)
}

// ResetRing clears the repeated-message state for a conversation. Used
// after a block expires so stale history cannot re-block immediately.
func (c *Classifier) ResetRing(key convo.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rings, key)
}

// PruneStaleRings drops rings not touched within maxAge and returns how
// many were removed.
func (c *Classifier) PruneStaleRings(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	pruned := 0
	for key, r := range c.rings {
		if r.lastSeen.Before(cutoff) {
			delete(c.rings, key)
			pruned++
		}
	}
	return pruned
}

func contentHash(content string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(normalize(content)))
	return h.Sum64()
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
