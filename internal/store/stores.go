// Package store defines the persistence interfaces shared by the
// Postgres and SQLite backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atendai/atendai/internal/convo"
	"github.com/atendai/atendai/internal/intervention"
)

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

// Instance is one channel connection bound to a tenant, with the
// assistant settings the system prompt is built from.
type Instance struct {
	Name                string
	TenantID            string
	WebhookSecret       string
	Status              string
	ShopName            string
	ShopURL             string
	AssistantName       string
	Language            string
	Style               string
	KnowledgeBase       string
	MonthlyMessageLimit int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UsageRecord is one accounted action, written after a reply delivery
// has been attempted.
type UsageRecord struct {
	ID           string
	TenantID     string
	Instance     string
	Conversation string
	ActionType   string
	Count        int
	Metadata     map[string]interface{}
	CreatedAt    time.Time
}

// ActionAssistantReply is the action type accounted per delivered turn.
const ActionAssistantReply = "assistant_reply"

// TurnStore persists completed turns and serves bounded history.
type TurnStore interface {
	Append(ctx context.Context, turn convo.Turn) error
	// Recent returns up to limit turns for the conversation,
	// oldest-first, ready for the context assembler.
	Recent(ctx context.Context, key convo.Key, limit int) ([]convo.Turn, error)
}

// BlockStore persists loop-guard blocks. The guard package consumes
// the first two methods; the sweeper uses PurgeExpired.
type BlockStore interface {
	ActiveBlock(ctx context.Context, key convo.Key, now time.Time) (*convo.Block, error)
	PutBlock(ctx context.Context, block convo.Block) error
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// InterventionStore is the intervention.Store plus nothing; the alias
// keeps both backends honest about implementing it.
type InterventionStore = intervention.Store

// DedupeStore remembers reply fingerprints for their TTL.
type DedupeStore interface {
	// Seen records the fingerprint and reports whether a live copy was
	// already present. Expired fingerprints count as unseen.
	Seen(ctx context.Context, tenantID, fingerprint string, ttl time.Duration) (bool, error)
	PurgeExpiredFingerprints(ctx context.Context, now time.Time) (int, error)
}

// UsageStore accounts delivered replies against the tenant quota.
type UsageStore interface {
	Record(ctx context.Context, rec UsageRecord) error
	// MonthlyCount sums recorded counts for the month containing ref.
	MonthlyCount(ctx context.Context, tenantID, actionType string, ref time.Time) (int, error)
}

// InstanceStore resolves channel instances and tracks their status.
type InstanceStore interface {
	ByName(ctx context.Context, name string) (*Instance, error)
	SetStatus(ctx context.Context, name, status string) error
	Upsert(ctx context.Context, inst Instance) error
}

// Stores bundles every backend behind one handle.
type Stores struct {
	Turns         TurnStore
	Blocks        BlockStore
	Interventions InterventionStore
	Dedupe        DedupeStore
	Usage         UsageStore
	Instances     InstanceStore

	closer func() error
}

// NewStores assembles a bundle; closer may be nil.
func NewStores(turns TurnStore, blocks BlockStore, interventions InterventionStore, dedupe DedupeStore, usage UsageStore, instances InstanceStore, closer func() error) *Stores {
	return &Stores{
		Turns:         turns,
		Blocks:        blocks,
		Interventions: interventions,
		Dedupe:        dedupe,
		Usage:         usage,
		Instances:     instances,
		closer:        closer,
	}
}

func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// MonthStart returns the first instant of ref's month in UTC, the
// boundary usage queries filter on.
func MonthStart(ref time.Time) time.Time {
	y, m, _ := ref.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
