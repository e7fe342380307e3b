// Package sqlite implements the store interfaces on a single local
// SQLite file for standalone deployments without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/atendai/atendai/internal/convo"
	"github.com/atendai/atendai/internal/intervention"
	"github.com/atendai/atendai/internal/store"
)

// Timestamps are stored as unix milliseconds to keep comparisons exact
// across drivers.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

const schema = `
CREATE TABLE IF NOT EXISTS instances (
    name                  TEXT PRIMARY KEY,
    tenant_id             TEXT NOT NULL,
    webhook_secret        TEXT NOT NULL,
    status                TEXT NOT NULL DEFAULT 'disconnected',
    shop_name             TEXT NOT NULL DEFAULT '',
    shop_url              TEXT NOT NULL DEFAULT '',
    assistant_name        TEXT NOT NULL DEFAULT '',
    language              TEXT NOT NULL DEFAULT '',
    style                 TEXT NOT NULL DEFAULT '',
    knowledge_base        TEXT NOT NULL DEFAULT '',
    monthly_message_limit INTEGER NOT NULL DEFAULT 500,
    created_at            INTEGER NOT NULL,
    updated_at            INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    id                TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    instance          TEXT NOT NULL,
    address           TEXT NOT NULL,
    user_content      TEXT NOT NULL,
    assistant_content TEXT NOT NULL,
    tool_calls        TEXT NOT NULL DEFAULT '[]',
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns (instance, address, created_at DESC);
CREATE TABLE IF NOT EXISTS blocks (
    instance   TEXT NOT NULL,
    address    TEXT NOT NULL,
    reasons    TEXT NOT NULL DEFAULT '[]',
    started_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL,
    PRIMARY KEY (instance, address)
);
CREATE TABLE IF NOT EXISTS interventions (
    instance   TEXT NOT NULL,
    address    TEXT NOT NULL,
    state      TEXT NOT NULL DEFAULT 'inactive',
    automatic  INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL DEFAULT 0,
    expires_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (instance, address)
);
CREATE TABLE IF NOT EXISTS reply_fingerprints (
    tenant_id   TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    expires_at  INTEGER NOT NULL,
    PRIMARY KEY (tenant_id, fingerprint)
);
CREATE TABLE IF NOT EXISTS usage_tracking (
    id             TEXT PRIMARY KEY,
    tenant_id      TEXT NOT NULL,
    instance       TEXT NOT NULL,
    conversation   TEXT NOT NULL,
    action_type    TEXT NOT NULL,
    resource_count INTEGER NOT NULL DEFAULT 1,
    metadata       TEXT NOT NULL DEFAULT '{}',
    created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_month ON usage_tracking (tenant_id, action_type, created_at);
`

// NewStores opens (or creates) the SQLite database at path and returns
// the full store bundle. ":memory:" works for tests.
func NewStores(path string) (*store.Stores, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite handles one writer; serialize access through the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	s := &sqliteStores{db: db}
	return store.NewStores(s, s, s, s, s, s, db.Close), nil
}

// sqliteStores implements every store interface on one handle. The
// dataset is single-tenant and small, so splitting types buys nothing.
type sqliteStores struct {
	db *sql.DB
}

// --- TurnStore ---

func (s *sqliteStores) Append(ctx context.Context, turn convo.Turn) error {
	id := turn.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	toolCalls, err := json.Marshal(turn.ToolCalls)
	if err != nil {
		return fmt.Errorf("encode tool calls: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (id, tenant_id, instance, address, user_content, assistant_content, tool_calls, prompt_tokens, completion_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, turn.TenantID, turn.Key.Instance, turn.Key.Address,
		turn.UserContent, turn.AssistantContent, string(toolCalls),
		turn.PromptTokens, turn.CompletionTokens, toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *sqliteStores) Recent(ctx context.Context, key convo.Key, limit int) ([]convo.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, user_content, assistant_content, tool_calls, prompt_tokens, completion_tokens, created_at
		 FROM turns WHERE instance = ? AND address = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		key.Instance, key.Address, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []convo.Turn
	for rows.Next() {
		var turn convo.Turn
		var toolCalls string
		var createdAt int64
		turn.Key = key
		if err := rows.Scan(&turn.ID, &turn.TenantID, &turn.UserContent, &turn.AssistantContent, &toolCalls, &turn.PromptTokens, &turn.CompletionTokens, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(toolCalls), &turn.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// --- BlockStore ---

func (s *sqliteStores) ActiveBlock(ctx context.Context, key convo.Key, now time.Time) (*convo.Block, error) {
	block := convo.Block{Key: key}
	var reasons string
	var startedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT reasons, started_at, expires_at FROM blocks
		 WHERE instance = ? AND address = ? AND expires_at > ?`,
		key.Instance, key.Address, toMillis(now),
	).Scan(&reasons, &startedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query block: %w", err)
	}
	block.StartedAt = fromMillis(startedAt)
	block.ExpiresAt = fromMillis(expiresAt)
	if err := json.Unmarshal([]byte(reasons), &block.Reasons); err != nil {
		return nil, fmt.Errorf("decode block reasons: %w", err)
	}
	return &block, nil
}

func (s *sqliteStores) PutBlock(ctx context.Context, block convo.Block) error {
	reasons, err := json.Marshal(block.Reasons)
	if err != nil {
		return fmt.Errorf("encode block reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blocks (instance, address, reasons, started_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (instance, address) DO UPDATE
		 SET reasons = excluded.reasons, started_at = excluded.started_at, expires_at = excluded.expires_at`,
		block.Key.Instance, block.Key.Address, string(reasons),
		toMillis(block.StartedAt), toMillis(block.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upsert block: %w", err)
	}
	return nil
}

func (s *sqliteStores) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purge blocks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- intervention.Store ---

func (s *sqliteStores) Get(ctx context.Context, key convo.Key) (*intervention.Record, error) {
	rec := intervention.Record{Key: key}
	var automatic int
	var startedAt, expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, automatic, started_at, expires_at FROM interventions
		 WHERE instance = ? AND address = ?`,
		key.Instance, key.Address,
	).Scan(&rec.State, &automatic, &startedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query intervention: %w", err)
	}
	rec.Automatic = automatic != 0
	rec.StartedAt = fromMillis(startedAt)
	rec.ExpiresAt = fromMillis(expiresAt)
	return &rec, nil
}

func (s *sqliteStores) Put(ctx context.Context, rec intervention.Record) error {
	automatic := 0
	if rec.Automatic {
		automatic = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interventions (instance, address, state, automatic, started_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (instance, address) DO UPDATE
		 SET state = excluded.state, automatic = excluded.automatic,
		     started_at = excluded.started_at, expires_at = excluded.expires_at`,
		rec.Key.Instance, rec.Key.Address, string(rec.State), automatic,
		toMillis(rec.StartedAt), toMillis(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upsert intervention: %w", err)
	}
	return nil
}

func (s *sqliteStores) ListActive(ctx context.Context) ([]intervention.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance, address, state, automatic, started_at, expires_at
		 FROM interventions WHERE state = ?`,
		string(intervention.StateActive),
	)
	if err != nil {
		return nil, fmt.Errorf("query active interventions: %w", err)
	}
	defer rows.Close()

	var recs []intervention.Record
	for rows.Next() {
		var rec intervention.Record
		var automatic int
		var startedAt, expiresAt int64
		if err := rows.Scan(&rec.Key.Instance, &rec.Key.Address, &rec.State, &automatic, &startedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		rec.Automatic = automatic != 0
		rec.StartedAt = fromMillis(startedAt)
		rec.ExpiresAt = fromMillis(expiresAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- DedupeStore ---

func (s *sqliteStores) Seen(ctx context.Context, tenantID, fingerprint string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := toMillis(now.Add(ttl))

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reply_fingerprints (tenant_id, fingerprint, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, fingerprint) DO NOTHING`,
		tenantID, fingerprint, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert fingerprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return false, nil
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE reply_fingerprints SET expires_at = ?
		 WHERE tenant_id = ? AND fingerprint = ? AND expires_at <= ?`,
		expiresAt, tenantID, fingerprint, toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("refresh fingerprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return false, nil
	}
	return true, nil
}

func (s *sqliteStores) PurgeExpiredFingerprints(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reply_fingerprints WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purge fingerprints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- UsageStore ---

func (s *sqliteStores) Record(ctx context.Context, rec store.UsageRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	count := rec.Count
	if count <= 0 {
		count = 1
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode usage metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO usage_tracking (id, tenant_id, instance, conversation, action_type, resource_count, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.TenantID, rec.Instance, rec.Conversation, rec.ActionType, count, string(metadata), toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *sqliteStores) MonthlyCount(ctx context.Context, tenantID, actionType string, ref time.Time) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(resource_count), 0) FROM usage_tracking
		 WHERE tenant_id = ? AND action_type = ? AND created_at >= ?`,
		tenantID, actionType, toMillis(store.MonthStart(ref)),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}

// --- InstanceStore ---

func (s *sqliteStores) ByName(ctx context.Context, name string) (*store.Instance, error) {
	var inst store.Instance
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT name, tenant_id, webhook_secret, status, shop_name, shop_url,
		        assistant_name, language, style, knowledge_base, monthly_message_limit,
		        created_at, updated_at
		 FROM instances WHERE name = ?`,
		name,
	).Scan(&inst.Name, &inst.TenantID, &inst.WebhookSecret, &inst.Status,
		&inst.ShopName, &inst.ShopURL, &inst.AssistantName, &inst.Language,
		&inst.Style, &inst.KnowledgeBase, &inst.MonthlyMessageLimit,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query instance: %w", err)
	}
	inst.CreatedAt = fromMillis(createdAt)
	inst.UpdatedAt = fromMillis(updatedAt)
	return &inst, nil
}

func (s *sqliteStores) SetStatus(ctx context.Context, name, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ?, updated_at = ? WHERE name = ?`,
		status, toMillis(time.Now().UTC()), name,
	)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *sqliteStores) Upsert(ctx context.Context, inst store.Instance) error {
	now := toMillis(time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (name, tenant_id, webhook_secret, status, shop_name, shop_url,
		                        assistant_name, language, style, knowledge_base, monthly_message_limit,
		                        created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE
		 SET tenant_id = excluded.tenant_id, webhook_secret = excluded.webhook_secret,
		     status = excluded.status, shop_name = excluded.shop_name, shop_url = excluded.shop_url,
		     assistant_name = excluded.assistant_name, language = excluded.language,
		     style = excluded.style, knowledge_base = excluded.knowledge_base,
		     monthly_message_limit = excluded.monthly_message_limit, updated_at = excluded.updated_at`,
		inst.Name, inst.TenantID, inst.WebhookSecret, inst.Status, inst.ShopName, inst.ShopURL,
		inst.AssistantName, inst.Language, inst.Style, inst.KnowledgeBase, inst.MonthlyMessageLimit,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}
