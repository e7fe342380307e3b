package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atendai/atendai/internal/store"
)

// InstanceStore resolves channel instances and their tenant settings.
type InstanceStore struct {
	db *sql.DB
}

func NewInstanceStore(db *sql.DB) *InstanceStore {
	return &InstanceStore{db: db}
}

func (s *InstanceStore) ByName(ctx context.Context, name string) (*store.Instance, error) {
	var inst store.Instance
	err := s.db.QueryRowContext(ctx,
		`SELECT name, tenant_id, webhook_secret, status, shop_name, shop_url,
		        assistant_name, language, style, knowledge_base, monthly_message_limit,
		        created_at, updated_at
		 FROM instances WHERE name = $1`,
		name,
	).Scan(&inst.Name, &inst.TenantID, &inst.WebhookSecret, &inst.Status,
		&inst.ShopName, &inst.ShopURL, &inst.AssistantName, &inst.Language,
		&inst.Style, &inst.KnowledgeBase, &inst.MonthlyMessageLimit,
		&inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query instance: %w", err)
	}
	return &inst, nil
}

func (s *InstanceStore) SetStatus(ctx context.Context, name, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = $2, updated_at = $3 WHERE name = $1`,
		name, status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *InstanceStore) Upsert(ctx context.Context, inst store.Instance) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (name, tenant_id, webhook_secret, status, shop_name, shop_url,
		                        assistant_name, language, style, knowledge_base, monthly_message_limit,
		                        created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		 ON CONFLICT (name) DO UPDATE
		 SET tenant_id = EXCLUDED.tenant_id, webhook_secret = EXCLUDED.webhook_secret,
		     status = EXCLUDED.status, shop_name = EXCLUDED.shop_name, shop_url = EXCLUDED.shop_url,
		     assistant_name = EXCLUDED.assistant_name, language = EXCLUDED.language,
		     style = EXCLUDED.style, knowledge_base = EXCLUDED.knowledge_base,
		     monthly_message_limit = EXCLUDED.monthly_message_limit, updated_at = EXCLUDED.updated_at`,
		inst.Name, inst.TenantID, inst.WebhookSecret, inst.Status, inst.ShopName, inst.ShopURL,
		inst.AssistantName, inst.Language, inst.Style, inst.KnowledgeBase, inst.MonthlyMessageLimit,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}
