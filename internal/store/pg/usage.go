package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atendai/atendai/internal/store"
)

// UsageStore accounts delivered replies in usage_tracking.
type UsageStore struct {
	db *sql.DB
}

func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db}
}

func (s *UsageStore) Record(ctx context.Context, rec store.UsageRecord) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, rec.TenantID, rec.Instance, rec.Conversation, rec.ActionType, count, metadata, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (s *UsageStore) MonthlyCount(ctx context.Context, tenantID, actionType string, ref time.Time) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(resource_count), 0) FROM usage_tracking
		 WHERE tenant_id = $1 AND action_type = $2 AND created_at >= $3`,
		tenantID, actionType, store.MonthStart(ref),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}
