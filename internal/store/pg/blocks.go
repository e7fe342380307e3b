package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atendai/atendai/internal/convo"
)

// BlockStore persists loop-guard blocks keyed by conversation.
type BlockStore struct {
	db *sql.DB
}

func NewBlockStore(db *sql.DB) *BlockStore {
	return &BlockStore{db: db}
}

func (s *BlockStore) ActiveBlock(ctx context.Context, key convo.Key, now time.Time) (*convo.Block, error) {
	var block convo.Block
	var reasons []byte
	block.Key = key
	err := s.db.QueryRowContext(ctx,
		`SELECT reasons, started_at, expires_at FROM blocks
		 WHERE instance = $1 AND address = $2 AND expires_at > $3`,
		key.Instance, key.Address, now,
	).Scan(&reasons, &block.StartedAt, &block.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query block: %w", err)
	}
	if err := json.Unmarshal(reasons, &block.Reasons); err != nil {
		return nil, fmt.Errorf("decode block reasons: %w", err)
	}
	return &block, nil
}

func (s *BlockStore) PutBlock(ctx context.Context, block convo.Block) error {
	reasons, err := json.Marshal(block.Reasons)
	if err != nil {
		return fmt.Errorf("encode block reasons: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO blocks (instance, address, reasons, started_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (instance, address) DO UPDATE
		 SET reasons = EXCLUDED.reasons, started_at = EXCLUDED.started_at, expires_at = EXCLUDED.expires_at`,
		block.Key.Instance, block.Key.Address, reasons, block.StartedAt, block.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert block: %w", err)
	}
	return nil
}

func (s *BlockStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge blocks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
