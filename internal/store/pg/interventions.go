package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/atendai/atendai/internal/convo"
	"github.com/atendai/atendai/internal/intervention"
)

// InterventionStore persists takeover records keyed by conversation.
type InterventionStore struct {
	db *sql.DB
}

func NewInterventionStore(db *sql.DB) *InterventionStore {
	return &InterventionStore{db: db}
}

func (s *InterventionStore) Get(ctx context.Context, key convo.Key) (*intervention.Record, error) {
	rec := intervention.Record{Key: key}
	var startedAt, expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT state, automatic, started_at, expires_at FROM interventions
		 WHERE instance = $1 AND address = $2`,
		key.Instance, key.Address,
	).Scan(&rec.State, &rec.Automatic, &startedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query intervention: %w", err)
	}
	if startedAt.Valid {
		rec.StartedAt = startedAt.Time
	}
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	return &rec, nil
}

func (s *InterventionStore) Put(ctx context.Context, rec intervention.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interventions (instance, address, state, automatic, started_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (instance, address) DO UPDATE
		 SET state = EXCLUDED.state, automatic = EXCLUDED.automatic,
		     started_at = EXCLUDED.started_at, expires_at = EXCLUDED.expires_at`,
		rec.Key.Instance, rec.Key.Address, rec.State, rec.Automatic,
		nullableTime(rec.StartedAt), nullableTime(rec.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upsert intervention: %w", err)
	}
	return nil
}

func (s *InterventionStore) ListActive(ctx context.Context) ([]intervention.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance, address, state, automatic, started_at, expires_at
		 FROM interventions WHERE state = $1`,
		intervention.StateActive,
	)
	if err != nil {
		return nil, fmt.Errorf("query active interventions: %w", err)
	}
	defer rows.Close()

	var recs []intervention.Record
	for rows.Next() {
		var rec intervention.Record
		var startedAt, expiresAt sql.NullTime
		if err := rows.Scan(&rec.Key.Instance, &rec.Key.Address, &rec.State, &rec.Automatic, &startedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		if startedAt.Valid {
			rec.StartedAt = startedAt.Time
		}
		if expiresAt.Valid {
			rec.ExpiresAt = expiresAt.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
