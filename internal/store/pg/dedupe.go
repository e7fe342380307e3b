package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DedupeStore keeps reply fingerprints with a TTL so the same turn is
// never answered twice.
type DedupeStore struct {
	db *sql.DB
}

func NewDedupeStore(db *sql.DB) *DedupeStore {
	return &DedupeStore{db: db}
}

func (s *DedupeStore) Seen(ctx context.Context, tenantID, fingerprint string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reply_fingerprints (tenant_id, fingerprint, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, fingerprint) DO NOTHING`,
		tenantID, fingerprint, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert fingerprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return false, nil
	}

	// Row exists. If its TTL has lapsed, refresh it and treat the
	// fingerprint as unseen.
	res, err = s.db.ExecContext(ctx,
		`UPDATE reply_fingerprints SET expires_at = $3
		 WHERE tenant_id = $1 AND fingerprint = $2 AND expires_at <= $4`,
		tenantID, fingerprint, expiresAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("refresh fingerprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return false, nil
	}
	return true, nil
}

func (s *DedupeStore) PurgeExpiredFingerprints(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reply_fingerprints WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge fingerprints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
