package pg

import (
	"fmt"

	"github.com/atendai/atendai/internal/store"
)

// NewStores creates all stores backed by Postgres.
func NewStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("pg stores: %w", err)
	}

	return store.NewStores(
		NewTurnStore(db),
		NewBlockStore(db),
		NewInterventionStore(db),
		NewDedupeStore(db),
		NewUsageStore(db),
		NewInstanceStore(db),
		db.Close,
	), nil
}
