package db

import (
	"context"

	"subsync/internal/types"
)

// EventRepository is the idempotency ledger for processed webhook events.
// The ledger is append-only: admission is a single atomic insert keyed by
// the provider's event id, so concurrent deliveries of the same event
// serialize on the primary key and exactly one wins.
type EventRepository struct {
	db DBTX
}

// NewEventRepository creates a new EventRepository backed by the given
// database connection (pool or transaction).
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// Admit records an event id in the ledger. It returns true if the event was
// admitted (first delivery) and false if the id was already present
// (duplicate delivery). There is no separate existence check; the insert
// itself is the admission test, which closes the check-then-insert race.
func (r *EventRepository) Admit(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
		eventType,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to admit event", err)
	}
	return tag.RowsAffected() == 1, nil
}
