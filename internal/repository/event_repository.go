package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepository is the write side of the security event log. Events are
// append-only; the only deletion path is archival.
type EventRepository interface {
	Insert(ctx context.Context, event *SecurityEvent) error
	// SelectOlderThan returns up to limit events older than the cutoff,
	// oldest first, for archival.
	SelectOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]SecurityEvent, error)
	// DeleteUpTo removes archived events with id <= maxID and
	// occurred_at older than the cutoff.
	DeleteUpTo(ctx context.Context, maxID int64, cutoff time.Time) (int64, error)
}

type eventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository creates a new EventRepository instance
func NewEventRepository(pool *pgxpool.Pool) EventRepository {
	return &eventRepository{pool: pool}
}

func (r *eventRepository) Insert(ctx context.Context, event *SecurityEvent) error {
	meta, err := json.Marshal(event.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO security_events (occurred_at, identity_id, category, outcome, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	return r.pool.QueryRow(ctx, query,
		event.OccurredAt,
		event.IdentityID,
		event.Category,
		event.Outcome,
		event.IPAddress,
		event.UserAgent,
		meta,
	).Scan(&event.ID)
}

func (r *eventRepository) SelectOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]SecurityEvent, error) {
	query := `
		SELECT id, occurred_at, identity_id, category, outcome, ip_address, user_agent, metadata
		FROM security_events
		WHERE occurred_at < $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		var meta []byte
		err := rows.Scan(&ev.ID, &ev.OccurredAt, &ev.IdentityID, &ev.Category, &ev.Outcome, &ev.IPAddress, &ev.UserAgent, &meta)
		if err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *eventRepository) DeleteUpTo(ctx context.Context, maxID int64, cutoff time.Time) (int64, error) {
	query := `DELETE FROM security_events WHERE id <= $1 AND occurred_at < $2`

	result, err := r.pool.Exec(ctx, query, maxID, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
