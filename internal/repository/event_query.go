package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventFilter narrows an admin security-event listing.
type EventFilter struct {
	IdentityID *uuid.UUID
	Category   string
	Outcome    string
	From       *time.Time
	To         *time.Time
	Limit      int
}

// EventQueryStore is the read side of the security event log, used by
// the admin dashboard endpoint. Backed by sqlx over the pgx stdlib
// driver so filters compose as named parameters.
type EventQueryStore struct {
	db *sqlx.DB
}

// NewEventQueryStore creates a new EventQueryStore instance
func NewEventQueryStore(db *sqlx.DB) *EventQueryStore {
	return &EventQueryStore{db: db}
}

type eventRow struct {
	ID         int64      `db:"id"`
	OccurredAt time.Time  `db:"occurred_at"`
	IdentityID *uuid.UUID `db:"identity_id"`
	Category   string     `db:"category"`
	Outcome    string     `db:"outcome"`
	IPAddress  string     `db:"ip_address"`
	UserAgent  string     `db:"user_agent"`
	Metadata   []byte     `db:"metadata"`
}

// List returns security events matching the filter, newest first.
func (s *EventQueryStore) List(ctx context.Context, filter EventFilter) ([]SecurityEvent, error) {
	query := `
		SELECT id, occurred_at, identity_id, category, outcome, ip_address, user_agent, metadata
		FROM security_events
		WHERE 1=1
	`
	args := map[string]any{}

	if filter.IdentityID != nil {
		query += " AND identity_id = :identity_id"
		args["identity_id"] = *filter.IdentityID
	}
	if filter.Category != "" {
		query += " AND category = :category"
		args["category"] = filter.Category
	}
	if filter.Outcome != "" {
		query += " AND outcome = :outcome"
		args["outcome"] = filter.Outcome
	}
	if filter.From != nil {
		query += " AND occurred_at >= :from"
		args["from"] = *filter.From
	}
	if filter.To != nil {
		query += " AND occurred_at < :to"
		args["to"] = *filter.To
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " ORDER BY occurred_at DESC LIMIT :limit"
	args["limit"] = limit

	rows, err := s.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var row eventRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		ev := SecurityEvent{
			ID:         row.ID,
			OccurredAt: row.OccurredAt,
			IdentityID: row.IdentityID,
			Category:   row.Category,
			Outcome:    row.Outcome,
			IPAddress:  row.IPAddress,
			UserAgent:  row.UserAgent,
		}
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &ev.Metadata); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
