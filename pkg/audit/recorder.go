// Package audit appends privileged and mutating actions to an append-only
// event table. Events are never updated or deleted by the engine; reading
// them is itself scoped by space membership.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Event types recorded by the engine.
const (
	EventCreated            = "CREATED"
	EventRedeemed           = "REDEEMED"
	EventImpersonateStarted = "IMPERSONATE_STARTED"
	EventImpersonateEnded   = "IMPERSONATE_ENDED"
	EventPasswordChanged    = "PASSWORD_CHANGED"
)

// Entity types recorded by the engine.
const (
	EntityUser       = "user"
	EntitySpace      = "space"
	EntitySession    = "session"
	EntityInvitation = "invitation"
)

// Event is one append-only audit record. AuthorID is nil for anonymous or
// system actions. SpaceIDs carries the affected tenants; an empty set means
// the event is visible to superusers only.
type Event struct {
	ID         int64     `json:"id"`
	EntityType string    `json:"entity_type"`
	EntityID   int64     `json:"entity_id"`
	SpaceIDs   []int64   `json:"space_ids"`
	EventType  string    `json:"event_type"`
	AuthorID   *int64    `json:"author_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Recorder writes and reads audit events.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder on the given pool.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// execer is satisfied by both *sql.DB and *sql.Tx so events can join the
// transaction of the mutation they describe.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Record appends an event outside any transaction.
func (r *Recorder) Record(ctx context.Context, ev *Event) error {
	return record(ctx, r.db, ev)
}

// RecordTx appends an event inside tx, so the event commits or rolls back
// together with the mutation it describes.
func (r *Recorder) RecordTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	return record(ctx, tx, ev)
}

func record(ctx context.Context, q execer, ev *Event) error {
	spaceIDs := ev.SpaceIDs
	if spaceIDs == nil {
		spaceIDs = []int64{}
	}
	err := q.QueryRowContext(ctx, `
		INSERT INTO audit_events (entity_type, entity_id, space_ids, event_type, author_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, ev.EntityType, ev.EntityID, pq.Array(spaceIDs), ev.EventType, ev.AuthorID).
		Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// List returns the newest events whose space set overlaps visibleSpaceIDs.
// Events without any space are excluded; use ListAll for superusers.
func (r *Recorder) List(ctx context.Context, visibleSpaceIDs []int64, limit int) ([]*Event, error) {
	if len(visibleSpaceIDs) == 0 {
		return nil, nil
	}
	return r.list(ctx, `
		SELECT id, entity_type, entity_id, space_ids, event_type, author_id, created_at
		FROM audit_events
		WHERE space_ids && $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, pq.Array(visibleSpaceIDs), limit)
}

// ListAll returns the newest events regardless of space scoping.
func (r *Recorder) ListAll(ctx context.Context, limit int) ([]*Event, error) {
	return r.list(ctx, `
		SELECT id, entity_type, entity_id, space_ids, event_type, author_id, created_at
		FROM audit_events
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
}

func (r *Recorder) list(ctx context.Context, query string, args ...interface{}) ([]*Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var spaceIDs pq.Int64Array
		var authorID sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.EntityType, &ev.EntityID, &spaceIDs,
			&ev.EventType, &authorID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.SpaceIDs = spaceIDs
		if authorID.Valid {
			id := authorID.Int64
			ev.AuthorID = &id
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
