// Package outbox stores domain events in the same transaction as the state
// change that produced them and relays them to the message broker afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Message is an Event as stored in the outbox table.
type Message struct {
	Seq int64
	Event
}

func NewEvent(eventType, key string, payload any, occurredAt time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("outbox: failed to marshal %s payload: %w", eventType, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return Event{}, fmt.Errorf("outbox: failed to generate event id: %w", err)
	}

	return Event{
		ID:         id,
		Type:       eventType,
		Key:        key,
		OccurredAt: occurredAt,
		Payload:    data,
	}, nil
}

// Execer is satisfied by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Insert writes e using db. Pass the business transaction so the event
// commits or rolls back together with the change it describes.
func Insert(ctx context.Context, db Execer, e Event) error {
	_, err := db.Exec(ctx,
		`INSERT INTO outbox (event_id, event_type, key, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Type, e.Key, []byte(e.Payload), e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("outbox: failed to insert %s event: %w", e.Type, err)
	}
	return nil
}
