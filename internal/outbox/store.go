package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type Store interface {
	// ProcessPending hands up to limit unsent messages, oldest first, to fn and
	// marks the ones fn accepted as sent. It stops at the first fn error.
	ProcessPending(ctx context.Context, limit int, fn func(ctx context.Context, msg Message) error) (int, error)
}

type postgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) Store {
	return &postgresStore{db: db}
}

func (s *postgresStore) ProcessPending(ctx context.Context, limit int, fn func(ctx context.Context, msg Message) error) (sent int, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: failed to begin transaction: %w", err)
	}
	defer func() {
		if sent == 0 && err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				log.Error().Err(rbErr).Msg("outbox: failed to roll back relay batch")
			}
			return
		}
		// Partial progress is committed so published messages are not resent.
		if commitErr := tx.Commit(ctx); commitErr != nil {
			log.Error().Err(commitErr).Msg("outbox: failed to commit relay batch")
			if err == nil {
				err = fmt.Errorf("outbox: failed to commit: %w", commitErr)
			}
		}
	}()

	// SKIP LOCKED lets several relays share the table without double-publishing.
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_type, key, payload, created_at
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: failed to query pending messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		var payload []byte
		err := row.Scan(&m.Seq, &m.ID, &m.Type, &m.Key, &payload, &m.OccurredAt)
		m.Payload = payload
		return m, err
	})
	if err != nil {
		return 0, fmt.Errorf("outbox: failed to scan pending messages: %w", err)
	}

	for _, m := range msgs {
		if err := fn(ctx, m); err != nil {
			return sent, err
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET sent_at = $2 WHERE id = $1`, m.Seq, time.Now().UTC()); err != nil {
			return sent, fmt.Errorf("outbox: failed to mark message %d sent: %w", m.Seq, err)
		}
		sent++
	}

	return sent, nil
}
