package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type Publisher interface {
	Publish(ctx context.Context, key string, value []byte, headers map[string]string) error
}

type Relay struct {
	store     Store
	publisher Publisher
	batchSize int
	interval  time.Duration
}

func NewRelay(store Store, publisher Publisher, batchSize int, interval time.Duration) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		batchSize: batchSize,
		interval:  interval,
	}
}

// Run polls the outbox until ctx is cancelled. A full batch is followed
// immediately by another poll; otherwise the relay sleeps for the interval.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		n, err := r.RelayOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Int("relayed", n).Msg("outbox: relay batch failed")
		}
		if n == r.batchSize && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes a single batch and returns how many messages were sent.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	n, err := r.store.ProcessPending(ctx, r.batchSize, r.publish)
	if n > 0 {
		log.Debug().Int("relayed", n).Msg("outbox: batch published")
	}
	return n, err
}

func (r *Relay) publish(ctx context.Context, msg Message) error {
	value, err := json.Marshal(msg.Event)
	if err != nil {
		return fmt.Errorf("outbox: failed to encode event %s: %w", msg.ID, err)
	}

	headers := map[string]string{
		"event_id":   msg.ID.String(),
		"event_type": msg.Type,
	}
	if err := r.publisher.Publish(ctx, msg.Key, value, headers); err != nil {
		return fmt.Errorf("outbox: failed to publish event %s: %w", msg.ID, err)
	}
	return nil
}
