package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/manthysbr/auleRender/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

// ProgressBus is typed pub/sub of domain.ProgressEvent over a
// namespaced Redis channel per job id. Publish never blocks the
// caller; a broker error is logged and swallowed rather than
// back-pressuring the publisher.
type ProgressBus struct {
	logger *slog.Logger
	rdb    *redis.Client
	env    string
}

func NewProgressBus(logger *slog.Logger, rdb *redis.Client, env string) *ProgressBus {
	if env == "" {
		env = "dev"
	}
	return &ProgressBus{logger: logger, rdb: rdb, env: env}
}

func (b *ProgressBus) channelKey(jobID domain.JobID) string {
	return fmt.Sprintf("%s:job-progress:%s", b.env, jobID)
}

// Publish is fire-and-forget: failures are logged but never surface to
// the caller's terminal job-row commit: publish failures are logged
// and discarded.
func (b *ProgressBus) Publish(ctx context.Context, event domain.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("progress event marshal failed", "job_id", event.JobID, "error", err)
		return nil
	}
	if err := b.rdb.Publish(ctx, b.channelKey(event.JobID), payload).Err(); err != nil {
		b.logger.Warn("progress event publish failed", "job_id", event.JobID, "error", err)
	}
	return nil
}

// Subscribe opens a new subscription for jobID. Events for one job id
// are delivered in publication order to each subscriber that remains
// connected; Redis serializes delivery per
// channel, so no additional sequencing is required here. A subscriber
// connecting after an event was published never sees it; there is no
// persistence.
func (b *ProgressBus) Subscribe(ctx context.Context, jobID domain.JobID) (<-chan domain.ProgressEvent, func(), error) {
	pubsub := b.rdb.Subscribe(ctx, b.channelKey(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to job %s: %w", jobID, err)
	}

	out := make(chan domain.ProgressEvent, 32)
	raw := pubsub.Channel()
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var event domain.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("progress event decode failed", "job_id", jobID, "error", err)
					continue
				}
				select {
				case out <- event:
				case <-done:
					return
				default:
					b.logger.Warn("progress bus subscriber channel full, dropping event", "job_id", jobID)
				}
			}
		}
	}()

	stop := func() {
		close(done)
		_ = pubsub.Close()
	}
	return out, stop, nil
}
