package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/auleRender/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

// RedisTaskQueue is the broker surface between the orchestrator and the
// worker pool. Messages carry only {handle, job_id}; workers
// re-read every other job field from the repository so a stale payload
// can never override a later cancel. Delivery is at-least-once; the
// repository's compare-and-set claim makes duplicates safe.
type RedisTaskQueue struct {
	logger *slog.Logger
	rdb    *redis.Client
	env    string
}

type taskMessage struct {
	Handle string       `json:"handle"`
	JobID  domain.JobID `json:"job_id"`
}

func NewRedisTaskQueue(logger *slog.Logger, rdb *redis.Client, env string) *RedisTaskQueue {
	if env == "" {
		env = "dev"
	}
	return &RedisTaskQueue{logger: logger, rdb: rdb, env: env}
}

func (q *RedisTaskQueue) queueKey() string {
	return fmt.Sprintf("%s:render-tasks", q.env)
}

func (q *RedisTaskQueue) revokedKey(handle string) string {
	return fmt.Sprintf("%s:render-tasks:revoked:%s", q.env, handle)
}

func (q *RedisTaskQueue) heartbeatKey(workerID string) string {
	return fmt.Sprintf("%s:render-workers:%s", q.env, workerID)
}

// Enqueue pushes a task handle referencing jobID and returns the handle.
func (q *RedisTaskQueue) Enqueue(ctx context.Context, jobID domain.JobID) (string, error) {
	msg := taskMessage{Handle: uuid.NewString(), JobID: jobID}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task message: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.queueKey(), payload).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return msg.Handle, nil
}

// Revoke marks a handle so Dequeue discards it instead of handing it to
// a worker. A handle that was already claimed is unaffected; the worker
// observes the cancel through the job row instead.
func (q *RedisTaskQueue) Revoke(ctx context.Context, handle string) error {
	// 24h TTL comfortably outlives any queued handle
	if err := q.rdb.Set(ctx, q.revokedKey(handle), "1", 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to revoke task %s: %w", handle, err)
	}
	return nil
}

// Dequeue blocks until a non-revoked task handle is available or ctx is
// cancelled.
func (q *RedisTaskQueue) Dequeue(ctx context.Context) (string, domain.JobID, error) {
	for {
		// Bounded block so ctx cancellation is observed between polls.
		res, err := q.rdb.BRPop(ctx, 2*time.Second, q.queueKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				select {
				case <-ctx.Done():
					return "", "", ctx.Err()
				default:
					continue
				}
			}
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			return "", "", fmt.Errorf("failed to dequeue task: %w", err)
		}

		var msg taskMessage
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			q.logger.Warn("discarding malformed task message", "error", err)
			continue
		}

		revoked, err := q.rdb.Exists(ctx, q.revokedKey(msg.Handle)).Result()
		if err == nil && revoked > 0 {
			q.logger.Info("discarding revoked task", "handle", msg.Handle, "job_id", msg.JobID)
			_ = q.rdb.Del(ctx, q.revokedKey(msg.Handle)).Err()
			continue
		}

		return msg.Handle, msg.JobID, nil
	}
}

// Heartbeat refreshes this worker's liveness key. Workers call it on a
// short cadence; the key expiring is what makes a dead worker invisible
// to the health gate.
func (q *RedisTaskQueue) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return q.rdb.Set(ctx, q.heartbeatKey(workerID), time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// WorkerHealthy reports whether at least one worker heartbeat key is
// live. The caller bounds it with a short context deadline;
// a broker timeout counts as "no workers".
func (q *RedisTaskQueue) WorkerHealthy(ctx context.Context) (bool, error) {
	pattern := fmt.Sprintf("%s:render-workers:*", q.env)
	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, pattern, 16).Result()
		if err != nil {
			return false, fmt.Errorf("worker inspection failed: %w", err)
		}
		if len(keys) > 0 {
			return true, nil
		}
		if next == 0 {
			return false, nil
		}
		cursor = next
	}
}
