// Package task is the durable background job queue: a Valkey list that
// handlers push work onto so nothing slow (SMTP above all) runs inside a chat
// event's critical section. A worker pops tasks and retries failures with
// exponential backoff.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Task types.
const (
	TypeEmail = "email"
)

// pendingKey is the Valkey list holding queued tasks.
const pendingKey = "tasks:pending"

// Task is one unit of background work.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	// ExpiresAt drops the task unexecuted once passed; zero means never.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the task's deadline has passed.
func (t *Task) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Queue enqueues and dequeues tasks through a shared Valkey list, so any
// worker process can execute work queued by any other.
type Queue struct {
	rdb *redis.Client
}

// NewQueue creates a task queue.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue pushes the task. A task without an ID gets one; a task without
// MaxAttempts gets 3.
func (q *Queue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 3
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.rdb.LPush(ctx, pendingKey, raw).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. Returns nil when the
// timeout elapses with the queue empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	vals, err := q.rdb.BRPop(ctx, timeout, pendingKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue task: %w", err)
	}

	// BRPOP returns [key, value].
	var t Task
	if err := json.Unmarshal([]byte(vals[1]), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

// Len returns the number of queued tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("task queue length: %w", err)
	}
	return n, nil
}
