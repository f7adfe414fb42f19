package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// dequeueTimeout bounds each blocking pop so the worker notices context
// cancellation promptly.
const dequeueTimeout = 5 * time.Second

// Handler executes one task. A non-nil error triggers a retry.
type Handler func(ctx context.Context, t Task) error

// Worker pops tasks off the queue and runs the registered handler for each
// type, retrying failures with exponential backoff up to the task's attempt
// budget. A task that exhausts its budget or expires is dropped and logged,
// never re-queued.
type Worker struct {
	queue      *Queue
	handlers   map[string]Handler
	newBackOff func() *backoff.ExponentialBackOff
	log        zerolog.Logger
}

// NewWorker creates a task worker.
func NewWorker(queue *Queue, logger zerolog.Logger) *Worker {
	return &Worker{
		queue:      queue,
		handlers:   make(map[string]Handler),
		newBackOff: defaultBackOff,
		log:        logger.With().Str("component", "task").Logger(),
	}
}

// Register binds a handler to a task type. Must be called before Run.
func (w *Worker) Register(taskType string, h Handler) {
	w.handlers[taskType] = h
}

// Run processes tasks until the context is cancelled. This method blocks and
// should be called in a goroutine.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error().Err(err).Msg("Task dequeue failed")
			continue
		}
		if t == nil {
			continue
		}
		w.process(ctx, *t)
	}
}

// process runs one task to completion or abandonment.
func (w *Worker) process(ctx context.Context, t Task) {
	handler, ok := w.handlers[t.Type]
	if !ok {
		w.log.Error().Str("task_id", t.ID).Str("type", t.Type).Msg("No handler for task type")
		return
	}
	if t.Expired(time.Now()) {
		w.log.Warn().Str("task_id", t.ID).Str("type", t.Type).Msg("Dropping expired task")
		return
	}

	bo := w.newBackOff()
	var lastErr error
	for attempt := 1; attempt <= t.MaxAttempts; attempt++ {
		lastErr = handler(ctx, t)
		if lastErr == nil {
			return
		}
		if attempt == t.MaxAttempts || ctx.Err() != nil {
			break
		}

		wait := bo.NextBackOff()
		w.log.Warn().
			Err(lastErr).
			Str("task_id", t.ID).
			Str("type", t.Type).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Task failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if t.Expired(time.Now()) {
			w.log.Warn().Str("task_id", t.ID).Str("type", t.Type).Msg("Task expired between retries")
			return
		}
	}

	w.log.Error().
		Err(lastErr).
		Str("task_id", t.ID).
		Str("type", t.Type).
		Int("attempts", t.MaxAttempts).
		Msg("Task abandoned")
}

// defaultBackOff is an exponential backoff: 1s → 60s, multiplier 2x, ±20%
// jitter.
func defaultBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// EmailPayload is the payload of a TypeEmail task.
type EmailPayload struct {
	To       string         `json:"to"`
	Category string         `json:"category"`
	Data     map[string]any `json:"data"`
}

// Sender delivers an e-mail built from a template category.
type Sender interface {
	Send(ctx context.Context, to, category string, data map[string]any) error
}

// EmailHandler adapts a Sender into a task handler for TypeEmail.
func EmailHandler(sender Sender) Handler {
	return func(ctx context.Context, t Task) error {
		var p EmailPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", t.Type, err)
		}
		return sender.Send(ctx, p.To, p.Category, p.Data)
	}
}
