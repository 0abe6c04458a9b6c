// Package queue implements the in-memory command queue with bounded
// automatic retry of transient failures.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// Config controls retry behaviour. MaxRetries == 0 means the first
// failure is immediately terminal.
type Config struct {
	Label      string
	MaxRetries int
	RetryDelay time.Duration

	// Delay is injected so tests can make backoff instantaneous.
	// Nil selects a real sleep.
	Delay domain.DelayFunc
}

func sleepDelay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MessageQueue owns every QueuedMessage exclusively; callers only see
// copies. Messages move pending -> in_progress -> {completed | pending
// (retry) | failed}; failed is reached when the retry budget runs out
// or when Fail marks the outcome terminal outright.
type MessageQueue struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	messages map[uuid.UUID]*domain.QueuedMessage
	pending  []uuid.UUID

	wake chan struct{}

	// retries tracks in-flight backoff goroutines so tests can drain.
	retries sync.WaitGroup
}

// New creates an empty queue.
func New(cfg Config, logger *zap.Logger) *MessageQueue {
	if cfg.Delay == nil {
		cfg.Delay = sleepDelay
	}
	return &MessageQueue{
		cfg:      cfg,
		logger:   logger,
		messages: make(map[uuid.UUID]*domain.QueuedMessage),
		wake:     make(chan struct{}, 1),
	}
}

// Wake is signalled whenever a message becomes pending.
func (q *MessageQueue) Wake() <-chan struct{} {
	return q.wake
}

func (q *MessageQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends a command and returns its fresh message id. Always
// succeeds.
func (q *MessageQueue) Enqueue(cmd domain.CommandConfig) uuid.UUID {
	id := uuid.New()

	q.mu.Lock()
	q.messages[id] = &domain.QueuedMessage{
		ID:         id,
		Command:    cmd,
		Status:     domain.MessagePending,
		EnqueuedAt: time.Now(),
	}
	q.pending = append(q.pending, id)
	q.mu.Unlock()

	q.logger.Debug("message enqueued",
		zap.String("queue", q.cfg.Label),
		zap.String("id", id.String()))
	q.signal()
	return id
}

// NextPending pulls the oldest pending message (FIFO) and marks it in
// progress. Returns nil when nothing is pending. A message is handed to
// exactly one caller.
func (q *MessageQueue) NextPending() *domain.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	id := q.pending[0]
	q.pending = q.pending[1:]

	msg := q.messages[id]
	msg.Status = domain.MessageInProgress

	copied := *msg
	return &copied
}

// Complete finishes an in-progress message. A nil failure completes it;
// a non-nil failure consumes one retry (re-entering pending after the
// retry delay) or, once attempts are exhausted, marks it failed. The
// returned status is the message's state decided by this call.
func (q *MessageQueue) Complete(ctx context.Context, id uuid.UUID, failure error) (domain.MessageStatus, error) {
	q.mu.Lock()
	msg, ok := q.messages[id]
	if !ok {
		q.mu.Unlock()
		return "", fmt.Errorf("unknown message %s", id)
	}
	if msg.Status != domain.MessageInProgress {
		q.mu.Unlock()
		return "", fmt.Errorf("message %s is %s, not in progress", id, msg.Status)
	}

	if failure == nil {
		msg.Status = domain.MessageCompleted
		q.mu.Unlock()
		return domain.MessageCompleted, nil
	}

	msg.Attempts++
	if msg.Attempts > q.cfg.MaxRetries {
		msg.Status = domain.MessageFailed
		q.mu.Unlock()
		q.logger.Warn("message failed permanently",
			zap.String("queue", q.cfg.Label),
			zap.String("id", id.String()),
			zap.Int("attempts", msg.Attempts),
			zap.Error(failure))
		return domain.MessageFailed, nil
	}

	attempt := msg.Attempts
	q.mu.Unlock()

	q.logger.Info("message will retry",
		zap.String("queue", q.cfg.Label),
		zap.String("id", id.String()),
		zap.Int("attempt", attempt),
		zap.Error(failure))

	q.retries.Add(1)
	go func() {
		defer q.retries.Done()
		if err := q.cfg.Delay(ctx, q.cfg.RetryDelay); err != nil {
			// Context cancelled during backoff: the retry is abandoned
			// and the message becomes terminal.
			q.mu.Lock()
			msg.Status = domain.MessageFailed
			q.mu.Unlock()
			return
		}
		q.mu.Lock()
		msg.Status = domain.MessagePending
		q.pending = append(q.pending, id)
		q.mu.Unlock()
		q.signal()
	}()

	return domain.MessagePending, nil
}

// Fail marks an in-progress message terminally failed without touching
// its retry budget. Used for outcomes retrying cannot fix (validation,
// resource, execution failures).
func (q *MessageQueue) Fail(id uuid.UUID, cause error) error {
	q.mu.Lock()
	msg, ok := q.messages[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("unknown message %s", id)
	}
	if msg.Status != domain.MessageInProgress {
		q.mu.Unlock()
		return fmt.Errorf("message %s is %s, not in progress", id, msg.Status)
	}
	msg.Status = domain.MessageFailed
	q.mu.Unlock()

	q.logger.Info("message failed terminally",
		zap.String("queue", q.cfg.Label),
		zap.String("id", id.String()),
		zap.Error(cause))
	return nil
}

// Status returns point-in-time counts per state.
func (q *MessageQueue) Status() domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	var st domain.QueueStatus
	for _, msg := range q.messages {
		switch msg.Status {
		case domain.MessagePending:
			st.Pending++
		case domain.MessageInProgress:
			st.InProgress++
		case domain.MessageCompleted:
			st.Completed++
		case domain.MessageFailed:
			st.Failed++
		}
	}
	return st
}

// Message returns a copy of one message, if present.
func (q *MessageQueue) Message(id uuid.UUID) (domain.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.messages[id]
	if !ok {
		return domain.QueuedMessage{}, false
	}
	return *msg, true
}

// Cleanup removes all completed and failed messages; pending and
// in-progress messages are untouched.
func (q *MessageQueue) Cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, msg := range q.messages {
		if msg.Status == domain.MessageCompleted || msg.Status == domain.MessageFailed {
			delete(q.messages, id)
		}
	}
}

// drainRetries waits for in-flight backoff goroutines. Used by tests.
func (q *MessageQueue) drainRetries() {
	q.retries.Wait()
}
