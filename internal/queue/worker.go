package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// Executor runs one command and returns its result. Implemented by the
// helper connection on the client side.
type Executor interface {
	Execute(ctx context.Context, cmd domain.CommandConfig) (domain.ProcessResult, error)
}

type outcome struct {
	result domain.ProcessResult
	err    error
}

// Worker drains the queue one message at a time, delivering each final
// outcome to the submitter's future. Transient connection failures are
// fed back into the queue's retry budget; everything else is final on
// the first attempt.
type Worker struct {
	q      *MessageQueue
	exec   Executor
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[uuid.UUID]chan outcome
}

// NewWorker creates a worker over q.
func NewWorker(q *MessageQueue, exec Executor, logger *zap.Logger) *Worker {
	return &Worker{
		q:       q,
		exec:    exec,
		logger:  logger,
		waiters: make(map[uuid.UUID]chan outcome),
	}
}

// Submit enqueues a command and blocks until its final outcome (after
// any retries) or until ctx is cancelled.
func (w *Worker) Submit(ctx context.Context, cmd domain.CommandConfig) (domain.ProcessResult, error) {
	ch := make(chan outcome, 1)

	id := w.q.Enqueue(cmd)
	w.mu.Lock()
	w.waiters[id] = ch
	w.mu.Unlock()

	select {
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.waiters, id)
		w.mu.Unlock()
		return domain.ProcessResult{}, domain.ErrCancelled
	case out := <-ch:
		return out.result, out.err
	}
}

// Run processes messages until ctx is cancelled. Execution is strictly
// one message at a time, so commands from one client never race.
func (w *Worker) Run(ctx context.Context) {
	for {
		msg := w.q.NextPending()
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-w.q.Wake():
				continue
			}
		}
		w.process(ctx, msg)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (w *Worker) process(ctx context.Context, msg *domain.QueuedMessage) {
	result, err := w.exec.Execute(ctx, msg.Command)

	if err != nil && domain.IsTransient(err) {
		status, cerr := w.q.Complete(ctx, msg.ID, err)
		if cerr != nil {
			w.logger.Error("failed to complete message", zap.Error(cerr))
			w.deliver(msg.ID, outcome{err: cerr})
			return
		}
		if status == domain.MessagePending {
			// Retry scheduled; the submitter keeps waiting.
			return
		}
		w.deliver(msg.ID, outcome{err: err})
		return
	}

	// Non-transient failures are terminal on the first attempt: the
	// message lands in failed without consuming retry budget.
	if err != nil {
		if ferr := w.q.Fail(msg.ID, err); ferr != nil {
			w.logger.Error("failed to fail message", zap.Error(ferr))
		}
		w.deliver(msg.ID, outcome{result: result, err: err})
		return
	}

	if _, cerr := w.q.Complete(ctx, msg.ID, nil); cerr != nil {
		w.logger.Error("failed to complete message", zap.Error(cerr))
	}
	w.deliver(msg.ID, outcome{result: result, err: err})
}

func (w *Worker) deliver(id uuid.UUID, out outcome) {
	w.mu.Lock()
	ch, ok := w.waiters[id]
	delete(w.waiters, id)
	w.mu.Unlock()
	if ok {
		ch <- out
	}
}
