package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/resticd/internal/domain"
)

// instantDelay makes retry backoff immediate for deterministic tests.
func instantDelay(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func newTestQueue(maxRetries int) *MessageQueue {
	return New(Config{
		Label:      "com.resticd.queue.test",
		MaxRetries: maxRetries,
		RetryDelay: time.Second,
		Delay:      instantDelay,
	}, zap.NewNop())
}

func testCommand() domain.CommandConfig {
	return domain.CommandConfig{Command: "restic", Args: []string{"snapshots"}}
}

func TestEnqueueFIFO(t *testing.T) {
	q := newTestQueue(1)

	first := q.Enqueue(testCommand())
	second := q.Enqueue(testCommand())

	msg := q.NextPending()
	require.NotNil(t, msg)
	assert.Equal(t, first, msg.ID)
	assert.Equal(t, domain.MessageInProgress, msg.Status)

	msg = q.NextPending()
	require.NotNil(t, msg)
	assert.Equal(t, second, msg.ID)

	assert.Nil(t, q.NextPending())
}

func TestCompleteSuccess(t *testing.T) {
	q := newTestQueue(1)
	id := q.Enqueue(testCommand())
	require.NotNil(t, q.NextPending())

	status, err := q.Complete(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageCompleted, status)

	st := q.Status()
	assert.Equal(t, 1, st.Completed)
	assert.Zero(t, st.Pending)
}

func TestRetryThenSucceed(t *testing.T) {
	// A message that fails fewer than maxRetries times and then
	// succeeds completes without ever passing through failed.
	q := newTestQueue(2)
	id := q.Enqueue(testCommand())
	ctx := context.Background()

	require.NotNil(t, q.NextPending())
	status, err := q.Complete(ctx, id, errors.New("transient"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessagePending, status)
	q.drainRetries()

	msg, ok := q.Message(id)
	require.True(t, ok)
	assert.Equal(t, domain.MessagePending, msg.Status)
	assert.Equal(t, 1, msg.Attempts)

	require.NotNil(t, q.NextPending())
	status, err = q.Complete(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageCompleted, status)
}

func TestRetryExhaustion(t *testing.T) {
	q := newTestQueue(2)
	id := q.Enqueue(testCommand())
	ctx := context.Background()
	boom := errors.New("boom")

	for attempt := 0; attempt < 2; attempt++ {
		require.NotNil(t, q.NextPending())
		status, err := q.Complete(ctx, id, boom)
		require.NoError(t, err)
		assert.Equal(t, domain.MessagePending, status)
		q.drainRetries()
	}

	require.NotNil(t, q.NextPending())
	status, err := q.Complete(ctx, id, boom)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, status)

	msg, _ := q.Message(id)
	assert.Equal(t, 3, msg.Attempts)
}

func TestZeroRetriesIsImmediatelyTerminal(t *testing.T) {
	q := newTestQueue(0)
	id := q.Enqueue(testCommand())
	require.NotNil(t, q.NextPending())

	status, err := q.Complete(context.Background(), id, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, domain.MessageFailed, status)
}

func TestFailIsTerminalWithoutRetryBudget(t *testing.T) {
	// Terminal failures land in failed directly, leaving the retry
	// budget untouched.
	q := newTestQueue(3)
	id := q.Enqueue(testCommand())
	require.NotNil(t, q.NextPending())

	require.NoError(t, q.Fail(id, errors.New("validation failed")))

	msg, ok := q.Message(id)
	require.True(t, ok)
	assert.Equal(t, domain.MessageFailed, msg.Status)
	assert.Zero(t, msg.Attempts)

	st := q.Status()
	assert.Equal(t, 1, st.Failed)
	assert.Zero(t, st.Completed)
}

func TestFailRequiresInProgress(t *testing.T) {
	q := newTestQueue(1)
	id := q.Enqueue(testCommand())

	assert.Error(t, q.Fail(id, errors.New("boom")), "pending message cannot fail")
	assert.Error(t, q.Fail(uuid.New(), errors.New("boom")))
}

func TestCompleteUnknownMessage(t *testing.T) {
	q := newTestQueue(1)
	_, err := q.Complete(context.Background(), uuid.New(), nil)
	assert.Error(t, err)
}

func TestCleanupRemovesOnlyTerminal(t *testing.T) {
	q := newTestQueue(0)
	ctx := context.Background()

	done := q.Enqueue(testCommand())
	failed := q.Enqueue(testCommand())
	pending := q.Enqueue(testCommand())

	require.NotNil(t, q.NextPending())
	_, err := q.Complete(ctx, done, nil)
	require.NoError(t, err)

	require.NotNil(t, q.NextPending())
	_, err = q.Complete(ctx, failed, errors.New("boom"))
	require.NoError(t, err)

	q.Cleanup()

	st := q.Status()
	assert.Zero(t, st.Completed)
	assert.Zero(t, st.Failed)
	assert.Equal(t, 1, st.Pending)

	_, ok := q.Message(pending)
	assert.True(t, ok)
}

func TestStatusNeverExceedsEnqueued(t *testing.T) {
	q := newTestQueue(1)
	for i := 0; i < 5; i++ {
		q.Enqueue(testCommand())
	}
	st := q.Status()
	assert.Equal(t, 5, st.Pending+st.InProgress+st.Completed+st.Failed)
}

func TestConcurrentNextPendingSingleConsumer(t *testing.T) {
	// The same message must never be handed to two concurrent callers.
	q := newTestQueue(1)
	const n = 50
	for i := 0; i < n; i++ {
		q.Enqueue(testCommand())
	}

	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg := q.NextPending()
				if msg == nil {
					return
				}
				mu.Lock()
				seen[msg.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "message %s dequeued more than once", id)
	}
}
