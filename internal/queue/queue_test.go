package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJobFromDraft(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	d := &domain.AutoMessage{ID: "d1", SenderID: "a", ReceiverID: "b", Content: "hi", Metadata: map[string]any{"kind": "auto"}}
	job := NewJob(d, 1, at)

	b, err := job.Encode()
	require.NoError(t, err)
	got, err := DecodeJob(b)
	require.NoError(t, err)
	assert.Equal(t, "d1", got.AutoMessageID)
	assert.Equal(t, domain.MessageText, got.Type)
	assert.Equal(t, 1, got.Attempt)
	assert.True(t, at.Equal(got.EnqueuedAt))
}

func TestMemoryQueueAckAndNack(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(4)
	require.NoError(t, q.Publish(ctx, Job{AutoMessageID: "d1"}))

	d, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d1", d.Job.AutoMessageID)
	require.NoError(t, d.Nack(ctx))
	assert.Equal(t, 1, q.Len(), "nacked job is redelivered")

	d, err = q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Ack(ctx))
	assert.Equal(t, 0, q.Len())
}

func TestMemoryQueueReceiveUnblocksOnCancelAndClose(t *testing.T) {
	q := NewMemoryQueue(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Close()
	}()
	_, err = q.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Publish(context.Background(), Job{}), ErrClosed)
}

type failingQueue struct {
	*MemoryQueue
	calls atomic.Int32
}

func (f *failingQueue) Publish(context.Context, Job) error {
	f.calls.Add(1)
	return errors.New("broker unreachable")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingQueue{MemoryQueue: NewMemoryQueue(1)}
	q := WithBreaker(inner, BreakerConfig{Name: "test", MaxFailures: 3, Timeout: time.Minute}, zap.NewNop().Sugar())

	for i := 0; i < 3; i++ {
		assert.Error(t, q.Publish(context.Background(), Job{}))
	}
	assert.Equal(t, gobreaker.StateOpen, q.State())

	err := q.Publish(context.Background(), Job{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), inner.calls.Load(), "open breaker does not reach the broker")
	assert.ErrorIs(t, q.Check(context.Background()), ErrBreakerOpen)
}
