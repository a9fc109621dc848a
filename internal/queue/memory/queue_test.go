package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"harvester/internal/harvest"
)

func TestQueue_EnqueueDequeueOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx := context.Background()

	first := &harvest.Target{ID: "t-1"}
	second := &harvest.Target{ID: "t-2"}
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Same(t, first, got)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Same(t, second, got)
}

func TestQueue_EnqueueBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &harvest.Target{ID: "t-1"}))

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := q.Enqueue(blockedCtx, &harvest.Target{ID: "t-2"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_DequeueRespectsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	q.Close()
	q.Close()

	_, err := q.Dequeue(context.Background())
	require.ErrorContains(t, err, "queue closed")
}
