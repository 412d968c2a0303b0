package clientio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerera/internal/pbft/message"
)

func TestRequestQueue_FIFOOrder(t *testing.T) {
	q := NewRequestQueue(2)
	ctx := context.Background()

	r1 := &message.ClientRequest{Operation: "a"}
	r2 := &message.ClientRequest{Operation: "b"}
	require.NoError(t, q.Enqueue(ctx, r1))
	require.NoError(t, q.Enqueue(ctx, r2))

	got1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	got2, err := q.Dequeue(ctx)
	require.NoError(t, err)

	assert.Equal(t, "a", got1.Operation)
	assert.Equal(t, "b", got2.Operation)
}

func TestRequestQueue_EnqueueBlocksWhenFullUntilCancel(t *testing.T) {
	q := NewRequestQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &message.ClientRequest{Operation: "a"}))

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(cctx, &message.ClientRequest{Operation: "b"})
	assert.Error(t, err)
}

func TestReplyQueue_FIFOOrder(t *testing.T) {
	q := NewReplyQueue(2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, message.ClientReply{Result: "OK", Timestamp: 1}))
	require.NoError(t, q.Enqueue(ctx, message.ClientReply{Result: "OK", Timestamp: 2}))

	got1, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got1.Timestamp)
}
