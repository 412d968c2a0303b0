// Package clientio provides the bounded FIFOs standing between the client
// intake listener and the replica event loop, and between execution and
// reply delivery.
package clientio

import (
	"context"

	"github.com/cerera/internal/pbft/message"
)

// RequestQueue is a bounded FIFO of client requests awaiting replica
// processing. Enqueue blocks (honoring ctx cancellation) when full — this
// is the deliberate backpressure point for client intake.
type RequestQueue struct {
	ch chan *message.ClientRequest
}

// NewRequestQueue returns a RequestQueue with the given capacity.
func NewRequestQueue(capacity int) *RequestQueue {
	return &RequestQueue{ch: make(chan *message.ClientRequest, capacity)}
}

// Enqueue pushes req onto the queue, blocking until there's room or ctx is
// done.
func (q *RequestQueue) Enqueue(ctx context.Context, req *message.ClientRequest) error {
	select {
	case q.ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a request is available or ctx is done.
func (q *RequestQueue) Dequeue(ctx context.Context) (*message.ClientRequest, error) {
	select {
	case req := <-q.ch:
		return req, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports how many requests are currently queued.
func (q *RequestQueue) Len() int {
	return len(q.ch)
}

// ReplyQueue is a bounded FIFO of client replies awaiting delivery.
type ReplyQueue struct {
	ch chan message.ClientReply
}

// NewReplyQueue returns a ReplyQueue with the given capacity.
func NewReplyQueue(capacity int) *ReplyQueue {
	return &ReplyQueue{ch: make(chan message.ClientReply, capacity)}
}

// Enqueue pushes reply onto the queue, blocking until there's room or ctx
// is done.
func (q *ReplyQueue) Enqueue(ctx context.Context, reply message.ClientReply) error {
	select {
	case q.ch <- reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a reply is available or ctx is done.
func (q *ReplyQueue) Dequeue(ctx context.Context) (message.ClientReply, error) {
	select {
	case reply := <-q.ch:
		return reply, nil
	case <-ctx.Done():
		return message.ClientReply{}, ctx.Err()
	}
}

// Len reports how many replies are currently queued.
func (q *ReplyQueue) Len() int {
	return len(q.ch)
}
