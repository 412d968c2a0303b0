package clientio

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/cerera/internal/pbft/message"
)

type correlationKey struct {
	client    peer.ID
	timestamp int64
}

// Responder drains a ReplyQueue and delivers each reply to the client
// connection that is still waiting for it, matched by (client, timestamp)
// — the same pair the replica keys duplicate suppression on. This is the
// client-facing half of the Client I/O Queues: the replica only knows how
// to enqueue a reply, not which TCP connection to write it to.
type Responder struct {
	queue *ReplyQueue

	mu      sync.Mutex
	pending map[correlationKey]chan message.ClientReply
}

// NewResponder returns a Responder draining queue.
func NewResponder(queue *ReplyQueue) *Responder {
	return &Responder{
		queue:   queue,
		pending: make(map[correlationKey]chan message.ClientReply),
	}
}

// Await registers interest in the reply for (client, timestamp) and returns
// a channel that receives it exactly once, whenever Serve dequeues it.
func (r *Responder) Await(client peer.ID, timestamp int64) <-chan message.ClientReply {
	ch := make(chan message.ClientReply, 1)
	r.mu.Lock()
	r.pending[correlationKey{client, timestamp}] = ch
	r.mu.Unlock()
	return ch
}

// Cancel releases a registration made by Await when the caller stops
// waiting (connection closed, timed out) before a reply arrived.
func (r *Responder) Cancel(client peer.ID, timestamp int64) {
	r.mu.Lock()
	delete(r.pending, correlationKey{client, timestamp})
	r.mu.Unlock()
}

// Serve drains the reply queue until ctx is done, delivering each reply to
// its awaiting connection if one is still registered. A reply with no
// registered waiter (the connection gave up, or this replica wasn't the
// one holding it) is dropped.
func (r *Responder) Serve(ctx context.Context) {
	for {
		reply, err := r.queue.Dequeue(ctx)
		if err != nil {
			return
		}

		key := correlationKey{reply.Client, reply.Timestamp}
		r.mu.Lock()
		ch, ok := r.pending[key]
		if ok {
			delete(r.pending, key)
		}
		r.mu.Unlock()

		if ok {
			ch <- reply
		}
	}
}
