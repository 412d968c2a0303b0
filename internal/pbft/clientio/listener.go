package clientio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/cerera/internal/cerera/logger"
	"github.com/cerera/internal/pbft/message"
)

func clientioLogger() *zap.SugaredLogger {
	return logger.Named("clientio")
}

// ReplyTimeout bounds how long a client connection stays open waiting for
// its reply before the listener gives up and closes it.
const ReplyTimeout = 10 * time.Second

// wireClientRequest is the JSON shape a client sends on the client-intake
// port: {"operation": "...", "timestamp": 123, "client": "..."}.
type wireClientRequest struct {
	Operation string `json:"operation"`
	Timestamp int64  `json:"timestamp"`
	Client    string `json:"client"`
}

// Listener accepts client connections on a TCP port. Each connection
// carries exactly one request: the listener reads one line of JSON,
// enqueues it, and holds the connection open until Responder delivers the
// matching reply (or ReplyTimeout elapses), writing it back before
// closing. This is the client-facing half of the reply path: the replica
// event loop only knows how to enqueue a ClientReply, not which TCP
// socket to write it to.
type Listener struct {
	addr      string
	queue     *RequestQueue
	responder *Responder
}

// NewListener builds a Listener that feeds requests onto queue and awaits
// their replies via responder, accepting connections on addr (e.g.
// "127.0.0.1:6117").
func NewListener(addr string, queue *RequestQueue, responder *Responder) *Listener {
	return &Listener{addr: addr, queue: queue, responder: responder}
}

// Serve blocks accepting connections until the listener socket is closed.
func (l *Listener) Serve() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("client listener bind %s: %w", l.addr, err)
	}
	defer ln.Close()

	clientioLogger().Infow("client intake listening", "addr", l.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("client listener accept: %w", err)
		}
		go l.handle(conn)
	}
}

// handle services a single request/reply round trip over conn. Malformed
// input is a fatal condition: the original client-request handler this
// behavior is modeled on treats a bad read as unrecoverable rather than a
// per-connection error, so the listener exits the process instead of
// limping on with a client it can no longer make sense of.
func (l *Listener) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			clientioLogger().Warnw("client connection closed without a request", "remote", conn.RemoteAddr(), "error", err)
		}
		return
	}

	var wire wireClientRequest
	if err := json.Unmarshal(scanner.Bytes(), &wire); err != nil {
		clientioLogger().Fatalw("malformed client request", "remote", conn.RemoteAddr(), "error", err)
	}

	clientID, err := peer.Decode(wire.Client)
	if err != nil {
		clientioLogger().Fatalw("malformed client id", "client", wire.Client, "error", err)
	}

	req := &message.ClientRequest{
		Operation: wire.Operation,
		Timestamp: wire.Timestamp,
		Client:    clientID,
	}

	replyCh := l.responder.Await(clientID, req.Timestamp)

	if err := l.queue.Enqueue(context.Background(), req); err != nil {
		l.responder.Cancel(clientID, req.Timestamp)
		clientioLogger().Warnw("enqueue client request", "error", err)
		return
	}

	select {
	case reply := <-replyCh:
		if err := json.NewEncoder(conn).Encode(reply); err != nil {
			clientioLogger().Warnw("write client reply", "client", clientID, "error", err)
		}
	case <-time.After(ReplyTimeout):
		l.responder.Cancel(clientID, req.Timestamp)
		clientioLogger().Warnw("timed out waiting for reply", "client", clientID, "timestamp", req.Timestamp)
	}
}
