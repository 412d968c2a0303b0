// Package message defines the wire types exchanged between replicas and
// the canonical digest binding a PrePrepare to the ClientRequest it
// carries.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/blake2b"
)

// Digest is the output of the canonical hash function, bound to a single
// ClientRequest's encoding. Plain array equality (==) is enough to compare
// two digests.
type Digest [32]byte

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:8])
}

// IsZero reports whether d is the unset digest value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ClientRequest is the operation a client asks the replica set to execute.
type ClientRequest struct {
	Operation string  `json:"operation"`
	Timestamp int64   `json:"timestamp"`
	Client    peer.ID `json:"client"`
}

// PrePrepare binds a sequence number in a view to a ClientRequest via its
// digest. The Request field is carried inline (piggybacked) rather than
// looked up separately, matching the wire contract.
type PrePrepare struct {
	View     int64          `json:"view"`
	Sequence int64          `json:"sequence"`
	Digest   Digest         `json:"digest"`
	Request  *ClientRequest `json:"request"`
}

// Prepare is a single replica's vote that it has logged a given PrePrepare.
type Prepare struct {
	View     int64   `json:"view"`
	Sequence int64   `json:"sequence"`
	Digest   Digest  `json:"digest"`
	Replica  peer.ID `json:"replica"`
}

// Commit is a single replica's vote that it has observed a quorum of
// Prepares for a given PrePrepare.
type Commit struct {
	View     int64   `json:"view"`
	Sequence int64   `json:"sequence"`
	Digest   Digest  `json:"digest"`
	Replica  peer.ID `json:"replica"`
}

// ClientReply is the result a replica sends back to the client that issued
// the originating ClientRequest.
type ClientReply struct {
	View      int64   `json:"view"`
	Timestamp int64   `json:"timestamp"`
	Client    peer.ID `json:"client"`
	Replica   peer.ID `json:"replica"`
	Result    string  `json:"result"`
}

// ViewChange is the reserved message shape for a future view-change
// subsystem. replica.Replica.RequestViewChange broadcasts one after
// advancing its local view; an inbound ViewChange is not dispatched to
// the replica (the transport reports it as an unhandled kind).
type ViewChange struct {
	NewView int64   `json:"newView"`
	Replica peer.ID `json:"replica"`
}

// Kind tags the payload carried by an Envelope.
type Kind string

const (
	KindClientRequest Kind = "client_request"
	KindPrePrepare    Kind = "pre_prepare"
	KindPrepare       Kind = "prepare"
	KindCommit        Kind = "commit"
	KindClientReply   Kind = "client_reply"
	KindViewChange    Kind = "view_change"
)

// Envelope is the tagged union carried over the wire protocol
// "/ackintosh/pbft/1.0.0": a Kind discriminator plus the raw encoded
// payload, so a receiver can dispatch without a two-pass decode.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode wraps a typed payload into an Envelope ready for transmission.
func Encode(kind Kind, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: raw}, nil
}

// BoundDigest computes the canonical digest a PrePrepare binds to a
// ClientRequest. It is the single place this hash is computed so every
// caller — the primary minting a PrePrepare, a backup validating one —
// hashes identical bytes.
func BoundDigest(req *ClientRequest) (Digest, error) {
	canonical, err := json.Marshal(req)
	if err != nil {
		return Digest{}, fmt.Errorf("canonicalize client request: %w", err)
	}
	return blake2b.Sum256(canonical), nil
}
