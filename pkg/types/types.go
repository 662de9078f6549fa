package types

import (
	"crypto/sha256"
	"encoding/binary"
)

// SeqNum is the global, gapless sequence number assigned to decisions by the
// ordering protocol.
type SeqNum uint64

// Epoch numbers views; it increases with every installed configuration.
type Epoch uint64

// ReplicaID identifies a replica in the cluster.
type ReplicaID uint64

// ClientID identifies a client session.
type ClientID string

// RequestNum is the per-client monotonic request counter.
type RequestNum uint64

// Digest is a sha256 content digest used for decisions and state snapshots.
type Digest [sha256.Size]byte

// Request is a single client operation. (Client, Num) is its uniqueness key:
// a request delivered twice must be answered from cache, never re-executed.
type Request struct {
	Client  ClientID   `json:"client"`
	Num     RequestNum `json:"num"`
	Payload []byte     `json:"payload"`
}

// Reply is the execution result for a single request.
type Reply struct {
	Client ClientID   `json:"client"`
	Num    RequestNum `json:"num"`
	Result []byte     `json:"result"`
}

// Decision is the agreed unit of work produced by the ordering protocol.
// Immutable once produced; requests keep the batch order they were ordered in.
type Decision struct {
	Seq      SeqNum    `json:"seq"`
	Requests []Request `json:"requests"`
	Digest   Digest    `json:"digest"`
}

// DigestOf hashes an opaque blob (state snapshots, serialized batches).
func DigestOf(b []byte) Digest {
	return sha256.Sum256(b)
}

// DecisionDigest computes the integrity digest over a batch in batch order.
func DecisionDigest(seq SeqNum, requests []Request) Digest {
	h := sha256.New()

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(seq))
	h.Write(seqBuf[:])

	var numBuf [8]byte
	for _, r := range requests {
		h.Write([]byte(r.Client))
		binary.LittleEndian.PutUint64(numBuf[:], uint64(r.Num))
		h.Write(numBuf[:])
		h.Write(r.Payload)
	}

	var d Digest
	h.Sum(d[:0])
	return d
}
