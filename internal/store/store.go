// internal/store/store.go
package store

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/busybox42/relay/pkg/protocol"
	"github.com/busybox42/relay/pkg/types"
)

// ErrNotFound is returned by Get when no entry has the requested hash.
var ErrNotFound = protocol.ErrNotFound

// Store is a per-recipient, append-only message history.
//
// Contract:
// - Append never deduplicates; equal payloads produce separate entries.
// - List returns hashes in insertion order.
// - Get returns the earliest entry carrying hash, or ErrNotFound.
type Store interface {
	Append(recipient types.Identity, hash string, msg *protocol.Message) error
	List(recipient types.Identity) ([]string, error)
	Get(recipient types.Identity, hash string) (*protocol.Message, error)
	Close() error
}

// Entry is one stored message.
type Entry struct {
	Hash    string            `json:"hash"`
	Message *protocol.Message `json:"message"`
}

// Hash returns the content address of a message payload: a CIDv1 with the
// raw codec over a sha2-256 multihash. It depends on the payload bytes only.
func Hash(data string) string {
	sum, err := multihash.Sum([]byte(data), multihash.SHA2_256, -1)
	if err != nil {
		// sha2-256 with default length cannot fail
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}
