// Package graph abstracts the relay's eventually-consistent graph database.
// The production store is the peer-to-peer graph the relays gossip through;
// this package only fixes the narrow surface the relay core needs: byte
// values at slash-separated paths, single-level child enumeration, and
// best-effort deletes. Convergence is eventual; readers must tolerate stale
// and missing entries.
package graph

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("graph: not found")

// Store is the key-value graph surface. Put must be atomic per path. Map
// enumerates the direct children of parent, returning child key -> value; it
// may under-report while the store is still replicating.
type Store interface {
	Put(ctx context.Context, path string, value []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Map(ctx context.Context, parent string) (map[string][]byte, error)
	Delete(ctx context.Context, path string) error
}
