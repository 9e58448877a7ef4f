// Package utxostore defines the async contract a concrete immutable-UTXO
// backend must satisfy (spec.md §6.6, §5 "Store operations behind the
// ImmutableUTXOStore contract: may suspend; callers must not hold an
// in-memory lock across such calls").
//
// The package pins the interface every backend and every caller agree
// on, and ships one backend, InMemory (memory.go). No disk-backed
// key-value backend is included (spec.md §1 "file-based persistence
// stores ... are black boxes behind an async store trait").
package utxostore

import (
	"context"

	"github.com/input-output-hk/acropolis-sub003/pkg/ledger"
)

// Store is the boundary every UTXO-set backend implements. Every method
// may suspend on I/O; callers must never hold a module's state-history
// lock across a call into it (spec.md §5).
type Store interface {
	// Get returns the entry at ref, or ok=false if it is absent or
	// already spent.
	Get(ctx context.Context, ref ledger.OutputRef) (entry ledger.UTXOEntry, ok bool, err error)

	// ApplyDeltas commits a block's worth of UTXO creations and
	// consumptions atomically. Implementations must make this durable
	// before returning, modulo their own batched-flush policy (spec.md
	// §6.6 "write-batched with an N-write flush policy, default 1,000").
	ApplyDeltas(ctx context.Context, blockNumber uint64, created []ledger.UTXOEntry, spent []ledger.OutputRef) error

	// Rollback undoes every delta applied for blocks strictly after
	// target, restoring any entries those blocks spent.
	Rollback(ctx context.Context, target uint64) error

	Close() error
}

// Backend names the operator-facing store_backend configuration values
// (spec.md §6.5).
type Backend string

const (
	BackendInMemory Backend = "in-memory"
	BackendDisk     Backend = "disk"
)
