package utxostore

import (
	"context"
	"sync"

	"github.com/input-output-hk/acropolis-sub003/pkg/ledger"
)

// undoEntry records what one block's ApplyDeltas changed, so Rollback
// can restore exactly those entries that block spent and remove exactly
// those it created.
type undoEntry struct {
	blockNumber uint64
	created     []ledger.OutputRef
	spent       []ledger.UTXOEntry
}

// InMemory is the store_backend="in-memory" implementation (spec.md
// §6.5): a plain map guarded by a mutex, with an undo log holding one
// entry per applied block. Only Rollback removes entries from it, so it
// grows with every block that is not rolled back.
type InMemory struct {
	mu      sync.Mutex
	entries map[ledger.OutputRef]ledger.UTXOEntry
	undo    []undoEntry
}

// NewInMemory constructs an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{entries: make(map[ledger.OutputRef]ledger.UTXOEntry)}
}

func (s *InMemory) Get(_ context.Context, ref ledger.OutputRef) (ledger.UTXOEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ref]
	return e, ok, nil
}

func (s *InMemory) ApplyDeltas(_ context.Context, blockNumber uint64, created []ledger.UTXOEntry, spent []ledger.OutputRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := undoEntry{blockNumber: blockNumber}
	for _, ref := range spent {
		if e, ok := s.entries[ref]; ok {
			u.spent = append(u.spent, e)
			delete(s.entries, ref)
		}
	}
	for _, e := range created {
		s.entries[e.Ref] = e
		u.created = append(u.created, e.Ref)
	}
	s.undo = append(s.undo, u)
	return nil
}

// Rollback undoes every recorded delta strictly newer than target,
// leaving target's own delta applied. This is one block more
// conservative than statehistory.History.GetRolledBackState, which
// drops the target entry itself too (see that method's doc comment);
// the two derived-state backends are only guaranteed to reconverge once
// the canonical re-delivery that follows a rollback has replayed target
// on both sides, since each then independently re-derives the same
// post-target state from its own (different) pre-target baseline.
func (s *InMemory) Rollback(_ context.Context, target uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.undo[:0:0]
	for i := len(s.undo) - 1; i >= 0; i-- {
		u := s.undo[i]
		if u.blockNumber <= target {
			kept = append([]undoEntry{u}, kept...)
			continue
		}
		for _, ref := range u.created {
			delete(s.entries, ref)
		}
		for _, e := range u.spent {
			s.entries[e.Ref] = e
		}
	}
	s.undo = kept
	return nil
}

func (s *InMemory) Close() error { return nil }

var _ Store = (*InMemory)(nil)
