// Package statehistory implements the generic per-block snapshot container
// described in spec.md §3.3, §4.B, and §9 ("Copy-on-write state history").
//
// History[S] is deliberately not internally synchronized: spec.md §5
// assigns the "per-module async mutex" to the owning state module
// (pkg/module), which acquires it, mutates a History, and releases it
// without holding it across I/O. Adding a second lock here would just be
// redundant bookkeeping around the same critical section.
package statehistory

import (
	"fmt"
	"log/slog"
)

// Entry is one retained (block_number, state) snapshot.
type Entry[S any] struct {
	BlockNumber uint64
	State       S
}

// CloneFunc must return a value that shares structure with its argument
// (persistent/COW semantics) rather than deep-copying it — spec.md §9
// requires clone cost to be O(1)/O(log n), not O(size of S).
type CloneFunc[S any] func(S) S

// Unbounded disables pruning entirely (spec.md §4.B "optional unbounded
// mode"), for modules whose state is intrinsically bounded or
// checkpointed elsewhere (see SPEC_FULL.md's epoch-activity module).
const Unbounded uint64 = 0

// IntegrityViolationError is returned (or panics, see Config.PanicOnViolation)
// when a caller attempts to commit a block_number that does not strictly
// follow the current back entry — spec.md §4.B "Commit out-of-order is a
// programmer error".
type IntegrityViolationError struct {
	AttemptedNumber uint64
	BackNumber      uint64
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("statehistory: commit out of order: attempted block %d, current back is %d", e.AttemptedNumber, e.BackNumber)
}

// Config configures a History[S].
type Config[S any] struct {
	// K is the rollback-depth bound: at most K+1 entries are retained.
	// Pass Unbounded to disable pruning.
	K uint64
	// Clone must be supplied; nil panics at New, since an un-cloneable S
	// would silently alias mutable state across snapshots.
	Clone CloneFunc[S]
	// PanicOnViolation selects debug-mode semantics for an out-of-order
	// commit (panic) versus release-mode semantics (log and drop),
	// matching spec.md §4.B's "Failure semantics".
	PanicOnViolation bool
	Logger           *slog.Logger
}

// History is a bounded deque of (block_number, S) entries, strictly
// ascending by block_number, with the back entry always the "current"
// committed state (spec.md §3.3).
type History[S any] struct {
	cfg     Config[S]
	log     *slog.Logger
	entries []Entry[S]
}

// New constructs a History[S]. It panics if cfg.Clone is nil — this is a
// wiring error, not a runtime condition callers should branch on.
func New[S any](cfg Config[S]) *History[S] {
	if cfg.Clone == nil {
		panic("statehistory: Config.Clone is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &History[S]{cfg: cfg, log: log}
}

// Commit appends (blockNumber, s) as the new back entry. It fails if
// blockNumber <= the current back's block number (spec.md §4.B).
func (h *History[S]) Commit(blockNumber uint64, s S) error {
	if len(h.entries) > 0 {
		back := h.entries[len(h.entries)-1]
		if blockNumber <= back.BlockNumber {
			err := &IntegrityViolationError{AttemptedNumber: blockNumber, BackNumber: back.BlockNumber}
			if h.cfg.PanicOnViolation {
				panic(err)
			}
			h.log.Error("dropping out-of-order commit", "attempted", blockNumber, "back", back.BlockNumber)
			return err
		}
	}
	h.entries = append(h.entries, Entry[S]{BlockNumber: blockNumber, State: s})
	h.prune()
	return nil
}

// Amend is Commit with one relaxation: a blockNumber equal to the
// current back entry's replaces that entry in place instead of failing.
// It still fails exactly as Commit does for blockNumber strictly less
// than the back. This is for callers that legitimately observe more
// than one message for the same already-open block — e.g. a module fed
// by several input topics, where a given block's data arrives as
// separate envelopes on each feed and must be folded into one retained
// entry rather than rejected as an out-of-order commit.
func (h *History[S]) Amend(blockNumber uint64, s S) error {
	if len(h.entries) > 0 {
		back := &h.entries[len(h.entries)-1]
		if blockNumber == back.BlockNumber {
			back.State = s
			return nil
		}
		if blockNumber < back.BlockNumber {
			err := &IntegrityViolationError{AttemptedNumber: blockNumber, BackNumber: back.BlockNumber}
			if h.cfg.PanicOnViolation {
				panic(err)
			}
			h.log.Error("dropping out-of-order commit", "attempted", blockNumber, "back", back.BlockNumber)
			return err
		}
	}
	h.entries = append(h.entries, Entry[S]{BlockNumber: blockNumber, State: s})
	h.prune()
	return nil
}

// GetCurrentState returns a clone of the back entry's state, or the zero
// value of S if history is empty.
func (h *History[S]) GetCurrentState() S {
	if len(h.entries) == 0 {
		var zero S
		return zero
	}
	back := h.entries[len(h.entries)-1]
	return h.cfg.Clone(back.State)
}

// GetRolledBackState pops entries while the back's block number is >=
// targetNumber, then returns a clone of the new back (or the zero value
// if everything was popped) — spec.md §4.B "used to rebuild state from
// before a rolled-back block". targetNumber's own entry is dropped
// along with everything after it, matching
// original_source/common/src/state_history.rs; this is one block more
// aggressive than pkg/utxostore.InMemory.Rollback, which leaves
// target's own delta applied and only undoes strictly-later blocks. A
// module combining both backends reconverges once the canonical
// re-delivery following a rollback replays targetNumber on both sides.
func (h *History[S]) GetRolledBackState(targetNumber uint64) S {
	for len(h.entries) > 0 && h.entries[len(h.entries)-1].BlockNumber >= targetNumber {
		h.entries = h.entries[:len(h.entries)-1]
	}
	return h.GetCurrentState()
}

// InspectPreviousState does a read-only lookup by block number. Reading
// past history that has been pruned returns (zero, false), not an error
// (spec.md §4.B "Failure semantics").
func (h *History[S]) InspectPreviousState(n uint64) (S, bool) {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].BlockNumber == n {
			return h.cfg.Clone(h.entries[i].State), true
		}
		if h.entries[i].BlockNumber < n {
			break
		}
	}
	var zero S
	return zero, false
}

// All returns every retained entry, oldest first. This is the
// get_all_historical_state_for_iteration accessor recovered from
// original_source/common/src/state_history.rs (see SPEC_FULL.md's
// "Supplemented features"); it clones nothing and must not be retained
// past the next Commit/GetRolledBackState.
func (h *History[S]) All() []Entry[S] {
	return h.entries
}

// Len reports the number of retained entries.
func (h *History[S]) Len() int { return len(h.entries) }

// Prune drops front entries while front.number + K < back.number. It is
// exposed so modules that prune at tick time (rather than at commit time,
// both acceptable per spec.md §9) can call it explicitly.
func (h *History[S]) Prune() { h.prune() }

func (h *History[S]) prune() {
	if h.cfg.K == Unbounded || len(h.entries) == 0 {
		return
	}
	back := h.entries[len(h.entries)-1].BlockNumber
	i := 0
	for i < len(h.entries)-1 && h.entries[i].BlockNumber+h.cfg.K < back {
		i++
	}
	if i > 0 {
		h.entries = h.entries[i:]
	}
}
