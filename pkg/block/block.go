// Package block defines the canonical block descriptor and its ordering
// predicates (spec.md §3.1, §4.A). It is a pure value-type package: no
// goroutines, no mutable state, so it can be imported by every other
// package without creating a concurrency seam.
package block

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Hash is the 32-byte content-addressed block identity.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash (used as the Byron "origin"
// sentinel).
func (h Hash) IsZero() bool { return h == Hash{} }

// Status is the lifecycle state of a block as observed by the aggregator.
type Status int

const (
	StatusVolatile Status = iota
	StatusImmutable
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusVolatile:
		return "volatile"
	case StatusImmutable:
		return "immutable"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Intent tells a state module whether to apply a block unconditionally or
// to run it through the optional validation fan-out first (spec.md §6.5
// "validators").
type Intent int

const (
	IntentApply Intent = iota
	IntentValidateAndApply
)

func (i Intent) String() string {
	if i == IntentValidateAndApply {
		return "validate_and_apply"
	}
	return "apply"
}

// Info is the immutable descriptor of one block (spec.md §3.1).
type Info struct {
	Slot      uint64
	Number    uint64
	Hash      Hash
	Epoch     uint64
	EpochSlot uint64
	NewEpoch  bool
	Era       Era
	Status    Status
	Intent    Intent
	Timestamp time.Time
}

// New constructs an Info, deriving Epoch/EpochSlot/NewEpoch/Timestamp from
// slot and era via the supplied parameter table, and validating that the
// derived epoch/slot are internally consistent (spec.md §4.A "Constructor
// validates epoch/slot consistency against era parameters").
func New(table ParamTable, slot, number uint64, hash Hash, era Era, status Status, intent Intent) (Info, error) {
	params, ok := table[era]
	if !ok {
		return Info{}, fmt.Errorf("block: no params registered for era %s", era)
	}
	if slot < params.FirstSlot {
		return Info{}, fmt.Errorf("block: slot %d precedes era %s first slot %d", slot, era, params.FirstSlot)
	}
	epoch, epochSlot, newEpoch, ts := params.EpochSlot(slot)
	return Info{
		Slot:      slot,
		Number:    number,
		Hash:      hash,
		Epoch:     epoch,
		EpochSlot: epochSlot,
		NewEpoch:  newEpoch,
		Era:       era,
		Status:    status,
		Intent:    intent,
		Timestamp: ts,
	}, nil
}

// WithStatus returns a copy of i with Status replaced. Info is a plain
// value type, so this is just a field copy — callers never mutate a
// shared Info in place.
func (i Info) WithStatus(s Status) Info {
	i.Status = s
	return i
}

// Less implements the total order on Info by Number (spec.md §4.A "total
// ordering by number").
func Less(a, b Info) bool { return a.Number < b.Number }

// ConsistentSuccessor reports whether b can legally follow a on the same
// chain per spec.md §3.1's invariant: if a.Number < b.Number then
// a.Slot < b.Slot.
func ConsistentSuccessor(a, b Info) bool {
	if a.Number < b.Number {
		return a.Slot < b.Slot
	}
	return true
}
