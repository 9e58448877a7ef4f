// Package sequence defines the per-stream ordering tag carried by every
// fabric message (spec.md §3.2).
package sequence

import "fmt"

// Sequence chains a message to its immediate predecessor on the same
// stream (topic x producer). The first message on a stream carries no
// Previous.
type Sequence struct {
	Number   uint64
	Previous *uint64
}

// First builds the sequence for the first message a producer emits on a
// stream.
func First(number uint64) Sequence {
	return Sequence{Number: number}
}

// Next builds the sequence that chains onto s.
func (s Sequence) Next(number uint64) Sequence {
	n := s.Number
	return Sequence{Number: number, Previous: &n}
}

// ChainsFrom reports whether s is the immediate successor of prev, where
// prev is nil for "nothing delivered yet".
func (s Sequence) ChainsFrom(prev *uint64) bool {
	if prev == nil {
		return s.Previous == nil
	}
	return s.Previous != nil && *s.Previous == *prev
}

func (s Sequence) String() string {
	if s.Previous == nil {
		return fmt.Sprintf("#%d(genesis)", s.Number)
	}
	return fmt.Sprintf("#%d(prev=%d)", s.Number, *s.Previous)
}
