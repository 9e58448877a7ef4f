// Package serialiser implements the ordered-serialiser of spec.md §4.C:
// it reassembles a stream of arbitrarily-reordered (Sequence, T) pairs
// into a gap-free, in-order delivery to a per-stream handler.
package serialiser

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"

	"github.com/input-output-hk/acropolis-sub003/pkg/sequence"
)

// Handler processes one item at a time, in order, exactly once.
type Handler[T any] interface {
	Handle(ctx context.Context, seq sequence.Sequence, data T) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(ctx context.Context, seq sequence.Sequence, data T) error

func (f HandlerFunc[T]) Handle(ctx context.Context, seq sequence.Sequence, data T) error {
	return f(ctx, seq, data)
}

type item[T any] struct {
	seq  sequence.Sequence
	data T
}

// pendingHeap orders buffered out-of-order items by sequence number, so
// the lowest-numbered gap-blocked item is always at the top.
type pendingHeap[T any] []item[T]

func (h pendingHeap[T]) Len() int            { return len(h) }
func (h pendingHeap[T]) Less(i, j int) bool  { return h[i].seq.Number < h[j].seq.Number }
func (h pendingHeap[T]) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap[T]) Push(x interface{}) { *h = append(*h, x.(item[T])) }
func (h *pendingHeap[T]) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Config configures a Serialiser[T].
type Config[T any] struct {
	Handler Handler[T]
	// QueueDepth bounds the processing queue; Handle blocks once it fills,
	// surfacing back-pressure to publishers (spec.md §4.C "Bounded
	// memory").
	QueueDepth int
	Logger     *slog.Logger
}

// Serialiser reassembles a single stream's events into order and drives
// Handler with them serially on a dedicated background goroutine (spec.md
// §4.C "A single background task pops the processing queue").
type Serialiser[T any] struct {
	cfg Config[T]
	log *slog.Logger

	mu      sync.Mutex
	prev    *uint64
	pending pendingHeap[T]

	queue chan item[T]
	wg    sync.WaitGroup
}

// New constructs and starts a Serialiser. Call Close to stop the
// background handler goroutine.
func New[T any](ctx context.Context, cfg Config[T]) *Serialiser[T] {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Serialiser[T]{
		cfg:   cfg,
		log:   log,
		queue: make(chan item[T], cfg.QueueDepth),
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s
}

func (s *Serialiser[T]) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-s.queue:
			if !ok {
				return
			}
			if err := s.cfg.Handler.Handle(ctx, it.seq, it.data); err != nil {
				s.log.Error("serialiser: handler failed", "sequence", it.seq.String(), "error", err)
			}
		}
	}
}

// Handle is called by the producer for every (seq, data) pair, in
// whatever order they arrive. It never blocks the producer beyond the
// processing-queue bound (spec.md §4.C algorithm steps 1-2).
func (s *Serialiser[T]) Handle(ctx context.Context, seq sequence.Sequence, data T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq.ChainsFrom(s.prev) {
		s.enqueue(ctx, item[T]{seq: seq, data: data})
		n := seq.Number
		s.prev = &n
		s.drainPending(ctx)
		return
	}
	heap.Push(&s.pending, item[T]{seq: seq, data: data})
}

// drainPending repeatedly pops the pending heap's head while it chains
// from the current prev, pushing each onto the processing queue. Must be
// called with s.mu held.
func (s *Serialiser[T]) drainPending(ctx context.Context) {
	for len(s.pending) > 0 && s.pending[0].seq.ChainsFrom(s.prev) {
		next := heap.Pop(&s.pending).(item[T])
		s.enqueue(ctx, next)
		n := next.seq.Number
		s.prev = &n
	}
}

// enqueue blocks until the processing queue has room or ctx is done. Must
// be called with s.mu held; since the draining goroutine never needs
// s.mu, this cannot deadlock against it.
func (s *Serialiser[T]) enqueue(ctx context.Context, it item[T]) {
	select {
	case s.queue <- it:
	case <-ctx.Done():
	}
}

// PendingCount reports how many items are buffered waiting for a gap to
// close — spec.md §4.C "visible in a diagnostic tick".
func (s *Serialiser[T]) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close stops accepting new work and waits for the handler goroutine to
// drain what is already queued.
func (s *Serialiser[T]) Close() {
	close(s.queue)
	s.wg.Wait()
}
