package serialiser

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/acropolis-sub003/pkg/sequence"
)

func TestOutOfOrderDeliveredInOrder(t *testing.T) {
	// spec.md §8 scenario S4.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var observed []int

	h := HandlerFunc[int](func(_ context.Context, _ sequence.Sequence, data int) error {
		mu.Lock()
		observed = append(observed, data)
		mu.Unlock()
		return nil
	})

	s := New(ctx, Config[int]{Handler: h, QueueDepth: 8})
	defer s.Close()

	one := sequence.First(1)
	two := one.Next(2)
	three := two.Next(3)

	s.Handle(ctx, two, 2)
	s.Handle(ctx, one, 1)
	s.Handle(ctx, three, 3)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, observed)
}

func TestGapLeavesItemPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := HandlerFunc[int](func(context.Context, sequence.Sequence, int) error { return nil })
	s := New(ctx, Config[int]{Handler: h, QueueDepth: 8})
	defer s.Close()

	one := sequence.First(1)
	three := one.Next(2).Next(3) // chains from a sequence never delivered

	s.Handle(ctx, three, 3)

	require.Eventually(t, func() bool { return s.PendingCount() == 1 }, time.Second, time.Millisecond)
}

func TestRoundTripIsFunctionOfMultisetAndChainAlone(t *testing.T) {
	// spec.md §8 property 6.
	permutations := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{2, 0, 4, 1, 3},
	}

	for _, perm := range permutations {
		ctx, cancel := context.WithCancel(context.Background())

		var mu sync.Mutex
		var observed []int
		h := HandlerFunc[int](func(_ context.Context, _ sequence.Sequence, data int) error {
			mu.Lock()
			observed = append(observed, data)
			mu.Unlock()
			return nil
		})
		s := New(ctx, Config[int]{Handler: h, QueueDepth: 8})

		seqs := make([]sequence.Sequence, 5)
		seqs[0] = sequence.First(0)
		for i := 1; i < 5; i++ {
			seqs[i] = seqs[i-1].Next(uint64(i))
		}

		for _, idx := range perm {
			s.Handle(ctx, seqs[idx], idx)
		}

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(observed) == 5
		}, time.Second, time.Millisecond)

		mu.Lock()
		require.Equal(t, []int{0, 1, 2, 3, 4}, observed)
		mu.Unlock()

		s.Close()
		cancel()
	}
}
