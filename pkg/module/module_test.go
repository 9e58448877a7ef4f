package module

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/acropolis-sub003/pkg/block"
	"github.com/input-output-hk/acropolis-sub003/pkg/fabric"
	"github.com/input-output-hk/acropolis-sub003/pkg/ledger"
)

type counterState struct{ total int }

func cloneCounter(s counterState) counterState { return s }

func applyDelta(_ context.Context, s counterState, env ledger.Envelope) (counterState, error) {
	deltas, ok := env.Message.(ledger.AddressDeltas)
	if !ok {
		return s, nil
	}
	for _, d := range deltas.Deltas {
		s.total += int(d.Delta)
	}
	return s, nil
}

func publishEnvelope(t *testing.T, ctx context.Context, bus *fabric.Bus, topic string, b block.Info, msg ledger.CardanoMessage) {
	t.Helper()
	require.NoError(t, bus.Publish(ctx, topic, ledger.Envelope{Block: b, Message: msg}))
}

func TestModuleAppliesBlocksInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	m, err := New(Config[counterState]{
		Name:       "counter",
		Bus:        bus,
		InputTopic: "cardano.address.deltas",
		K:          10,
		Clone:      cloneCounter,
		Apply:      applyDelta,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = m.Run(ctx)
	}()

	publishEnvelope(t, ctx, bus, "cardano.address.deltas", block.Info{Number: 1}, ledger.AddressDeltas{Deltas: []ledger.AddressDelta{{Delta: 5}}})
	publishEnvelope(t, ctx, bus, "cardano.address.deltas", block.Info{Number: 2}, ledger.AddressDeltas{Deltas: []ledger.AddressDelta{{Delta: 3}}})

	require.Eventually(t, func() bool { return m.Current().total == 8 }, time.Second, time.Millisecond)

	cancel()
	wg.Wait()
}

func TestModuleRollbackRewindsState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	m, err := New(Config[counterState]{
		Name:       "counter",
		Bus:        bus,
		InputTopic: "cardano.address.deltas",
		K:          10,
		Clone:      cloneCounter,
		Apply:      applyDelta,
	})
	require.NoError(t, err)

	go func() { _ = m.Run(ctx) }()

	publishEnvelope(t, ctx, bus, "cardano.address.deltas", block.Info{Number: 1}, ledger.AddressDeltas{Deltas: []ledger.AddressDelta{{Delta: 10}}})
	publishEnvelope(t, ctx, bus, "cardano.address.deltas", block.Info{Number: 2}, ledger.AddressDeltas{Deltas: []ledger.AddressDelta{{Delta: 10}}})
	require.Eventually(t, func() bool { return m.Current().total == 20 }, time.Second, time.Millisecond)

	// Roll back to block 1, then replay block 2 differently.
	publishEnvelope(t, ctx, bus, "cardano.address.deltas", block.Info{Number: 1, Status: block.StatusRolledBack}, ledger.AddressDeltas{})
	require.Eventually(t, func() bool { return m.Current().total == 10 }, time.Second, time.Millisecond)

	publishEnvelope(t, ctx, bus, "cardano.address.deltas", block.Info{Number: 2}, ledger.AddressDeltas{Deltas: []ledger.AddressDelta{{Delta: -4}}})
	require.Eventually(t, func() bool { return m.Current().total == 6 }, time.Second, time.Millisecond)
}

func TestModuleTickRunsMaintenance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	var tickObserved int
	var mu sync.Mutex

	m, err := New(Config[counterState]{
		Name:       "counter",
		Bus:        bus,
		InputTopic: "cardano.address.deltas",
		K:          10,
		Clone:      cloneCounter,
		Apply:      applyDelta,
		Tick: func(_ context.Context, s counterState) {
			mu.Lock()
			tickObserved = s.total
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	go func() { _ = m.Run(ctx) }()

	publishEnvelope(t, ctx, bus, "cardano.address.deltas", block.Info{Number: 1}, ledger.AddressDeltas{Deltas: []ledger.AddressDelta{{Delta: 7}}})
	require.Eventually(t, func() bool { return m.Current().total == 7 }, time.Second, time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "clock.tick", struct{}{}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return tickObserved == 7
	}, time.Second, time.Millisecond)
}

func TestModuleIntegrityViolationStopsConsumption(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	m, err := New(Config[counterState]{
		Name:       "counter",
		Bus:        bus,
		InputTopic: "cardano.address.deltas",
		K:          10,
		Clone:      cloneCounter,
		Apply:      applyDelta,
	})
	require.NoError(t, err)

	go func() { _ = m.Run(ctx) }()

	publishEnvelope(t, ctx, bus, "cardano.address.deltas", block.Info{Number: 5}, ledger.AddressDeltas{Deltas: []ledger.AddressDelta{{Delta: 1}}})
	require.Eventually(t, func() bool { return m.Current().total == 1 }, time.Second, time.Millisecond)

	// Out-of-order commit: block 3 after block 5 already committed.
	publishEnvelope(t, ctx, bus, "cardano.address.deltas", block.Info{Number: 3}, ledger.AddressDeltas{Deltas: []ledger.AddressDelta{{Delta: 99}}})

	require.Eventually(t, func() bool { return m.HealthFailed() }, time.Second, time.Millisecond)
	require.Equal(t, 1, m.Current().total)
}

func TestModuleWithMultipleInputTopicsMergesOneBlockAcrossFeeds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	m, err := New(Config[counterState]{
		Name:        "counter",
		Bus:         bus,
		InputTopics: []string{"cardano.address.deltas", "cardano.certificates"},
		K:           10,
		Clone:       cloneCounter,
		Apply: func(_ context.Context, s counterState, env ledger.Envelope) (counterState, error) {
			if deltas, ok := env.Message.(ledger.AddressDeltas); ok {
				for _, d := range deltas.Deltas {
					s.total += int(d.Delta)
				}
			}
			if _, ok := env.Message.(ledger.Certificates); ok {
				s.total += 100
			}
			return s, nil
		},
	})
	require.NoError(t, err)

	go func() { _ = m.Run(ctx) }()

	// Both feeds carry data for the same block number, as a real block's
	// address deltas and certificates would; neither publish should be
	// rejected as an out-of-order commit.
	publishEnvelope(t, ctx, bus, "cardano.address.deltas", block.Info{Number: 1}, ledger.AddressDeltas{Deltas: []ledger.AddressDelta{{Delta: 5}}})
	publishEnvelope(t, ctx, bus, "cardano.certificates", block.Info{Number: 1}, ledger.Certificates{})

	require.Eventually(t, func() bool { return m.Current().total == 105 }, time.Second, time.Millisecond)
	require.False(t, m.HealthFailed())

	publishEnvelope(t, ctx, bus, "cardano.address.deltas", block.Info{Number: 2}, ledger.AddressDeltas{Deltas: []ledger.AddressDelta{{Delta: 2}}})
	require.Eventually(t, func() bool { return m.Current().total == 107 }, time.Second, time.Millisecond)
	require.False(t, m.HealthFailed())
}
