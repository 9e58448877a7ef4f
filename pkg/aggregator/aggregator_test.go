package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/acropolis-sub003/pkg/block"
	"github.com/input-output-hk/acropolis-sub003/pkg/fabric"
	"github.com/input-output-hk/acropolis-sub003/pkg/ledger"
	"github.com/input-output-hk/acropolis-sub003/pkg/peer"
)

func testParamTable(t *testing.T) block.ParamTable {
	t.Helper()
	table, err := block.NewParamTable(map[block.Era]block.Params{
		block.EraConway: {FirstSlot: 0, EpochLength: 1000, SlotLength: time.Second, EraStart: time.Unix(0, 0)},
	})
	require.NoError(t, err)
	return table
}

func hashFor(n byte) block.Hash {
	var h block.Hash
	h[0] = n
	return h
}

// fakePeers is a minimal PeerSource for aggregator tests: it exposes a
// channel the test writes announcements to directly, and a scripted set
// of bodies keyed by slot.
type fakePeers struct {
	mu     sync.Mutex
	ch     chan peer.Announcement
	bodies map[uint64][]byte
	stale  map[string]bool
}

func newFakePeers() *fakePeers {
	return &fakePeers{ch: make(chan peer.Announcement, 64), bodies: map[uint64][]byte{}, stale: map[string]bool{}}
}

func (f *fakePeers) Announcements() <-chan peer.Announcement { return f.ch }

func (f *fakePeers) RequestBody(ctx context.Context, peerID string, point peer.Point) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[point.Slot], nil
}

func (f *fakePeers) IsStale(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale[id]
}

func (f *fakePeers) send(t *testing.T, ann peer.Announcement) {
	t.Helper()
	select {
	case f.ch <- ann:
	case <-time.After(time.Second):
		t.Fatal("timed out sending announcement")
	}
}

func TestAggregatorLinearIngestEmitsInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	fp := newFakePeers()
	for n := uint64(1); n <= 3; n++ {
		fp.bodies[n] = []byte{byte(n)}
	}
	a, err := New(Config{Bus: bus, Peers: fp, ParamTable: testParamTable(t), K: 10})
	require.NoError(t, err)

	go func() { _ = a.Run(ctx) }()

	sub := bus.Subscribe("cardano.block.available")
	defer sub.Close()

	for n := uint64(1); n <= 3; n++ {
		fp.send(t, peer.Announcement{PeerID: "p1", Event: peer.RollForward{
			Header: peer.Header{Slot: n, Number: n, Hash: hashFor(byte(n)), Era: block.EraConway},
		}})
	}

	for n := uint64(1); n <= 3; n++ {
		env, err := sub.Read(ctx)
		require.NoError(t, err)
		msg := env.Message.(ledger.BlockAvailable)
		require.Equal(t, n, msg.Block.Number)
		require.Equal(t, block.StatusVolatile, msg.Block.Status)
	}
}

func TestAggregatorRollbackBeyondKIsRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	fp := newFakePeers()
	for n := uint64(1); n <= 11; n++ {
		fp.bodies[n] = []byte{byte(n)}
	}
	a, err := New(Config{Bus: bus, Peers: fp, ParamTable: testParamTable(t), K: 3})
	require.NoError(t, err)

	go func() { _ = a.Run(ctx) }()

	sub := bus.Subscribe("cardano.block.available")
	defer sub.Close()

	for n := uint64(1); n <= 10; n++ {
		fp.send(t, peer.Announcement{PeerID: "p1", Event: peer.RollForward{
			Header: peer.Header{Slot: n, Number: n, Hash: hashFor(byte(n)), Era: block.EraConway},
		}})
		_, err := sub.Read(ctx)
		require.NoError(t, err)
	}

	require.Equal(t, "p1", a.Preferred())

	// Rollback to block 5 (watermark = 10 - 3 = 7) must be rejected:
	// the peer is demoted, no RolledBack is emitted.
	fp.send(t, peer.Announcement{PeerID: "p1", Event: peer.RollBackward{
		Point: peer.Point{Slot: 5, Hash: hashFor(5)},
	}})

	// A fresh peer that re-announces the retained tail (so the aggregator
	// can confirm it shares history) plus one new block overtakes p1.
	for n := uint64(8); n <= 11; n++ {
		fp.send(t, peer.Announcement{PeerID: "p2", Event: peer.RollForward{
			Header: peer.Header{Slot: n, Number: n, Hash: hashFor(byte(n)), Era: block.EraConway},
		}})
	}

	require.Eventually(t, func() bool { return a.Preferred() == "p2" }, time.Second, time.Millisecond)
}

func TestAggregatorLadderReflectsPublishedChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	fp := newFakePeers()
	for n := uint64(1); n <= 5; n++ {
		fp.bodies[n] = []byte{byte(n)}
	}
	a, err := New(Config{Bus: bus, Peers: fp, ParamTable: testParamTable(t), K: 100})
	require.NoError(t, err)

	go func() { _ = a.Run(ctx) }()
	sub := bus.Subscribe("cardano.block.available")
	defer sub.Close()

	for n := uint64(1); n <= 5; n++ {
		fp.send(t, peer.Announcement{PeerID: "p1", Event: peer.RollForward{
			Header: peer.Header{Slot: n, Number: n, Hash: hashFor(byte(n)), Era: block.EraConway},
		}})
		_, err := sub.Read(ctx)
		require.NoError(t, err)
	}

	ladder := a.Ladder()
	require.NotEmpty(t, ladder)
	require.Equal(t, uint64(5), ladder[0].Slot)
}
