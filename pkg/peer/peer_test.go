package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/acropolis-sub003/pkg/block"
)

// fakeClient is a scripted WireClient: it fails Dial dialFailures times,
// then succeeds, then hands the manager a short scripted chain-sync
// stream before blocking until ctx is cancelled.
type fakeClient struct {
	mu sync.Mutex

	dialFailures int
	dialAttempts int

	events []ChainSyncEvent
	cursor int

	ladders [][]Point

	bodies map[uint64][]byte
}

func (f *fakeClient) Dial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialAttempts++
	if f.dialAttempts <= f.dialFailures {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeClient) Handshake(ctx context.Context, magic uint64) error { return nil }

func (f *fakeClient) FindIntersect(ctx context.Context, ladder []Point) (Point, bool, error) {
	f.mu.Lock()
	f.ladders = append(f.ladders, ladder)
	f.mu.Unlock()
	return Point{}, true, nil
}

func (f *fakeClient) NextChainSyncEvent(ctx context.Context) (ChainSyncEvent, error) {
	f.mu.Lock()
	if f.cursor < len(f.events) {
		e := f.events[f.cursor]
		f.cursor++
		f.mu.Unlock()
		return e, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeClient) FetchBlock(ctx context.Context, point Point) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bodies[point.Slot]; ok {
		return b, nil
	}
	return nil, errors.New("no such body")
}

func (f *fakeClient) Close() error { return nil }

func noopLadder() []Point { return []Point{{Slot: 1}} }

func TestPeerDeliversChainSyncEventsInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fc := &fakeClient{
		events: []ChainSyncEvent{
			RollForward{Header: Header{Number: 1}, Tip: Point{Slot: 1}},
			RollForward{Header: Header{Number: 2}, Tip: Point{Slot: 2}},
		},
	}
	p, err := New(Config{ID: "p1", Address: "p1:3001", Client: fc, Ladder: noopLadder})
	require.NoError(t, err)

	go func() { _ = p.Run(ctx) }()

	first := <-p.Announcements()
	second := <-p.Announcements()

	require.Equal(t, uint64(1), first.Event.(RollForward).Header.Number)
	require.Equal(t, uint64(2), second.Event.(RollForward).Header.Number)
	require.Eventually(t, func() bool { return p.State() == StateSyncing }, time.Second, time.Millisecond)
}

func TestPeerBacksOffAndRetriesAfterDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fc := &fakeClient{dialFailures: 2}
	clock := clockwork.NewFakeClock()
	p, err := New(Config{ID: "p1", Address: "p1:3001", Client: fc, Ladder: noopLadder, Clock: clock})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() { _ = p.Run(ctx); close(done) }()

	pump := make(chan struct{})
	go func() {
		for {
			select {
			case <-pump:
				return
			case <-time.After(5 * time.Millisecond):
				clock.Advance(10 * time.Second)
			}
		}
	}()

	require.Eventually(t, func() bool { return p.State() == StateSyncing }, time.Second, time.Millisecond)
	close(pump)
	cancel()
	<-done
}

func TestPeerRequestBodyRoundTrips(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fc := &fakeClient{bodies: map[uint64][]byte{7: []byte("body-7")}}
	p, err := New(Config{ID: "p1", Address: "p1:3001", Client: fc, Ladder: noopLadder})
	require.NoError(t, err)

	go func() { _ = p.Run(ctx) }()
	require.Eventually(t, func() bool { return p.State() == StateSyncing }, time.Second, time.Millisecond)

	body, err := p.RequestBody(ctx, Point{Slot: 7, Hash: block.Hash{}})
	require.NoError(t, err)
	require.Equal(t, []byte("body-7"), body)

	_, err = p.RequestBody(ctx, Point{Slot: 99})
	require.Error(t, err)
}

func TestPeerUsesSuppliedLadderForIntersect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fc := &fakeClient{}
	want := []Point{{Slot: 100}, {Slot: 90}, {Slot: 80}}
	p, err := New(Config{ID: "p1", Address: "p1:3001", Client: fc, Ladder: func() []Point { return want }})
	require.NoError(t, err)

	go func() { _ = p.Run(ctx) }()
	require.Eventually(t, func() bool { return p.State() == StateSyncing }, time.Second, time.Millisecond)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	require.Len(t, fc.ladders, 1)
	require.Equal(t, want, fc.ladders[0])
}
