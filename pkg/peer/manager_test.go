package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerFansInAnnouncementsFromAllPeers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fc1 := &fakeClient{events: []ChainSyncEvent{RollForward{Header: Header{Number: 1}}}}
	fc2 := &fakeClient{events: []ChainSyncEvent{RollForward{Header: Header{Number: 2}}}}

	m, err := NewManager(nil, []Config{
		{ID: "p1", Address: "p1:3001", Client: fc1, Ladder: noopLadder},
		{ID: "p2", Address: "p2:3001", Client: fc2, Ladder: noopLadder},
	})
	require.NoError(t, err)

	go func() { _ = m.Run(ctx) }()

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ann := <-m.Announcements():
			seen[ann.PeerID] = true
		case <-ctx.Done():
			t.Fatal("timed out waiting for announcements")
		}
	}
	require.True(t, seen["p1"])
	require.True(t, seen["p2"])
}

func TestManagerDeclaresPeerStaleAfterSilence(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fc := &fakeClient{}
	m, err := NewManager(nil, []Config{
		{ID: "p1", Address: "p1:3001", Client: fc, Ladder: noopLadder, StaleTimeout: 20 * time.Millisecond},
	})
	require.NoError(t, err)

	go func() { _ = m.Run(ctx) }()

	require.True(t, m.IsStale("p1"), "peer with no activity yet should read as stale")
}

func TestManagerIsStaleChecksDoNotResetTTL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fc := &fakeClient{events: []ChainSyncEvent{RollForward{Header: Header{Number: 1}}}}
	m, err := NewManager(nil, []Config{
		{ID: "p1", Address: "p1:3001", Client: fc, Ladder: noopLadder, StaleTimeout: 30 * time.Millisecond},
	})
	require.NoError(t, err)

	go func() { _ = m.Run(ctx) }()

	// Wait for the one scripted RollForward to register activity.
	require.Eventually(t, func() bool { return !m.IsStale("p1") }, time.Second, time.Millisecond)

	// Repeatedly polling IsStale must not extend the TTL each reads; once
	// the real silence window elapses the peer must still go stale.
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.IsStale("p1")
		time.Sleep(time.Millisecond)
	}
	require.True(t, m.IsStale("p1"), "repeated IsStale checks must not refresh a silent peer's TTL")
}

func TestManagerRequestBodyRoutesToNamedPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	fc := &fakeClient{bodies: map[uint64][]byte{3: []byte("b3")}}
	m, err := NewManager(nil, []Config{{ID: "p1", Address: "p1:3001", Client: fc, Ladder: noopLadder}})
	require.NoError(t, err)

	go func() { _ = m.Run(ctx) }()
	require.Eventually(t, func() bool { return m.Peer("p1").State() == StateSyncing }, time.Second, time.Millisecond)

	body, err := m.RequestBody(ctx, "p1", Point{Slot: 3})
	require.NoError(t, err)
	require.Equal(t, []byte("b3"), body)

	_, err = m.RequestBody(ctx, "missing", Point{Slot: 3})
	require.Error(t, err)
}
