package epochactivity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/acropolis-sub003/pkg/block"
	"github.com/input-output-hk/acropolis-sub003/pkg/fabric"
	"github.com/input-output-hk/acropolis-sub003/pkg/ledger"
	"github.com/input-output-hk/acropolis-sub003/pkg/query"
)

func vrf(b byte) ledger.VRFKeyHash {
	var v ledger.VRFKeyHash
	v[0] = b
	return v
}

func TestEpochActivityAccumulatesWithinEpochAndResetsOnBoundary(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	d, err := query.NewDispatcher(query.DispatcherConfig{Bus: bus})
	require.NoError(t, err)

	m, err := New(Config{Bus: bus})
	require.NoError(t, err)
	m.RegisterQueries(ctx, d)

	go func() { _ = m.Run(ctx) }()

	publish := func(b block.Info, activity ledger.EpochActivity) {
		require.NoError(t, bus.Publish(ctx, "cardano.epoch.activity", ledger.Envelope{
			Block:   b,
			Message: ledger.EpochActivityMessage{Activity: activity},
		}))
	}

	publish(block.Info{Number: 1, Epoch: 0, NewEpoch: true},
		ledger.EpochActivity{Blocks: 1, Fees: 10, BlocksByVRFKey: map[ledger.VRFKeyHash]uint64{vrf(1): 1}})
	publish(block.Info{Number: 2, Epoch: 0},
		ledger.EpochActivity{Blocks: 1, Fees: 5, BlocksByVRFKey: map[ledger.VRFKeyHash]uint64{vrf(1): 1}})

	require.Eventually(t, func() bool {
		reply, err := d.Query(ctx, "epochactivity", query.Request{Discriminator: QueryCurrent, Params: struct{}{}})
		if err != nil {
			return false
		}
		act := reply.Body.(ledger.EpochActivity)
		return act.Blocks == 2 && act.Fees == 15
	}, time.Second, time.Millisecond)

	publish(block.Info{Number: 3, Epoch: 1, NewEpoch: true},
		ledger.EpochActivity{Blocks: 1, Fees: 2, BlocksByVRFKey: map[ledger.VRFKeyHash]uint64{vrf(2): 1}})

	require.Eventually(t, func() bool {
		reply, err := d.Query(ctx, "epochactivity", query.Request{Discriminator: QueryCurrent, Params: struct{}{}})
		if err != nil {
			return false
		}
		act := reply.Body.(ledger.EpochActivity)
		return act.Epoch == 1 && act.Blocks == 1 && act.Fees == 2
	}, time.Second, time.Millisecond)
}
