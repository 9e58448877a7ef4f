package utxostore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/input-output-hk/acropolis-sub003/pkg/ledger"
)

func ref(i uint32) ledger.OutputRef { return ledger.OutputRef{Index: i} }

func TestInMemoryApplyAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	require.NoError(t, s.ApplyDeltas(ctx, 1, []ledger.UTXOEntry{{Ref: ref(1), Value: 100}}, nil))
	e, ok, err := s.Get(ctx, ref(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), e.Value)
}

func TestInMemoryRollbackRestoresSpentAndDropsCreated(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	require.NoError(t, s.ApplyDeltas(ctx, 1, []ledger.UTXOEntry{{Ref: ref(1), Value: 10}}, nil))
	require.NoError(t, s.ApplyDeltas(ctx, 2, []ledger.UTXOEntry{{Ref: ref(2), Value: 20}}, []ledger.OutputRef{ref(1)}))

	_, ok, _ := s.Get(ctx, ref(1))
	require.False(t, ok, "ref(1) should be spent after block 2")

	require.NoError(t, s.Rollback(ctx, 1))

	e1, ok1, _ := s.Get(ctx, ref(1))
	require.True(t, ok1, "ref(1) should be restored by rollback")
	require.Equal(t, uint64(10), e1.Value)

	_, ok2, _ := s.Get(ctx, ref(2))
	require.False(t, ok2, "ref(2) created in block 2 should be dropped by rollback")
}
