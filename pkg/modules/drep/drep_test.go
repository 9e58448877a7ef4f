package drep

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

func cred(b byte) ledger.Credential {
	var c ledger.Credential
	c.Hash[0] = b
	return c
}

func TestDRepModuleRegisterThenRetire(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	d, err := query.NewDispatcher(query.DispatcherConfig{Bus: bus})
	require.NoError(t, err)

	m, err := New(Config{Bus: bus, K: 10})
	require.NoError(t, err)
	m.RegisterQueries(ctx, d)

	go func() { _ = m.Run(ctx) }()

	rec := ledger.DRepRecord{Credential: cred(1), Deposit: 500}
	require.NoError(t, bus.Publish(ctx, "cardano.certificates", ledger.Envelope{
		Block:   block.Info{Number: 1},
		Message: ledger.Certificates{Certs: []ledger.Certificate{{Kind: ledger.CertDRepRegister, DRep: &rec}}},
	}))

	require.Eventually(t, func() bool {
		reply, err := d.Query(ctx, "drep", query.Request{Discriminator: QueryGet, Params: cred(1)})
		return err == nil && reply.Body.(ledger.DRepRecord).Status == ledger.DRepActive
	}, time.Second, time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "cardano.certificates", ledger.Envelope{
		Block:   block.Info{Number: 2},
		Message: ledger.Certificates{Certs: []ledger.Certificate{{Kind: ledger.CertDRepRetire, DRep: &rec}}},
	}))

	require.Eventually(t, func() bool {
		reply, err := d.Query(ctx, "drep", query.Request{Discriminator: QueryGet, Params: cred(1)})
		return err == nil && reply.Body.(ledger.DRepRecord).Status == ledger.DRepRetired
	}, time.Second, time.Millisecond)
}

func TestDRepModuleSeedsFromBootstrapSnapshot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	d, err := query.NewDispatcher(query.DispatcherConfig{Bus: bus})
	require.NoError(t, err)

	m, err := New(Config{Bus: bus})
	require.NoError(t, err)
	m.RegisterQueries(ctx, d)

	go func() { _ = m.Run(ctx) }()

	seed := ledger.DRepRecord{Credential: cred(2), Deposit: 1000}
	require.NoError(t, bus.Publish(ctx, "cardano.certificates", ledger.Envelope{
		Block:   block.Info{Number: 1},
		Message: ledger.CertificatesSnapshot{DReps: []ledger.DRepRecord{seed}},
	}))

	require.Eventually(t, func() bool {
		reply, err := d.Query(ctx, "drep", query.Request{Discriminator: QueryGet, Params: cred(2)})
		return err == nil && reply.Body.(ledger.DRepRecord).Deposit == 1000
	}, time.Second, time.Millisecond)
}
