package governance

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

func actionID(b byte) ledger.ActionID {
	var id ledger.ActionID
	id.TxID[0] = b
	return id
}

func TestGovernanceModuleMergesProposalThenVotes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	bus := fabric.New(fabric.Config{})
	d, err := query.NewDispatcher(query.DispatcherConfig{Bus: bus})
	require.NoError(t, err)

	m, err := New(Config{Bus: bus, K: 10})
	require.NoError(t, err)
	m.RegisterQueries(ctx, d)

	go func() { _ = m.Run(ctx) }()

	require.NoError(t, bus.Publish(ctx, "cardano.governance.procedures", ledger.Envelope{
		Block: block.Info{Number: 1},
		Message: ledger.GovernanceProcedures{Proposals: []ledger.GovernanceProposal{
			{ActionID: actionID(1), Action: ledger.ActionInfo, Deposit: 100},
		}},
	}))

	require.Eventually(t, func() bool {
		reply, err := d.Query(ctx, "governance", query.Request{Discriminator: QueryGet, Params: actionID(1)})
		return err == nil && reply.Body.(ledger.GovernanceProposal).Deposit == 100
	}, time.Second, time.Millisecond)

	require.NoError(t, bus.Publish(ctx, "cardano.certificates", ledger.Envelope{
		Block: block.Info{Number: 2},
		Message: ledger.Certificates{Certs: []ledger.Certificate{{
			Kind: ledger.CertGovVote,
			Vote: struct {
				ActionID ledger.ActionID
				Voter    ledger.Credential
				Choice   ledger.VoteKind
			}{ActionID: actionID(1), Voter: cred(1), Choice: ledger.VoteYes},
		}}},
	}))

	require.Eventually(t, func() bool {
		reply, err := d.Query(ctx, "governance", query.Request{Discriminator: QueryGet, Params: actionID(1)})
		if err != nil {
			return false
		}
		prop := reply.Body.(ledger.GovernanceProposal)
		return prop.Votes[cred(1)] == ledger.VoteYes
	}, time.Second, time.Millisecond)
}
