// Package governance implements the governance action and vote
// derived-state module (spec.md §3.4, §4.H): proposals and votes
// observed in one block are merged into the running per-action record.
package governance

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/input-output-hk/acropolis-sub003/pkg/fabric"
	"github.com/input-output-hk/acropolis-sub003/pkg/ledger"
	"github.com/input-output-hk/acropolis-sub003/pkg/module"
	"github.com/input-output-hk/acropolis-sub003/pkg/query"
)

// State is the current set of governance actions, keyed by action id.
type State struct {
	Proposals map[ledger.ActionID]ledger.GovernanceProposal
}

// Clone is a shallow map copy; each proposal's Votes sub-map is copied
// too, since votes are merged into it in place by apply.
func Clone(s State) State {
	cp := make(map[ledger.ActionID]ledger.GovernanceProposal, len(s.Proposals))
	for k, v := range s.Proposals {
		votes := make(map[ledger.Credential]ledger.VoteKind, len(v.Votes))
		for vk, vv := range v.Votes {
			votes[vk] = vv
		}
		v.Votes = votes
		cp[k] = v
	}
	return State{Proposals: cp}
}

func applyProcedures(s State, procs ledger.GovernanceProcedures) State {
	if s.Proposals == nil {
		s.Proposals = make(map[ledger.ActionID]ledger.GovernanceProposal)
	}
	for _, p := range procs.Proposals {
		existing, ok := s.Proposals[p.ActionID]
		if !ok {
			if p.Votes == nil {
				p.Votes = make(map[ledger.Credential]ledger.VoteKind)
			}
			s.Proposals[p.ActionID] = p
			continue
		}
		for voter, choice := range p.Votes {
			existing.Votes[voter] = choice
		}
		s.Proposals[p.ActionID] = existing
	}
	return s
}

func applyCertificates(s State, certs ledger.Certificates) State {
	if s.Proposals == nil {
		s.Proposals = make(map[ledger.ActionID]ledger.GovernanceProposal)
	}
	for _, c := range certs.Certs {
		switch c.Kind {
		case ledger.CertGovProposal:
			if c.Proposal != nil {
				p := *c.Proposal
				if p.Votes == nil {
					p.Votes = make(map[ledger.Credential]ledger.VoteKind)
				}
				s.Proposals[p.ActionID] = p
			}
		case ledger.CertGovVote:
			rec, ok := s.Proposals[c.Vote.ActionID]
			if !ok {
				continue
			}
			rec.Votes[c.Vote.Voter] = c.Vote.Choice
			s.Proposals[c.Vote.ActionID] = rec
		}
	}
	return s
}

func applyProposalsSnapshot(s State, snap ledger.ProposalsSnapshot) State {
	if s.Proposals == nil {
		s.Proposals = make(map[ledger.ActionID]ledger.GovernanceProposal)
	}
	for _, p := range snap.Proposals {
		if p.Votes == nil {
			p.Votes = make(map[ledger.Credential]ledger.VoteKind)
		}
		s.Proposals[p.ActionID] = p
	}
	return s
}

func apply(_ context.Context, s State, env ledger.Envelope) (State, error) {
	switch msg := env.Message.(type) {
	case ledger.GovernanceProcedures:
		return applyProcedures(s, msg), nil
	case ledger.Certificates:
		return applyCertificates(s, msg), nil
	case ledger.ProposalsSnapshot:
		// Bootstrap bulk seed (spec.md §4.G): replaces, never folds.
		return applyProposalsSnapshot(s, msg), nil
	default:
		return s, nil
	}
}

// Config configures a Module.
type Config struct {
	Bus   *fabric.Bus
	K     uint64
	Clock clockwork.Clock

	// InputTopics defaults to both "cardano.governance.procedures" and
	// "cardano.certificates": governance actions may be observed via
	// either feed depending on how far upstream decode splits them.
	InputTopics []string

	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.Bus == nil {
		return errors.New("governance: Bus is required")
	}
	if len(c.InputTopics) == 0 {
		c.InputTopics = []string{"cardano.governance.procedures", "cardano.certificates"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Module is the governance derived-state module.
type Module struct {
	m *module.Module[State]
}

// New constructs a Module.
func New(cfg Config) (*Module, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	m, err := module.New(module.Config[State]{
		Name:        "governance",
		Bus:         cfg.Bus,
		InputTopics: cfg.InputTopics,
		K:           cfg.K,
		Clock:       cfg.Clock,
		Clone:       Clone,
		Apply:       apply,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Module{m: m}, nil
}

// Run drives the module until ctx is done.
func (mod *Module) Run(ctx context.Context) error { return mod.m.Run(ctx) }

// Current returns a clone of the module's current state.
func (mod *Module) Current() State { return mod.m.Current() }

const QueryGet = "get" // Params: ledger.ActionID

// RegisterQueries binds this module's resolver to cardano.query.governance.
func (mod *Module) RegisterQueries(ctx context.Context, d *query.Dispatcher) {
	d.Register(ctx, "governance", mod.resolve)
}

func (mod *Module) resolve(_ context.Context, req query.Request) (query.Reply, error) {
	switch req.Discriminator {
	case QueryGet:
		id, ok := req.Params.(ledger.ActionID)
		if !ok {
			return query.Reply{}, query.InvalidRequest("governance: get requires an ActionID")
		}
		prop, ok := mod.Current().Proposals[id]
		if !ok {
			return query.Reply{}, query.NotFound("governance: no proposal %v", id)
		}
		return query.Reply{Discriminator: QueryGet, Body: prop}, nil
	default:
		return query.Reply{}, query.InvalidRequest("governance: unknown discriminator %q", req.Discriminator)
	}
}
