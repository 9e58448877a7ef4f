// Package accounts implements the stake-address balance and delegation
// derived-state module (spec.md §3.4, §4.H). It is fed by two distinct
// event kinds — UTXO-value deltas and delegation certificates — so it
// subscribes to both cardano.address.deltas and cardano.certificates.
package accounts

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

// State is the current set of stake accounts, keyed by credential.
type State struct {
	Accounts map[ledger.Credential]ledger.StakeAccount
}

// Clone is a shallow map copy.
func Clone(s State) State {
	cp := make(map[ledger.Credential]ledger.StakeAccount, len(s.Accounts))
	for k, v := range s.Accounts {
		cp[k] = v
	}
	return State{Accounts: cp}
}

func applyAddressDeltas(s State, deltas ledger.AddressDeltas) State {
	if s.Accounts == nil {
		s.Accounts = make(map[ledger.Credential]ledger.StakeAccount)
	}
	for _, d := range deltas.Deltas {
		acc, ok := s.Accounts[d.Credential]
		if !ok {
			acc = ledger.StakeAccount{Credential: d.Credential}
		}
		acc.UTXOValueSum = addSigned(acc.UTXOValueSum, d.Delta)
		s.Accounts[d.Credential] = acc
	}
	return s
}

func applyCertificates(s State, certs ledger.Certificates) State {
	if s.Accounts == nil {
		s.Accounts = make(map[ledger.Credential]ledger.StakeAccount)
	}
	for _, c := range certs.Certs {
		switch c.Kind {
		case ledger.CertStakeRegister:
			if c.Stake != nil {
				if _, ok := s.Accounts[*c.Stake]; !ok {
					s.Accounts[*c.Stake] = ledger.StakeAccount{Credential: *c.Stake}
				}
			}
		case ledger.CertStakeDeregister:
			if c.Stake != nil {
				delete(s.Accounts, *c.Stake)
			}
		case ledger.CertStakeDelegatePool:
			acc := s.Accounts[c.Pledge.Stake]
			acc.Credential = c.Pledge.Stake
			pool := c.Pledge.Pool
			acc.DelegatedPool = &pool
			s.Accounts[c.Pledge.Stake] = acc
		case ledger.CertStakeDelegateDRep:
			acc := s.Accounts[c.Representation.Stake]
			acc.Credential = c.Representation.Stake
			drep := c.Representation.DRep
			acc.DelegatedDRep = &drep
			s.Accounts[c.Representation.Stake] = acc
		}
	}
	return s
}

func addSigned(base uint64, delta int64) uint64 {
	if delta < 0 && uint64(-delta) > base {
		return 0
	}
	return uint64(int64(base) + delta)
}

func applyAccountsSnapshot(s State, snap ledger.AccountsSnapshot) State {
	if s.Accounts == nil {
		s.Accounts = make(map[ledger.Credential]ledger.StakeAccount)
	}
	for _, acc := range snap.Accounts {
		s.Accounts[acc.Credential] = acc
	}
	return s
}

func apply(_ context.Context, s State, env ledger.Envelope) (State, error) {
	switch msg := env.Message.(type) {
	case ledger.AddressDeltas:
		return applyAddressDeltas(s, msg), nil
	case ledger.Certificates:
		return applyCertificates(s, msg), nil
	case ledger.AccountsSnapshot:
		// Bootstrap bulk seed (spec.md §4.G): replaces, never folds.
		return applyAccountsSnapshot(s, msg), nil
	default:
		return s, nil
	}
}

// Config configures a Module.
type Config struct {
	Bus   *fabric.Bus
	K     uint64
	Clock clockwork.Clock

	// InputTopics defaults to both "cardano.address.deltas" and
	// "cardano.certificates".
	InputTopics []string

	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.Bus == nil {
		return errors.New("accounts: Bus is required")
	}
	if len(c.InputTopics) == 0 {
		c.InputTopics = []string{"cardano.address.deltas", "cardano.certificates"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Module is the stake-account derived-state module.
type Module struct {
	m *module.Module[State]
}

// New constructs a Module.
func New(cfg Config) (*Module, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	m, err := module.New(module.Config[State]{
		Name:        "accounts",
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

const QueryGet = "get" // Params: ledger.Credential

// RegisterQueries binds this module's resolver to cardano.query.accounts.
func (mod *Module) RegisterQueries(ctx context.Context, d *query.Dispatcher) {
	d.Register(ctx, "accounts", mod.resolve)
}

func (mod *Module) resolve(_ context.Context, req query.Request) (query.Reply, error) {
	switch req.Discriminator {
	case QueryGet:
		cred, ok := req.Params.(ledger.Credential)
		if !ok {
			return query.Reply{}, query.InvalidRequest("accounts: get requires a Credential")
		}
		acc, ok := mod.Current().Accounts[cred]
		if !ok {
			return query.Reply{}, query.NotFound("accounts: no account for %s", cred)
		}
		return query.Reply{Discriminator: QueryGet, Body: acc}, nil
	default:
		return query.Reply{}, query.InvalidRequest("accounts: unknown discriminator %q", req.Discriminator)
	}
}
