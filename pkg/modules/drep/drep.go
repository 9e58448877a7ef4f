// Package drep implements the Delegated Representative lifecycle
// derived-state module (spec.md §3.4, §4.H).
package drep

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

// State is the current set of DRep registrations, keyed by credential.
type State struct {
	DReps map[ledger.Credential]ledger.DRepRecord
}

// Clone is a shallow map copy.
func Clone(s State) State {
	cp := make(map[ledger.Credential]ledger.DRepRecord, len(s.DReps))
	for k, v := range s.DReps {
		cp[k] = v
	}
	return State{DReps: cp}
}

func apply(_ context.Context, s State, env ledger.Envelope) (State, error) {
	if s.DReps == nil {
		s.DReps = make(map[ledger.Credential]ledger.DRepRecord)
	}
	switch msg := env.Message.(type) {
	case ledger.Certificates:
		for _, c := range msg.Certs {
			switch c.Kind {
			case ledger.CertDRepRegister, ledger.CertDRepUpdate:
				if c.DRep != nil {
					s.DReps[c.DRep.Credential] = *c.DRep
				}
			case ledger.CertDRepRetire:
				if c.DRep != nil {
					rec := s.DReps[c.DRep.Credential]
					rec.Status = ledger.DRepRetired
					s.DReps[c.DRep.Credential] = rec
				}
			}
		}
	case ledger.CertificatesSnapshot:
		// Bootstrap bulk seed (spec.md §4.G): replaces, never folds.
		for _, rec := range msg.DReps {
			s.DReps[rec.Credential] = rec
		}
	}
	return s, nil
}

// Config configures a Module.
type Config struct {
	Bus   *fabric.Bus
	K     uint64
	Clock clockwork.Clock

	// InputTopic defaults to "cardano.certificates".
	InputTopic string

	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.Bus == nil {
		return errors.New("drep: Bus is required")
	}
	if c.InputTopic == "" {
		c.InputTopic = "cardano.certificates"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Module is the DRep derived-state module.
type Module struct {
	m *module.Module[State]
}

// New constructs a Module.
func New(cfg Config) (*Module, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	m, err := module.New(module.Config[State]{
		Name:       "drep",
		Bus:        cfg.Bus,
		InputTopic: cfg.InputTopic,
		K:          cfg.K,
		Clock:      cfg.Clock,
		Clone:      Clone,
		Apply:      apply,
		Logger:     cfg.Logger,
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

// RegisterQueries binds this module's resolver to cardano.query.drep.
func (mod *Module) RegisterQueries(ctx context.Context, d *query.Dispatcher) {
	d.Register(ctx, "drep", mod.resolve)
}

func (mod *Module) resolve(_ context.Context, req query.Request) (query.Reply, error) {
	switch req.Discriminator {
	case QueryGet:
		cred, ok := req.Params.(ledger.Credential)
		if !ok {
			return query.Reply{}, query.InvalidRequest("drep: get requires a Credential")
		}
		rec, ok := mod.Current().DReps[cred]
		if !ok {
			return query.Reply{}, query.NotFound("drep: no record for %s", cred)
		}
		return query.Reply{Discriminator: QueryGet, Body: rec}, nil
	default:
		return query.Reply{}, query.InvalidRequest("drep: unknown discriminator %q", req.Discriminator)
	}
}
