// Package spo implements the stake-pool registration derived-state
// module (spec.md §3.4, §4.H): tracks the set of currently registered
// pools from the certificate feed and re-publishes the full set as a
// bulk vector after applying each envelope, before the module commits it
// (spec.md §6.4 "SPODistribution ... the set
// of currently registered pools as of this block").
package spo

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/input-output-hk/acropolis-sub003/pkg/block"
	"github.com/input-output-hk/acropolis-sub003/pkg/fabric"
	"github.com/input-output-hk/acropolis-sub003/pkg/ledger"
	"github.com/input-output-hk/acropolis-sub003/pkg/module"
	"github.com/input-output-hk/acropolis-sub003/pkg/query"
)

// State is the current set of registered pools, keyed by operator id.
type State struct {
	Pools map[ledger.PoolID]ledger.PoolRegistration
}

// Clone is a shallow map copy: every PoolRegistration value is replaced
// wholesale on registration, never mutated in place, so sharing the old
// values across the copy is safe.
func Clone(s State) State {
	cp := make(map[ledger.PoolID]ledger.PoolRegistration, len(s.Pools))
	for k, v := range s.Pools {
		cp[k] = v
	}
	return State{Pools: cp}
}

func apply(_ context.Context, s State, env ledger.Envelope) (State, error) {
	if s.Pools == nil {
		s.Pools = make(map[ledger.PoolID]ledger.PoolRegistration)
	}
	switch msg := env.Message.(type) {
	case ledger.Certificates:
		for _, c := range msg.Certs {
			switch c.Kind {
			case ledger.CertPoolRegister:
				if c.Pool != nil {
					s.Pools[c.Pool.OperatorID] = *c.Pool
				}
			case ledger.CertPoolRetire:
				if c.RetiredIn != nil {
					delete(s.Pools, *c.RetiredIn)
				}
			}
		}
	case ledger.CertificatesSnapshot:
		// Bootstrap bulk seed (spec.md §4.G): each listed pool's entry is
		// set or overwritten; pools already held and not listed are kept.
		for _, p := range msg.Pools {
			s.Pools[p.OperatorID] = p
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
	// OutputTopic defaults to "cardano.spo.distribution".
	OutputTopic string

	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.Bus == nil {
		return errors.New("spo: Bus is required")
	}
	if c.InputTopic == "" {
		c.InputTopic = "cardano.certificates"
	}
	if c.OutputTopic == "" {
		c.OutputTopic = "cardano.spo.distribution"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Module is the stake-pool derived-state module.
type Module struct {
	cfg Config
	m   *module.Module[State]
}

// New constructs a Module.
func New(cfg Config) (*Module, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	publish := func(ctx context.Context, b block.Info, s State) {
		pools := make([]ledger.PoolRegistration, 0, len(s.Pools))
		for _, p := range s.Pools {
			pools = append(pools, p)
		}
		_ = cfg.Bus.Publish(ctx, cfg.OutputTopic, ledger.Envelope{Block: b, Message: ledger.SPODistribution{Pools: pools}})
	}
	m, err := module.New(module.Config[State]{
		Name:       "spo",
		Bus:        cfg.Bus,
		InputTopic: cfg.InputTopic,
		K:          cfg.K,
		Clock:      cfg.Clock,
		Clone:      Clone,
		Apply: func(ctx context.Context, s State, env ledger.Envelope) (State, error) {
			next, err := apply(ctx, s, env)
			if err == nil {
				publish(ctx, env.Block, next)
			}
			return next, err
		},
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Module{cfg: cfg, m: m}, nil
}

// Run drives the module until ctx is done.
func (mod *Module) Run(ctx context.Context) error { return mod.m.Run(ctx) }

// Current returns a clone of the module's current state.
func (mod *Module) Current() State { return mod.m.Current() }

const QueryGet = "get" // Params: ledger.PoolID

// RegisterQueries binds this module's resolver to cardano.query.spo.
func (mod *Module) RegisterQueries(ctx context.Context, d *query.Dispatcher) {
	d.Register(ctx, "spo", mod.resolve)
}

func (mod *Module) resolve(_ context.Context, req query.Request) (query.Reply, error) {
	switch req.Discriminator {
	case QueryGet:
		id, ok := req.Params.(ledger.PoolID)
		if !ok {
			return query.Reply{}, query.InvalidRequest("spo: get requires a PoolID")
		}
		pool, ok := mod.Current().Pools[id]
		if !ok {
			return query.Reply{}, query.NotFound("spo: no pool %s", id)
		}
		return query.Reply{Discriminator: QueryGet, Body: pool}, nil
	default:
		return query.Reply{}, query.InvalidRequest("spo: unknown discriminator %q", req.Discriminator)
	}
}
