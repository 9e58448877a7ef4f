// Package epochactivity implements the per-epoch activity totals
// derived-state module (spec.md §3.4, §4.H). Unlike the other modules it
// runs its StateHistory in unbounded mode (spec.md §4.B "optional
// unbounded mode"): epoch totals are checkpointed by epoch boundary
// rather than pruned by block-number depth, following
// original_source/modules/epoch_activity_counter/src/epochs_history.rs
// (see SPEC_FULL.md "Supplemented features").
package epochactivity

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

// State is the running activity total for the current epoch. On a new
// epoch's first block it resets before accumulating.
type State = ledger.EpochActivity

// Clone delegates to ledger.CloneEpochActivity, the COW-safe deep-enough
// copy the shared map field needs.
func Clone(s State) State { return ledger.CloneEpochActivity(s) }

func apply(_ context.Context, s State, env ledger.Envelope) (State, error) {
	msg, ok := env.Message.(ledger.EpochActivityMessage)
	if !ok {
		return s, nil
	}
	if env.Block.NewEpoch || s.BlocksByVRFKey == nil {
		s = ledger.EpochActivity{Epoch: env.Block.Epoch, BlocksByVRFKey: make(map[ledger.VRFKeyHash]uint64)}
	}
	s.Blocks += msg.Activity.Blocks
	s.Fees += msg.Activity.Fees
	for k, v := range msg.Activity.BlocksByVRFKey {
		s.BlocksByVRFKey[k] += v
	}
	return s, nil
}

// Config configures a Module.
type Config struct {
	Bus   *fabric.Bus
	Clock clockwork.Clock

	// InputTopic defaults to "cardano.epoch.activity".
	InputTopic string

	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.Bus == nil {
		return errors.New("epochactivity: Bus is required")
	}
	if c.InputTopic == "" {
		c.InputTopic = "cardano.epoch.activity"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Module is the epoch-activity derived-state module.
type Module struct {
	m *module.Module[State]
}

// New constructs a Module. K is always statehistory.Unbounded: this
// module checkpoints by epoch boundary, not block-number depth.
func New(cfg Config) (*Module, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	m, err := module.New(module.Config[State]{
		Name:       "epochactivity",
		Bus:        cfg.Bus,
		InputTopic: cfg.InputTopic,
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

// Current returns a clone of the module's current (in-progress) epoch
// activity total.
func (mod *Module) Current() State { return mod.m.Current() }

const QueryCurrent = "current" // Params: none (bulk query of the in-progress epoch)

// RegisterQueries binds this module's resolver to cardano.query.epochactivity.
func (mod *Module) RegisterQueries(ctx context.Context, d *query.Dispatcher) {
	d.Register(ctx, "epochactivity", mod.resolve)
}

func (mod *Module) resolve(_ context.Context, req query.Request) (query.Reply, error) {
	switch req.Discriminator {
	case QueryCurrent:
		return query.Reply{Discriminator: QueryCurrent, Body: mod.Current()}, nil
	default:
		return query.Reply{}, query.InvalidRequest("epochactivity: unknown discriminator %q", req.Discriminator)
	}
}
