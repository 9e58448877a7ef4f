// Package module provides the base skeleton every derived-state module
// follows (spec.md §4.H): subscribe to the fabric, apply each block
// through a rollback-aware loop into a statehistory.History[S], and
// answer point queries against a cheap clone of the current state.
package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/input-output-hk/acropolis-sub003/pkg/block"
	"github.com/input-output-hk/acropolis-sub003/pkg/fabric"
	"github.com/input-output-hk/acropolis-sub003/pkg/ledger"
	"github.com/input-output-hk/acropolis-sub003/pkg/statehistory"
)

// ApplyFunc mutates a clone of the module's current state in response to
// one fabric envelope. It must not retain env.Message beyond the call.
type ApplyFunc[S any] func(ctx context.Context, s S, env ledger.Envelope) (S, error)

// TickFunc runs periodic maintenance (stats, pruning) against a snapshot
// of the current state. It never mutates committed history directly —
// if a tick needs to prune, it calls the History's Prune() through the
// Module, not through a snapshot.
type TickFunc[S any] func(ctx context.Context, s S)

// Config configures a Module[S].
type Config[S any] struct {
	Name  string // used for logging and as the default query-topic suffix
	Clock clockwork.Clock
	Bus   *fabric.Bus

	// InputTopic is the fabric topic this module consumes — either
	// cardano.block.available directly, or a derived feed topic that
	// itself carries (block.Info, ledger.CardanoMessage) envelopes.
	InputTopic string
	// InputTopics subscribes to more than one derived feed when a single
	// module's state is driven by several distinct event kinds (e.g.
	// stake-account balances fed by both cardano.address.deltas and
	// cardano.certificates). If set, InputTopic is ignored. Each topic
	// runs its own fan-in goroutine into the same Apply/commit path, so
	// ordering is only guaranteed within one topic, never across two.
	InputTopics []string
	// TickTopic defaults to "clock.tick".
	TickTopic string

	K     uint64
	Clone statehistory.CloneFunc[S]
	Apply ApplyFunc[S]
	Tick  TickFunc[S] // optional

	Logger *slog.Logger
}

func (c *Config[S]) setDefaults() error {
	if c.Name == "" {
		return errors.New("module: Name is required")
	}
	if c.Bus == nil {
		return errors.New("module: Bus is required")
	}
	if len(c.InputTopics) == 0 {
		if c.InputTopic == "" {
			return errors.New("module: InputTopic is required")
		}
		c.InputTopics = []string{c.InputTopic}
	}
	if c.Apply == nil {
		return errors.New("module: Apply is required")
	}
	if c.Clone == nil {
		return errors.New("module: Clone is required")
	}
	if c.TickTopic == "" {
		c.TickTopic = "clock.tick"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Module is the generic base every concrete state module embeds or
// wraps.
type Module[S any] struct {
	cfg Config[S]
	log *slog.Logger

	// mu is spec.md §5's "per-module async mutex". apply holds it across
	// the whole read-Apply-commit sequence, so an ApplyFunc that blocks
	// (spo's publishes onto the fabric) keeps Current and queries waiting
	// until it returns. runTick holds it only long enough to clone the
	// current state; Tick itself runs outside it.
	mu      sync.Mutex
	history *statehistory.History[S]

	// lastCanonical is the block of the last committed envelope. Commits
	// are keyed by each envelope's own block number; a single-topic
	// module logs a warning when that number is not one past
	// lastCanonical's and commits it all the same. No separate canonical
	// BlockAvailable stream is consulted.
	lastCanonical *block.Info

	healthFailed bool
}

// New constructs a Module[S].
func New[S any](cfg Config[S]) (*Module[S], error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	return &Module[S]{
		cfg: cfg,
		log: cfg.Logger.With("module", cfg.Name),
		history: statehistory.New(statehistory.Config[S]{
			K:      cfg.K,
			Clone:  cfg.Clone,
			Logger: cfg.Logger,
		}),
	}, nil
}

// Run subscribes to every topic in InputTopics and, if a Tick function is
// configured, TickTopic, and drives the module's message loop until ctx
// is done. It is the only place this module observes the outside world
// (spec.md §4.D "Integration contract"). Each subscription has its own
// reader goroutine, but every envelope they read is funnelled into one
// shared apply loop (spec.md §5 "Scheduling model") — a module fed by
// several topics must still only ever run one read-Apply-Commit at a
// time, since two feeds can both carry data for the same block number
// and a concurrent, out-of-lock Apply on each would race. Fanned in with
// errgroup so any one's fatal error stops the rest.
func (m *Module[S]) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	envelopes := make(chan ledger.Envelope)
	for _, topic := range m.cfg.InputTopics {
		topic := topic
		g.Go(func() error { return m.runReadLoop(ctx, topic, envelopes) })
	}
	g.Go(func() error { return m.runApplyLoop(ctx, envelopes) })
	if m.cfg.Tick != nil {
		g.Go(func() error { return m.runTickLoop(ctx) })
	}
	return g.Wait()
}

// runReadLoop only reads off one subscription and forwards onto the
// shared envelopes channel; it does no Apply/Commit work itself, so
// topics run concurrently without racing each other into the module's
// history.
func (m *Module[S]) runReadLoop(ctx context.Context, topic string, out chan<- ledger.Envelope) error {
	sub := m.cfg.Bus.Subscribe(topic)
	defer sub.Close()

	for {
		env, err := sub.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		msgEnv, ok := env.Message.(ledger.Envelope)
		if ba, isBlock := env.Message.(ledger.BlockAvailable); isBlock {
			msgEnv, ok = ledger.Envelope{Block: ba.Block, Message: ba}, true
		}
		if !ok {
			m.log.Warn("dropping message with unexpected payload type", "topic", env.Topic)
			continue
		}
		select {
		case out <- msgEnv:
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Module[S]) runApplyLoop(ctx context.Context, in <-chan ledger.Envelope) error {
	multiTopic := len(m.cfg.InputTopics) > 1
	for {
		select {
		case env := <-in:
			if m.HealthFailed() {
				continue
			}
			if err := m.apply(ctx, env, multiTopic); err != nil {
				var iv *statehistory.IntegrityViolationError
				if errors.As(err, &iv) {
					m.log.Error("integrity violation, module stopping consumption", "error", err)
					m.mu.Lock()
					m.healthFailed = true
					m.mu.Unlock()
					continue
				}
				m.log.Error("apply failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Module[S]) runTickLoop(ctx context.Context) error {
	sub := m.cfg.Bus.Subscribe(m.cfg.TickTopic)
	defer sub.Close()

	for {
		if _, err := sub.Read(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		m.runTick(ctx)
	}
}

// apply runs one envelope's full read-Apply-Commit under the module
// lock. Apply works on a clone (spec.md §9), but the lock is held for as
// long as it runs, including any fabric publish it makes (spo's does).
// For a multi-topic module holding it is required: two feeds can each carry an update for
// the same block number, and reading a base state, releasing the lock,
// then committing later would let one feed's Apply run against a base
// the other feed has already moved past (a lost update).
//
// multiTopic selects Amend over Commit: a module fed by more than one
// InputTopic legitimately sees a given block number more than once, once
// per feed that had something to say about it, and must fold those into
// one retained entry rather than reject the second as out-of-order. A
// single-topic module keeps strict Commit, since a repeat block number
// there is a genuine upstream ordering bug, not an expected merge.
//
// A RolledBack envelope carries the number of the block being rolled
// back to. That block's retained entry is kept, every later entry is
// dropped, and the envelope's result is amended onto the kept entry.
func (m *Module[S]) apply(ctx context.Context, env ledger.Envelope, multiTopic bool) error {
	b := env.Block

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastCanonical != nil && b.Number != m.lastCanonical.Number+1 && b.Status != block.StatusRolledBack && !multiTopic {
		m.log.Warn("inbound block number disagrees with canonical tip",
			"inbound", b.Number, "expected", m.lastCanonical.Number+1)
	}

	var s S
	if b.Status == block.StatusRolledBack {
		s = m.history.GetRolledBackState(b.Number + 1)
	} else {
		s = m.history.GetCurrentState()
	}

	next, err := m.cfg.Apply(ctx, s, env)
	if err != nil {
		return fmt.Errorf("module %s: apply block %d: %w", m.cfg.Name, b.Number, err)
	}

	if multiTopic || b.Status == block.StatusRolledBack {
		err = m.history.Amend(b.Number, next)
	} else {
		err = m.history.Commit(b.Number, next)
	}
	if err != nil {
		return err
	}
	canon := b
	m.lastCanonical = &canon
	return nil
}

func (m *Module[S]) runTick(ctx context.Context) {
	if m.cfg.Tick == nil {
		return
	}
	m.mu.Lock()
	snapshot := m.history.GetCurrentState()
	m.mu.Unlock()
	m.cfg.Tick(ctx, snapshot)
}

// Current returns a clone of the committed current state, suitable for
// query handlers to read without holding the module's lock across work
// (spec.md §4.H step 5).
func (m *Module[S]) Current() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.GetCurrentState()
}

// InspectPrevious looks up a retained historical snapshot by block
// number (spec.md §4.B InspectPreviousState).
func (m *Module[S]) InspectPrevious(blockNumber uint64) (S, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.InspectPreviousState(blockNumber)
}

// HealthFailed reports whether this module has stopped consuming input
// after an unrecoverable IntegrityViolationError (spec.md §7
// "IntegrityViolation in the core state path is unrecoverable").
func (m *Module[S]) HealthFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthFailed
}

// PruneNow triggers an out-of-band prune, for modules that prune at tick
// time rather than commit time (spec.md §9, both acceptable).
func (m *Module[S]) PruneNow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history.Prune()
}
