// Package utxo implements the UTXO-set derived-state module (spec.md
// §3.4, §4.H). Unlike the other state modules, its state is too large to
// keep as an in-process COW snapshot (spec.md §6.6): it is delegated
// entirely to an injected utxostore.Store, which owns its own rollback
// (InMemory keeps an undo log for it). This module is the thin
// driver that feeds block-ordered deltas into that store and answers
// point queries against it.
package utxo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/input-output-hk/acropolis-sub003/pkg/block"
	"github.com/input-output-hk/acropolis-sub003/pkg/fabric"
	"github.com/input-output-hk/acropolis-sub003/pkg/ledger"
	"github.com/input-output-hk/acropolis-sub003/pkg/query"
	"github.com/input-output-hk/acropolis-sub003/pkg/utxostore"
)

// Config configures a Module.
type Config struct {
	Bus   *fabric.Bus
	Store utxostore.Store

	// InputTopic defaults to "cardano.utxo.deltas".
	InputTopic string

	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.Bus == nil {
		return errors.New("utxo: Bus is required")
	}
	if c.Store == nil {
		return errors.New("utxo: Store is required")
	}
	if c.InputTopic == "" {
		c.InputTopic = "cardano.utxo.deltas"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Module drives a utxostore.Store from the cardano.utxo.deltas feed.
type Module struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	lastCanonical *block.Info
	healthFailed  bool
}

// New constructs a Module.
func New(cfg Config) (*Module, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	return &Module{cfg: cfg, log: cfg.Logger.With("module", "utxo")}, nil
}

// Run subscribes to the input topic and drives the store until ctx is
// done.
func (m *Module) Run(ctx context.Context) error {
	sub := m.cfg.Bus.Subscribe(m.cfg.InputTopic)
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
		if !ok {
			m.log.Warn("dropping message with unexpected payload type", "topic", env.Topic)
			continue
		}
		if m.HealthFailed() {
			continue
		}
		if err := m.apply(ctx, msgEnv); err != nil {
			m.log.Error("apply failed", "error", err)
		}
	}
}

func (m *Module) apply(ctx context.Context, env ledger.Envelope) error {
	b := env.Block

	if b.Status == block.StatusRolledBack {
		if err := m.cfg.Store.Rollback(ctx, b.Number); err != nil {
			return m.fail(fmt.Errorf("utxo: rollback to %d: %w", b.Number, err))
		}
		m.setCanonical(b)
		return nil
	}

	deltas, ok := env.Message.(ledger.UTXODeltas)
	if !ok {
		m.setCanonical(b)
		return nil
	}
	if err := m.cfg.Store.ApplyDeltas(ctx, b.Number, deltas.Created, deltas.Spent); err != nil {
		return m.fail(fmt.Errorf("utxo: apply block %d: %w", b.Number, err))
	}
	m.setCanonical(b)
	return nil
}

func (m *Module) setCanonical(b block.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCanonical = &b
}

func (m *Module) fail(err error) error {
	m.mu.Lock()
	m.healthFailed = true
	m.mu.Unlock()
	return query.IntegrityViolation(err, "utxo store integrity violation")
}

// HealthFailed reports whether this module has stopped consuming input
// after an unrecoverable store error.
func (m *Module) HealthFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthFailed
}

// query request params/discriminators for the "utxo" query topic.
const (
	QueryGet = "get" // Params: ledger.OutputRef
)

// RegisterQueries binds this module's resolver to cardano.query.utxo.
func (m *Module) RegisterQueries(ctx context.Context, d *query.Dispatcher) {
	d.Register(ctx, "utxo", m.resolve)
}

func (m *Module) resolve(ctx context.Context, req query.Request) (query.Reply, error) {
	switch req.Discriminator {
	case QueryGet:
		ref, ok := req.Params.(ledger.OutputRef)
		if !ok {
			return query.Reply{}, query.InvalidRequest("utxo: get requires an OutputRef")
		}
		entry, ok, err := m.cfg.Store.Get(ctx, ref)
		if err != nil {
			return query.Reply{}, query.Internal(err, "utxo: get %s", ref.TxID)
		}
		if !ok {
			return query.Reply{}, query.NotFound("utxo: no entry for %s:%d", ref.TxID, ref.Index)
		}
		return query.Reply{Discriminator: QueryGet, Body: entry}, nil
	default:
		return query.Reply{}, query.InvalidRequest("utxo: unknown discriminator %q", req.Discriminator)
	}
}
