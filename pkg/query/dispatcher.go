package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/input-output-hk/acropolis-sub003/pkg/fabric"
)

// Resolver answers one Request for a derived-state module. It must clone
// state before doing any work and release the module's state lock before
// returning, per spec.md §4.H "Concurrency within a module" — that
// discipline lives in pkg/module; Resolver itself is just the pure
// query-answering function a module registers.
type Resolver func(ctx context.Context, req Request) (Reply, error)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Logger *slog.Logger
	Bus    *fabric.Bus

	// CacheTTL bounds how long a point-query reply may be served from
	// cache before re-resolving. Zero disables caching.
	CacheTTL time.Duration
}

// Dispatcher is the thin request/reply overlay of spec.md §4.I: each
// derived-state module registers one cardano.query.<name> topic; the
// out-of-scope REST/MCP façades call Query to satisfy point queries.
//
// Point-query replies (Request.IsPointQuery()) are cached with
// github.com/dgraph-io/ristretto, grounded on the same library's use in
// tools/solana/pkg/epoch/finder.go in the teacher's corpus for caching
// RPC-derived lookups.
type Dispatcher struct {
	log   *slog.Logger
	bus   *fabric.Bus
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewDispatcher constructs a Dispatcher. If cfg.CacheTTL is zero, point
// queries are never cached.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Bus == nil {
		return nil, errors.New("query: bus is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{log: log, bus: cfg.Bus, ttl: cfg.CacheTTL}
	if cfg.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1_000_000,
			MaxCost:     1 << 20,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("query: create cache: %w", err)
		}
		d.cache = cache
	}
	return d, nil
}

// Register binds a module's Resolver to cardano.query.<name>.
func (d *Dispatcher) Register(ctx context.Context, name string, resolve Resolver) {
	topic := "cardano.query." + name
	d.bus.Handle(ctx, topic, func(ctx context.Context, request any) (any, error) {
		req, ok := request.(Request)
		if !ok {
			return nil, InvalidRequest("malformed request body for %s", topic)
		}
		reply, err := resolve(ctx, req)
		if err != nil {
			return nil, err
		}
		return reply, nil
	})
}

// Query issues req against cardano.query.<name> and returns the typed
// reply, transparently caching point queries for CacheTTL.
func (d *Dispatcher) Query(ctx context.Context, name string, req Request) (Reply, error) {
	topic := "cardano.query." + name
	var cacheKey string
	if d.cache != nil && req.IsPointQuery() {
		cacheKey = fmt.Sprintf("%s|%s|%+v", topic, req.Discriminator, req.Params)
		if v, ok := d.cache.Get(cacheKey); ok {
			return v.(Reply), nil
		}
	}

	result, err := d.bus.Request(ctx, topic, req)
	if err != nil {
		var qerr *Error
		if errors.As(err, &qerr) {
			return Reply{}, qerr
		}
		return Reply{}, Internal(err, "query %s failed", topic)
	}
	reply, ok := result.(Reply)
	if !ok {
		return Reply{}, Internal(nil, "query %s returned unexpected reply type", topic)
	}

	if cacheKey != "" {
		d.cache.SetWithTTL(cacheKey, reply, 1, d.ttl)
		d.cache.Wait()
	}
	return reply, nil
}

// Invalidate drops every cached point-query reply. The cache is shared
// by all topics, so name does not narrow what is dropped. Nothing calls
// it on commit: without a call, a cached reply is served until its
// CacheTTL expires.
func (d *Dispatcher) Invalidate(name string) {
	if d.cache == nil {
		return
	}
	d.cache.Clear()
	_ = name // cache is process-wide; per-topic scoping isn't worth the bookkeeping at this scale.
}
