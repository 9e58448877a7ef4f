package peer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"
)

// Manager owns the set of configured upstream peers, runs each one's
// driver concurrently, and fans their announcements into a single
// stream for the aggregator (spec.md §4.E "Outputs").
//
// Staleness (a peer silent beyond its configured threshold is declared
// stale and demoted) is tracked with a ttlcache entry per peer that is
// touched on every chain-sync activity and expires otherwise; eviction
// is the demotion signal, grounded on the same library's use for
// expiring last-seen RPC results in
// controlplane/telemetry/internal/data/device/provider.go. The cache is
// built with WithDisableTouchOnHit so that IsStale's own reads never
// extend a peer's TTL — only OnActivity does that — or every liveness
// check from the aggregator would keep a silent peer alive forever.
type Manager struct {
	log   *slog.Logger
	peers map[string]*Peer

	stale *ttlcache.Cache[string, struct{}]

	announcements chan Announcement
}

// NewManager constructs a Manager over the given peer configs. Each
// config is passed to peer.New; construction fails if any is invalid.
func NewManager(logger *slog.Logger, cfgs []Config) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfgs) == 0 {
		return nil, errors.New("peer: manager requires at least one peer config")
	}

	m := &Manager{
		log:           logger,
		peers:         make(map[string]*Peer, len(cfgs)),
		stale:         ttlcache.New[string, struct{}](ttlcache.WithDisableTouchOnHit[string, struct{}]()),
		announcements: make(chan Announcement, 256),
	}
	for _, cfg := range cfgs {
		p, err := New(cfg)
		if err != nil {
			return nil, err
		}
		m.peers[p.ID()] = p
		id := p.ID()
		p.OnActivity(func() { m.stale.Set(id, struct{}{}, p.StaleTimeout()) })
	}
	return m, nil
}

// Peer returns the named peer driver, or nil if unknown.
func (m *Manager) Peer(id string) *Peer { return m.peers[id] }

// Peers returns every managed peer driver.
func (m *Manager) Peers() []*Peer {
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// IsStale reports whether id has gone silent beyond its configured
// threshold (no entry, or entry expired). The lookup itself never
// resets the TTL, so repeated staleness checks cannot mask a silent
// peer.
func (m *Manager) IsStale(id string) bool {
	item := m.stale.Get(id)
	return item == nil
}

// Announcements returns the fanned-in stream of every peer's chain-sync
// events, tagged by PeerID.
func (m *Manager) Announcements() <-chan Announcement { return m.announcements }

// RequestBody asks the named peer for a block body.
func (m *Manager) RequestBody(ctx context.Context, peerID string, point Point) ([]byte, error) {
	p := m.peers[peerID]
	if p == nil {
		return nil, errors.New("peer: unknown peer " + peerID)
	}
	return p.RequestBody(ctx, point)
}

// Run starts the ttlcache janitor and every peer's driver, fanning each
// peer's own announcement channel into Manager's combined stream. It
// blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	go m.stale.Start()
	defer m.stale.Stop()

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range m.peers {
		p := p
		g.Go(func() error { return p.Run(ctx) })
		g.Go(func() error { return m.fanIn(ctx, p) })
	}
	return g.Wait()
}

func (m *Manager) fanIn(ctx context.Context, p *Peer) error {
	for {
		select {
		case ann, ok := <-p.Announcements():
			if !ok {
				return nil
			}
			select {
			case m.announcements <- ann:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
