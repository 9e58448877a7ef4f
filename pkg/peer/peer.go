// Package peer implements the per-upstream-peer connection manager of
// spec.md §4.E: a driver that runs handshake, chain-sync and block-fetch
// as concurrent cooperating protocols against one peer, and a Manager
// that owns a set of these drivers and fans their announcements into one
// stream for the aggregator.
//
// The wire framing itself (§6.1) is explicitly out of scope: dialing,
// handshaking and decoding are delegated to an injected WireClient. This
// package depends on no raw socket or codec library at all — it only
// drives the state machine and backoff/staleness scaffolding around
// whatever WireClient implementation the deployment supplies.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/input-output-hk/acropolis-sub003/pkg/block"
)

// State is one of the peer driver's states (spec.md §4.E).
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateFindingIntersect
	StateSyncing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateFindingIntersect:
		return "finding_intersect"
	case StateSyncing:
		return "syncing"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Point identifies a position on the chain by slot and block hash, used
// for intersect discovery and rollback targets.
type Point struct {
	Slot uint64
	Hash block.Hash
}

// Header is the decoded chain-sync header: the (slot, number, hash, era)
// triple the aggregator routes on, plus the opaque raw bytes it never
// inspects (spec.md §6.1).
type Header struct {
	Slot   uint64
	Number uint64
	Hash   block.Hash
	Era    block.Era
	Raw    []byte
}

// ChainSyncEvent is the tagged union of chain-sync messages (spec.md
// §4.E): RollForward or RollBackward.
type ChainSyncEvent interface{ chainSyncEvent() }

// RollForward announces a new header at the peer's current tip.
type RollForward struct {
	Header Header
	Tip    Point
}

func (RollForward) chainSyncEvent() {}

// RollBackward instructs the consumer to rewind to Point.
type RollBackward struct {
	Point Point
	Tip   Point
}

func (RollBackward) chainSyncEvent() {}

// WireClient is the injected boundary to one peer's TCP connection. A
// deployment supplies a concrete implementation that speaks the real
// length-prefixed handshake/chain-sync/block-fetch framing; this package
// only ever sees the decoded shapes above.
type WireClient interface {
	Dial(ctx context.Context) error
	Handshake(ctx context.Context, networkMagic uint64) error
	// FindIntersect offers points in ladder, deepest first, and returns
	// the peer's deepest recognised point. ok is false if none matched.
	FindIntersect(ctx context.Context, ladder []Point) (point Point, ok bool, err error)
	NextChainSyncEvent(ctx context.Context) (ChainSyncEvent, error)
	FetchBlock(ctx context.Context, point Point) ([]byte, error)
	Close() error
}

// LadderFunc supplies the current intersect point ladder: five most
// recent published blocks, five spaced by 10, five by 100 (spec.md
// §4.E "Intersect discovery"). It is owned by the aggregator, which
// knows the currently-published chain.
type LadderFunc func() []Point

// Config configures a Peer driver.
type Config struct {
	ID           string
	Address      string
	Client       WireClient
	NetworkMagic uint64
	Ladder       LadderFunc

	Clock clockwork.Clock

	// StaleTimeout bounds how long a peer may go without any chain-sync
	// activity before it is declared stale and demoted. Default 30s.
	StaleTimeout time.Duration

	// AnnouncementDepth bounds the announcements channel (back-pressure
	// per spec.md §5: producers block rather than drop).
	AnnouncementDepth int

	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.Address == "" {
		return errors.New("peer: Address is required")
	}
	if c.Client == nil {
		return errors.New("peer: Client is required")
	}
	if c.Ladder == nil {
		return errors.New("peer: Ladder is required")
	}
	if c.ID == "" {
		c.ID = c.Address
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 30 * time.Second
	}
	if c.AnnouncementDepth <= 0 {
		c.AnnouncementDepth = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// fetchRequest is one pending block-fetch call multiplexed onto the
// driver's single block-fetch sub-protocol.
type fetchRequest struct {
	point Point
	reply chan fetchReply
}

type fetchReply struct {
	body []byte
	err  error
}

// Peer drives one upstream connection through its full state machine:
// connect, handshake, find intersect, then run chain-sync and
// block-fetch concurrently until failure, at which point it backs off
// and retries from Connecting.
type Peer struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	state State

	announcements chan Announcement
	fetchReqs     chan fetchRequest

	// onActivity, if set, is called whenever a chain-sync event arrives.
	// The Manager uses it to refresh this peer's staleness entry.
	onActivity func()
}

// OnActivity registers a callback invoked on every chain-sync event
// received from this peer. Used by Manager to drive stale-peer
// detection; at most one callback is kept.
func (p *Peer) OnActivity(fn func()) { p.onActivity = fn }

// Announcement is one chain-sync event tagged with the peer that
// observed it, as surfaced to the aggregator.
type Announcement struct {
	PeerID string
	Event  ChainSyncEvent
}

// New constructs a Peer driver. Call Run to start it.
func New(cfg Config) (*Peer, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	return &Peer{
		cfg:           cfg,
		log:           cfg.Logger.With("peer", cfg.ID),
		state:         StateConnecting,
		announcements: make(chan Announcement, cfg.AnnouncementDepth),
		fetchReqs:     make(chan fetchRequest),
	}, nil
}

// ID returns this peer's configured identifier.
func (p *Peer) ID() string { return p.cfg.ID }

// StaleTimeout returns the configured staleness threshold.
func (p *Peer) StaleTimeout() time.Duration { return p.cfg.StaleTimeout }

// State reports the driver's current state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Announcements returns the channel of chain-sync events this peer has
// observed. The aggregator reads it to drive fork-choice.
func (p *Peer) Announcements() <-chan Announcement { return p.announcements }

// RequestBody asks this peer for the body at point, previously announced
// by one of its chain-sync events. It blocks until the peer's
// block-fetch sub-protocol answers or ctx is done.
func (p *Peer) RequestBody(ctx context.Context, point Point) ([]byte, error) {
	reply := make(chan fetchReply, 1)
	select {
	case p.fetchReqs <- fetchRequest{point: point, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drives the peer until ctx is cancelled, reconnecting with
// exponential backoff on every failure (spec.md §4.E: "any protocol or
// I/O failure ⇒ Failed, release all owned headers/bodies, wait, retry").
// It only returns when ctx is done.
func (p *Peer) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 0
	bo.MaxInterval = 5 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := p.attemptSession(ctx); err != nil {
			p.setState(StateFailed)
			wait := bo.NextBackOff()
			p.log.Warn("peer session failed, backing off", "error", err, "backoff", wait)
			select {
			case <-p.cfg.Clock.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		// attemptSession only returns nil when ctx is done.
		return nil
	}
}

// attemptSession runs one full connect→handshake→intersect→sync cycle.
// A nil return means ctx ended cleanly; any error means the session
// failed and the caller should back off and retry.
func (p *Peer) attemptSession(ctx context.Context) error {
	p.setState(StateConnecting)
	if err := p.cfg.Client.Dial(ctx); err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer p.cfg.Client.Close()

	p.setState(StateHandshaking)
	if err := p.cfg.Client.Handshake(ctx, p.cfg.NetworkMagic); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	p.setState(StateFindingIntersect)
	ladder := p.cfg.Ladder()
	if _, ok, err := p.cfg.Client.FindIntersect(ctx, ladder); err != nil {
		return fmt.Errorf("find intersect: %w", err)
	} else if !ok {
		return errors.New("find intersect: no common point with peer")
	}

	p.setState(StateSyncing)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.runChainSync(ctx) })
	g.Go(func() error { return p.runBlockFetch(ctx) })
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
	return nil
}

func (p *Peer) runChainSync(ctx context.Context) error {
	for {
		event, err := p.cfg.Client.NextChainSyncEvent(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("chain-sync: %w", err)
		}
		if p.onActivity != nil {
			p.onActivity()
		}
		select {
		case p.announcements <- Announcement{PeerID: p.cfg.ID, Event: event}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Peer) runBlockFetch(ctx context.Context) error {
	for {
		select {
		case req := <-p.fetchReqs:
			body, err := p.cfg.Client.FetchBlock(ctx, req.point)
			select {
			case req.reply <- fetchReply{body: body, err: err}:
			default:
			}
			if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
