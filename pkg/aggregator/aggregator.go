// Package aggregator implements the chain aggregator of spec.md §4.F:
// it multiplexes the per-peer chain-sync streams surfaced by pkg/peer
// into one canonical, totally ordered block stream published on
// cardano.block.available.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/input-output-hk/acropolis-sub003/pkg/block"
	"github.com/input-output-hk/acropolis-sub003/pkg/fabric"
	"github.com/input-output-hk/acropolis-sub003/pkg/ledger"
	"github.com/input-output-hk/acropolis-sub003/pkg/peer"
)

// PeerSource is the slice of peer.Manager the aggregator depends on. A
// narrow interface so the fork-choice and publication logic can be
// tested against a fake without a real peer.Manager.
type PeerSource interface {
	Announcements() <-chan peer.Announcement
	RequestBody(ctx context.Context, peerID string, point peer.Point) ([]byte, error)
	IsStale(peerID string) bool
}

type blockKey struct {
	Slot uint64
	Hash block.Hash
}

// row is the per-slot bookkeeping entry of spec.md §4.F: every known
// candidate block in the active rollback window, which peers have
// announced it, and its body once fetched.
type row struct {
	header      peer.Header
	announcedBy map[string]bool
	body        []byte
}

// Config configures an Aggregator.
type Config struct {
	Bus        *fabric.Bus
	Peers      PeerSource
	ParamTable block.ParamTable

	// K bounds published_blocks and defines the immutability watermark.
	K uint64

	// OutputTopic defaults to "cardano.block.available".
	OutputTopic string

	Clock  clockwork.Clock
	Logger *slog.Logger
}

func (c *Config) setDefaults() error {
	if c.Bus == nil {
		return errors.New("aggregator: Bus is required")
	}
	if c.Peers == nil {
		return errors.New("aggregator: Peers is required")
	}
	if len(c.ParamTable) == 0 {
		return errors.New("aggregator: ParamTable is required")
	}
	if c.K == 0 {
		return errors.New("aggregator: K is required")
	}
	if c.OutputTopic == "" {
		c.OutputTopic = "cardano.block.available"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Aggregator is the fork-choice and publication engine of spec.md §4.F.
type Aggregator struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	bySlot map[uint64]map[block.Hash]*row

	// published tracks what has been emitted, bounded at K.
	published []blockKey
	// pending holds each peer's own observed-but-not-yet-emitted
	// roll-forwards, in announce order. The preferred peer's queue is
	// spec.md's "unpublished_blocks".
	pending map[string][]blockKey

	chainLen      map[string]uint64
	firstObserved map[string]time.Time
	demoted       map[string]bool
	preferred     string

	// pendingRollback, when set, is emitted as a RolledBack marker
	// ahead of the next forward block (set whenever a rollback or
	// fork-switch actually popped something from published).
	pendingRollback *peer.Header

	bodyInFlight map[blockKey]bool
}

// New constructs an Aggregator. Call Run to start it.
func New(cfg Config) (*Aggregator, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	return &Aggregator{
		cfg:           cfg,
		log:           cfg.Logger.With("component", "aggregator"),
		bySlot:        make(map[uint64]map[block.Hash]*row),
		pending:       make(map[string][]blockKey),
		chainLen:      make(map[string]uint64),
		firstObserved: make(map[string]time.Time),
		demoted:       make(map[string]bool),
		bodyInFlight:  make(map[blockKey]bool),
	}, nil
}

// Preferred reports the current preferred upstream peer, or "" if none
// is eligible yet.
func (a *Aggregator) Preferred() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.preferred
}

// Ladder implements peer.LadderFunc: five most recent published blocks,
// five spaced by 10, five by 100 (spec.md §4.E "Intersect discovery").
func (a *Aggregator) Ladder() []peer.Point {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ladderLocked()
}

func (a *Aggregator) ladderLocked() []peer.Point {
	if len(a.published) == 0 {
		return nil
	}
	var out []peer.Point
	add := func(idxFromEnd int) {
		i := len(a.published) - 1 - idxFromEnd
		if i < 0 {
			return
		}
		out = append(out, peer.Point{Slot: a.published[i].Slot, Hash: a.published[i].Hash})
	}
	for i := 0; i < 5; i++ {
		add(i)
	}
	for i := 1; i <= 5; i++ {
		add(i * 10)
	}
	for i := 1; i <= 5; i++ {
		add(i * 100)
	}
	return out
}

// SeedFromSnapshot seeds the aggregator's published tip from a bootstrap
// snapshot's resume point (spec.md §4.G "The aggregator uses this as its
// FindIntersect seed").
func (a *Aggregator) SeedFromSnapshot(tip block.Info) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := blockKey{Slot: tip.Slot, Hash: tip.Hash}
	a.bySlot[key.Slot] = map[block.Hash]*row{
		key.Hash: {header: peer.Header{Slot: tip.Slot, Number: tip.Number, Hash: tip.Hash, Era: tip.Era}, announcedBy: map[string]bool{}},
	}
	a.published = []blockKey{key}
}

// Run consumes peer announcements until ctx is done, maintaining
// fork-choice and emitting the canonical BlockAvailable stream.
func (a *Aggregator) Run(ctx context.Context) error {
	sub := a.cfg.Peers.Announcements()
	for {
		select {
		case ann, ok := <-sub:
			if !ok {
				return nil
			}
			if err := a.handle(ctx, ann); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Aggregator) handle(ctx context.Context, ann peer.Announcement) error {
	switch ev := ann.Event.(type) {
	case peer.RollForward:
		return a.handleRollForward(ctx, ann.PeerID, ev)
	case peer.RollBackward:
		return a.handleRollBackward(ctx, ann.PeerID, ev)
	default:
		return fmt.Errorf("aggregator: unknown chain-sync event %T", ev)
	}
}

func (a *Aggregator) handleRollForward(ctx context.Context, peerID string, rf peer.RollForward) error {
	key := blockKey{Slot: rf.Header.Slot, Hash: rf.Header.Hash}

	a.mu.Lock()
	bySlot, ok := a.bySlot[key.Slot]
	if !ok {
		bySlot = make(map[block.Hash]*row)
		a.bySlot[key.Slot] = bySlot
	}
	r, ok := bySlot[key.Hash]
	if !ok {
		r = &row{header: rf.Header, announcedBy: make(map[string]bool)}
		bySlot[key.Hash] = r
	}
	r.announcedBy[peerID] = true

	if rf.Header.Number > a.chainLen[peerID] {
		a.chainLen[peerID] = rf.Header.Number
	}
	if _, seen := a.firstObserved[peerID]; !seen {
		a.firstObserved[peerID] = a.cfg.Clock.Now()
	}
	a.pending[peerID] = append(a.pending[peerID], key)

	a.reselectPreferredLocked()

	needsBody := r.body == nil && !a.bodyInFlight[key]
	if needsBody {
		a.bodyInFlight[key] = true
	}
	events := a.drainLocked()
	a.mu.Unlock()

	if needsBody {
		go a.fetchBody(ctx, peerID, key)
	}
	return a.publishAll(ctx, events)
}

func (a *Aggregator) handleRollBackward(ctx context.Context, peerID string, rb peer.RollBackward) error {
	a.mu.Lock()
	if peerID != a.preferred {
		// Rollbacks from a non-preferred peer are observed but not
		// propagated (spec.md §4.E "Failure semantics").
		a.mu.Unlock()
		return nil
	}
	target, ok := a.numberForPointLocked(rb.Point)
	if !ok {
		if len(a.published) > 0 && uint64(len(a.published)) >= a.cfg.K && rb.Point.Slot < a.published[0].Slot {
			// Rows older than the published window are pruned, so a point
			// before its oldest entry lies at or below the watermark.
			a.demoted[peerID] = true
			a.log.Warn("peer rolled back before immutability boundary, demoting",
				"peer", peerID, "slot", rb.Point.Slot, "watermark", a.watermarkLocked())
			a.reselectPreferredLocked()
			a.mu.Unlock()
			return nil
		}
		a.mu.Unlock()
		a.log.Warn("rollback to unannounced point, ignoring", "peer", peerID)
		return nil
	}
	if target.Number <= a.watermarkLocked() {
		a.demoted[peerID] = true
		a.log.Warn("peer rolled back before immutability boundary, demoting",
			"peer", peerID, "target", target.Number, "watermark", a.watermarkLocked())
		a.reselectPreferredLocked()
		a.mu.Unlock()
		return nil
	}
	a.rollbackToLocked(target)
	events := a.drainLocked()
	a.mu.Unlock()
	return a.publishAll(ctx, events)
}

// numberForPointLocked resolves a wire Point to its known Header by
// scanning the retained per-slot rows.
func (a *Aggregator) numberForPointLocked(p peer.Point) (peer.Header, bool) {
	if bySlot, ok := a.bySlot[p.Slot]; ok {
		if r, ok := bySlot[p.Hash]; ok {
			return r.header, true
		}
	}
	return peer.Header{}, false
}

// watermarkLocked is the immutability boundary: published_blocks.back()'s
// number minus K.
func (a *Aggregator) watermarkLocked() uint64 {
	if len(a.published) == 0 {
		return 0
	}
	tip := a.tipHeaderLocked()
	if tip.Number <= a.cfg.K {
		return 0
	}
	return tip.Number - a.cfg.K
}

func (a *Aggregator) tipHeaderLocked() peer.Header {
	last := a.published[len(a.published)-1]
	return a.bySlot[last.Slot][last.Hash].header
}

// rollbackToLocked drops pending/published entries beyond target and, if
// anything was actually popped from published, arms a RolledBack marker
// ahead of the next forward emission.
func (a *Aggregator) rollbackToLocked(target peer.Header) {
	pend := a.pending[a.preferred]
	kept := pend[:0:0]
	for _, k := range pend {
		if r := a.bySlot[k.Slot][k.Hash]; r != nil && r.header.Number <= target.Number {
			kept = append(kept, k)
		}
	}
	a.pending[a.preferred] = kept

	popped := false
	for len(a.published) > 0 {
		last := a.published[len(a.published)-1]
		h := a.bySlot[last.Slot][last.Hash].header
		if h.Number <= target.Number {
			break
		}
		a.published = a.published[:len(a.published)-1]
		popped = true
	}
	if popped {
		h := target
		a.pendingRollback = &h
	}
}

// reselectPreferredLocked picks the non-demoted, non-stale peer
// announcing the longest chain, tie-broken by first-observed (spec.md
// §4.F "Fork-choice policy"). If the winner differs from the current
// preferred peer and its known chain diverges from what's already
// published, it rolls back to the last common ancestor.
func (a *Aggregator) reselectPreferredLocked() {
	var best string
	var bestLen uint64
	var bestFirst time.Time
	for id, length := range a.chainLen {
		if a.demoted[id] || a.cfg.Peers.IsStale(id) {
			continue
		}
		fo := a.firstObserved[id]
		if best == "" || length > bestLen || (length == bestLen && fo.Before(bestFirst)) {
			best, bestLen, bestFirst = id, length, fo
		}
	}
	if best == "" || best == a.preferred {
		return
	}
	old := a.preferred
	a.preferred = best
	a.log.Info("preferred peer changed", "from", old, "to", best)
	if old != "" {
		a.switchPreferredLocked(best)
	}
}

// switchPreferredLocked finds the last block in published that the new
// preferred peer also announced, rolls back beyond it if the two chains
// diverge, and seeds the new preferred's pending queue with whatever it
// has already announced beyond that point.
func (a *Aggregator) switchPreferredLocked(newPeer string) {
	divergeAt := len(a.published)
	for i := len(a.published) - 1; i >= 0; i-- {
		key := a.published[i]
		if r := a.bySlot[key.Slot][key.Hash]; r != nil && r.announcedBy[newPeer] {
			divergeAt = i + 1
			break
		}
		divergeAt = i
	}
	if divergeAt < len(a.published) {
		if divergeAt == 0 {
			// New peer's chain diverges before anything we've retained;
			// nothing sound to roll back to, so refuse the switch.
			a.demoted[newPeer] = true
			a.preferred = ""
			a.reselectPreferredLocked()
			return
		}
		target := a.bySlot[a.published[divergeAt-1].Slot][a.published[divergeAt-1].Hash].header
		if target.Number <= a.watermarkLocked() {
			a.demoted[newPeer] = true
			a.preferred = ""
			a.reselectPreferredLocked()
			return
		}
		a.preferred = newPeer
		a.rollbackToLocked(target)
	}
	a.seedPendingFromKnownLocked(newPeer)
}

// seedPendingFromKnownLocked rebuilds newPeer's pending queue from every
// row it has already announced beyond the current published tip,
// ordered by block number.
func (a *Aggregator) seedPendingFromKnownLocked(newPeer string) {
	tipNum := uint64(0)
	if len(a.published) > 0 {
		tipNum = a.tipHeaderLocked().Number
	}
	var keys []blockKey
	for slot, byHash := range a.bySlot {
		for h, r := range byHash {
			if r.announcedBy[newPeer] && r.header.Number > tipNum {
				keys = append(keys, blockKey{Slot: slot, Hash: h})
			}
		}
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			ni := a.bySlot[keys[i].Slot][keys[i].Hash].header.Number
			nj := a.bySlot[keys[j].Slot][keys[j].Hash].header.Number
			if nj < ni {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	a.pending[newPeer] = keys
}

// drainLocked pops every ready (body-present) head off the preferred
// peer's pending queue, in order, and prunes published beyond K,
// returning the BlockAvailable messages to publish outside the lock.
func (a *Aggregator) drainLocked() []ledger.BlockAvailable {
	var out []ledger.BlockAvailable

	if a.pendingRollback != nil {
		h := *a.pendingRollback
		a.pendingRollback = nil
		info, err := block.New(a.cfg.ParamTable, h.Slot, h.Number, h.Hash, h.Era, block.StatusRolledBack, block.IntentApply)
		if err != nil {
			a.log.Error("aggregator: build rollback block info", "error", err)
		} else {
			out = append(out, ledger.BlockAvailable{Block: info})
		}
	}

	for {
		pend := a.pending[a.preferred]
		if len(pend) == 0 {
			return out
		}
		head := pend[0]
		r := a.bySlot[head.Slot][head.Hash]
		if r == nil || r.body == nil {
			return out
		}
		a.pending[a.preferred] = pend[1:]

		info, err := block.New(a.cfg.ParamTable, r.header.Slot, r.header.Number, r.header.Hash, r.header.Era, block.StatusVolatile, block.IntentApply)
		if err != nil {
			a.log.Error("aggregator: build block info", "error", err)
			continue
		}
		out = append(out, ledger.BlockAvailable{Block: info})

		a.published = append(a.published, head)
		if uint64(len(a.published)) > a.cfg.K {
			drop := a.published[0]
			a.published = a.published[1:]
			delete(a.bySlot[drop.Slot], drop.Hash)
			if len(a.bySlot[drop.Slot]) == 0 {
				delete(a.bySlot, drop.Slot)
			}
		}
	}
}

func (a *Aggregator) publishAll(ctx context.Context, events []ledger.BlockAvailable) error {
	for _, ev := range events {
		if err := a.cfg.Bus.Publish(ctx, a.cfg.OutputTopic, ev); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) fetchBody(ctx context.Context, peerID string, key blockKey) {
	body, err := a.cfg.Peers.RequestBody(ctx, peerID, peer.Point{Slot: key.Slot, Hash: key.Hash})

	a.mu.Lock()
	delete(a.bodyInFlight, key)
	if err != nil {
		a.mu.Unlock()
		a.log.Warn("block-fetch failed", "peer", peerID, "slot", key.Slot, "error", err)
		return
	}
	if r, ok := a.bySlot[key.Slot][key.Hash]; ok {
		r.body = body
	}
	events := a.drainLocked()
	a.mu.Unlock()

	if err := a.publishAll(ctx, events); err != nil {
		a.log.Warn("publish after body fetch failed", "error", err)
	}
}
