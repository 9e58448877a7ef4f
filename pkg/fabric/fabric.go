// Package fabric implements the process-local typed pub/sub bus of
// spec.md §4.D: per-subscriber bounded FIFOs, publish-order delivery,
// back-pressure instead of drops, and a request/reply overlay (§4.D
// "Request/response overlay", detailed further in pkg/query for the
// dispatcher proper).
package fabric

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Envelope is one delivered message: its topic and payload. Message
// bodies are a closed sum type per spec.md §9 ("Dynamic-dispatch in the
// original -> tagged variants") defined in the ledger/query packages;
// fabric itself only moves opaque values.
type Envelope struct {
	Topic   string
	Message any
}

// ErrClosed is returned by Publish/Request once the Bus has been closed.
var ErrClosed = errors.New("fabric: bus closed")

// ErrSubscriptionClosed is returned by Subscription.Read once the
// subscription has been unsubscribed or the bus closed.
var ErrSubscriptionClosed = errors.New("fabric: subscription closed")

// Config configures a Bus.
type Config struct {
	Logger *slog.Logger
	// DefaultBufferDepth is used by Subscribe when no explicit depth is
	// requested via SubscribeWithDepth.
	DefaultBufferDepth int
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DefaultBufferDepth <= 0 {
		c.DefaultBufferDepth = 64
	}
}

// Bus is the fabric. Zero value is not usable; construct with New.
type Bus struct {
	log *slog.Logger
	cfg Config

	mu        sync.RWMutex
	subs      map[string]map[*Subscription]struct{} // exact topic -> subscriptions
	wildcards map[*Subscription]string              // subscription -> prefix pattern (ends in ".*")
	closed    bool

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc
}

// HandlerFunc answers a request published on a topic registered via
// Handle.
type HandlerFunc func(ctx context.Context, request any) (any, error)

// New constructs a Bus.
func New(cfg Config) *Bus {
	cfg.setDefaults()
	return &Bus{
		log:       cfg.Logger,
		cfg:       cfg,
		subs:      make(map[string]map[*Subscription]struct{}),
		wildcards: make(map[*Subscription]string),
		handlers:  make(map[string]HandlerFunc),
	}
}

// Subscription is a cursor over an ordered stream of Envelopes on one
// topic (or wildcard pattern).
type Subscription struct {
	bus     *Bus
	topic   string // exact topic, or pattern for wildcard subs
	ch      chan Envelope
	closeCh chan struct{}
	once    sync.Once
}

// Subscribe returns a cursor over topic, using the bus's default buffer
// depth. topic may end in ".*" to match any topic sharing the given
// prefix — reserved for REST-request topics per spec.md §4.D; data
// topics must subscribe to a single concrete topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.SubscribeWithDepth(topic, b.cfg.DefaultBufferDepth)
}

// SubscribeWithDepth is Subscribe with an explicit per-subscription
// buffer depth.
func (b *Bus) SubscribeWithDepth(topic string, depth int) *Subscription {
	if depth <= 0 {
		depth = b.cfg.DefaultBufferDepth
	}
	sub := &Subscription{
		bus:     b,
		topic:   topic,
		ch:      make(chan Envelope, depth),
		closeCh: make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.HasSuffix(topic, ".*") {
		b.wildcards[sub] = strings.TrimSuffix(topic, "*")
	} else {
		if b.subs[topic] == nil {
			b.subs[topic] = make(map[*Subscription]struct{})
		}
		b.subs[topic][sub] = struct{}{}
	}
	return sub
}

// Read blocks until the next Envelope is available, the subscription is
// closed, or ctx is done.
func (s *Subscription) Read(ctx context.Context) (Envelope, error) {
	select {
	case env, ok := <-s.ch:
		if !ok {
			return Envelope{}, ErrSubscriptionClosed
		}
		return env, nil
	case <-s.closeCh:
		return Envelope{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.closeCh)
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if subs, ok := s.bus.subs[s.topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.subs, s.topic)
			}
		}
		delete(s.bus.wildcards, s)
	})
}

// Publish delivers msg to every current subscriber of topic, in publish
// order, blocking on any subscriber whose buffer is full (spec.md §4.D
// back-pressure) until ctx is done. Two subscriptions on the same topic
// always observe the same sequence because delivery here is a single
// sequential fan-out, not a broadcast race.
func (b *Bus) Publish(ctx context.Context, topic string, msg any) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Subscription, 0, 4)
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	for s, prefix := range b.wildcards {
		if strings.HasPrefix(topic, prefix) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	env := Envelope{Topic: topic, Message: msg}
	for _, s := range targets {
		select {
		case s.ch <- env:
		case <-s.closeCh:
			// subscriber went away mid-publish; skip it.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close shuts the bus down: later publishes fail with ErrClosed and every
// subscription channel is closed. Messages already buffered in a
// subscription stay readable until drained; nothing is persisted past
// the bus's lifetime (spec.md §4.D "The fabric does not persist").
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for s := range subs {
			close(s.ch)
		}
	}
	for s := range b.wildcards {
		close(s.ch)
	}
}

// --- Request/response overlay (spec.md §4.D) ---

// Handle registers fn to answer requests published on topic via Request.
// Internally this is a plain subscribe-and-reply loop over a dedicated
// reply topic per request, correlated by a UUID.
func (b *Bus) Handle(ctx context.Context, topic string, fn HandlerFunc) {
	b.handlersMu.Lock()
	b.handlers[topic] = fn
	b.handlersMu.Unlock()

	sub := b.Subscribe(topic)
	go func() {
		defer sub.Close()
		for {
			env, err := sub.Read(ctx)
			if err != nil {
				return
			}
			req, ok := env.Message.(*requestEnvelope)
			if !ok {
				continue
			}
			go b.serve(ctx, fn, req)
		}
	}()
}

func (b *Bus) serve(ctx context.Context, fn HandlerFunc, req *requestEnvelope) {
	reply, err := fn(ctx, req.Body)
	_ = b.Publish(ctx, req.ReplyTopic, &replyEnvelope{Body: reply, Err: err})
}

type requestEnvelope struct {
	ReplyTopic string
	Body       any
}

type replyEnvelope struct {
	Body any
	Err  error
}

// Request publishes msg on topic and blocks for the matching reply,
// correlated by a one-shot reply topic (spec.md §4.D "implemented as a
// one-shot reply topic").
func (b *Bus) Request(ctx context.Context, topic string, msg any) (any, error) {
	replyTopic := fmt.Sprintf("_reply.%s.%s", topic, uuid.NewString())
	replySub := b.Subscribe(replyTopic)
	defer replySub.Close()

	if err := b.Publish(ctx, topic, &requestEnvelope{ReplyTopic: replyTopic, Body: msg}); err != nil {
		return nil, err
	}

	env, err := replySub.Read(ctx)
	if err != nil {
		return nil, err
	}
	reply, ok := env.Message.(*replyEnvelope)
	if !ok {
		return nil, fmt.Errorf("fabric: malformed reply on %s", replyTopic)
	}
	return reply.Body, reply.Err
}
