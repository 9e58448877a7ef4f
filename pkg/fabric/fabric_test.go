package fabric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeInOrderExactlyOnce(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b := New(Config{})
	sub := b.Subscribe("cardano.block.available")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, "cardano.block.available", i))
	}

	for i := 0; i < 5; i++ {
		env, err := sub.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, i, env.Message)
	}
}

func TestTwoSubscriptionsSeeSameSequence(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b := New(Config{})
	subA := b.Subscribe("t")
	subB := b.Subscribe("t")
	defer subA.Close()
	defer subB.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(ctx, "t", i))
	}

	for i := 0; i < 10; i++ {
		a, err := subA.Read(ctx)
		require.NoError(t, err)
		bb, err := subB.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, a.Message, bb.Message)
		require.Equal(t, i, a.Message)
	}
}

func TestPublishBlocksWhenSubscriberBufferFull(t *testing.T) {
	b := New(Config{})
	sub := b.SubscribeWithDepth("t", 1)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "t", 1))

	// Buffer now full; a second publish must block until drained.
	published := make(chan struct{})
	go func() {
		_ = b.Publish(ctx, "t", 2)
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish should have blocked on a full subscriber buffer")
	case <-time.After(50 * time.Millisecond):
	}

	env, err := sub.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, env.Message)

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish did not unblock after buffer drained")
	}
}

func TestWildcardSubscriptionMatchesPrefix(t *testing.T) {
	ctx := context.Background()
	b := New(Config{})
	sub := b.Subscribe("rest.query.*")
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, "rest.query.accounts", "a"))
	require.NoError(t, b.Publish(ctx, "rest.query.pools", "p"))

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	env1, err := sub.Read(readCtx)
	require.NoError(t, err)
	env2, err := sub.Read(readCtx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "p"}, []string{env1.Message.(string), env2.Message.(string)})
}

func TestRequestReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	b := New(Config{})
	b.Handle(ctx, "cardano.query.accounts", func(_ context.Context, req any) (any, error) {
		return req.(int) * 2, nil
	})

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := b.Request(ctx, "cardano.query.accounts", i)
			require.NoError(t, err)
			require.Equal(t, i*2, reply)
		}()
	}
	wg.Wait()
}

func TestCloseKeepsBufferedMessagesReadable(t *testing.T) {
	b := New(Config{})
	sub := b.Subscribe("t")
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "t", 1))
	b.Close()

	err := b.Publish(ctx, "t", 2)
	require.ErrorIs(t, err, ErrClosed)

	// The message published before Close is still delivered once buffered,
	// but after the channel is closed no further reads are possible once
	// drained.
	env, err := sub.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, env.Message)

	_, err = sub.Read(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}
