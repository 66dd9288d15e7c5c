package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dgnsrekt/scores-ws/internal/config"
	"github.com/dgnsrekt/scores-ws/internal/score"
)

func receive(t *testing.T, sub *Subscription) score.Entry {
	t.Helper()
	select {
	case e := <-sub.C():
		return e
	case <-time.After(time.Second):
		require.FailNow(t, "no entry delivered")
		return score.Entry{}
	}
}

func TestHubFansOut(t *testing.T) {
	env := newTestEnv(t, 8, config.OverflowClose)

	a, err := env.hub.Subscribe()
	require.NoError(t, err)
	b, err := env.hub.Subscribe()
	require.NoError(t, err)
	assert.Equal(t, 2, env.hub.Subscriptions())

	env.add(t, 1, 2)

	for _, sub := range []*Subscription{a, b} {
		assert.Equal(t, uint64(1), receive(t, sub).ID)
		assert.Equal(t, uint64(2), receive(t, sub).ID)
	}

	env.hub.Unsubscribe(a)
	assert.Equal(t, 1, env.hub.Subscriptions())
}

func TestHubCountsSubscriptionsConcurrently(t *testing.T) {
	env := newTestEnv(t, 8, config.OverflowClose)

	const n = 50
	subs := make(chan *Subscription, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := env.hub.Subscribe()
			if assert.NoError(t, err) {
				subs <- sub
			}
		}()
	}
	wg.Wait()
	close(subs)
	assert.Equal(t, n, env.hub.Subscriptions())

	left := n
	for sub := range subs {
		env.hub.Unsubscribe(sub)
		left--
		assert.Equal(t, left, env.hub.Subscriptions())
	}
}

func TestHubClosePolicyEndsSlowSubscription(t *testing.T) {
	env := newTestEnv(t, 2, config.OverflowClose)

	sub, err := env.hub.Subscribe()
	require.NoError(t, err)

	env.add(t, 1, 2, 3)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		require.FailNow(t, "slow subscription was not ended")
	}
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
	assert.Eventually(t, func() bool { return env.hub.Subscriptions() == 0 }, time.Second, time.Millisecond)
}

func TestHubCatchupPolicyMarksLagged(t *testing.T) {
	env := newTestEnv(t, 2, config.OverflowCatchup)

	sub, err := env.hub.Subscribe()
	require.NoError(t, err)

	env.add(t, 1, 2, 3)

	select {
	case <-sub.Lagged():
	case <-time.After(time.Second):
		require.FailNow(t, "subscription was not marked lagged")
	}
	assert.NoError(t, sub.Err())
	assert.Equal(t, uint64(3), receive(t, sub).ID, "the backlog is discarded but the newest entry is kept")
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub(4, config.OverflowClose, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	sub, err := hub.Subscribe()
	require.NoError(t, err)

	cancel()
	<-hub.Done()

	assert.ErrorIs(t, sub.Err(), ErrHubClosed)

	_, err = hub.Subscribe()
	assert.ErrorIs(t, err, ErrHubClosed)

	// Neither blocks once the hub is gone.
	hub.Publish(score.Entry{ID: 1})
	hub.Unsubscribe(sub)
}
