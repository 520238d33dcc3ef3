package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testEvent struct {
	key string
	seq uint64
}

func testSequence(e testEvent) (string, uint64) {
	return e.key, e.seq
}

func nextWithin(t *testing.T, sub *Subscription[testEvent]) testEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, err := sub.Next(ctx)
	require.NoError(t, err)
	return event
}

func TestPublishFansOutToTopicSubscribers(t *testing.T) {
	h := New[testEvent](testSequence)
	a := h.Subscribe("general")
	b := h.Subscribe("general")
	other := h.Subscribe("s-1")

	h.Publish("general", testEvent{key: "s-1", seq: 1})

	require.Equal(t, testEvent{key: "s-1", seq: 1}, nextWithin(t, a))
	require.Equal(t, testEvent{key: "s-1", seq: 1}, nextWithin(t, b))
	require.Zero(t, other.Pending())
	require.Equal(t, 3, h.SubscriberCount())
}

func TestPublishWithoutSubscribers(t *testing.T) {
	h := New[testEvent](testSequence)
	h.Publish("nobody", testEvent{key: "x", seq: 1})
	require.Zero(t, h.SubscriberCount())
}

func TestSubscriptionPreservesOrder(t *testing.T) {
	h := New[testEvent](testSequence)
	sub := h.Subscribe("general")

	for i := uint64(1); i <= 100; i++ {
		h.Publish("general", testEvent{key: "s", seq: i})
	}
	require.Equal(t, 100, sub.Pending())

	for i := uint64(1); i <= 100; i++ {
		require.Equal(t, i, nextWithin(t, sub).seq)
	}
}

func TestSubscriptionDropsRegressedSequence(t *testing.T) {
	h := New[testEvent](testSequence)
	sub := h.Subscribe("general")

	h.Publish("general", testEvent{key: "a", seq: 2})
	h.Publish("general", testEvent{key: "a", seq: 1})
	h.Publish("general", testEvent{key: "a", seq: 2})
	h.Publish("general", testEvent{key: "b", seq: 1})
	h.Publish("general", testEvent{key: "a", seq: 3})

	require.Equal(t, testEvent{key: "a", seq: 2}, nextWithin(t, sub))
	require.Equal(t, testEvent{key: "b", seq: 1}, nextWithin(t, sub))
	require.Equal(t, testEvent{key: "a", seq: 3}, nextWithin(t, sub))
	require.Zero(t, sub.Pending())
}

func TestNilSequencerDeliversEverything(t *testing.T) {
	h := New[testEvent](nil)
	sub := h.Subscribe("t")

	h.Publish("t", testEvent{key: "a", seq: 2})
	h.Publish("t", testEvent{key: "a", seq: 1})
	require.Equal(t, 2, sub.Pending())
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	h := New[testEvent](testSequence)
	slow := h.Subscribe("general")
	fast := h.Subscribe("general")

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 10000; i++ {
			h.Publish("general", testEvent{key: "s", seq: i})
		}
		close(done)
	}()

	for i := uint64(1); i <= 10000; i++ {
		require.Equal(t, i, nextWithin(t, fast).seq)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on an idle subscriber")
	}
	require.Equal(t, 10000, slow.Pending())
}

func TestNextBlocksUntilPublish(t *testing.T) {
	h := New[testEvent](testSequence)
	sub := h.Subscribe("general")

	got := make(chan testEvent, 1)
	go func() {
		event, err := sub.Next(context.Background())
		if err == nil {
			got <- event
		}
	}()

	time.Sleep(20 * time.Millisecond)
	h.Publish("general", testEvent{key: "k", seq: 7})

	select {
	case event := <-got:
		require.Equal(t, uint64(7), event.seq)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}
}

func TestNextHonoursContext(t *testing.T) {
	h := New[testEvent](testSequence)
	sub := h.Subscribe("general")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseSubscription(t *testing.T) {
	h := New[testEvent](testSequence)
	sub := h.Subscribe("general")
	h.Publish("general", testEvent{key: "k", seq: 1})

	sub.Close()
	sub.Close()

	_, err := sub.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	require.Zero(t, h.SubscriberCount())

	// Publishing to a topic whose subscribers left is a no-op.
	h.Publish("general", testEvent{key: "k", seq: 2})
	require.Zero(t, sub.Pending())
}

func TestCloseWakesBlockedNext(t *testing.T) {
	h := New[testEvent](testSequence)
	sub := h.Subscribe("general")

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Close()

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, ErrSubscriptionClosed))
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestHubClose(t *testing.T) {
	h := New[testEvent](testSequence)
	a := h.Subscribe("general")
	b := h.Subscribe("s-1")

	h.Close()

	_, err := a.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	_, err = b.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	require.Zero(t, h.SubscriberCount())

	late := h.Subscribe("general")
	_, err = late.Next(context.Background())
	require.ErrorIs(t, err, ErrSubscriptionClosed)
	require.Zero(t, h.SubscriberCount())
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	h := New[testEvent](testSequence)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := h.Subscribe("general")
			defer sub.Close()
			for j := 0; j < 50; j++ {
				_ = sub.Pending()
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.Publish("general", testEvent{key: "k", seq: uint64(i*50 + j)})
			}
		}(i)
	}
	wg.Wait()
	require.Zero(t, h.SubscriberCount())
}

func TestSubscriptionIdentity(t *testing.T) {
	h := New[testEvent](testSequence)
	a := h.Subscribe("general")
	b := h.Subscribe("general")

	require.NotEmpty(t, a.ID())
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, "general", a.Topic())
}
