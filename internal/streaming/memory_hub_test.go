package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func assertQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterMatch(t *testing.T) {
	e := Event{SessionKey: "telegram:1", Type: "step_completed"}
	assert.True(t, Filter{}.Match(e))
	assert.True(t, Filter{SessionKey: "telegram:1"}.Match(e))
	assert.False(t, Filter{SessionKey: "telegram:2"}.Match(e))
	assert.True(t, Filter{Types: []string{"node_entered", "step_completed"}}.Match(e))
	assert.False(t, Filter{SessionKey: "telegram:1", Types: []string{"node_entered"}}.Match(e))
}

func TestPublishStampsSequenceAndTime(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()
	sub, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, hub.Publish(ctx, Event{SessionKey: "telegram:1", StepID: "step_1", Type: "step_completed", Payload: map[string]any{"ok": true}}))
	require.NoError(t, hub.Publish(ctx, Event{SessionKey: "telegram:1", Type: "workflow_completed"}))

	first, second := recv(t, sub), recv(t, sub)
	assert.Equal(t, "step_1", first.StepID)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.False(t, first.At.IsZero())
}

func TestSubscriptionFilters(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()
	sub, err := hub.Subscribe(ctx, Filter{SessionKey: "s-1", Types: []string{"step_completed", "workflow_completed"}})
	require.NoError(t, err)
	defer sub.Close()

	for _, e := range []Event{
		{SessionKey: "s-1", Type: "step_completed"},
		{SessionKey: "s-1", Type: "node_entered"},
		{SessionKey: "s-2", Type: "step_completed"},
		{SessionKey: "s-1", Type: "workflow_completed"},
	} {
		require.NoError(t, hub.Publish(ctx, e))
	}
	assert.Equal(t, "step_completed", recv(t, sub).Type)
	assert.Equal(t, "workflow_completed", recv(t, sub).Type)
	assertQuiet(t, sub)
}

func TestFanOut(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()
	a, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer a.Close()
	b, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 2, hub.Subscribers())
	require.NoError(t, hub.Publish(ctx, Event{SessionKey: "s-1", Type: "tick"}))
	assert.Equal(t, "s-1", recv(t, a).SessionKey)
	assert.Equal(t, "s-1", recv(t, b).SessionKey)
}

func TestCloseIsIdempotent(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()
	sub, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	sub.Close()
	sub.Close()
	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(ctx, Event{SessionKey: "s-1", Type: "tick"}))
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-sub.C:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription outlived its context")
	}
	assert.Equal(t, 0, hub.Subscribers())
	assert.NotPanics(t, sub.Close)
}

func TestSlowSubscriberDrops(t *testing.T) {
	hub := NewMemoryHub(4)
	ctx := context.Background()
	slow, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer slow.Close()
	other, err := hub.Subscribe(ctx, Filter{SessionKey: "none"})
	require.NoError(t, err)
	defer other.Close()

	for range 10 {
		require.NoError(t, hub.Publish(ctx, Event{SessionKey: "s-1", Type: "tick"}))
	}
	assert.Len(t, slow.C, 4)
	assert.Equal(t, uint64(6), slow.Dropped())
	assert.Equal(t, uint64(0), other.Dropped())
	assert.Equal(t, uint64(6), hub.Dropped())
}

func TestHubClose(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()
	sub, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	hub.Close()
	hub.Close()
	_, open := <-sub.C
	assert.False(t, open)
	assert.NotPanics(t, sub.Close)

	late, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	_, open = <-late.C
	assert.False(t, open)
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, Event{SessionKey: "s-concurrent", Type: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			sub, err := hub.Subscribe(ctx, Filter{})
			if err != nil {
				return
			}
			defer sub.Close()
			for range 5 {
				select {
				case <-sub.C:
				case <-time.After(10 * time.Millisecond):
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, Event{SessionKey: "s-1", Type: "tick"}), context.Canceled)
	_, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
