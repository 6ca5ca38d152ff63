// ABOUTME: Tests for Broadcaster per-tenant fan-out
// ABOUTME: Covers subscribe, publish, tenant isolation, slow consumers, cancellation and close

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(id, tenantID string) Event {
	return Event{
		ID:             id,
		Type:           HandoffQueued,
		TenantID:       tenantID,
		ConversationID: "conv-" + id,
		Status:         "waiting",
		At:             time.Now(),
	}
}

func TestBroadcaster_SubscribersReceiveEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "tenant-1")
	ch2, _ := b.Subscribe(ctx, "tenant-1")

	require.NoError(t, b.Publish(ctx, makeEvent("evt-1", "tenant-1")))

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			assert.Equal(t, "evt-1", received.ID, "subscriber %d got wrong event", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestBroadcaster_TenantsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	ch1, _ := b.Subscribe(ctx, "tenant-1")
	ch2, _ := b.Subscribe(ctx, "tenant-2")

	require.NoError(t, b.Publish(ctx, makeEvent("evt-2", "tenant-1")))

	select {
	case received := <-ch1:
		assert.Equal(t, "evt-2", received.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber for tenant-1 timed out")
	}

	select {
	case <-ch2:
		t.Fatal("subscriber for tenant-2 should not receive events for tenant-1")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := t.Context()
	_, _ = b.Subscribe(ctx, "tenant-1") // never read
	ch2, _ := b.Subscribe(ctx, "tenant-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range subscriberBufferSize * 2 {
			_ = b.Publish(ctx, makeEvent("evt", "tenant-1"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}

	select {
	case <-ch2:
	case <-time.After(time.Second):
		t.Fatal("fast consumer received nothing")
	}
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "tenant-1")
	assert.Equal(t, 1, b.Subscribers("tenant-1"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after context cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	assert.Eventually(t, func() bool { return b.Subscribers("tenant-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context(), "tenant-1")
	b.Unsubscribe("tenant-1", subID)

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")

	// Publishing and double unsubscribe must not panic
	assert.NoError(t, b.Publish(t.Context(), makeEvent("evt-after", "tenant-1")))
	b.Unsubscribe("tenant-1", subID)
}

func TestBroadcaster_CloseClosesAllSubscriptions(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "tenant-1")
	ch2, _ := b.Subscribe(t.Context(), "tenant-2")

	require.NoError(t, b.Close())

	for i, ch := range []<-chan Event{ch1, ch2} {
		_, ok := <-ch
		assert.False(t, ok, "channel %d should be closed after Close()", i)
	}

	late, _ := b.Subscribe(t.Context(), "tenant-1")
	_, ok := <-late
	assert.False(t, ok, "subscribing after Close yields a closed channel")
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	ctx := t.Context()

	for range 10 {
		wg.Go(func() {
			subCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			ch, _ := b.Subscribe(subCtx, "tenant-concurrent")
			for range 5 {
				select {
				case <-ch:
				case <-time.After(200 * time.Millisecond):
					return
				}
			}
		})
	}

	for range 10 {
		wg.Go(func() {
			for range 10 {
				_ = b.Publish(ctx, makeEvent("concurrent-evt", "tenant-concurrent"))
			}
		})
	}

	wg.Wait()
}
