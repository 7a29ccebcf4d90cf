// ABOUTME: Tests for the transition broadcaster fan-out
// ABOUTME: Covers per-service and wildcard subscriptions, unsubscribe, context cancellation, close

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(service string, to State) Event {
	return Event{Service: service, From: StatePending, To: to, At: time.Now()}
}

func TestBroadcaster_SubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "db")
	b.Publish(makeEvent("db", StateStarting))

	select {
	case received := <-ch:
		assert.Equal(t, "db", received.Service)
		assert.Equal(t, StateStarting, received.To)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_FiltersByService(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	dbCh, _ := b.Subscribe(t.Context(), "db")
	allCh, _ := b.Subscribe(t.Context(), AllServices)

	b.Publish(makeEvent("api", StateStarting))
	b.Publish(makeEvent("db", StateReady))

	select {
	case ev := <-dbCh:
		assert.Equal(t, "db", ev.Service)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for db event")
	}
	select {
	case ev := <-dbCh:
		t.Fatalf("unexpected event for %s", ev.Service)
	case <-time.After(20 * time.Millisecond):
	}

	var got []string
	for range 2 {
		select {
		case ev := <-allCh:
			got = append(got, ev.Service)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for wildcard event")
		}
	}
	assert.Equal(t, []string{"api", "db"}, got)
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, id := b.Subscribe(t.Context(), "db")
	b.Unsubscribe("db", id)

	_, ok := <-ch
	assert.False(t, ok)

	// Unknown IDs are ignored.
	b.Unsubscribe("db", id)
	b.Unsubscribe("nope", "nope")
}

func TestBroadcaster_ContextCancellationUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "db")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_SlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "db")
	for range subscriberBufferSize + 10 {
		b.Publish(makeEvent("db", StateStarting))
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_CloseClosesAllAndRejectsNew(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context(), "db")
	ch2, _ := b.Subscribe(t.Context(), AllServices)
	b.Close()

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)

	ch3, _ := b.Subscribe(t.Context(), "db")
	_, ok = <-ch3
	assert.False(t, ok)

	// Publishing after close is a no-op.
	b.Publish(makeEvent("db", StateReady))
}

func TestBroadcaster_ConcurrentPublishAndSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			ch, _ := b.Subscribe(ctx, AllServices)
			for range ch {
			}
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				b.Publish(makeEvent(fmt.Sprintf("svc-%d", i), StateStarting))
			}
		}()
	}
	wg.Wait()
}
