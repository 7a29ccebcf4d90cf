// ABOUTME: In-memory fan-out of service state transitions.
// ABOUTME: Subscribers pick one service or all; slow subscribers drop events.

package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllServices subscribes to transitions of every service.
	AllServices = "*"
)

// Broadcaster provides pub/sub for transitions. Subscribers register for a
// service name (or AllServices) and receive events as they happen.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // service -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for transitions of service. Returns a
// channel and a subscription ID for later unsubscription. The subscription
// is cleaned up automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, service string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[service]; !ok {
		b.subscribers[service] = make(map[string]chan Event)
	}
	b.subscribers[service][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "service", service, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(service, subID)
	}()

	return ch, subID
}

// Publish sends ev to subscribers of ev.Service and of AllServices.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	var targets []chan Event
	for _, key := range []string{ev.Service, AllServices} {
		for _, ch := range b.subscribers[key] {
			targets = append(targets, ch)
		}
	}

	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send; they never block.
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber", "service", ev.Service, "to", ev.To)
		}
	}
	b.mu.RUnlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(service, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[service]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, service)
	}

	b.logger.Debug("subscriber removed", "service", service, "sub_id", subID)
}

// Close closes all subscriber channels. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for service, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, service)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
