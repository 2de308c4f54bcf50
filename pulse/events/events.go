// Package events fans run transitions out to subscribers.
//
// The run manager publishes a RunEvent for every status change. A Bus
// delivers events to in-process subscribers (the websocket stream), and a
// NATSPublisher forwards them to a NATS subject for external consumers.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// RunEvent describes one run transition
type RunEvent struct {
	Type    string    `json:"type"` // always "run_update"
	JobID   string    `json:"jobId"`
	RunID   string    `json:"runId"`
	Status  string    `json:"status"`
	Trigger string    `json:"trigger,omitempty"`
	Host    string    `json:"host,omitempty"`
	TaskID  string    `json:"taskId,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// TypeRunUpdate is the type of every run event
const TypeRunUpdate = "run_update"

// Publisher receives run events. Publish must not block.
type Publisher interface {
	Publish(ev RunEvent)
}

// Multi publishes to every publisher in order
type Multi []Publisher

// Publish implements Publisher
func (m Multi) Publish(ev RunEvent) {
	for _, p := range m {
		p.Publish(ev)
	}
}

// Discard drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(RunEvent) {}

// subscriberBuffer is the channel size of each Bus subscriber
const subscriberBuffer = 64

// Bus delivers events to in-process subscribers.
// Slow subscribers miss events rather than block the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan RunEvent]struct{}
	dropped     atomic.Uint64
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan RunEvent]struct{})}
}

// Subscribe returns a channel receiving every event published from now on
func (b *Bus) Subscribe() chan RunEvent {
	ch := make(chan RunEvent, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it
func (b *Bus) Unsubscribe(ch chan RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish implements Publisher
func (b *Bus) Publish(ev RunEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers returns the number of subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
