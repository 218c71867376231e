// Package channels is the hub's in-process fan-out layer: a per-instance
// pub/sub bus for live telemetry plus the connected-agents presence registry.
package channels

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pacphi/sindri-console/internal/otel"
)

// Stream names used in channel addressing.
const (
	StreamMetrics   = "metrics"
	StreamHeartbeat = "heartbeat"
	StreamLogs      = "logs"
	StreamEvents    = "events"
	StreamCommands  = "commands"
)

// ChannelName builds the canonical channel address for an instance stream.
func ChannelName(instanceID, stream string) string {
	return fmt.Sprintf("instance:%s:%s", instanceID, stream)
}

const defaultBuffer = 64

type subscriber struct {
	ch chan []byte
}

// Bus is a non-durable in-process pub/sub bus. Publish never blocks: a
// subscriber that cannot keep up loses messages, counted in Dropped.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[int64]*subscriber
	nextID  int64
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[string]map[int64]*subscriber{}}
}

// Subscribe registers a listener on channel. The returned cancel func must
// be called to release the subscription; it closes the message channel.
func (b *Bus) Subscribe(channel string, buffer int) (<-chan []byte, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{ch: make(chan []byte, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[channel] == nil {
		b.subs[channel] = map[int64]*subscriber{}
	}
	b.subs[channel][id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish fans payload out to every subscriber of channel. Slow subscribers
// drop the message rather than block the publisher.
func (b *Bus) Publish(channel string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			b.dropped.Add(1)
			otel.GetGlobalMetrics().RecordFanoutDrop(context.Background(), channel)
		}
	}
}

// Subscribers reports the listener count on a channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Dropped returns the total number of messages lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
