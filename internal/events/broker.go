// Package events fans deployment events out to subscribers, keyed by itinerary.
package events

import (
	"sync"

	"fleetsync/internal/model"
)

// All receives every event regardless of itinerary.
const All = "*"

// EventBroker is implemented by the in-process Broker and by RedisBroker.
type EventBroker interface {
	Subscribe(topic string) chan model.DeploymentEvent
	Unsubscribe(topic string, ch chan model.DeploymentEvent)
	Publish(evt model.DeploymentEvent)
}

// Broker delivers events to subscribers in this process. Slow subscribers drop events.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan model.DeploymentEvent]struct{} // topic -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan model.DeploymentEvent]struct{}{}}
}

func (b *Broker) Subscribe(topic string) chan model.DeploymentEvent {
	ch := make(chan model.DeploymentEvent, 16)
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = map[chan model.DeploymentEvent]struct{}{}
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(topic string, ch chan model.DeploymentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[topic]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

// Publish sends evt to the itinerary's subscribers and to All.
func (b *Broker) Publish(evt model.DeploymentEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver(evt.ItineraryID, evt)
	if evt.ItineraryID != All {
		b.deliver(All, evt)
	}
}

func (b *Broker) deliver(topic string, evt model.DeploymentEvent) {
	for ch := range b.subs[topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
