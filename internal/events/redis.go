package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"
	redis "github.com/redis/go-redis/v9"

	"fleetsync/internal/model"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so that every replica sees every event.
type RedisBroker struct {
	rdb    redis.UniversalClient
	prefix string
	log    log.Interface

	mu   sync.Mutex
	subs map[chan model.DeploymentEvent]*redis.PubSub
}

func NewRedisBroker(rdb redis.UniversalClient, prefix string, logger log.Interface) *RedisBroker {
	if prefix == "" {
		prefix = "fleetsync:events:"
	}
	if logger == nil {
		logger = log.Log
	}
	return &RedisBroker{rdb: rdb, prefix: prefix, log: logger, subs: map[chan model.DeploymentEvent]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(topic string) chan model.DeploymentEvent {
	ch := make(chan model.DeploymentEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(topic))
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.WithError(err).WithField("topic", topic).Warn("redis subscribe failed")
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		for msg := range ps.Channel() {
			var evt model.DeploymentEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			b.mu.Lock()
			if _, open := b.subs[ch]; open {
				select {
				case ch <- evt:
				default:
				}
			}
			b.mu.Unlock()
		}
	}()
	return ch
}

func (b *RedisBroker) Unsubscribe(topic string, ch chan model.DeploymentEvent) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	if ok {
		close(ch)
	}
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(evt model.DeploymentEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	for _, topic := range []string{evt.ItineraryID, All} {
		if err := b.rdb.Publish(ctx, b.chanName(topic), data).Err(); err != nil {
			b.log.WithError(err).WithField("topic", topic).Warn("redis publish failed")
		}
	}
}

func (b *RedisBroker) chanName(topic string) string { return b.prefix + topic }
