package events

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fleetsync/internal/model"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("it-1")
	all := b.Subscribe(All)
	other := b.Subscribe("it-2")

	evt := model.DeploymentEvent{Type: "deployment.status", DeploymentID: "d1", ItineraryID: "it-1", Status: model.StatusDeploying}
	b.Publish(evt)

	for name, c := range map[string]chan model.DeploymentEvent{"itinerary": ch, "all": all} {
		select {
		case got := <-c:
			if got.DeploymentID != "d1" || got.Status != model.StatusDeploying {
				t.Fatalf("%s: bad event %+v", name, got)
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("%s: timeout waiting for event", name)
		}
	}
	select {
	case got := <-other:
		t.Fatalf("unrelated itinerary received %+v", got)
	default:
	}

	b.Unsubscribe("it-1", ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	b.Unsubscribe("it-1", ch) // second unsubscribe is a no-op
	if b.Subscribers("it-1") != 0 {
		t.Fatalf("subscription leaked")
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("it")
	for i := 0; i < 100; i++ {
		b.Publish(model.DeploymentEvent{ItineraryID: "it"})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffer should be full, got %d", len(ch))
	}
}

func TestRedisBroker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	b := NewRedisBroker(rdb, "fleetsync:test:"+time.Now().Format("150405.000")+":", nil)
	ch := b.Subscribe("it-9")
	defer b.Unsubscribe("it-9", ch)
	b.Publish(model.DeploymentEvent{DeploymentID: "d9", ItineraryID: "it-9"})
	select {
	case got := <-ch:
		if got.DeploymentID != "d9" {
			t.Fatalf("bad event %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}
}
