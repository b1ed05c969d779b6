package overrides

import (
	"context"
	"testing"
	"time"

	"fleetsync/internal/platform"
	"fleetsync/internal/platform/platformtest"
	"fleetsync/internal/store"
)

func TestFlightKey(t *testing.T) {
	s := Scope{DealerID: "d1", TemplateName: "T"}
	if flightKey(s, "", 1) == flightKey(s, "", 2) {
		t.Fatalf("keyless lookups for different positions share a key")
	}
	if flightKey(s, "GeozoneGroup1", 1) != flightKey(s, "GeozoneGroup1", 2) {
		t.Fatalf("labelled lookups should share a key regardless of position")
	}
}

func TestPositionalLookupsDoNotShareAResult(t *testing.T) {
	fake := platformtest.New(t)
	fake.SetTree(platformtest.TemplateID, platform.TreeNode{
		ID: platformtest.TemplateID,
		Categories: []platform.TreeNode{
			{ID: 20, Name: "Geofencing", Elements: []platform.TreeNode{{ID: 501, Label: "Group A"}, {ID: 502, Label: "Group B"}}},
		},
	})
	client, err := platform.New(fake.Config(), nil)
	if err != nil {
		t.Fatalf("platform: %v", err)
	}
	r, err := New(client, store.NewMemory(), Config{PositionalFallback: true}, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	scope := Scope{DealerID: "d1", TemplateID: platformtest.TemplateID, TemplateName: "T"}

	// keep the lookup for position 1 in flight while position 2 resolves
	held, release := make(chan struct{}), make(chan struct{})
	defer close(release)
	go func() {
		_, _, _ = r.flight.Do(flightKey(scope, "", 1), func() (any, error) {
			close(held)
			<-release
			return found{id: 501, positional: true}, nil
		})
	}()
	<-held

	type result struct {
		id  int64
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, ok, err := r.discover(context.Background(), scope, "", 2)
		done <- result{id, ok, err}
	}()
	select {
	case res := <-done:
		if res.err != nil || !res.ok || res.id != 502 {
			t.Fatalf("position 2: %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("position 2 waited on the position 1 lookup")
	}
}
