package deploy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"fleetsync/internal/model"
	"fleetsync/internal/platform"
)

func deploying(id string, started time.Time, rolloutID string) model.Deployment {
	return model.Deployment{
		ID: id, ClientID: "c1", ItineraryID: "it1", VehicleID: "v1", DeviceUID: device,
		Action: model.ActionEmbark, Status: model.StatusDeploying, RolloutID: rolloutID,
		CreatedAt: started, StartedAt: &started,
	}
}

func newPoller(f fixture, now time.Time) *Poller {
	p := NewPoller(f.mem, f.client, f.broker, time.Minute, 15*time.Minute, nil)
	p.Now = func() time.Time { return now }
	return p
}

func TestPollerTimesOut(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := f.mem.CreateDeployment(ctx, deploying("d1", start, "r-missing")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	newPoller(f, start.Add(16*time.Minute)).pollOnce()

	d, _ := f.mem.GetDeployment(ctx, "d1")
	if d.Status != model.StatusTimeout || d.FinishedAt == nil {
		t.Fatalf("deployment: %s %v", d.Status, d.FinishedAt)
	}
	last := d.Log[len(d.Log)-1]
	if last.Status != string(model.StatusTimeout) || last.Detail == "" {
		t.Fatalf("log entry: %+v", last)
	}
	if f.fake.Calls("GET /rollouts/r-missing") != 0 || f.fake.Calls("GET /rollouts/devices") != 0 {
		t.Fatalf("timed out deployment should not be queried")
	}
}

func TestPollerFollowsRollout(t *testing.T) {
	f := newFixture(t, fixtureOptions{rollout: true})
	ctx := context.Background()
	d, _, err := f.orch.QueueDeployment(ctx, Request{ClientID: "c1", ItineraryID: "it1", VehicleID: "v1", Action: model.ActionEmbark})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	f.orch.Process(ctx, d.ID)
	d, _ = f.mem.GetDeployment(ctx, d.ID)
	if d.Status != model.StatusDeploying || d.RolloutID == "" {
		t.Fatalf("rollout deployment: %s %q %s", d.Status, d.RolloutID, d.Error)
	}
	p := newPoller(f, d.StartedAt.Add(time.Minute))

	p.pollOnce()
	pending, _ := f.mem.GetDeployment(ctx, d.ID)
	if pending.Status != model.StatusDeploying || pending.Log[len(pending.Log)-1].Status != "pending" {
		t.Fatalf("in-progress rollout: %s %+v", pending.Status, pending.Log[len(pending.Log)-1])
	}
	if f.fake.Calls("GET /rollouts/"+d.RolloutID) != 1 {
		t.Fatalf("inconclusive device status should fall back to the rollout status")
	}

	f.fake.SetRolloutStatus("Completed")
	p.pollOnce()
	done, _ := f.mem.GetDeployment(ctx, d.ID)
	if done.Status != model.StatusDeployed {
		t.Fatalf("completed rollout: %s", done.Status)
	}
}

func TestPollerMapsFailedRollout(t *testing.T) {
	f := newFixture(t, fixtureOptions{rollout: true})
	ctx := context.Background()
	d, _, _ := f.orch.QueueDeployment(ctx, Request{ClientID: "c1", ItineraryID: "it1", VehicleID: "v1", Action: model.ActionEmbark})
	f.orch.Process(ctx, d.ID)
	d, _ = f.mem.GetDeployment(ctx, d.ID)

	f.fake.SetRolloutStatus("Canceled by user")
	newPoller(f, d.StartedAt.Add(time.Minute)).pollOnce()
	got, _ := f.mem.GetDeployment(ctx, d.ID)
	if got.Status != model.StatusFailed || got.Error == "" {
		t.Fatalf("canceled rollout: %s %q", got.Status, got.Error)
	}
}

func TestPollerReadsBackOverrides(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	start := time.Now().UTC()
	v := int64(42)
	if err := f.client.PutSettingsOverrides(ctx, device, platform.SettingsOverrides{9101: &v, 9102: nil}); err != nil {
		t.Fatalf("put: %v", err)
	}
	applied := deploying("applied", start, "")
	applied.Overrides = map[string]*int64{"9101": &v, "9102": nil}
	other := int64(43)
	stale := deploying("stale", start, "")
	stale.VehicleID = "v2"
	stale.Overrides = map[string]*int64{"9101": &other}
	for _, d := range []model.Deployment{applied, stale} {
		if err := f.mem.CreateDeployment(ctx, d); err != nil {
			t.Fatalf("seed %s: %v", d.ID, err)
		}
	}

	newPoller(f, start.Add(time.Minute)).pollOnce()

	if d, _ := f.mem.GetDeployment(ctx, "applied"); d.Status != model.StatusDeployed {
		t.Fatalf("applied: %s", d.Status)
	}
	if d, _ := f.mem.GetDeployment(ctx, "stale"); d.Status != model.StatusDeploying {
		t.Fatalf("stale: %s", d.Status)
	}
}

func TestPollerIsolatesFailuresAndSkipsInFlight(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	start := time.Now().UTC()
	broken := deploying("broken", start, "")
	broken.DeviceUID = "gone"
	broken.Overrides = map[string]*int64{"9101": nil}
	busy := deploying("busy", start.Add(-time.Hour), "")
	busy.VehicleID = "v2"
	old := deploying("old", start.Add(-time.Hour), "")
	old.VehicleID = "v3"
	for _, d := range []model.Deployment{broken, busy, old} {
		if err := f.mem.CreateDeployment(ctx, d); err != nil {
			t.Fatalf("seed %s: %v", d.ID, err)
		}
	}
	p := newPoller(f, start.Add(time.Minute))
	p.InFlight = func(id string) bool { return id == "busy" }
	p.pollOnce()

	if d, _ := f.mem.GetDeployment(ctx, "broken"); d.Status != model.StatusDeploying {
		t.Fatalf("broken: %s", d.Status)
	}
	if d, _ := f.mem.GetDeployment(ctx, "busy"); d.Status != model.StatusDeploying {
		t.Fatalf("in-flight deployment was touched: %s", d.Status)
	}
	if d, _ := f.mem.GetDeployment(ctx, "old"); d.Status != model.StatusTimeout {
		t.Fatalf("old: %s", d.Status)
	}
}

func TestPollerReachesOldestDeploymentBehindABacklog(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stuck := deploying("stuck", now.Add(-2*time.Hour), "")
	if err := f.mem.CreateDeployment(ctx, stuck); err != nil {
		t.Fatalf("seed stuck: %v", err)
	}
	recent := map[string]bool{}
	for i := 0; i < 250; i++ {
		d := deploying(fmt.Sprintf("recent-%d", i), now.Add(-time.Minute), "")
		d.VehicleID = fmt.Sprintf("v-%d", i)
		if err := f.mem.CreateDeployment(ctx, d); err != nil {
			t.Fatalf("seed %s: %v", d.ID, err)
		}
		recent[d.ID] = true
	}
	p := newPoller(f, now)
	p.InFlight = func(id string) bool { return recent[id] }

	p.pollOnce()

	if d, _ := f.mem.GetDeployment(ctx, "stuck"); d.Status != model.StatusTimeout {
		t.Fatalf("stuck deployment behind %d newer ones: %s", len(recent), d.Status)
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]remoteState{
		"FINISHED":       stateSucceeded,
		"completed":      stateSucceeded,
		"Success":        stateSucceeded,
		"failed":         stateFailed,
		"Terminated":     stateFailed,
		"unsuccessful":   stateFailed,
		"in_progress":    statePending,
		"":               statePending,
		"partly failed":  stateFailed,
		"cancelled":      stateFailed,
		"pending_device": statePending,
	}
	for in, want := range cases {
		if got := classify(in); got != want {
			t.Fatalf("classify(%q) = %d, want %d", in, got, want)
		}
	}
}
