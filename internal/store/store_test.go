package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetsync/internal/model"
)

type testStore interface {
	Store
	CatalogWriter
}

func newDeployment(id string, action model.DeploymentAction, status model.DeploymentStatus, created time.Time) model.Deployment {
	return model.Deployment{
		ID: id, ClientID: "c1", ItineraryID: "it1", VehicleID: "v1", DeviceUID: "dev-1",
		Action: action, Status: status, RequestHash: "h-" + id, CreatedAt: created,
		Groups: map[model.GroupRole]model.GroupRef{model.RoleItinerary: {GroupID: 7, Hash: "g"}},
	}
}

// runStoreSuite exercises the Store contract; every implementation must pass it.
func runStoreSuite(t *testing.T, s testStore) {
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("catalog", func(t *testing.T) {
		if err := s.PutClient(ctx, model.Client{ID: "c1", Name: "Acme"}); err != nil {
			t.Fatalf("put client: %v", err)
		}
		gf := model.Geofence{ID: "g1", ClientID: "c1", Name: "Depot", Kind: model.GeometryCircle, Center: &model.GeoPoint{Lat: 1, Lng: 2}, RadiusM: 100}
		if err := s.PutGeofence(ctx, gf); err != nil {
			t.Fatalf("put geofence: %v", err)
		}
		if err := s.PutRoute(ctx, model.Route{ID: "r1", ClientID: "c1", Name: "Main", Points: []model.GeoPoint{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}}}); err != nil {
			t.Fatalf("put route: %v", err)
		}
		if err := s.PutItinerary(ctx, model.Itinerary{ID: "it1", ClientID: "c1", Items: []model.ItineraryItem{{Type: model.ItemGeofence, ID: "g1"}}}); err != nil {
			t.Fatalf("put itinerary: %v", err)
		}
		if err := s.PutVehicle(ctx, model.Vehicle{ID: "v1", ClientID: "c1", DeviceUID: "dev-1"}); err != nil {
			t.Fatalf("put vehicle: %v", err)
		}
		c, err := s.GetClient(ctx, "c1")
		if err != nil || c.Name != "Acme" {
			t.Fatalf("client: %+v %v", c, err)
		}
		got, err := s.GetGeofence(ctx, "c1", "g1")
		if err != nil || got.Center == nil || got.RadiusM != 100 {
			t.Fatalf("geofence: %+v %v", got, err)
		}
		if _, err := s.GetGeofence(ctx, "other", "g1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("geofence scoped by client: %v", err)
		}
		gfs, err := s.ListGeofences(ctx, "c1")
		if err != nil || len(gfs) != 1 {
			t.Fatalf("list geofences: %v %v", gfs, err)
		}
		rs, err := s.ListRoutes(ctx, "c1")
		if err != nil || len(rs) != 1 || len(rs[0].Points) != 2 {
			t.Fatalf("list routes: %v %v", rs, err)
		}
		if it, err := s.GetItinerary(ctx, "c1", "it1"); err != nil || len(it.Items) != 1 {
			t.Fatalf("itinerary: %+v %v", it, err)
		}
		if v, err := s.GetVehicle(ctx, "c1", "v1"); err != nil || v.DeviceUID != "dev-1" {
			t.Fatalf("vehicle: %+v %v", v, err)
		}
	})

	t.Run("sync mappings", func(t *testing.T) {
		m := model.SyncMapping{EntityType: model.EntityRoute, EntityID: "r1", ClientID: "c1", RemoteIDs: []int64{11, 12}, GeometryHash: "abc", RemoteName: "Acme - Main", UpdatedAt: t0}
		if err := s.SaveSyncMapping(ctx, m); err != nil {
			t.Fatalf("save: %v", err)
		}
		m.RemoteName = "Acme - Main 2"
		if err := s.SaveSyncMapping(ctx, m); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		got, err := s.GetSyncMapping(ctx, "c1", model.EntityRoute, "r1")
		if err != nil || got.RemoteName != "Acme - Main 2" || len(got.RemoteIDs) != 2 {
			t.Fatalf("get: %+v %v", got, err)
		}
		if _, err := s.GetSyncMapping(ctx, "c1", model.EntityGeofence, "r1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("entity type is part of the key: %v", err)
		}
		if err := s.DeleteSyncMapping(ctx, "c1", model.EntityRoute, "r1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := s.DeleteSyncMapping(ctx, "c1", model.EntityRoute, "r1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("delete missing: %v", err)
		}
	})

	t.Run("group mappings", func(t *testing.T) {
		for _, role := range []model.GroupRole{model.RoleEntry, model.RoleItinerary, model.RoleTargets} {
			g := model.GeozoneGroupMapping{ScopeID: "it1", ClientID: "c1", Role: role, RemoteGroupID: int64(role.Index()), GroupHash: "h" + string(role), UpdatedAt: t0}
			if err := s.SaveGroupMapping(ctx, g); err != nil {
				t.Fatalf("save %s: %v", role, err)
			}
		}
		list, err := s.ListGroupMappings(ctx, "c1", "it1")
		if err != nil || len(list) != 3 {
			t.Fatalf("list: %v %v", list, err)
		}
		for i, g := range list {
			if g.Role != model.GroupRoles[i] {
				t.Fatalf("list order: %v", list)
			}
		}
		g, err := s.GetGroupMapping(ctx, "c1", "it1", model.RoleTargets)
		if err != nil || g.RemoteGroupID != 2 {
			t.Fatalf("get: %+v %v", g, err)
		}
	})

	t.Run("override elements", func(t *testing.T) {
		e := model.OverrideElement{DealerID: "d1", TemplateName: "T", Key: "GeozoneGroup1", ElementID: 9101, Source: model.SourceDiscovered, CreatedAt: t0, UpdatedAt: t0}
		if err := s.SaveOverrideElement(ctx, e); err != nil {
			t.Fatalf("save: %v", err)
		}
		e.CreatedAt = time.Time{}
		e.UpdatedAt = t0.Add(time.Hour)
		if err := s.SaveOverrideElement(ctx, e); err != nil {
			t.Fatalf("resave: %v", err)
		}
		got, err := s.GetOverrideElement(ctx, "d1", "T", "GeozoneGroup1")
		if err != nil || got.ElementID != 9101 || !got.CreatedAt.Equal(t0) {
			t.Fatalf("get: %+v %v", got, err)
		}
		n, err := s.DeleteOverrideElements(ctx, "d1", "T")
		if err != nil || n != 1 {
			t.Fatalf("delete: %d %v", n, err)
		}
		if _, err := s.GetOverrideElement(ctx, "d1", "T", "GeozoneGroup1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("after delete: %v", err)
		}
	})

	t.Run("itinerary sync state", func(t *testing.T) {
		st := model.ItinerarySyncState{ItineraryID: "it1", ClientID: "c1", Status: model.SyncWithWarnings, Warnings: []string{"bulk import"}, UpdatedAt: t0}
		if err := s.SaveItinerarySyncState(ctx, st); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, err := s.GetItinerarySyncState(ctx, "c1", "it1")
		if err != nil || got.Status != model.SyncWithWarnings || len(got.Warnings) != 1 {
			t.Fatalf("get: %+v %v", got, err)
		}
	})

	t.Run("deployments", func(t *testing.T) {
		d1 := newDeployment("d1", model.ActionEmbark, model.StatusQueued, t0)
		if err := s.CreateDeployment(ctx, d1); err != nil {
			t.Fatalf("create: %v", err)
		}
		dup := newDeployment("d2", model.ActionEmbark, model.StatusQueued, t0.Add(time.Second))
		if err := s.CreateDeployment(ctx, dup); !errors.Is(err, ErrConflict) {
			t.Fatalf("second active deployment for the same key: %v", err)
		}
		other := newDeployment("d3", model.ActionDisembark, model.StatusQueued, t0.Add(2*time.Second))
		if err := s.CreateDeployment(ctx, other); err != nil {
			t.Fatalf("different action is a different key: %v", err)
		}

		active, err := s.FindActiveDeployment(ctx, d1.Key())
		if err != nil || active.ID != "d1" {
			t.Fatalf("find active: %+v %v", active, err)
		}

		d1.Status = model.StatusDeploying
		d1.AppendLog("apply_overrides", "ok", "", 10*time.Millisecond, t0)
		if err := s.UpdateDeployment(ctx, d1, model.StatusQueued); err != nil {
			t.Fatalf("update: %v", err)
		}
		if err := s.UpdateDeployment(ctx, d1, model.StatusQueued); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale update: %v", err)
		}
		d1.Status = model.StatusDeployed
		if err := s.UpdateDeployment(ctx, d1, model.StatusDeploying); err != nil {
			t.Fatalf("finish: %v", err)
		}
		got, err := s.GetDeployment(ctx, "d1")
		if err != nil || got.Status != model.StatusDeployed || len(got.Log) != 1 || got.Groups[model.RoleItinerary].GroupID != 7 {
			t.Fatalf("get: %+v %v", got, err)
		}
		if _, err := s.FindActiveDeployment(ctx, d1.Key()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("no active after terminal: %v", err)
		}

		other.Status = model.StatusCleared
		if err := s.UpdateDeployment(ctx, other, model.StatusQueued); err != nil {
			t.Fatalf("clear: %v", err)
		}
		latest, err := s.LatestTerminalDeployment(ctx, "c1", "it1", "v1")
		if err != nil || latest.ID != "d3" {
			t.Fatalf("latest terminal: %+v %v", latest, err)
		}

		if err := s.CreateDeployment(ctx, newDeployment("d4", model.ActionEmbark, model.StatusQueued, t0.Add(3*time.Second))); err != nil {
			t.Fatalf("new embark after terminal: %v", err)
		}
		queued, err := s.ListDeploymentsByStatus(ctx, model.StatusQueued, 10)
		if err != nil || len(queued) != 1 || queued[0].ID != "d4" {
			t.Fatalf("by status: %v %v", queued, err)
		}
		// vehicle v2 keeps the pair key free of the d1..d4 history
		for i, id := range []string{"q1", "q2", "q3"} {
			d := newDeployment(id, model.ActionEmbark, model.StatusQueued, t0.Add(time.Duration(10+i)*time.Second))
			d.VehicleID = "v2-" + id
			if err := s.CreateDeployment(ctx, d); err != nil {
				t.Fatalf("create %s: %v", id, err)
			}
		}
		queued, err = s.ListDeploymentsByStatus(ctx, model.StatusQueued, 0)
		if err != nil || len(queued) != 4 || queued[0].ID != "d4" || queued[3].ID != "q3" {
			t.Fatalf("by status oldest first, unbounded: %v %v", queued, err)
		}
		queued, err = s.ListDeploymentsByStatus(ctx, model.StatusQueued, 2)
		if err != nil || len(queued) != 2 || queued[1].ID != "q1" {
			t.Fatalf("by status limited: %v %v", queued, err)
		}
		all, err := s.ListDeployments(ctx, model.DeploymentFilter{ClientID: "c1", VehicleID: "v1"})
		if err != nil || len(all) != 3 || all[0].ID != "d4" {
			t.Fatalf("list newest first: %v %v", all, err)
		}
		if _, err := s.GetDeployment(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing: %v", err)
		}
	})

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer s.Close()
	runStoreSuite(t, s)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/fleetsync.db"
	ctx := context.Background()
	s, err := NewSQLite(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if err := s.SaveOverrideElement(ctx, model.OverrideElement{DealerID: "d", TemplateName: "T", Key: "k", ElementID: 5, Source: model.SourceDiscovered}); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = s.Close()
	s, err = NewSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if e, err := s.GetOverrideElement(ctx, "d", "T", "k"); err != nil || e.ElementID != 5 {
		t.Fatalf("after reopen: %+v %v", e, err)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQL{dialect: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("postgres: %q", got)
	}
	lite := &SQL{dialect: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite: %q", got)
	}
}
