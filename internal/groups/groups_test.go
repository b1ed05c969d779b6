package groups_test

import (
	"context"
	"strconv"
	"testing"

	"fleetsync/internal/geo"
	"fleetsync/internal/geosync"
	"fleetsync/internal/groups"
	"fleetsync/internal/model"
	"fleetsync/internal/platform"
	"fleetsync/internal/platform/platformtest"
	"fleetsync/internal/store"
)

type fixture struct {
	fake   *platformtest.Server
	mem    *store.Memory
	syncer *groups.Syncer
	it     model.Itinerary
}

func poly(lat, lng float64) []model.GeoPoint {
	return []model.GeoPoint{{Lat: lat, Lng: lng}, {Lat: lat, Lng: lng + 0.01}, {Lat: lat + 0.01, Lng: lng + 0.01}, {Lat: lat + 0.01, Lng: lng}}
}

func newFixture(t *testing.T, configure func(*platformtest.Server)) fixture {
	t.Helper()
	fake := platformtest.New(t)
	if configure != nil {
		configure(fake)
	}
	client, err := platform.New(fake.Config(), nil)
	if err != nil {
		t.Fatalf("platform: %v", err)
	}
	ctx := context.Background()
	mem := store.NewMemory()
	_ = mem.PutClient(ctx, model.Client{ID: "c1", Name: "Acme"})
	_ = mem.PutGeofence(ctx, model.Geofence{ID: "depot", ClientID: "c1", Name: "Depot", Kind: model.GeometryPolygon, Points: poly(52, 13)})
	_ = mem.PutGeofence(ctx, model.Geofence{ID: "shop", ClientID: "c1", Name: "Shop", Kind: model.GeometryCircle, Center: &model.GeoPoint{Lat: 52.2, Lng: 13.2}, RadiusM: 150})
	_ = mem.PutRoute(ctx, model.Route{ID: "r1", ClientID: "c1", Name: "Main road", Points: []model.GeoPoint{{Lat: 52, Lng: 13}, {Lat: 52.1, Lng: 13.1}, {Lat: 52.2, Lng: 13.2}}})
	it := model.Itinerary{ID: "it1", ClientID: "c1", Name: "Morning run", Items: []model.ItineraryItem{
		{Type: model.ItemGeofence, ID: "depot"},
		{Type: model.ItemRoute, ID: "r1"},
		{Type: model.ItemTarget, ID: "shop"},
	}}
	_ = mem.PutItinerary(ctx, it)

	naming := geosync.Naming{Friendly: true, MaxLength: 64}
	geom := geosync.New(mem, client, geosync.Options{Naming: naming, Budget: geo.BudgetConfig{BufferM: 50}, MaxPoints: 1500}, nil)
	return fixture{fake: fake, mem: mem, syncer: groups.New(mem, client, geom, naming, nil, nil), it: it}
}

func TestSyncItineraryCreatesRoleGroups(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.syncer.SyncItinerary(ctx, f.it)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(res.Groups) != 3 || len(res.Warnings) != 0 {
		t.Fatalf("result: %+v", res)
	}
	itin, targets, entry := res.Groups[model.RoleItinerary], res.Groups[model.RoleTargets], res.Groups[model.RoleEntry]
	if len(itin.Members) != 3 || len(targets.Members) != 1 || len(entry.Members) != 1 {
		t.Fatalf("members: itinerary=%v targets=%v entry=%v", itin.Members, targets.Members, entry.Members)
	}
	if got := f.fake.GroupMembers(itin.GroupID); len(got) != 3 {
		t.Fatalf("remote itinerary members: %v", got)
	}
	if got := f.fake.GroupMembers(entry.GroupID); len(got) != 1 || got[0] != entry.Members[0] {
		t.Fatalf("remote entry members: %v", got)
	}
	if itin.GroupID == targets.GroupID || targets.GroupID == entry.GroupID {
		t.Fatalf("roles must have distinct groups")
	}
	m, err := f.mem.GetGroupMapping(ctx, "c1", "it1", model.RoleTargets)
	if err != nil || m.RemoteGroupID != targets.GroupID || m.GroupHash != targets.Hash || m.RemoteName != "Acme - Morning run (targets)" {
		t.Fatalf("mapping: %+v err=%v", m, err)
	}
	st, err := f.mem.GetItinerarySyncState(ctx, "c1", "it1")
	if err != nil || st.Status != model.SyncOK {
		t.Fatalf("state: %+v err=%v", st, err)
	}
}

func TestSecondSyncIsFree(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.syncer.SyncItinerary(ctx, f.it)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	before := f.fake.Mutations()
	getsBefore := f.fake.Calls("GET /geozonegroups/" + itoa(first.Groups[model.RoleItinerary].GroupID))
	second, err := f.syncer.SyncItinerary(ctx, f.it)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if f.fake.Mutations() != before {
		t.Fatalf("unchanged itinerary mutated the platform")
	}
	if f.fake.Calls("GET /geozonegroups/"+itoa(first.Groups[model.RoleItinerary].GroupID)) != getsBefore {
		t.Fatalf("reused group should not be fetched")
	}
	for _, role := range model.GroupRoles {
		if !second.Groups[role].Reused || second.Groups[role].GroupID != first.Groups[role].GroupID {
			t.Fatalf("%s not reused: %+v", role, second.Groups[role])
		}
	}
}

func TestGeometryChangeReconcilesDelta(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, err := f.syncer.SyncItinerary(ctx, f.it)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	_ = f.mem.PutGeofence(ctx, model.Geofence{ID: "depot", ClientID: "c1", Name: "Depot", Kind: model.GeometryPolygon, Points: poly(52.05, 13)})
	second, err := f.syncer.SyncItinerary(ctx, f.it)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if !second.Groups[model.RoleTargets].Reused {
		t.Fatalf("targets group did not change and should be reused")
	}
	entry := second.Groups[model.RoleEntry]
	if entry.Reused || entry.GroupID != first.Groups[model.RoleEntry].GroupID || entry.Hash == first.Groups[model.RoleEntry].Hash {
		t.Fatalf("entry: %+v", entry)
	}
	if got := f.fake.GroupMembers(entry.GroupID); len(got) != 1 || got[0] == first.Groups[model.RoleEntry].Members[0] {
		t.Fatalf("entry members after change: %v", got)
	}
	if got := f.fake.GroupMembers(second.Groups[model.RoleItinerary].GroupID); len(got) != 3 {
		t.Fatalf("itinerary members after change: %v", got)
	}
}

func TestNoPermissionFallsBackToBulkImport(t *testing.T) {
	f := newFixture(t, func(s *platformtest.Server) { s.DenyIncrementalMembership = true })
	ctx := context.Background()
	res, err := f.syncer.SyncItinerary(ctx, f.it)
	if err != nil {
		t.Fatalf("fallback must not fail the sync: %v", err)
	}
	if len(res.Warnings) != 3 {
		t.Fatalf("warnings: %v", res.Warnings)
	}
	itin := res.Groups[model.RoleItinerary]
	if !itin.Fallback || len(f.fake.GroupMembers(itin.GroupID)) == 0 {
		t.Fatalf("bulk import did not populate the group: %+v", itin)
	}
	if f.fake.Calls("POST /geozonegroups/"+itoa(itin.GroupID)+"/importGeozones") != 1 {
		t.Fatalf("expected one bulk import")
	}
	st, err := f.mem.GetItinerarySyncState(ctx, "c1", "it1")
	if err != nil || st.Status != model.SyncWithWarnings || len(st.Warnings) != 3 {
		t.Fatalf("state: %+v err=%v", st, err)
	}

	// membership from the fallback is not re-imported on the next sync
	again, err := f.syncer.SyncItinerary(ctx, f.it)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if !again.Groups[model.RoleItinerary].Reused {
		t.Fatalf("fallback group should be reused")
	}
}

func TestCreateWithoutIDLooksUpByName(t *testing.T) {
	f := newFixture(t, func(s *platformtest.Server) { s.CreateGroupWithoutID = true })
	res, err := f.syncer.SyncItinerary(context.Background(), f.it)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	for _, role := range model.GroupRoles {
		if res.Groups[role].GroupID == 0 {
			t.Fatalf("%s group id not resolved", role)
		}
	}
	if f.fake.Calls("GET /geozonegroups/filter") != 3 {
		t.Fatalf("expected a lookup per role, got %d", f.fake.Calls("GET /geozonegroups/filter"))
	}
}

func TestEmptyRoleStillGetsGroup(t *testing.T) {
	f := newFixture(t, nil)
	it := f.it
	it.Items = it.Items[:2] // no target
	res, err := f.syncer.SyncItinerary(context.Background(), it)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	targets := res.Groups[model.RoleTargets]
	if targets.GroupID == 0 || len(targets.Members) != 0 {
		t.Fatalf("targets: %+v", targets)
	}
}

func TestPlanIsPure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, err := f.syncer.Plan(ctx, f.it)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	b, _ := f.syncer.Plan(ctx, f.it)
	if a.Summary() != b.Summary() {
		t.Fatalf("plan not deterministic")
	}
	if a.Hashes[model.RoleItinerary] == a.Hashes[model.RoleTargets] || a.Hashes[model.RoleTargets] == a.Hashes[model.RoleEntry] {
		t.Fatalf("role hashes should differ: %v", a.Hashes)
	}
	if f.fake.Mutations() != 0 || f.fake.Calls("POST /oauth/token") != 0 {
		t.Fatalf("plan touched the platform")
	}
	bad := f.it
	bad.Items = append(bad.Items, model.ItineraryItem{Type: "waypoint", ID: "x"})
	if _, err := f.syncer.Plan(ctx, bad); err == nil {
		t.Fatalf("unknown item type should fail")
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
