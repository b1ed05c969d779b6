package geosync_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/apex/log"

	"fleetsync/internal/geo"
	"fleetsync/internal/geosync"
	"fleetsync/internal/model"
	"fleetsync/internal/platform"
	"fleetsync/internal/platform/platformtest"
	"fleetsync/internal/store"
)

type fixture struct {
	fake   *platformtest.Server
	mem    *store.Memory
	syncer *geosync.Syncer
}

func newFixture(t *testing.T, maxPoints int) fixture {
	t.Helper()
	fake := platformtest.New(t)
	client, err := platform.New(fake.Config(), nil)
	if err != nil {
		t.Fatalf("platform: %v", err)
	}
	mem := store.NewMemory()
	if err := mem.PutClient(context.Background(), model.Client{ID: "c1", Name: "Acme"}); err != nil {
		t.Fatalf("put client: %v", err)
	}
	s := geosync.New(mem, client, geosync.Options{
		Naming:    geosync.Naming{Friendly: true, MaxLength: 64},
		Budget:    geo.BudgetConfig{BufferM: 50, CapSegments: 8},
		MaxPoints: maxPoints,
	}, nil)
	return fixture{fake: fake, mem: mem, syncer: s}
}

func square(offset float64) []model.GeoPoint {
	return []model.GeoPoint{
		{Lat: 52.0 + offset, Lng: 13.0}, {Lat: 52.0 + offset, Lng: 13.01},
		{Lat: 52.01 + offset, Lng: 13.01}, {Lat: 52.01 + offset, Lng: 13.0},
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFixture(t, 1500)
	ctx := context.Background()
	g := model.Geofence{ID: "g1", ClientID: "c1", Name: "Depot", Kind: model.GeometryPolygon, Points: square(0)}
	_ = f.mem.PutGeofence(ctx, g)

	first, err := f.syncer.SyncGeofence(ctx, g)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if first.Outcome != geosync.OutcomeCreated || len(first.RemoteIDs) != 1 {
		t.Fatalf("first: %+v", first)
	}
	if got := f.fake.GeozoneName(first.RemoteIDs[0]); got != "Acme - Depot" {
		t.Fatalf("remote name: %q", got)
	}
	before := f.fake.Mutations()

	second, err := f.syncer.SyncGeofence(ctx, g)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if second.Outcome != geosync.OutcomeUnchanged || second.RemoteIDs[0] != first.RemoteIDs[0] {
		t.Fatalf("second: %+v", second)
	}
	if f.fake.Mutations() != before {
		t.Fatalf("unchanged sync mutated the platform: %d -> %d", before, f.fake.Mutations())
	}
	m, err := f.mem.GetSyncMapping(ctx, "c1", model.EntityGeofence, "g1")
	if err != nil || m.GeometryHash != first.GeometryHash || m.PointCount != 5 {
		t.Fatalf("mapping: %+v err=%v", m, err)
	}
}

func TestRenameOnlyRenames(t *testing.T) {
	f := newFixture(t, 1500)
	ctx := context.Background()
	g := model.Geofence{ID: "g1", ClientID: "c1", Name: "Depot", Kind: model.GeometryPolygon, Points: square(0)}
	first, err := f.syncer.SyncGeofence(ctx, g)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	g.Name = "Main depot"
	res, err := f.syncer.SyncGeofence(ctx, g)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if res.Outcome != geosync.OutcomeRenamed || res.RemoteIDs[0] != first.RemoteIDs[0] {
		t.Fatalf("rename result: %+v", res)
	}
	if got := f.fake.GeozoneName(first.RemoteIDs[0]); got != "Acme - Main depot" {
		t.Fatalf("remote name: %q", got)
	}
	if f.fake.Calls("POST /geozones/import") != 1 {
		t.Fatalf("rename must not re-import")
	}
}

func TestGeometryChangeReplaces(t *testing.T) {
	f := newFixture(t, 1500)
	ctx := context.Background()
	g := model.Geofence{ID: "g1", ClientID: "c1", Name: "Depot", Kind: model.GeometryPolygon, Points: square(0)}
	first, err := f.syncer.SyncGeofence(ctx, g)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	g.Points = square(0.02)
	res, err := f.syncer.SyncGeofence(ctx, g)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if res.Outcome != geosync.OutcomeReplaced || res.RemoteIDs[0] == first.RemoteIDs[0] || res.GeometryHash == first.GeometryHash {
		t.Fatalf("replace result: %+v", res)
	}
	if f.fake.GeozoneCount() != 1 || f.fake.GeozoneName(first.RemoteIDs[0]) != "" {
		t.Fatalf("old geozone not deleted: count=%d", f.fake.GeozoneCount())
	}
}

func TestSupersededDeleteFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, 1500)
	ctx := context.Background()
	g := model.Geofence{ID: "g1", ClientID: "c1", Name: "Depot", Kind: model.GeometryPolygon, Points: square(0)}
	if _, err := f.syncer.SyncGeofence(ctx, g); err != nil {
		t.Fatalf("sync: %v", err)
	}
	f.fake.FailNext("DELETE", "/geozones/", 400, 1, `{"message":"locked"}`)
	g.Points = square(0.05)
	res, err := f.syncer.SyncGeofence(ctx, g)
	if err != nil {
		t.Fatalf("delete failure must only warn: %v", err)
	}
	if res.Outcome != geosync.OutcomeReplaced {
		t.Fatalf("outcome: %s", res.Outcome)
	}
}

func TestVanishedGeozoneIsReimported(t *testing.T) {
	f := newFixture(t, 1500)
	ctx := context.Background()
	g := model.Geofence{ID: "g1", ClientID: "c1", Name: "Depot", Kind: model.GeometryPolygon, Points: square(0)}
	first, err := f.syncer.SyncGeofence(ctx, g)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	f.fake.FailNext("PUT", "/geozones/", 404, 1, `{"message":"geozone not found"}`)
	g.Name = "Renamed"
	res, err := f.syncer.SyncGeofence(ctx, g)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if res.Outcome != geosync.OutcomeReplaced || res.RemoteIDs[0] == first.RemoteIDs[0] {
		t.Fatalf("expected re-import, got %+v", res)
	}
}

func TestCircleGeofence(t *testing.T) {
	f := newFixture(t, 1500)
	g := model.Geofence{ID: "g2", ClientID: "c1", Name: "Yard", Kind: model.GeometryCircle, Center: &model.GeoPoint{Lat: 48.1, Lng: 11.5}, RadiusM: 200}
	d, err := f.syncer.PrepareGeofence(context.Background(), g)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(d.Rings) != 1 || len(d.Rings[0]) != geo.DefaultCircleSegments+1 {
		t.Fatalf("circle ring: %d rings", len(d.Rings))
	}
	again, _ := f.syncer.PrepareGeofence(context.Background(), g)
	if again.Hash != d.Hash {
		t.Fatalf("circle hash not stable")
	}
}

func TestInvalidGeometryMakesNoRemoteCall(t *testing.T) {
	f := newFixture(t, 1500)
	ctx := context.Background()
	cases := []model.Geofence{
		{ID: "a", ClientID: "c1", Kind: model.GeometryPolygon, Points: square(0)[:2]},
		{ID: "b", ClientID: "c1", Kind: model.GeometryCircle, Center: &model.GeoPoint{Lat: 1, Lng: 1}, RadiusM: -5},
		{ID: "c", ClientID: "c1", Kind: model.GeometryCircle},
		{ID: "d", ClientID: "c1", Kind: "hexagon"},
		{ID: "e", ClientID: "c1", Kind: model.GeometryPolygon, Points: []model.GeoPoint{{Lat: 1, Lng: 1}, {Lat: 1, Lng: 1}, {Lat: 1, Lng: 1}}},
	}
	for _, g := range cases {
		if _, err := f.syncer.SyncGeofence(ctx, g); !errors.Is(err, model.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", g.ID, err)
		}
	}
	if _, err := f.syncer.SyncRoute(ctx, model.Route{ID: "r", ClientID: "c1", Points: []model.GeoPoint{{Lat: math.NaN(), Lng: 0}, {Lat: 1, Lng: 1}}}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("route: expected validation error, got %v", err)
	}
	if f.fake.Mutations() != 0 {
		t.Fatalf("invalid input reached the platform")
	}
}

func zigzag(n int) []model.GeoPoint {
	pts := make([]model.GeoPoint, n)
	for i := range pts {
		off := 0.0005
		if i%2 == 1 {
			off = -off
		}
		pts[i] = model.GeoPoint{Lat: 50 + off, Lng: 8 + float64(i)*0.0015}
	}
	return pts
}

func TestLongRouteIsSplit(t *testing.T) {
	f := newFixture(t, 200)
	ctx := context.Background()
	r := model.Route{ID: "r1", ClientID: "c1", Name: "Long haul", Points: zigzag(300)}
	res, err := f.syncer.SyncRoute(ctx, r)
	if err != nil {
		t.Fatalf("sync route: %v", err)
	}
	if len(res.RemoteIDs) < 2 || f.fake.GeozoneCount() != len(res.RemoteIDs) {
		t.Fatalf("expected several geozones, got %v (remote %d)", res.RemoteIDs, f.fake.GeozoneCount())
	}
	n := len(res.RemoteIDs)
	for i, id := range res.RemoteIDs {
		want := fmt.Sprintf("Acme - Long haul (%d/%d)", i+1, n)
		if got := f.fake.GeozoneName(id); got != want {
			t.Fatalf("segment %d name %q, want %q", i, got, want)
		}
	}
	d, err := f.syncer.PrepareRoute(ctx, r)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	for i, ring := range d.Rings {
		if len(ring) > 200 {
			t.Fatalf("ring %d has %d points", i, len(ring))
		}
	}

	// a wider corridor from per-route tuning is a new geometry
	r.Tuning.BufferM = 120
	res2, err := f.syncer.SyncRoute(ctx, r)
	if err != nil {
		t.Fatalf("retuned: %v", err)
	}
	if res2.GeometryHash == res.GeometryHash || res2.Outcome != geosync.OutcomeReplaced {
		t.Fatalf("tuning ignored: %+v", res2)
	}
}

func TestDuplicateNamesGetIDSuffix(t *testing.T) {
	f := newFixture(t, 1500)
	ctx := context.Background()
	a := model.Geofence{ID: "fence-aaaa-1", ClientID: "c1", Name: "Depot", Kind: model.GeometryPolygon, Points: square(0)}
	b := model.Geofence{ID: "fence-bbbb-2", ClientID: "c1", Name: "depot", Kind: model.GeometryPolygon, Points: square(0.1)}
	_ = f.mem.PutGeofence(ctx, a)
	_ = f.mem.PutGeofence(ctx, b)
	d, err := f.syncer.PrepareGeofence(ctx, a)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if d.Name != "Acme - Depot [fence-]" {
		t.Fatalf("name: %q", d.Name)
	}
}

func TestForget(t *testing.T) {
	f := newFixture(t, 1500)
	ctx := context.Background()
	g := model.Geofence{ID: "g1", ClientID: "c1", Name: "Depot", Kind: model.GeometryPolygon, Points: square(0)}
	if _, err := f.syncer.SyncGeofence(ctx, g); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := f.syncer.Forget(ctx, "c1", model.EntityGeofence, "g1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if f.fake.GeozoneCount() != 0 {
		t.Fatalf("geozone left behind")
	}
	if _, err := f.mem.GetSyncMapping(ctx, "c1", model.EntityGeofence, "g1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("mapping left behind: %v", err)
	}
	if err := f.syncer.Forget(ctx, "c1", model.EntityGeofence, "g1"); err != nil {
		t.Fatalf("forget twice: %v", err)
	}
}

func TestNaming(t *testing.T) {
	client := model.Client{ID: "c1", Name: "Acme"}
	friendly := geosync.Naming{Friendly: true, MaxLength: 64}
	if got := friendly.Name(client, model.EntityGeofence, "abcdef123", "Depot", true); got != "Acme - Depot [abcdef]" {
		t.Fatalf("friendly: %q", got)
	}
	structured := geosync.Naming{Prefix: "FS", MaxLength: 64}
	if got := structured.Name(client, model.EntityRoute, "r1", "North loop", false); got != "FS_c1_r1_route_North_loop" {
		t.Fatalf("structured: %q", got)
	}

	short := geosync.Naming{Friendly: true, MaxLength: 12}
	got := short.Name(model.Client{ID: "c", Name: "Ärger GmbH"}, model.EntityGeofence, "abcdef", "Überlänge Straße", true)
	if !utf8.ValidString(got) || utf8.RuneCountInString(got) > 12 || !strings.HasSuffix(got, "[abcdef]") {
		t.Fatalf("truncated: %q", got)
	}
	seg := short.Segment("Äöü Äöü Äöü Äöü", 1, 3)
	if !utf8.ValidString(seg) || utf8.RuneCountInString(seg) > 12 || !strings.HasSuffix(seg, " (2/3)") {
		t.Fatalf("segment: %q", seg)
	}
	if friendly.Segment("Acme - Depot", 0, 1) != "Acme - Depot" {
		t.Fatalf("single segment must keep the name")
	}
}

// shortRemote returns one id fewer than the polygons it is sent while short is set.
type shortRemote struct {
	short   bool
	next    int64
	imports int
	deleted []int64
}

func (r *shortRemote) ImportGeozones(_ context.Context, _ string, doc []byte) ([]int64, error) {
	r.imports++
	n := strings.Count(string(doc), "<Placemark>")
	if r.short {
		n--
	}
	ids := make([]int64, n)
	for i := range ids {
		r.next++
		ids[i] = r.next
	}
	return ids, nil
}

func (r *shortRemote) DeleteGeozone(_ context.Context, id int64) error {
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *shortRemote) RenameGeozone(context.Context, int64, string) error { return nil }

func TestShortImportIsNotMapped(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	remote := &shortRemote{short: true}
	c := &geosync.ContentSync{Mappings: mem, Remote: remote, Log: log.Log}
	d := geosync.Desired{
		EntityType: model.EntityRoute, EntityID: "r1", ClientID: "c1", Name: "Long road",
		Rings: [][]model.GeoPoint{square(0), square(0.05)}, Hash: "h1",
	}

	if _, err := c.Ensure(ctx, d); !errors.Is(err, geosync.ErrImportMismatch) {
		t.Fatalf("short import: %v", err)
	}
	if len(remote.deleted) != 1 || remote.deleted[0] != 1 {
		t.Fatalf("orphaned geozones not deleted: %v", remote.deleted)
	}
	if _, err := mem.GetSyncMapping(ctx, "c1", model.EntityRoute, "r1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("mapping saved for a short import: %v", err)
	}

	remote.short = false
	res, err := c.Ensure(ctx, d)
	if err != nil || res.Outcome != geosync.OutcomeCreated || len(res.RemoteIDs) != 2 {
		t.Fatalf("full import: %+v %v", res, err)
	}
	res, err = c.Ensure(ctx, d)
	if err != nil || res.Outcome != geosync.OutcomeUnchanged || remote.imports != 2 {
		t.Fatalf("resync after full import: %+v imports=%d %v", res, remote.imports, err)
	}
}
