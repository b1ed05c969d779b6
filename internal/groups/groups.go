// Package groups keeps the three remote geozone groups of an itinerary (itinerary, targets, entry)
// in line with the itinerary's items.
package groups

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"golang.org/x/sync/errgroup"

	"fleetsync/internal/geosync"
	"fleetsync/internal/kml"
	"fleetsync/internal/lock"
	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
	"fleetsync/internal/platform"
	"fleetsync/internal/store"
)

const memberSyncParallelism = 4

// Remote is the part of the platform client used for groups.
type Remote interface {
	CreateGroup(ctx context.Context, name string) (int64, error)
	UpdateGroup(ctx context.Context, id int64, name string) error
	GetGroup(ctx context.Context, id int64) (platform.Group, error)
	FindGroupsByName(ctx context.Context, name string) ([]platform.Group, error)
	AddGroupGeozones(ctx context.Context, groupID int64, ids []int64) error
	RemoveGroupGeozones(ctx context.Context, groupID int64, ids []int64) error
	ImportGroupGeozones(ctx context.Context, groupID int64, name string, kml []byte) ([]int64, error)
}

// Geometry prepares and syncs member geozones; *geosync.Syncer implements it.
type Geometry interface {
	PrepareGeofence(ctx context.Context, g model.Geofence) (geosync.Desired, error)
	PrepareRoute(ctx context.Context, r model.Route) (geosync.Desired, error)
	Ensure(ctx context.Context, d geosync.Desired) (geosync.Result, error)
}

// Repository is the local state the group syncer reads and writes.
type Repository interface {
	GetClient(ctx context.Context, id string) (model.Client, error)
	GetGeofence(ctx context.Context, clientID, id string) (model.Geofence, error)
	GetRoute(ctx context.Context, clientID, id string) (model.Route, error)
	GetGroupMapping(ctx context.Context, clientID, scopeID string, role model.GroupRole) (model.GeozoneGroupMapping, error)
	SaveGroupMapping(ctx context.Context, m model.GeozoneGroupMapping) error
	SaveItinerarySyncState(ctx context.Context, s model.ItinerarySyncState) error
}

// Member is one itinerary item with its prepared geometry.
type Member struct {
	Type    model.ItemType
	Desired geosync.Desired
}

func (m Member) line() string { return string(m.Type) + ":" + m.Desired.Hash }

func (m Member) entityKey() string { return string(m.Desired.EntityType) + "/" + m.Desired.EntityID }

// Plan is the desired membership of each role, computed without remote calls.
type Plan struct {
	Itinerary model.Itinerary
	Client    model.Client
	Members   map[model.GroupRole][]Member
	Hashes    map[model.GroupRole]string
}

// Summary is a stable digest of the three role hashes.
func (p Plan) Summary() string {
	parts := make([]string, 0, len(model.GroupRoles))
	for _, r := range model.GroupRoles {
		parts = append(parts, string(r)+"="+p.Hashes[r])
	}
	return strings.Join(parts, ",")
}

// RoleGroup is the synced state of one role.
type RoleGroup struct {
	GroupID  int64
	Hash     string
	Name     string
	Members  []int64
	Reused   bool
	Fallback bool
}

type Result struct {
	Groups   map[model.GroupRole]RoleGroup
	Warnings []string
}

type Syncer struct {
	repo   Repository
	remote Remote
	geo    Geometry
	naming geosync.Naming
	locker lock.Locker
	log    log.Interface
	now    func() time.Time
}

// New builds a group syncer. locker serializes syncs of the same itinerary and may be nil.
func New(repo Repository, remote Remote, geo Geometry, naming geosync.Naming, locker lock.Locker, logger log.Interface) *Syncer {
	if logger == nil {
		logger = log.Log
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Syncer{repo: repo, remote: remote, geo: geo, naming: naming, locker: locker, log: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Plan loads the itinerary's items and computes each role's members and hash.
// itinerary holds every item, targets the target items, entry the first geofence item.
func (s *Syncer) Plan(ctx context.Context, it model.Itinerary) (Plan, error) {
	client, err := s.repo.GetClient(ctx, it.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		client = model.Client{ID: it.ClientID}
	} else if err != nil {
		return Plan{}, fmt.Errorf("load client: %w", err)
	}
	p := Plan{Itinerary: it, Client: client, Members: map[model.GroupRole][]Member{}, Hashes: map[model.GroupRole]string{}}
	entrySet := false
	for i, item := range it.Items {
		var d geosync.Desired
		switch item.Type {
		case model.ItemGeofence, model.ItemTarget:
			g, err := s.repo.GetGeofence(ctx, it.ClientID, item.ID)
			if err != nil {
				return Plan{}, fmt.Errorf("item %d geofence %s: %w", i, item.ID, err)
			}
			if d, err = s.geo.PrepareGeofence(ctx, g); err != nil {
				return Plan{}, fmt.Errorf("item %d geofence %s: %w", i, item.ID, err)
			}
		case model.ItemRoute:
			r, err := s.repo.GetRoute(ctx, it.ClientID, item.ID)
			if err != nil {
				return Plan{}, fmt.Errorf("item %d route %s: %w", i, item.ID, err)
			}
			if d, err = s.geo.PrepareRoute(ctx, r); err != nil {
				return Plan{}, fmt.Errorf("item %d route %s: %w", i, item.ID, err)
			}
		default:
			return Plan{}, fmt.Errorf("item %d: unknown type %q: %w", i, item.Type, model.ErrValidation)
		}
		m := Member{Type: item.Type, Desired: d}
		p.Members[model.RoleItinerary] = append(p.Members[model.RoleItinerary], m)
		if item.Type == model.ItemTarget {
			p.Members[model.RoleTargets] = append(p.Members[model.RoleTargets], m)
		}
		if item.Type == model.ItemGeofence && !entrySet {
			p.Members[model.RoleEntry] = []Member{m}
			entrySet = true
		}
	}
	for _, role := range model.GroupRoles {
		p.Hashes[role] = groupHash(role, p.Members[role])
	}
	return p, nil
}

func groupHash(role model.GroupRole, members []Member) string {
	lines := make([]string, len(members))
	for i, m := range members {
		lines[i] = m.line()
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(string(role) + "\n" + strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// SyncItinerary syncs every member geozone and then each role's group. A role whose stored hash
// and membership still match is reused without remote calls.
func (s *Syncer) SyncItinerary(ctx context.Context, it model.Itinerary) (Result, error) {
	unlock, err := s.locker.Lock(ctx, "groups:"+it.ClientID+":"+it.ID)
	if err != nil {
		return Result{}, fmt.Errorf("lock itinerary: %w", err)
	}
	defer unlock()

	lg := s.log.WithFields(log.Fields{"itinerary_id": it.ID, "client_id": it.ClientID})
	res, err := s.syncItinerary(ctx, it, lg)
	state := model.ItinerarySyncState{ItineraryID: it.ID, ClientID: it.ClientID, Status: model.SyncOK, Warnings: res.Warnings, UpdatedAt: s.now()}
	switch {
	case err != nil:
		state.Status = model.SyncFailed
		state.Warnings = append(state.Warnings, err.Error())
	case len(res.Warnings) > 0:
		state.Status = model.SyncWithWarnings
	}
	if serr := s.repo.SaveItinerarySyncState(ctx, state); serr != nil {
		lg.WithError(serr).Warn("could not record itinerary sync state")
	}
	return res, err
}

func (s *Syncer) syncItinerary(ctx context.Context, it model.Itinerary, lg log.Interface) (Result, error) {
	plan, err := s.Plan(ctx, it)
	if err != nil {
		return Result{}, err
	}
	remoteIDs := map[string][]int64{}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(memberSyncParallelism)
	seen := map[string]bool{}
	for _, m := range plan.Members[model.RoleItinerary] {
		key := m.entityKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		g.Go(func() error {
			r, err := s.geo.Ensure(gctx, m.Desired)
			if err != nil {
				return fmt.Errorf("sync %s: %w", key, err)
			}
			mu.Lock()
			remoteIDs[key] = r.RemoteIDs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Groups: map[model.GroupRole]RoleGroup{}}
	for _, role := range model.GroupRoles {
		rg, warn, err := s.syncRole(ctx, plan, role, remoteIDs, lg.WithField("role", string(role)))
		if err != nil {
			metrics.GroupSyncs.WithLabelValues(string(role), "failed").Inc()
			return res, fmt.Errorf("sync %s group: %w", role, err)
		}
		if warn != "" {
			res.Warnings = append(res.Warnings, warn)
		}
		res.Groups[role] = rg
	}
	return res, nil
}

func (s *Syncer) syncRole(ctx context.Context, plan Plan, role model.GroupRole, remoteIDs map[string][]int64, lg log.Interface) (RoleGroup, string, error) {
	members := plan.Members[role]
	desired := memberIDs(members, remoteIDs)
	hash := plan.Hashes[role]
	name := s.naming.Group(plan.Client, plan.Itinerary.ID, plan.Itinerary.Name, role)

	prev, err := s.repo.GetGroupMapping(ctx, plan.Itinerary.ClientID, plan.Itinerary.ID, role)
	found := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return RoleGroup{}, "", fmt.Errorf("load group mapping: %w", err)
	}
	if found && prev.RemoteGroupID != 0 && prev.GroupHash == hash && prev.RemoteName == name &&
		(prev.BulkImported || equalIDs(prev.MemberIDs, desired)) {
		metrics.GroupSyncs.WithLabelValues(string(role), "reused").Inc()
		return RoleGroup{GroupID: prev.RemoteGroupID, Hash: hash, Name: name, Members: prev.MemberIDs, Reused: true, Fallback: prev.BulkImported}, "", nil
	}

	groupID, created, err := s.ensureGroup(ctx, prev, found, name)
	if err != nil {
		return RoleGroup{}, "", err
	}
	current, err := s.remote.GetGroup(ctx, groupID)
	if platform.IsNotFound(err) && !created {
		lg.WithField("group_id", groupID).Warn("group vanished remotely, recreating")
		if groupID, err = s.create(ctx, name); err != nil {
			return RoleGroup{}, "", err
		}
		current, err = s.remote.GetGroup(ctx, groupID)
	}
	if err != nil {
		return RoleGroup{}, "", fmt.Errorf("get group %d: %w", groupID, err)
	}

	toAdd, toRemove := diff(desired, current.GeozoneIDs)
	rg := RoleGroup{GroupID: groupID, Hash: hash, Name: name, Members: desired}
	warning := ""
	err = s.reconcile(ctx, groupID, toAdd, toRemove)
	if platform.IsNoPermission(err) {
		imported, ferr := s.bulkImport(ctx, groupID, name, members)
		if ferr != nil {
			return RoleGroup{}, "", fmt.Errorf("bulk import into group %d: %w", groupID, ferr)
		}
		rg.Members, rg.Fallback = imported, true
		warning = fmt.Sprintf("%s group %d: incremental membership change not permitted, imported %d geozones in bulk", role, groupID, len(imported))
		lg.WithError(err).WithField("group_id", groupID).Warn("membership fallback to bulk import")
	} else if err != nil {
		return RoleGroup{}, "", err
	}

	m := model.GeozoneGroupMapping{
		ScopeID: plan.Itinerary.ID, ClientID: plan.Itinerary.ClientID, Role: role,
		RemoteGroupID: groupID, GroupHash: hash, RemoteName: name, MemberIDs: rg.Members, BulkImported: rg.Fallback, UpdatedAt: s.now(),
	}
	if err := s.repo.SaveGroupMapping(ctx, m); err != nil {
		return RoleGroup{}, "", fmt.Errorf("save group mapping: %w", err)
	}
	outcome := "updated"
	if rg.Fallback {
		outcome = "fallback"
	} else if created {
		outcome = "created"
	}
	metrics.GroupSyncs.WithLabelValues(string(role), outcome).Inc()
	lg.WithFields(log.Fields{"group_id": groupID, "added": len(toAdd), "removed": len(toRemove), "outcome": outcome}).Info("synced geozone group")
	return rg, warning, nil
}

// ensureGroup returns the group to reconcile: the mapped one (renamed if needed) or a new one.
func (s *Syncer) ensureGroup(ctx context.Context, prev model.GeozoneGroupMapping, found bool, name string) (int64, bool, error) {
	if found && prev.RemoteGroupID != 0 {
		if prev.RemoteName == name {
			return prev.RemoteGroupID, false, nil
		}
		err := s.remote.UpdateGroup(ctx, prev.RemoteGroupID, name)
		if err == nil {
			return prev.RemoteGroupID, false, nil
		}
		if !platform.IsNotFound(err) {
			return 0, false, fmt.Errorf("rename group %d: %w", prev.RemoteGroupID, err)
		}
	}
	id, err := s.create(ctx, name)
	return id, true, err
}

// create makes a group, falling back to a lookup by name when the response carries no id.
func (s *Syncer) create(ctx context.Context, name string) (int64, error) {
	id, err := s.remote.CreateGroup(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("create group: %w", err)
	}
	if id != 0 {
		return id, nil
	}
	found, err := s.remote.FindGroupsByName(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("find created group: %w", err)
	}
	for _, g := range found {
		if g.ID > id {
			id = g.ID
		}
	}
	if id == 0 {
		return 0, fmt.Errorf("created group %q not found by name", name)
	}
	return id, nil
}

func (s *Syncer) reconcile(ctx context.Context, groupID int64, toAdd, toRemove []int64) error {
	if len(toAdd) > 0 {
		if err := s.remote.AddGroupGeozones(ctx, groupID, toAdd); err != nil {
			return fmt.Errorf("add to group %d: %w", groupID, err)
		}
	}
	if len(toRemove) > 0 {
		if err := s.remote.RemoveGroupGeozones(ctx, groupID, toRemove); err != nil {
			return fmt.Errorf("remove from group %d: %w", groupID, err)
		}
	}
	return nil
}

func (s *Syncer) bulkImport(ctx context.Context, groupID int64, name string, members []Member) ([]int64, error) {
	var placemarks []kml.Placemark
	for _, m := range members {
		for i, ring := range m.Desired.Rings {
			pm := kml.Placemark{Name: m.Desired.Name, Ring: ring}
			if i < len(m.Desired.SegmentNames) {
				pm.Name = m.Desired.SegmentNames[i]
			}
			placemarks = append(placemarks, pm)
		}
	}
	if len(placemarks) == 0 {
		return nil, nil
	}
	doc, err := kml.Document(name, placemarks)
	if err != nil {
		return nil, err
	}
	ids, err := s.remote.ImportGroupGeozones(ctx, groupID, name, doc)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func memberIDs(members []Member, remoteIDs map[string][]int64) []int64 {
	seen := map[int64]bool{}
	out := []int64{}
	for _, m := range members {
		for _, id := range remoteIDs[m.entityKey()] {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func diff(desired, current []int64) (toAdd, toRemove []int64) {
	want := map[int64]bool{}
	for _, id := range desired {
		want[id] = true
	}
	have := map[int64]bool{}
	for _, id := range current {
		have[id] = true
		if !want[id] {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range desired {
		if !have[id] {
			toAdd = append(toAdd, id)
		}
	}
	return toAdd, toRemove
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]int64(nil), a...)
	y := append([]int64(nil), b...)
	sort.Slice(x, func(i, j int) bool { return x[i] < x[j] })
	sort.Slice(y, func(i, j int) bool { return y[i] < y[j] })
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
