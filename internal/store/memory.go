package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fleetsync/internal/model"
)

// Memory is a simple in-memory store used when no database is configured.
type Memory struct {
	mu          sync.Mutex
	clients     map[string]model.Client
	geofences   map[string]model.Geofence  // clientId|id -> geofence
	routes      map[string]model.Route     // clientId|id -> route
	itineraries map[string]model.Itinerary // clientId|id -> itinerary
	vehicles    map[string]model.Vehicle   // clientId|id -> vehicle
	syncs       map[string]model.SyncMapping
	groups      map[string]model.GeozoneGroupMapping
	overrides   map[string]model.OverrideElement
	itinStates  map[string]model.ItinerarySyncState
	deps        map[string]model.Deployment // id -> deployment
	depSeq      map[string]int64            // id -> insertion order
	seq         int64
}

func NewMemory() *Memory {
	return &Memory{
		clients:     map[string]model.Client{},
		geofences:   map[string]model.Geofence{},
		routes:      map[string]model.Route{},
		itineraries: map[string]model.Itinerary{},
		vehicles:    map[string]model.Vehicle{},
		syncs:       map[string]model.SyncMapping{},
		groups:      map[string]model.GeozoneGroupMapping{},
		overrides:   map[string]model.OverrideElement{},
		itinStates:  map[string]model.ItinerarySyncState{},
		deps:        map[string]model.Deployment{},
		depSeq:      map[string]int64{},
	}
}

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += "|"
		}
		k += p
	}
	return k
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

// Catalog

func (m *Memory) PutClient(ctx context.Context, c model.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
	return nil
}

func (m *Memory) PutGeofence(ctx context.Context, g model.Geofence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.geofences[key(g.ClientID, g.ID)] = g
	return nil
}

func (m *Memory) PutRoute(ctx context.Context, r model.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[key(r.ClientID, r.ID)] = r
	return nil
}

func (m *Memory) PutItinerary(ctx context.Context, it model.Itinerary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itineraries[key(it.ClientID, it.ID)] = it
	return nil
}

func (m *Memory) PutVehicle(ctx context.Context, v model.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[key(v.ClientID, v.ID)] = v
	return nil
}

func (m *Memory) GetClient(ctx context.Context, id string) (model.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return model.Client{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetGeofence(ctx context.Context, clientID, id string) (model.Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.geofences[key(clientID, id)]
	if !ok {
		return model.Geofence{}, ErrNotFound
	}
	return g, nil
}

func (m *Memory) ListGeofences(ctx context.Context, clientID string) ([]model.Geofence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Geofence{}
	for _, g := range m.geofences {
		if g.ClientID == clientID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetRoute(ctx context.Context, clientID, id string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[key(clientID, id)]
	if !ok {
		return model.Route{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRoutes(ctx context.Context, clientID string) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Route{}
	for _, r := range m.routes {
		if r.ClientID == clientID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetItinerary(ctx context.Context, clientID, id string) (model.Itinerary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.itineraries[key(clientID, id)]
	if !ok {
		return model.Itinerary{}, ErrNotFound
	}
	return it, nil
}

func (m *Memory) GetVehicle(ctx context.Context, clientID, id string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[key(clientID, id)]
	if !ok {
		return model.Vehicle{}, ErrNotFound
	}
	return v, nil
}

// Sync mappings

func (m *Memory) GetSyncMapping(ctx context.Context, clientID string, entity model.EntityType, entityID string) (model.SyncMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.syncs[key(clientID, string(entity), entityID)]
	if !ok {
		return model.SyncMapping{}, ErrNotFound
	}
	sm.RemoteIDs = append([]int64(nil), sm.RemoteIDs...)
	return sm, nil
}

func (m *Memory) SaveSyncMapping(ctx context.Context, sm model.SyncMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm.RemoteIDs = append([]int64(nil), sm.RemoteIDs...)
	m.syncs[key(sm.ClientID, string(sm.EntityType), sm.EntityID)] = sm
	return nil
}

func (m *Memory) DeleteSyncMapping(ctx context.Context, clientID string, entity model.EntityType, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(clientID, string(entity), entityID)
	if _, ok := m.syncs[k]; !ok {
		return ErrNotFound
	}
	delete(m.syncs, k)
	return nil
}

// Group mappings

func (m *Memory) GetGroupMapping(ctx context.Context, clientID, scopeID string, role model.GroupRole) (model.GeozoneGroupMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[key(clientID, scopeID, string(role))]
	if !ok {
		return model.GeozoneGroupMapping{}, ErrNotFound
	}
	g.MemberIDs = append([]int64(nil), g.MemberIDs...)
	return g, nil
}

func (m *Memory) SaveGroupMapping(ctx context.Context, g model.GeozoneGroupMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.MemberIDs = append([]int64(nil), g.MemberIDs...)
	m.groups[key(g.ClientID, g.ScopeID, string(g.Role))] = g
	return nil
}

func (m *Memory) ListGroupMappings(ctx context.Context, clientID, scopeID string) ([]model.GeozoneGroupMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.GeozoneGroupMapping{}
	for _, g := range m.groups {
		if g.ClientID == clientID && g.ScopeID == scopeID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role.Index() < out[j].Role.Index() })
	return out, nil
}

// Override element cache

func (m *Memory) GetOverrideElement(ctx context.Context, dealerID, templateName, k string) (model.OverrideElement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.overrides[key(dealerID, templateName, k)]
	if !ok {
		return model.OverrideElement{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) SaveOverrideElement(ctx context.Context, e model.OverrideElement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(e.DealerID, e.TemplateName, e.Key)
	if prev, ok := m.overrides[k]; ok && e.CreatedAt.IsZero() {
		e.CreatedAt = prev.CreatedAt
	}
	m.overrides[k] = e
	return nil
}

func (m *Memory) DeleteOverrideElements(ctx context.Context, dealerID, templateName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.overrides {
		if e.DealerID == dealerID && (templateName == "" || e.TemplateName == templateName) {
			delete(m.overrides, k)
			n++
		}
	}
	return n, nil
}

// Itinerary sync state

func (m *Memory) GetItinerarySyncState(ctx context.Context, clientID, itineraryID string) (model.ItinerarySyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.itinStates[key(clientID, itineraryID)]
	if !ok {
		return model.ItinerarySyncState{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) SaveItinerarySyncState(ctx context.Context, s model.ItinerarySyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itinStates[key(s.ClientID, s.ItineraryID)] = s
	return nil
}

// Deployments

func (m *Memory) CreateDeployment(ctx context.Context, d model.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deps[d.ID]; ok {
		return fmt.Errorf("deployment %s: %w", d.ID, ErrConflict)
	}
	if !d.Status.Terminal() {
		if _, ok := m.activeLocked(d.Key()); ok {
			return fmt.Errorf("active deployment for %s: %w", d.Key(), ErrConflict)
		}
	}
	m.seq++
	m.deps[d.ID] = cloneDeployment(d)
	m.depSeq[d.ID] = m.seq
	return nil
}

func (m *Memory) GetDeployment(ctx context.Context, id string) (model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deps[id]
	if !ok {
		return model.Deployment{}, ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (m *Memory) UpdateDeployment(ctx context.Context, d model.Deployment, expected model.DeploymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.deps[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return fmt.Errorf("deployment %s is %s, expected %s: %w", d.ID, cur.Status, expected, ErrConflict)
	}
	m.deps[d.ID] = cloneDeployment(d)
	return nil
}

func (m *Memory) activeLocked(k model.DeploymentKey) (model.Deployment, bool) {
	for _, d := range m.deps {
		if !d.Status.Terminal() && d.Key() == k {
			return d, true
		}
	}
	return model.Deployment{}, false
}

func (m *Memory) FindActiveDeployment(ctx context.Context, k model.DeploymentKey) (model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.activeLocked(k)
	if !ok {
		return model.Deployment{}, ErrNotFound
	}
	return cloneDeployment(d), nil
}

func (m *Memory) LatestTerminalDeployment(ctx context.Context, clientID, itineraryID, vehicleID string) (model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best model.Deployment
	var bestSeq int64 = -1
	for id, d := range m.deps {
		if d.ClientID != clientID || d.ItineraryID != itineraryID || d.VehicleID != vehicleID || !d.Status.Terminal() {
			continue
		}
		if s := m.depSeq[id]; s > bestSeq {
			best, bestSeq = d, s
		}
	}
	if bestSeq < 0 {
		return model.Deployment{}, ErrNotFound
	}
	return cloneDeployment(best), nil
}

func (m *Memory) ListDeploymentsByStatus(ctx context.Context, status model.DeploymentStatus, limit int) ([]model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.deps))
	for id, d := range m.deps {
		if d.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return m.depSeq[ids[i]] < m.depSeq[ids[j]] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.Deployment, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneDeployment(m.deps[id]))
	}
	return out, nil
}

// ListDeployments returns matches newest first.
func (m *Memory) ListDeployments(ctx context.Context, f model.DeploymentFilter) ([]model.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.deps))
	for id, d := range m.deps {
		if matches(d, f) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return m.depSeq[ids[i]] > m.depSeq[ids[j]] })
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	out := []model.Deployment{}
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		out = append(out, cloneDeployment(m.deps[id]))
	}
	return out, nil
}

func matches(d model.Deployment, f model.DeploymentFilter) bool {
	return (f.ClientID == "" || d.ClientID == f.ClientID) &&
		(f.ItineraryID == "" || d.ItineraryID == f.ItineraryID) &&
		(f.VehicleID == "" || d.VehicleID == f.VehicleID) &&
		(f.Status == "" || d.Status == f.Status)
}

// cloneDeployment copies the mutable parts so callers never share maps or slices with the store.
func cloneDeployment(d model.Deployment) model.Deployment {
	if d.Groups != nil {
		g := make(map[model.GroupRole]model.GroupRef, len(d.Groups))
		for k, v := range d.Groups {
			g[k] = v
		}
		d.Groups = g
	}
	if d.Overrides != nil {
		o := make(map[string]*int64, len(d.Overrides))
		for k, v := range d.Overrides {
			if v != nil {
				n := *v
				v = &n
			}
			o[k] = v
		}
		d.Overrides = o
	}
	d.Log = append([]model.DeploymentLogEntry(nil), d.Log...)
	return d
}
