package geosync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"

	"fleetsync/internal/geo"
	"fleetsync/internal/model"
	"fleetsync/internal/store"
)

// Repository is what the syncer reads and writes locally.
type Repository interface {
	Mappings
	GetClient(ctx context.Context, id string) (model.Client, error)
	ListGeofences(ctx context.Context, clientID string) ([]model.Geofence, error)
	ListRoutes(ctx context.Context, clientID string) ([]model.Route, error)
}

type Options struct {
	Naming         Naming
	Budget         geo.BudgetConfig
	CircleSegments int
	MaxPoints      int
}

// Syncer turns catalog geofences and routes into remote geozones.
type Syncer struct {
	repo    Repository
	content *ContentSync
	opts    Options
	log     log.Interface
}

func New(repo Repository, remote Remote, opts Options, logger log.Interface) *Syncer {
	if logger == nil {
		logger = log.Log
	}
	return &Syncer{
		repo:    repo,
		content: &ContentSync{Mappings: repo, Remote: remote, Log: logger, Now: func() time.Time { return time.Now().UTC() }},
		opts:    opts,
		log:     logger,
	}
}

// PrepareGeofence computes the normalized rings, hash and names for g without touching the platform.
func (s *Syncer) PrepareGeofence(ctx context.Context, g model.Geofence) (Desired, error) {
	var ring []model.GeoPoint
	switch g.Kind {
	case model.GeometryCircle:
		if g.Center == nil {
			return Desired{}, &geo.ValidationError{Field: "center", Reason: "required for a circle"}
		}
		pts, err := geo.ApproximateCircle(*g.Center, g.RadiusM, s.opts.CircleSegments)
		if err != nil {
			return Desired{}, err
		}
		ring = pts
	case model.GeometryPolygon:
		if err := geo.Validate("points", g.Points, 3); err != nil {
			return Desired{}, err
		}
		ring = geo.NormalizeRing(g.Points)
		if len(ring) < 4 {
			return Desired{}, &geo.ValidationError{Field: "points", Reason: "polygon collapses to fewer than 3 distinct points"}
		}
	default:
		return Desired{}, &geo.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown geometry kind %q", g.Kind)}
	}
	dup, err := s.duplicateName(ctx, g.ClientID, model.EntityGeofence, g.ID, g.Name)
	if err != nil {
		return Desired{}, err
	}
	return s.desired(ctx, g.ClientID, model.EntityGeofence, g.ID, g.Name, dup, [][]model.GeoPoint{geo.NormalizeRing(ring)})
}

// PrepareRoute buffers the route into one or more corridor polygons within the point budget.
func (s *Syncer) PrepareRoute(ctx context.Context, r model.Route) (Desired, error) {
	rings, err := geo.EnforcePointBudget(r.Points, s.routeBudget(r.Tuning), s.opts.MaxPoints)
	if err != nil {
		return Desired{}, fmt.Errorf("route %s: %w", r.ID, err)
	}
	for i := range rings {
		rings[i] = geo.NormalizeRing(rings[i])
	}
	dup, err := s.duplicateName(ctx, r.ClientID, model.EntityRoute, r.ID, r.Name)
	if err != nil {
		return Desired{}, err
	}
	return s.desired(ctx, r.ClientID, model.EntityRoute, r.ID, r.Name, dup, rings)
}

func (s *Syncer) routeBudget(t model.RouteTuning) geo.BudgetConfig {
	b := s.opts.Budget
	if t.BufferM > 0 {
		b.BufferM = t.BufferM
	}
	if t.SimplifyM > 0 {
		b.SimplifyM = t.SimplifyM
	}
	if t.SegmentM > 0 {
		b.SegmentM = t.SegmentM
	}
	if t.CapSegments > 0 {
		b.CapSegments = t.CapSegments
	}
	return b
}

func (s *Syncer) desired(ctx context.Context, clientID string, entity model.EntityType, id, name string, dup bool, rings [][]model.GeoPoint) (Desired, error) {
	client, err := s.repo.GetClient(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		client = model.Client{ID: clientID}
	} else if err != nil {
		return Desired{}, fmt.Errorf("load client %s: %w", clientID, err)
	}
	d := Desired{
		EntityType: entity, EntityID: id, ClientID: clientID,
		Name:  s.opts.Naming.Name(client, entity, id, name, dup),
		Rings: rings,
		Hash:  geo.Hash(rings...),
	}
	for i := range rings {
		d.SegmentNames = append(d.SegmentNames, s.opts.Naming.Segment(d.Name, i, len(rings)))
	}
	return d, nil
}

func (s *Syncer) duplicateName(ctx context.Context, clientID string, entity model.EntityType, id, name string) (bool, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return false, nil
	}
	fences, err := s.repo.ListGeofences(ctx, clientID)
	if err != nil {
		return false, err
	}
	for _, g := range fences {
		if (entity != model.EntityGeofence || g.ID != id) && strings.ToLower(strings.TrimSpace(g.Name)) == key {
			return true, nil
		}
	}
	routes, err := s.repo.ListRoutes(ctx, clientID)
	if err != nil {
		return false, err
	}
	for _, r := range routes {
		if (entity != model.EntityRoute || r.ID != id) && strings.ToLower(strings.TrimSpace(r.Name)) == key {
			return true, nil
		}
	}
	return false, nil
}

// SyncGeofence ensures g exists remotely with its current geometry and name.
func (s *Syncer) SyncGeofence(ctx context.Context, g model.Geofence) (Result, error) {
	d, err := s.PrepareGeofence(ctx, g)
	if err != nil {
		return Result{}, err
	}
	return s.content.Ensure(ctx, d)
}

// SyncRoute ensures r's corridor polygons exist remotely.
func (s *Syncer) SyncRoute(ctx context.Context, r model.Route) (Result, error) {
	d, err := s.PrepareRoute(ctx, r)
	if err != nil {
		return Result{}, err
	}
	return s.content.Ensure(ctx, d)
}

// Ensure syncs an already prepared entity.
func (s *Syncer) Ensure(ctx context.Context, d Desired) (Result, error) {
	return s.content.Ensure(ctx, d)
}

// Forget removes the remote geozones of a deleted entity.
func (s *Syncer) Forget(ctx context.Context, clientID string, entity model.EntityType, entityID string) error {
	return s.content.Forget(ctx, clientID, entity, entityID)
}
