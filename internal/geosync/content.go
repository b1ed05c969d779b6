// Package geosync keeps exactly one set of remote geozones per local geofence or route,
// re-uploading only when the geometry hash changes.
package geosync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"fleetsync/internal/kml"
	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
	"fleetsync/internal/platform"
	"fleetsync/internal/store"
)

// ErrImportMismatch means the platform returned a different number of geozone ids than polygons sent.
var ErrImportMismatch = errors.New("geozone import id count mismatch")

// Remote is the part of the platform client the sync needs.
type Remote interface {
	ImportGeozones(ctx context.Context, name string, kml []byte) ([]int64, error)
	DeleteGeozone(ctx context.Context, id int64) error
	RenameGeozone(ctx context.Context, id int64, name string) error
}

// Mappings persists SyncMapping rows.
type Mappings interface {
	GetSyncMapping(ctx context.Context, clientID string, entity model.EntityType, entityID string) (model.SyncMapping, error)
	SaveSyncMapping(ctx context.Context, m model.SyncMapping) error
	DeleteSyncMapping(ctx context.Context, clientID string, entity model.EntityType, entityID string) error
}

// Desired is the normalized geometry one entity should have remotely.
type Desired struct {
	EntityType   model.EntityType
	EntityID     string
	ClientID     string
	Name         string
	SegmentNames []string
	Rings        [][]model.GeoPoint
	Hash         string
}

func (d Desired) pointCount() int {
	n := 0
	for _, r := range d.Rings {
		n += len(r)
	}
	return n
}

type Outcome string

const (
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeRenamed   Outcome = "renamed"
	OutcomeCreated   Outcome = "created"
	OutcomeReplaced  Outcome = "replaced"
)

type Result struct {
	RemoteIDs    []int64
	GeometryHash string
	RemoteName   string
	Outcome      Outcome
}

// ContentSync is the hash-based "skip if unchanged" primitive shared by geofences and routes.
type ContentSync struct {
	Mappings Mappings
	Remote   Remote
	Log      log.Interface
	Now      func() time.Time
}

func (c *ContentSync) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// Ensure makes the remote side match d. An unchanged hash and name costs no remote call;
// a name change is a rename; anything else is a fresh import followed by a best-effort
// delete of the superseded geozones.
func (c *ContentSync) Ensure(ctx context.Context, d Desired) (Result, error) {
	lg := c.Log.WithFields(log.Fields{"entity": string(d.EntityType), "entity_id": d.EntityID, "client_id": d.ClientID})
	if len(d.Rings) == 0 {
		return Result{}, fmt.Errorf("sync %s %s: no geometry", d.EntityType, d.EntityID)
	}
	prev, err := c.Mappings.GetSyncMapping(ctx, d.ClientID, d.EntityType, d.EntityID)
	found := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("load mapping: %w", err)
	}

	if found && prev.GeometryHash == d.Hash && len(prev.RemoteIDs) == len(d.Rings) {
		if prev.RemoteName == d.Name {
			metrics.GeozoneSyncs.WithLabelValues(string(d.EntityType), string(OutcomeUnchanged)).Inc()
			return Result{RemoteIDs: prev.RemoteIDs, GeometryHash: prev.GeometryHash, RemoteName: prev.RemoteName, Outcome: OutcomeUnchanged}, nil
		}
		renamed, err := c.rename(ctx, prev, d)
		if err == nil {
			lg.WithField("name", d.Name).Info("renamed geozones")
			return renamed, nil
		}
		if !platform.IsNotFound(err) {
			metrics.GeozoneSyncs.WithLabelValues(string(d.EntityType), "failed").Inc()
			return Result{}, err
		}
		lg.WithError(err).Warn("geozone vanished remotely, re-importing")
	}

	placemarks := make([]kml.Placemark, len(d.Rings))
	for i, ring := range d.Rings {
		placemarks[i] = kml.Placemark{Name: d.segmentName(i), Ring: ring}
	}
	doc, err := kml.Document(d.Name, placemarks)
	if err != nil {
		return Result{}, fmt.Errorf("build kml: %w", err)
	}
	ids, err := c.Remote.ImportGeozones(ctx, d.Name, doc)
	if err != nil {
		metrics.GeozoneSyncs.WithLabelValues(string(d.EntityType), "failed").Inc()
		return Result{}, fmt.Errorf("import geozones: %w", err)
	}
	if len(ids) != len(d.Rings) {
		// a partial mapping would never match again and re-import on every sync
		for _, id := range ids {
			if err := c.Remote.DeleteGeozone(ctx, id); err != nil {
				lg.WithError(err).WithField("geozone_id", id).Warn("could not delete geozone from short import")
			}
		}
		metrics.GeozoneSyncs.WithLabelValues(string(d.EntityType), "failed").Inc()
		return Result{}, fmt.Errorf("import geozones: %d polygon(s) sent, %d id(s) returned: %w", len(d.Rings), len(ids), ErrImportMismatch)
	}

	m := model.SyncMapping{
		EntityType: d.EntityType, EntityID: d.EntityID, ClientID: d.ClientID,
		RemoteIDs: ids, GeometryHash: d.Hash, RemoteName: d.Name, PointCount: d.pointCount(), UpdatedAt: c.now(),
	}
	if err := c.Mappings.SaveSyncMapping(ctx, m); err != nil {
		return Result{}, fmt.Errorf("save mapping: %w", err)
	}

	outcome := OutcomeCreated
	if found {
		outcome = OutcomeReplaced
		keep := map[int64]bool{}
		for _, id := range ids {
			keep[id] = true
		}
		for _, old := range prev.RemoteIDs {
			if keep[old] {
				continue
			}
			if err := c.Remote.DeleteGeozone(ctx, old); err != nil {
				lg.WithError(err).WithField("geozone_id", old).Warn("could not delete superseded geozone")
			}
		}
	}
	metrics.GeozoneSyncs.WithLabelValues(string(d.EntityType), string(outcome)).Inc()
	lg.WithFields(log.Fields{"outcome": string(outcome), "geozones": len(ids), "points": m.PointCount}).Info("synced geometry")
	return Result{RemoteIDs: ids, GeometryHash: d.Hash, RemoteName: d.Name, Outcome: outcome}, nil
}

func (c *ContentSync) rename(ctx context.Context, prev model.SyncMapping, d Desired) (Result, error) {
	for i, id := range prev.RemoteIDs {
		if err := c.Remote.RenameGeozone(ctx, id, d.segmentName(i)); err != nil {
			return Result{}, fmt.Errorf("rename geozone %d: %w", id, err)
		}
	}
	prev.RemoteName = d.Name
	prev.UpdatedAt = c.now()
	if err := c.Mappings.SaveSyncMapping(ctx, prev); err != nil {
		return Result{}, fmt.Errorf("save mapping: %w", err)
	}
	metrics.GeozoneSyncs.WithLabelValues(string(d.EntityType), string(OutcomeRenamed)).Inc()
	return Result{RemoteIDs: prev.RemoteIDs, GeometryHash: prev.GeometryHash, RemoteName: d.Name, Outcome: OutcomeRenamed}, nil
}

// Forget deletes the entity's remote geozones and its mapping.
func (c *ContentSync) Forget(ctx context.Context, clientID string, entity model.EntityType, entityID string) error {
	m, err := c.Mappings.GetSyncMapping(ctx, clientID, entity, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, id := range m.RemoteIDs {
		if err := c.Remote.DeleteGeozone(ctx, id); err != nil {
			return fmt.Errorf("delete geozone %d: %w", id, err)
		}
	}
	return c.Mappings.DeleteSyncMapping(ctx, clientID, entity, entityID)
}

func (d Desired) segmentName(i int) string {
	if i < len(d.SegmentNames) {
		return d.SegmentNames[i]
	}
	if len(d.Rings) > 1 {
		return fmt.Sprintf("%s (%d/%d)", d.Name, i+1, len(d.Rings))
	}
	return d.Name
}
