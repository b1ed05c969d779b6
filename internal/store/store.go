package store

import (
	"context"
	"errors"

	"fleetsync/internal/model"
)

// Store is the persistence interface used by the sync engine, the orchestrator and the API.
type Store interface {
	Catalog

	// Geozone sync mappings
	GetSyncMapping(ctx context.Context, clientID string, entity model.EntityType, entityID string) (model.SyncMapping, error)
	SaveSyncMapping(ctx context.Context, m model.SyncMapping) error
	DeleteSyncMapping(ctx context.Context, clientID string, entity model.EntityType, entityID string) error

	// Geozone group mappings
	GetGroupMapping(ctx context.Context, clientID, scopeID string, role model.GroupRole) (model.GeozoneGroupMapping, error)
	SaveGroupMapping(ctx context.Context, m model.GeozoneGroupMapping) error
	ListGroupMappings(ctx context.Context, clientID, scopeID string) ([]model.GeozoneGroupMapping, error)

	// Override element cache
	GetOverrideElement(ctx context.Context, dealerID, templateName, key string) (model.OverrideElement, error)
	SaveOverrideElement(ctx context.Context, e model.OverrideElement) error
	DeleteOverrideElements(ctx context.Context, dealerID, templateName string) (int, error)

	// Itinerary sync state
	GetItinerarySyncState(ctx context.Context, clientID, itineraryID string) (model.ItinerarySyncState, error)
	SaveItinerarySyncState(ctx context.Context, s model.ItinerarySyncState) error

	// Deployments
	// CreateDeployment fails with ErrConflict when a non-terminal deployment exists for the same key.
	CreateDeployment(ctx context.Context, d model.Deployment) error
	GetDeployment(ctx context.Context, id string) (model.Deployment, error)
	// UpdateDeployment replaces the row only if its stored status is still expected; otherwise ErrConflict.
	UpdateDeployment(ctx context.Context, d model.Deployment, expected model.DeploymentStatus) error
	FindActiveDeployment(ctx context.Context, key model.DeploymentKey) (model.Deployment, error)
	// LatestTerminalDeployment returns the most recently created terminal deployment for the
	// (client, itinerary, vehicle) pair across both actions.
	LatestTerminalDeployment(ctx context.Context, clientID, itineraryID, vehicleID string) (model.Deployment, error)
	// ListDeploymentsByStatus returns deployments oldest first; limit <= 0 returns all of them.
	ListDeploymentsByStatus(ctx context.Context, status model.DeploymentStatus, limit int) ([]model.Deployment, error)
	ListDeployments(ctx context.Context, f model.DeploymentFilter) ([]model.Deployment, error)

	Ping(ctx context.Context) error
}

// Catalog is the read side of the client-owned records (managed elsewhere).
type Catalog interface {
	GetClient(ctx context.Context, id string) (model.Client, error)
	GetGeofence(ctx context.Context, clientID, id string) (model.Geofence, error)
	ListGeofences(ctx context.Context, clientID string) ([]model.Geofence, error)
	GetRoute(ctx context.Context, clientID, id string) (model.Route, error)
	ListRoutes(ctx context.Context, clientID string) ([]model.Route, error)
	GetItinerary(ctx context.Context, clientID, id string) (model.Itinerary, error)
	GetVehicle(ctx context.Context, clientID, id string) (model.Vehicle, error)
}

// CatalogWriter loads catalog records; used by seeding and tests.
type CatalogWriter interface {
	PutClient(ctx context.Context, c model.Client) error
	PutGeofence(ctx context.Context, g model.Geofence) error
	PutRoute(ctx context.Context, r model.Route) error
	PutItinerary(ctx context.Context, it model.Itinerary) error
	PutVehicle(ctx context.Context, v model.Vehicle) error
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

const defaultListLimit = 100
