package model

import (
	"errors"
	"time"
)

// Core domain types shared by the sync engine and the deployment orchestrator.

// ErrValidation is matched (errors.Is) by every validation error raised before a remote mutation.
var ErrValidation = errors.New("validation failed")

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type GeometryKind string

const (
	GeometryCircle  GeometryKind = "circle"
	GeometryPolygon GeometryKind = "polygon"
)

type Client struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Geofence struct {
	ID       string       `json:"id"`
	ClientID string       `json:"clientId"`
	Name     string       `json:"name"`
	Kind     GeometryKind `json:"kind"`
	Center   *GeoPoint    `json:"center,omitempty"`
	RadiusM  float64      `json:"radiusM,omitempty"`
	Points   []GeoPoint   `json:"points,omitempty"`
}

// RouteTuning overrides the configured corridor parameters for one route. Zero values fall back to config.
type RouteTuning struct {
	BufferM     float64 `json:"bufferM,omitempty"`
	SimplifyM   float64 `json:"simplifyM,omitempty"`
	SegmentM    float64 `json:"segmentM,omitempty"`
	CapSegments int     `json:"capSegments,omitempty"`
}

type Route struct {
	ID       string      `json:"id"`
	ClientID string      `json:"clientId"`
	Name     string      `json:"name"`
	Points   []GeoPoint  `json:"points"`
	Tuning   RouteTuning `json:"tuning,omitempty"`
}

type ItemType string

const (
	ItemGeofence ItemType = "geofence"
	ItemRoute    ItemType = "route"
	ItemTarget   ItemType = "target" // a geofence used as a destination
)

type ItineraryItem struct {
	Type ItemType `json:"type"`
	ID   string   `json:"id"`
}

type Itinerary struct {
	ID       string          `json:"id"`
	ClientID string          `json:"clientId"`
	Name     string          `json:"name"`
	Items    []ItineraryItem `json:"items"`
}

type Vehicle struct {
	ID        string `json:"id"`
	ClientID  string `json:"clientId"`
	Name      string `json:"name,omitempty"`
	DeviceUID string `json:"deviceUid"`
}

// Sync state

type EntityType string

const (
	EntityGeofence EntityType = "geofence"
	EntityRoute    EntityType = "route"
)

// SyncMapping links one local geofence/route to its remote geozone(s).
type SyncMapping struct {
	EntityType   EntityType `json:"entityType"`
	EntityID     string     `json:"entityId"`
	ClientID     string     `json:"clientId"`
	RemoteIDs    []int64    `json:"remoteIds"`
	GeometryHash string     `json:"geometryHash"`
	RemoteName   string     `json:"remoteName"`
	PointCount   int        `json:"pointCount"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

type GroupRole string

const (
	RoleItinerary GroupRole = "itinerary"
	RoleTargets   GroupRole = "targets"
	RoleEntry     GroupRole = "entry"
)

// GroupRoles lists the roles in their fixed slot order.
var GroupRoles = []GroupRole{RoleItinerary, RoleTargets, RoleEntry}

// Index returns the 1-based position of the role (itinerary=1, targets=2, entry=3), 0 if unknown.
func (r GroupRole) Index() int {
	for i, g := range GroupRoles {
		if g == r {
			return i + 1
		}
	}
	return 0
}

type GeozoneGroupMapping struct {
	ScopeID       string    `json:"scopeId"`
	ClientID      string    `json:"clientId"`
	Role          GroupRole `json:"role"`
	RemoteGroupID int64     `json:"remoteGroupId"`
	GroupHash     string    `json:"groupHash"`
	RemoteName    string    `json:"remoteName"`
	MemberIDs     []int64   `json:"memberIds,omitempty"`
	BulkImported  bool      `json:"bulkImported,omitempty"` // membership came from the bulk import fallback
	UpdatedAt     time.Time `json:"updatedAt"`
}

type OverrideSource string

const (
	SourceConfigured OverrideSource = "configured"
	SourceDiscovered OverrideSource = "discovered"
)

// OverrideElement is a cached override slot id for (dealer, template, key).
type OverrideElement struct {
	DealerID     string         `json:"dealerId"`
	TemplateName string         `json:"templateName"`
	Key          string         `json:"key"`
	ElementID    int64          `json:"elementId"`
	Source       OverrideSource `json:"source"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

type ItinerarySyncStatus string

const (
	SyncOK           ItinerarySyncStatus = "synced"
	SyncWithWarnings ItinerarySyncStatus = "synced_with_warnings"
	SyncFailed       ItinerarySyncStatus = "failed"
)

type ItinerarySyncState struct {
	ItineraryID string              `json:"itineraryId"`
	ClientID    string              `json:"clientId"`
	Status      ItinerarySyncStatus `json:"status"`
	Warnings    []string            `json:"warnings,omitempty"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}
