package model

import "time"

type DeploymentAction string

const (
	ActionEmbark    DeploymentAction = "EMBARK"
	ActionDisembark DeploymentAction = "DISEMBARK"
)

// SuccessStatus is the terminal status reached when the action completes.
func (a DeploymentAction) SuccessStatus() DeploymentStatus {
	if a == ActionDisembark {
		return StatusCleared
	}
	return StatusDeployed
}

func (a DeploymentAction) Valid() bool { return a == ActionEmbark || a == ActionDisembark }

type DeploymentStatus string

const (
	StatusQueued    DeploymentStatus = "QUEUED"
	StatusDeploying DeploymentStatus = "DEPLOYING"
	StatusDeployed  DeploymentStatus = "DEPLOYED"
	StatusCleared   DeploymentStatus = "CLEARED"
	StatusFailed    DeploymentStatus = "FAILED"
	StatusTimeout   DeploymentStatus = "TIMEOUT"
)

// Terminal reports whether no further transition is expected.
func (s DeploymentStatus) Terminal() bool {
	return s != StatusQueued && s != StatusDeploying
}

// GroupRef is the remote group assigned to one role. GroupID 0 means "no group" (cleared).
type GroupRef struct {
	GroupID int64  `json:"groupId,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

type DeploymentLogEntry struct {
	Step       string    `json:"step"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	TS         time.Time `json:"ts"`
}

type Deployment struct {
	ID          string                 `json:"id"`
	ClientID    string                 `json:"clientId"`
	ItineraryID string                 `json:"itineraryId"`
	VehicleID   string                 `json:"vehicleId"`
	DeviceUID   string                 `json:"deviceUid,omitempty"`
	Action      DeploymentAction       `json:"action"`
	Status      DeploymentStatus       `json:"status"`
	RequestHash string                 `json:"requestHash"`
	Groups      map[GroupRole]GroupRef `json:"groups,omitempty"`
	Signature   uint32                 `json:"signature,omitempty"`
	// Overrides holds the slot id -> value map that was written to the device (nil values clear a slot).
	Overrides  map[string]*int64    `json:"overrides,omitempty"`
	RolloutID  string               `json:"rolloutId,omitempty"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	StartedAt  *time.Time           `json:"startedAt,omitempty"`
	FinishedAt *time.Time           `json:"finishedAt,omitempty"`
	Log        []DeploymentLogEntry `json:"log"`
}

// Key returns the uniqueness key for non-terminal deployments.
func (d Deployment) Key() DeploymentKey {
	return DeploymentKey{ClientID: d.ClientID, ItineraryID: d.ItineraryID, VehicleID: d.VehicleID, Action: d.Action}
}

// AppendLog adds an entry; the log is append-only.
func (d *Deployment) AppendLog(step, status, detail string, dur time.Duration, ts time.Time) {
	d.Log = append(d.Log, DeploymentLogEntry{Step: step, Status: status, Detail: detail, DurationMs: dur.Milliseconds(), TS: ts.UTC()})
}

type DeploymentKey struct {
	ClientID    string
	ItineraryID string
	VehicleID   string
	Action      DeploymentAction
}

func (k DeploymentKey) String() string {
	return k.ClientID + "|" + k.ItineraryID + "|" + k.VehicleID + "|" + string(k.Action)
}

// QueueOutcome is reported to callers of QueueDeployment.
type QueueOutcome string

const (
	OutcomeQueued          QueueOutcome = "QUEUED"
	OutcomeActive          QueueOutcome = "ACTIVE"
	OutcomeAlreadyDeployed QueueOutcome = "ALREADY_DEPLOYED"
	OutcomeAlreadyCleared  QueueOutcome = "ALREADY_CLEARED"
)

// DeploymentFilter narrows ListDeployments; empty fields match everything.
type DeploymentFilter struct {
	ClientID    string
	ItineraryID string
	VehicleID   string
	Status      DeploymentStatus
	Limit       int
}

// DeploymentEvent is published on every deployment transition.
type DeploymentEvent struct {
	Type         string           `json:"type"`
	DeploymentID string           `json:"deploymentId"`
	ItineraryID  string           `json:"itineraryId"`
	VehicleID    string           `json:"vehicleId"`
	Action       DeploymentAction `json:"action"`
	Status       DeploymentStatus `json:"status"`
	Detail       string           `json:"detail,omitempty"`
	TS           time.Time        `json:"ts"`
}
