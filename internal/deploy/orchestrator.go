// Package deploy runs deployments: it assigns an itinerary's geozone groups to a vehicle's device
// through override slots, tracks each request's state and reconciles rollouts in the background.
package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"fleetsync/internal/groups"
	"fleetsync/internal/lock"
	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
	"fleetsync/internal/overrides"
	"fleetsync/internal/platform"
	"fleetsync/internal/store"
)

// Device is the part of the platform client that touches a device's configuration.
type Device interface {
	PutSettingsOverrides(ctx context.Context, deviceUID string, values platform.SettingsOverrides) error
	GetSettingsOverrides(ctx context.Context, deviceUID string) (platform.SettingsOverrides, error)
	CreateRollout(ctx context.Context, deviceUIDs []string) (string, error)
	GetRollout(ctx context.Context, rolloutID string) (string, error)
	RolloutDeviceStatus(ctx context.Context, rolloutID, deviceUID string) (string, error)
}

// GroupSyncer is implemented by *groups.Syncer.
type GroupSyncer interface {
	Plan(ctx context.Context, it model.Itinerary) (groups.Plan, error)
	SyncItinerary(ctx context.Context, it model.Itinerary) (groups.Result, error)
}

// SlotResolver is implemented by *overrides.Resolver.
type SlotResolver interface {
	ResolveAll(ctx context.Context, deviceUID string) (map[model.GroupRole]overrides.Slot, error)
	ResolveSignature(ctx context.Context, deviceUID string) (overrides.Slot, bool, error)
}

// Publisher receives deployment transitions; events.Broker, events.RedisBroker and webhooks.Notifier implement it.
type Publisher interface {
	Publish(evt model.DeploymentEvent)
}

type Options struct {
	Workers        int
	QueueSize      int
	RolloutEnabled bool
	// SweepInterval is how often QUEUED rows that missed the queue are picked up again.
	SweepInterval time.Duration
}

type Orchestrator struct {
	store     store.Store
	device    Device
	groups    GroupSyncer
	resolver  SlotResolver
	locker    lock.Locker
	publisher Publisher
	opts      Options
	log       log.Interface
	now       func() time.Time

	queue    chan string
	mu       sync.Mutex
	inflight map[string]bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(s store.Store, device Device, gs GroupSyncer, resolver SlotResolver, locker lock.Locker, publisher Publisher, opts Options, logger log.Interface) *Orchestrator {
	if logger == nil {
		logger = log.Log
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Orchestrator{
		store: s, device: device, groups: gs, resolver: resolver, locker: locker, publisher: publisher,
		opts: opts, log: logger, now: func() time.Time { return time.Now().UTC() },
		queue: make(chan string, opts.QueueSize), inflight: map[string]bool{},
	}
}

// Request identifies one deployment of an itinerary to a vehicle.
type Request struct {
	ClientID    string
	ItineraryID string
	VehicleID   string
	Action      model.DeploymentAction
}

func (r Request) key() model.DeploymentKey {
	return model.DeploymentKey{ClientID: r.ClientID, ItineraryID: r.ItineraryID, VehicleID: r.VehicleID, Action: r.Action}
}

// QueueDeployment returns the active deployment for the request if there is one, the previous
// deployment if it already reached the same content, or a new QUEUED deployment handed to the workers.
func (o *Orchestrator) QueueDeployment(ctx context.Context, req Request) (model.Deployment, model.QueueOutcome, error) {
	if !req.Action.Valid() {
		return model.Deployment{}, "", fmt.Errorf("action %q: %w", req.Action, model.ErrValidation)
	}
	if req.ClientID == "" || req.ItineraryID == "" || req.VehicleID == "" {
		return model.Deployment{}, "", fmt.Errorf("client, itinerary and vehicle are required: %w", model.ErrValidation)
	}
	summary, err := o.summary(ctx, req)
	if err != nil {
		return model.Deployment{}, "", err
	}
	hash := requestHash(req, summary)

	unlock, err := o.locker.Lock(ctx, "deploy:"+req.key().String())
	if err != nil {
		return model.Deployment{}, "", fmt.Errorf("lock deployment: %w", err)
	}
	defer unlock()

	active, err := o.store.FindActiveDeployment(ctx, req.key())
	if err == nil {
		return active, model.OutcomeActive, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Deployment{}, "", fmt.Errorf("find active deployment: %w", err)
	}
	last, err := o.store.LatestTerminalDeployment(ctx, req.ClientID, req.ItineraryID, req.VehicleID)
	switch {
	case err == nil:
		if last.Action == req.Action && last.Status == req.Action.SuccessStatus() && last.RequestHash == hash {
			if req.Action == model.ActionDisembark {
				return last, model.OutcomeAlreadyCleared, nil
			}
			return last, model.OutcomeAlreadyDeployed, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return model.Deployment{}, "", fmt.Errorf("find last deployment: %w", err)
	}

	now := o.now()
	d := model.Deployment{
		ID: uuid.NewString(), ClientID: req.ClientID, ItineraryID: req.ItineraryID, VehicleID: req.VehicleID,
		Action: req.Action, Status: model.StatusQueued, RequestHash: hash, CreatedAt: now,
	}
	d.AppendLog("queue", "ok", "", 0, now)
	if err := o.store.CreateDeployment(ctx, d); err != nil {
		if errors.Is(err, store.ErrConflict) {
			if active, ferr := o.store.FindActiveDeployment(ctx, req.key()); ferr == nil {
				return active, model.OutcomeActive, nil
			}
		}
		return model.Deployment{}, "", fmt.Errorf("create deployment: %w", err)
	}
	metrics.Deployments.WithLabelValues(string(d.Action), string(d.Status)).Inc()
	o.publish(d, "")
	o.enqueue(d.ID)
	return d, model.OutcomeQueued, nil
}

// summary is the group content digest folded into the request hash. Clearing does not depend
// on content, so a disembark has none.
func (o *Orchestrator) summary(ctx context.Context, req Request) (string, error) {
	if req.Action == model.ActionDisembark {
		return "", nil
	}
	it, err := o.store.GetItinerary(ctx, req.ClientID, req.ItineraryID)
	if err != nil {
		return "", fmt.Errorf("load itinerary %s: %w", req.ItineraryID, err)
	}
	plan, err := o.groups.Plan(ctx, it)
	if err != nil {
		return "", fmt.Errorf("plan groups: %w", err)
	}
	return plan.Summary(), nil
}

func requestHash(req Request, summary string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{req.ItineraryID, req.VehicleID, string(req.Action), summary}, "|")))
	return hex.EncodeToString(sum[:])
}

func (o *Orchestrator) enqueue(id string) bool {
	select {
	case o.queue <- id:
		return true
	default:
		o.log.WithField("deployment_id", id).Warn("deployment queue full, left for the next sweep")
		return false
	}
}

// VehicleResult is the per-vehicle outcome of a batch call.
type VehicleResult struct {
	VehicleID    string             `json:"vehicleId"`
	Status       string             `json:"status"` // ok | queued | failed
	Message      string             `json:"message"`
	DeploymentID string             `json:"deploymentId,omitempty"`
	Outcome      model.QueueOutcome `json:"outcome,omitempty"`
}

const (
	ResultOK     = "ok"
	ResultQueued = "queued"
	ResultFailed = "failed"
)

// EmbarkItinerary validates the override configuration, syncs the itinerary's groups once and
// queues a deployment per vehicle. A configuration error fails the whole batch before any vehicle
// is touched; a per-vehicle error only fails that vehicle.
func (o *Orchestrator) EmbarkItinerary(ctx context.Context, clientID, itineraryID string, vehicleIDs []string) ([]VehicleResult, error) {
	return o.batch(ctx, clientID, itineraryID, vehicleIDs, model.ActionEmbark)
}

// DisembarkItinerary clears the itinerary's group assignment from each vehicle.
func (o *Orchestrator) DisembarkItinerary(ctx context.Context, clientID, itineraryID string, vehicleIDs []string) ([]VehicleResult, error) {
	return o.batch(ctx, clientID, itineraryID, vehicleIDs, model.ActionDisembark)
}

func (o *Orchestrator) batch(ctx context.Context, clientID, itineraryID string, vehicleIDs []string, action model.DeploymentAction) ([]VehicleResult, error) {
	if len(vehicleIDs) == 0 {
		return nil, fmt.Errorf("no vehicles: %w", model.ErrValidation)
	}
	lg := o.log.WithFields(log.Fields{"itinerary_id": itineraryID, "client_id": clientID, "action": string(action)})

	// slot resolution may need a device to find its template; any vehicle with one will do
	deviceUID := ""
	for _, id := range vehicleIDs {
		if v, err := o.store.GetVehicle(ctx, clientID, id); err == nil && v.DeviceUID != "" {
			deviceUID = v.DeviceUID
			break
		}
	}
	if _, err := o.resolver.ResolveAll(ctx, deviceUID); err != nil {
		return nil, fmt.Errorf("override configuration: %w", err)
	}
	if action == model.ActionEmbark {
		it, err := o.store.GetItinerary(ctx, clientID, itineraryID)
		if err != nil {
			return nil, fmt.Errorf("load itinerary %s: %w", itineraryID, err)
		}
		res, err := o.groups.SyncItinerary(ctx, it)
		if err != nil {
			return nil, fmt.Errorf("sync groups: %w", err)
		}
		for _, w := range res.Warnings {
			lg.Warn(w)
		}
	}

	out := make([]VehicleResult, 0, len(vehicleIDs))
	for _, vid := range vehicleIDs {
		r := VehicleResult{VehicleID: vid}
		d, outcome, err := o.QueueDeployment(ctx, Request{ClientID: clientID, ItineraryID: itineraryID, VehicleID: vid, Action: action})
		switch {
		case err != nil:
			r.Status, r.Message = ResultFailed, err.Error()
			lg.WithError(err).WithField("vehicle_id", vid).Warn("could not queue deployment")
		case outcome == model.OutcomeAlreadyDeployed || outcome == model.OutcomeAlreadyCleared:
			r.Status, r.Message = ResultOK, "vehicle already has this itinerary state"
		case outcome == model.OutcomeActive:
			r.Status, r.Message = ResultQueued, "a deployment for this vehicle is already in progress"
		default:
			r.Status, r.Message = ResultQueued, "deployment queued"
		}
		r.DeploymentID, r.Outcome = d.ID, outcome
		out = append(out, r)
	}
	return out, nil
}

func (o *Orchestrator) GetDeployment(ctx context.Context, id string) (model.Deployment, error) {
	return o.store.GetDeployment(ctx, id)
}

func (o *Orchestrator) ListDeployments(ctx context.Context, f model.DeploymentFilter) ([]model.Deployment, error) {
	return o.store.ListDeployments(ctx, f)
}

// InFlight reports whether a worker is processing the deployment right now.
func (o *Orchestrator) InFlight(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inflight[id]
}

func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[id] {
		return false
	}
	o.inflight[id] = true
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(d model.Deployment, detail string) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(model.DeploymentEvent{
		Type: "deployment." + strings.ToLower(string(d.Status)), DeploymentID: d.ID, ItineraryID: d.ItineraryID,
		VehicleID: d.VehicleID, Action: d.Action, Status: d.Status, Detail: detail, TS: o.now(),
	})
}
