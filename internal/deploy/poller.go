package deploy

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"

	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
	"fleetsync/internal/store"
)

// Poller moves DEPLOYING deployments to a terminal status from the platform's rollout state.
type Poller struct {
	Store     store.Store
	Device    Device
	Publisher Publisher
	Interval  time.Duration
	Timeout   time.Duration
	// InFlight skips deployments a worker is still processing; may be nil.
	InFlight func(id string) bool
	Now      func() time.Time
	Stop     chan struct{}
	Log      log.Interface
}

func NewPoller(s store.Store, device Device, publisher Publisher, interval, timeout time.Duration, logger log.Interface) *Poller {
	if logger == nil {
		logger = log.Log
	}
	return &Poller{
		Store: s, Device: device, Publisher: publisher, Interval: interval, Timeout: timeout,
		Now: func() time.Time { return time.Now().UTC() }, Stop: make(chan struct{}), Log: logger,
	}
}

func (p *Poller) Start() {
	go func() {
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.Stop:
				return
			case <-ticker.C:
				p.pollOnce()
			}
		}
	}()
}

func (p *Poller) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.Interval)
	defer cancel()
	items, err := p.Store.ListDeploymentsByStatus(ctx, model.StatusDeploying, 0)
	if err != nil {
		metrics.PollerTicks.WithLabelValues("error").Inc()
		p.Log.WithError(err).Warn("list deploying deployments")
		return
	}
	metrics.PollerTicks.WithLabelValues("ok").Inc()
	for _, d := range items {
		if p.InFlight != nil && p.InFlight(d.ID) {
			continue
		}
		if err := p.reconcile(ctx, d); err != nil {
			p.Log.WithError(err).WithField("deployment_id", d.ID).Warn("reconcile deployment, retrying next tick")
		}
	}
}

type remoteState int

const (
	statePending remoteState = iota
	stateSucceeded
	stateFailed
)

var (
	failedMarkers  = []string{"failed", "canceled", "cancelled", "terminated", "unsuccessful"}
	successMarkers = []string{"finished", "completed", "success"}
)

// classify maps a free-form platform status to a state. Failure markers are checked first so
// "unsuccessful" is not read as a success.
func classify(status string) remoteState {
	s := strings.ToLower(status)
	for _, m := range failedMarkers {
		if strings.Contains(s, m) {
			return stateFailed
		}
	}
	for _, m := range successMarkers {
		if strings.Contains(s, m) {
			return stateSucceeded
		}
	}
	return statePending
}

func (p *Poller) reconcile(ctx context.Context, d model.Deployment) error {
	now := p.Now()
	started := d.CreatedAt
	if d.StartedAt != nil {
		started = *d.StartedAt
	}
	if age := now.Sub(started); age > p.Timeout {
		return p.finish(ctx, d, model.StatusTimeout, fmt.Sprintf("no terminal status after %s", age.Round(time.Second)), now)
	}

	state, detail, err := p.remoteState(ctx, d)
	if err != nil {
		return err
	}
	switch state {
	case stateSucceeded:
		return p.finish(ctx, d, d.Action.SuccessStatus(), "", now)
	case stateFailed:
		return p.finish(ctx, d, model.StatusFailed, "rollout "+detail, now)
	}
	d.AppendLog("poll", "pending", detail, 0, now)
	return p.Store.UpdateDeployment(ctx, d, model.StatusDeploying)
}

// remoteState asks for the device-level rollout status, then the rollout-level one. Without a
// rollout the device's current override values are compared with the ones written.
func (p *Poller) remoteState(ctx context.Context, d model.Deployment) (remoteState, string, error) {
	if d.RolloutID == "" {
		return p.readback(ctx, d)
	}
	status, err := p.Device.RolloutDeviceStatus(ctx, d.RolloutID, d.DeviceUID)
	if err != nil {
		return statePending, "", fmt.Errorf("rollout %s device status: %w", d.RolloutID, err)
	}
	if st := classify(status); st != statePending {
		return st, status, nil
	}
	status, err = p.Device.GetRollout(ctx, d.RolloutID)
	if err != nil {
		return statePending, "", fmt.Errorf("rollout %s status: %w", d.RolloutID, err)
	}
	if status == "" {
		status = "unknown"
	}
	return classify(status), status, nil
}

func (p *Poller) readback(ctx context.Context, d model.Deployment) (remoteState, string, error) {
	if len(d.Overrides) == 0 {
		return statePending, "overrides not written yet", nil
	}
	current, err := p.Device.GetSettingsOverrides(ctx, d.DeviceUID)
	if err != nil {
		return statePending, "", fmt.Errorf("read overrides of %s: %w", d.DeviceUID, err)
	}
	var mismatched []string
	for key, want := range d.Overrides {
		slot, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		if !sameValue(current[slot], want) {
			mismatched = append(mismatched, key)
		}
	}
	if len(mismatched) > 0 {
		sort.Strings(mismatched)
		return statePending, "slots not yet applied: " + strings.Join(mismatched, ","), nil
	}
	return stateSucceeded, "overrides applied", nil
}

func sameValue(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (p *Poller) finish(ctx context.Context, d model.Deployment, status model.DeploymentStatus, msg string, now time.Time) error {
	d.Status, d.Error, d.FinishedAt = status, msg, &now
	d.AppendLog("poll", string(status), msg, 0, now)
	if err := p.Store.UpdateDeployment(ctx, d, model.StatusDeploying); err != nil {
		return err
	}
	recordTerminal(d)
	if p.Publisher != nil {
		p.Publisher.Publish(model.DeploymentEvent{
			Type: "deployment." + strings.ToLower(string(status)), DeploymentID: d.ID, ItineraryID: d.ItineraryID,
			VehicleID: d.VehicleID, Action: d.Action, Status: status, Detail: msg, TS: now,
		})
	}
	p.Log.WithFields(log.Fields{"deployment_id": d.ID, "status": string(status)}).Info("deployment reconciled")
	return nil
}
