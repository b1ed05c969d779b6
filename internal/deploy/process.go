package deploy

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/apex/log"

	"fleetsync/internal/metrics"
	"fleetsync/internal/model"
	"fleetsync/internal/overrides"
	"fleetsync/internal/platform"
	"fleetsync/internal/store"
)

// Start launches the workers and a sweeper that re-enqueues QUEUED deployments, starting with
// a Recover pass.
func (o *Orchestrator) Start(ctx context.Context) {
	o.stop = make(chan struct{})
	if err := o.Recover(ctx); err != nil {
		o.log.WithError(err).Warn("recover queued deployments")
	}
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-o.stop:
					return
				case id := <-o.queue:
					o.Process(ctx, id)
				}
			}
		}()
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stop:
				return
			case <-ticker.C:
				if err := o.Recover(ctx); err != nil {
					o.log.WithError(err).Warn("sweep queued deployments")
				}
			}
		}
	}()
}

// Stop signals the workers and waits for the current deployments to finish.
func (o *Orchestrator) Stop() {
	if o.stop == nil {
		return
	}
	close(o.stop)
	o.wg.Wait()
	o.stop = nil
}

// Recover enqueues every QUEUED deployment, e.g. after a restart or when the queue was full.
func (o *Orchestrator) Recover(ctx context.Context) error {
	queued, err := o.store.ListDeploymentsByStatus(ctx, model.StatusQueued, 0)
	if err != nil {
		return err
	}
	for _, d := range queued {
		if o.InFlight(d.ID) {
			continue
		}
		if !o.enqueue(d.ID) {
			break
		}
	}
	return nil
}

// Process runs one QUEUED deployment to DEPLOYING and then to a terminal status, or leaves it
// DEPLOYING when a rollout was started. Deployments already claimed elsewhere are skipped.
// A deployment interrupted by ctx being cancelled goes back to QUEUED for the next Recover.
func (o *Orchestrator) Process(ctx context.Context, id string) {
	if ctx.Err() != nil {
		return
	}
	if !o.claim(id) {
		return
	}
	defer o.release(id)

	lg := o.log.WithField("deployment_id", id)
	d, err := o.store.GetDeployment(ctx, id)
	if err != nil {
		lg.WithError(err).Warn("load deployment")
		return
	}
	if d.Status != model.StatusQueued {
		return
	}
	now := o.now()
	d.Status, d.StartedAt = model.StatusDeploying, &now
	d.AppendLog("start", "ok", "", 0, now)
	if err := o.store.UpdateDeployment(ctx, d, model.StatusQueued); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			lg.WithError(err).Warn("start deployment")
		}
		return
	}
	metrics.Deployments.WithLabelValues(string(d.Action), string(d.Status)).Inc()
	o.publish(d, "")
	lg = lg.WithFields(log.Fields{"itinerary_id": d.ItineraryID, "vehicle_id": d.VehicleID, "action": string(d.Action)})

	final, err := o.run(ctx, &d, lg)
	if err != nil && ctx.Err() != nil {
		o.requeue(d, err, lg)
		return
	}
	// outcomes are recorded even if ctx is cancelled from here on
	saveCtx := context.WithoutCancel(ctx)
	switch {
	case err != nil:
		msg := failureMessage(err)
		o.finish(saveCtx, d, model.StatusFailed, msg, msg+"\n"+string(debug.Stack()), lg)
	case final != "":
		o.finish(saveCtx, d, final, "", "", lg)
	default:
		if err := o.store.UpdateDeployment(saveCtx, d, model.StatusDeploying); err != nil {
			lg.WithError(err).Warn("save deployment")
		}
		lg.WithField("rollout_id", d.RolloutID).Info("rollout started, waiting for the poller")
	}
}

// run executes the steps. It returns the terminal status to record, or "" to stay DEPLOYING.
func (o *Orchestrator) run(ctx context.Context, d *model.Deployment, lg log.Interface) (status model.DeploymentStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.AppendLog("panic", "failed", fmt.Sprintf("%v\n%s", r, debug.Stack()), 0, o.now())
			status, err = "", fmt.Errorf("panic: %v", r)
		}
	}()

	if err := o.step(d, "resolve_device", lg, func() (string, error) {
		v, err := o.store.GetVehicle(ctx, d.ClientID, d.VehicleID)
		if err != nil {
			return "", fmt.Errorf("load vehicle %s: %w", d.VehicleID, err)
		}
		if v.DeviceUID == "" {
			return "", fmt.Errorf("vehicle %s has no device: %w", d.VehicleID, model.ErrValidation)
		}
		d.DeviceUID = v.DeviceUID
		return v.DeviceUID, nil
	}); err != nil {
		return "", err
	}

	var (
		slots  map[model.GroupRole]overrides.Slot
		sig    overrides.Slot
		hasSig bool
	)
	if err := o.step(d, "resolve_overrides", lg, func() (string, error) {
		var err error
		if slots, err = o.resolver.ResolveAll(ctx, d.DeviceUID); err != nil {
			return "", err
		}
		if sig, hasSig, err = o.resolver.ResolveSignature(ctx, d.DeviceUID); err != nil {
			return "", err
		}
		if !hasSig {
			return "no signature slot", nil
		}
		for _, role := range model.GroupRoles {
			if slots[role].ElementID == sig.ElementID {
				return "", fmt.Errorf("signature slot %d is also the %s slot: %w", sig.ElementID, role, model.ErrValidation)
			}
		}
		return "", nil
	}); err != nil {
		return "", err
	}

	hashes := map[model.GroupRole]string{}
	d.Groups = map[model.GroupRole]model.GroupRef{}
	if d.Action == model.ActionEmbark {
		if err := o.step(d, "sync_groups", lg, func() (string, error) {
			it, err := o.store.GetItinerary(ctx, d.ClientID, d.ItineraryID)
			if err != nil {
				return "", fmt.Errorf("load itinerary %s: %w", d.ItineraryID, err)
			}
			res, err := o.groups.SyncItinerary(ctx, it)
			if err != nil {
				return "", err
			}
			for role, g := range res.Groups {
				d.Groups[role] = model.GroupRef{GroupID: g.GroupID, Hash: g.Hash}
				hashes[role] = g.Hash
			}
			if len(res.Warnings) > 0 {
				return fmt.Sprintf("%d warning(s): %v", len(res.Warnings), res.Warnings), nil
			}
			return "", nil
		}); err != nil {
			return "", err
		}
	} else {
		for _, role := range model.GroupRoles {
			d.Groups[role] = model.GroupRef{}
		}
		d.AppendLog("clear_groups", "ok", "", 0, o.now())
	}

	values := platform.SettingsOverrides{}
	for _, role := range model.GroupRoles {
		values[slots[role].ElementID] = groupValue(d.Groups[role].GroupID)
	}
	if hasSig {
		values[sig.ElementID] = nil
		if d.Action == model.ActionEmbark {
			d.Signature = BuildItinerarySignature(d.ItineraryID, hashes)
			v := int64(d.Signature)
			values[sig.ElementID] = &v
		}
	}

	if err := o.step(d, "apply_overrides", lg, func() (string, error) {
		if err := o.device.PutSettingsOverrides(ctx, d.DeviceUID, values); err != nil {
			return "", err
		}
		d.Overrides = make(map[string]*int64, len(values))
		for slot, v := range values {
			d.Overrides[strconv.FormatInt(slot, 10)] = v
		}
		return fmt.Sprintf("%d slot(s)", len(values)), nil
	}); err != nil {
		return "", err
	}

	if !o.opts.RolloutEnabled {
		return d.Action.SuccessStatus(), nil
	}
	if err := o.step(d, "create_rollout", lg, func() (string, error) {
		id, err := o.device.CreateRollout(ctx, []string{d.DeviceUID})
		if err != nil {
			return "", err
		}
		d.RolloutID = id
		return id, nil
	}); err != nil {
		return "", err
	}
	return "", nil
}

func groupValue(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// step runs fn and appends its outcome and timing to the deployment log.
func (o *Orchestrator) step(d *model.Deployment, name string, lg log.Interface, fn func() (string, error)) error {
	start := o.now()
	detail, err := fn()
	dur := o.now().Sub(start)
	entry := lg.WithFields(log.Fields{"step": name, "duration_ms": dur.Milliseconds()})
	if err != nil {
		d.AppendLog(name, "failed", err.Error(), dur, start)
		entry.WithError(err).Warn("deployment step failed")
		return fmt.Errorf("%s: %w", name, err)
	}
	d.AppendLog(name, "ok", detail, dur, start)
	entry.Info("deployment step")
	return nil
}

func failureMessage(err error) string {
	if platform.IsDeviceNotFound(err) {
		return string(platform.KindDeviceNotFound) + ": " + err.Error()
	}
	return err.Error()
}

// requeue puts a deployment interrupted by shutdown back to QUEUED.
func (o *Orchestrator) requeue(d model.Deployment, cause error, lg log.Interface) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Status, d.StartedAt = model.StatusQueued, nil
	d.AppendLog("interrupted", string(model.StatusQueued), cause.Error(), 0, o.now())
	if err := o.store.UpdateDeployment(ctx, d, model.StatusDeploying); err != nil {
		lg.WithError(err).Warn("requeue interrupted deployment")
		return
	}
	o.publish(d, "interrupted")
	lg.WithError(cause).Info("deployment interrupted, requeued")
}

// finish records a terminal status. The update only applies while the row is still DEPLOYING.
// detail goes to the deployment log entry and defaults to msg.
func (o *Orchestrator) finish(ctx context.Context, d model.Deployment, status model.DeploymentStatus, msg, detail string, lg log.Interface) {
	now := o.now()
	if detail == "" {
		detail = msg
	}
	d.Status, d.Error, d.FinishedAt = status, msg, &now
	d.AppendLog("finish", string(status), detail, 0, now)
	if err := o.store.UpdateDeployment(ctx, d, model.StatusDeploying); err != nil {
		lg.WithError(err).Warn("record deployment outcome")
		return
	}
	recordTerminal(d)
	o.publish(d, msg)
	entry := lg.WithField("status", string(status))
	if msg != "" {
		entry.WithField("error", msg).Warn("deployment failed")
		return
	}
	entry.Info("deployment finished")
}

func recordTerminal(d model.Deployment) {
	metrics.Deployments.WithLabelValues(string(d.Action), string(d.Status)).Inc()
	if d.StartedAt != nil && d.FinishedAt != nil {
		metrics.DeploymentDuration.WithLabelValues(string(d.Action), string(d.Status)).Observe(d.FinishedAt.Sub(*d.StartedAt).Seconds())
	}
}
