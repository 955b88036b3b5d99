package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// DeprovisionResult describes a completed DeprovisionDevice.
type DeprovisionResult struct {
	Device *interfaces.Device
	// Revoked is set when an identity was revoked as part of the teardown.
	Revoked bool
	// Warning reports cleanup that failed without blocking the delete, such
	// as a revocation (wrapping ErrRevocationFailed) or a skipped detach.
	Warning error
}

// DeprovisionDevice deletes a device. It detaches the device from its
// gateway (and, for a gateway, every device attached to it), revokes a
// per-device identity, deletes the record, and revokes a shared identity once
// no device references it anymore. Revocation failures are returned as a
// warning; the device is deleted regardless.
func (e *Engine) DeprovisionDevice(ctx context.Context, projectName, serial string) (res *DeprovisionResult, err error) {
	defer func() { err = e.finish("deprovision_device", err) }()
	ctx, flush := e.deferEvents(ctx)
	defer flush()

	project, err := e.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	device, err := e.device(ctx, project, serial)
	if err != nil {
		return nil, err
	}
	return e.deprovision(ctx, project, device.ID)
}

func (e *Engine) deprovision(ctx context.Context, project *interfaces.Project, deviceID string) (*DeprovisionResult, error) {
	unlock := e.locks.Lock(deviceKey(deviceID))
	defer unlock()

	device, err := e.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	model, err := e.store.GetModel(ctx, device.ModelID)
	if err != nil {
		return nil, err
	}

	res := &DeprovisionResult{Device: device}
	var warnings []error

	if device.GatewayID != "" {
		if err := e.attachments.detachLocked(ctx, project, device); err != nil {
			e.log.Warn("skipping gateway detach before teardown", "project", project.Name,
				"serial", device.Serial, "err", err)
			warnings = append(warnings, fmt.Errorf("detaching %s: %w", device.Serial, err))
		}
	}
	if model.Kind == interfaces.KindGateway {
		if err := e.attachments.detachAll(ctx, project, device); err != nil {
			return nil, err
		}
	}

	switch scope := effectiveScope(model); {
	case scope == interfaces.ScopePerDevice && !device.Identity.IsEmpty():
		if err := e.revoke(ctx, project.Name, scope, device.Serial, device.Identity); err != nil {
			warnings = append(warnings, err)
		} else {
			res.Revoked = true
		}
		if err := e.store.DeleteDevice(ctx, device.ID); err != nil {
			return nil, err
		}
	case scope.Shared():
		revoked, warning, err := e.deleteShared(ctx, project, model, device)
		if err != nil {
			return nil, err
		}
		res.Revoked = revoked
		if warning != nil {
			warnings = append(warnings, warning)
		}
	default:
		if err := e.store.DeleteDevice(ctx, device.ID); err != nil {
			return nil, err
		}
	}

	res.Warning = errors.Join(warnings...)
	e.emit(ctx, interfaces.DeviceDeleted{
		EventHeader: e.header(project.Name),
		Model:       model.Name,
		Serial:      device.Serial,
	})

	e.log.Info("device deprovisioned", "project", project.Name, "model", model.Name, "serial", device.Serial,
		"revoked", res.Revoked, "warning", res.Warning)
	return res, nil
}

// deleteShared deletes the device and then tries to reclaim the shared slot,
// which only succeeds when no device uses it anymore. The delete comes first
// so the last device is never counted against itself, and the slot lock makes
// two concurrent last deletions reclaim exactly once.
func (e *Engine) deleteShared(ctx context.Context, project *interfaces.Project, model *interfaces.Model, device *interfaces.Device) (revoked bool, warning error, err error) {
	s := e.sharedSlot(project, model)
	unlock := e.locks.Lock(s.key)
	defer unlock()

	if err := e.store.DeleteDevice(ctx, device.ID); err != nil {
		return false, nil, err
	}

	revoked, err = e.reclaim(ctx, project.Name, s)
	if err != nil && !errors.Is(err, interfaces.ErrRevocationFailed) {
		err = fmt.Errorf("%s identity left for reconcile: %w", s.owner, err)
	}
	return revoked, err, nil
}

// ReconcileReport is the outcome of a Reconcile pass.
type ReconcileReport struct {
	// Reclaimed lists the owners whose orphaned shared identity was revoked.
	Reclaimed []string
	Warnings  []error
}

// Reconcile finds shared identity slots that hold a bundle while no device
// references them, left behind by an interrupted provisioning or a failed
// revocation, and revokes and clears them.
func (e *Engine) Reconcile(ctx context.Context, projectName string) (report *ReconcileReport, err error) {
	defer func() { err = e.finish("reconcile", err) }()
	ctx, flush := e.deferEvents(ctx)
	defer flush()

	project, err := e.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	models, err := e.store.ListModels(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	report = &ReconcileReport{}
	for _, m := range models {
		if m.Identity.IsEmpty() {
			continue
		}
		e.reconcileSlot(ctx, project, e.modelSlot(m), report)
	}
	if !project.Identity.IsEmpty() {
		e.reconcileSlot(ctx, project, e.projectSlot(project), report)
	}

	e.log.Info("reconcile finished", "project", project.Name, "reclaimed", len(report.Reclaimed),
		"warnings", len(report.Warnings))
	return report, nil
}

func (e *Engine) reconcileSlot(ctx context.Context, project *interfaces.Project, s slot, report *ReconcileReport) {
	unlock := e.locks.Lock(s.key)
	defer unlock()

	revoked, err := e.reclaim(ctx, project.Name, s)
	if err != nil {
		report.Warnings = append(report.Warnings, err)
	}
	if revoked {
		report.Reclaimed = append(report.Reclaimed, s.owner)
	}
}
