package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// ProvisionRequest names the device to create and the model it belongs to.
type ProvisionRequest struct {
	Project     string
	Model       string
	Serial      string
	Name        string
	Description string
}

// ProvisionResult is the committed device and how it got its identity.
type ProvisionResult struct {
	Device *interfaces.Device
	Source IdentitySource
	// Scope is the scope the identity was handled under. Models whose kind
	// never receives identity report ScopeNone.
	Scope interfaces.IdentityScope
	// Owner is the record holding the identity: the device serial, or
	// model/<name> and project/<name> for shared scopes.
	Owner string
}

// ProvisionDevice creates a device and gives it identity material according
// to its model's kind and scope. Nothing is committed when issuance fails.
func (e *Engine) ProvisionDevice(ctx context.Context, req ProvisionRequest) (res *ProvisionResult, err error) {
	defer func() { err = e.finish("provision_device", err) }()
	ctx, flush := e.deferEvents(ctx)
	defer flush()

	if req.Serial == "" {
		return nil, fmt.Errorf("%w: serial is required", interfaces.ErrInvalidArgument)
	}
	project, err := e.project(ctx, req.Project)
	if err != nil {
		return nil, err
	}
	model, err := e.model(ctx, project, req.Model)
	if err != nil {
		return nil, err
	}

	// Hold off model mutations until the device is committed.
	unlockModel := e.locks.RLock(modelKey(model.ID))
	defer unlockModel()
	if model, err = e.store.GetModel(ctx, model.ID); err != nil {
		return nil, err
	}

	if _, err := e.store.GetDeviceBySerial(ctx, project.ID, req.Serial); err == nil {
		return nil, fmt.Errorf("%w: device %q already exists in project %q", interfaces.ErrConflict, req.Serial, project.Name)
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}

	device := &interfaces.Device{
		ProjectID:   project.ID,
		ModelID:     model.ID,
		Serial:      req.Serial,
		Name:        req.Name,
		Description: req.Description,
	}
	res = &ProvisionResult{Device: device, Scope: effectiveScope(model)}

	switch res.Scope {
	case interfaces.ScopeNone:
		err = e.store.CreateDevice(ctx, device)
	case interfaces.ScopePerDevice:
		res.Source, res.Owner = IdentityIssued, device.Serial
		err = e.provisionOwn(ctx, model, device)
	default:
		res.Owner = e.sharedSlot(project, model).owner
		res.Source, err = e.provisionShared(ctx, project, model, device)
	}
	if err != nil {
		return nil, err
	}

	if res.Source == IdentityIssued {
		e.emit(ctx, interfaces.IdentityIssued{
			EventHeader: e.header(project.Name),
			Scope:       res.Scope.String(),
			Owner:       res.Owner,
			ThingName:   device.Identity.Connectivity.ThingName,
		})
	}
	e.emit(ctx, interfaces.DeviceCreated{
		EventHeader: e.header(project.Name),
		Model:       model.Name,
		Serial:      device.Serial,
	})

	e.log.Info("device provisioned", "project", project.Name, "model", model.Name, "serial", device.Serial,
		"scope", res.Scope.String(), "identity", res.Source.String())
	return res, nil
}

// provisionOwn issues a per-device identity before the device is committed.
func (e *Engine) provisionOwn(ctx context.Context, model *interfaces.Model, device *interfaces.Device) error {
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	bundle, err := e.issue(ctx, e.naming.DeviceName(device), model.Kind, interfaces.ScopePerDevice)
	if err != nil {
		return err
	}

	device.Identity = bundle
	if err := e.store.CreateDevice(ctx, device); err != nil {
		e.discard(ctx, bundle)
		return err
	}
	return nil
}

// maxSlotAttempts bounds how often provisioning retries after another
// process changed the shared slot under it.
const maxSlotAttempts = 3

// provisionShared copies the shared bundle onto the device, issuing it first
// when the slot is empty. The slot write is committed before the device; if
// the device cannot be committed the slot is cleared and the bundle revoked.
func (e *Engine) provisionShared(ctx context.Context, project *interfaces.Project, model *interfaces.Model, device *interfaces.Device) (IdentitySource, error) {
	s := e.sharedSlot(project, model)

	// Reuse path. Reuses only read the slot so they may run side by side; the
	// store rejects the insert if the slot was reclaimed in the meantime.
	unlock := e.locks.RLock(s.key)
	reused, _, err := e.reuse(ctx, s, device)
	unlock()
	if reused {
		return IdentityReused, nil
	}
	if err != nil && !errors.Is(err, interfaces.ErrVersionMismatch) {
		return IdentityNone, err
	}

	unlock = e.locks.Lock(s.key)
	defer unlock()

	for attempt := 0; attempt < maxSlotAttempts; attempt++ {
		reused, version, err := e.reuse(ctx, s, device)
		if reused {
			return IdentityReused, nil
		}
		if errors.Is(err, interfaces.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return IdentityNone, err
		}

		err = e.issueShared(ctx, s, version, project, model, device)
		if errors.Is(err, interfaces.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return IdentityNone, err
		}
		return IdentityIssued, nil
	}
	return IdentityNone, fmt.Errorf("%w: %s identity changed concurrently", interfaces.ErrConflict, s.owner)
}

// reuse commits the device with a copy of the slot's bundle. It reports false
// and the slot version when the slot is empty.
func (e *Engine) reuse(ctx context.Context, s slot, device *interfaces.Device) (bool, int64, error) {
	bundle, version, err := s.load(ctx)
	if err != nil || bundle.IsEmpty() {
		return false, version, err
	}

	device.Identity = bundle
	if err := e.store.CreateSharedDevice(ctx, device, s.ref, version); err != nil {
		device.Identity = interfaces.IdentityBundle{}
		return false, version, err
	}
	return true, version, nil
}

// issueShared fills the empty slot at version and commits the device with it.
// ErrVersionMismatch means another process changed the slot first; the caller
// retries and reuses whatever the slot holds then.
func (e *Engine) issueShared(ctx context.Context, s slot, version int64, project *interfaces.Project, model *interfaces.Model, device *interfaces.Device) error {
	name := e.naming.SharedName(s.scope, project, model, version, device.Serial)
	bundle, err := e.issue(ctx, name, model.Kind, s.scope)
	if err != nil {
		return err
	}

	slotVersion, err := s.set(ctx, version, bundle)
	if err != nil {
		e.discard(ctx, bundle)
		return err
	}

	device.Identity = bundle
	err = e.store.CreateSharedDevice(ctx, device, s.ref, slotVersion)
	if err == nil {
		return nil
	}
	device.Identity = interfaces.IdentityBundle{}
	if errors.Is(err, interfaces.ErrVersionMismatch) {
		// Another process reclaimed the slot before the device landed and
		// revokes the bundle itself.
		return err
	}

	if _, clearErr := e.store.ClearUnusedIdentity(ctx, s.ref, slotVersion); clearErr != nil {
		e.log.Error("failed to roll back shared identity, leaving it for reconcile",
			"owner", s.owner, "thing", bundle.Connectivity.ThingName, "err", clearErr)
	} else {
		e.discard(ctx, bundle)
	}
	return err
}
