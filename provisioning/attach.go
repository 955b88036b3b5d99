package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// Attachments links devices to gateways. A device has at most one gateway;
// a gateway's attached set is the set of devices pointing at it.
//
// Lock order is gateway first, then device. Gateway teardown follows the same
// order when it detaches its devices.
type Attachments struct {
	e *Engine
}

// Attach links the device to the gateway. A device already attached anywhere,
// including to the same gateway, is detached first and both events are emitted.
func (a *Attachments) Attach(ctx context.Context, projectName, deviceSerial, gatewaySerial string) (err error) {
	defer func() { err = a.e.finish("attach", err) }()
	ctx, flush := a.e.deferEvents(ctx)
	defer flush()

	project, err := a.e.project(ctx, projectName)
	if err != nil {
		return err
	}
	device, err := a.e.device(ctx, project, deviceSerial)
	if err != nil {
		return err
	}
	gateway, err := a.e.device(ctx, project, gatewaySerial)
	if err != nil {
		return err
	}
	if err := a.checkKind(ctx, device, interfaces.KindDevice); err != nil {
		return err
	}
	if err := a.checkKind(ctx, gateway, interfaces.KindGateway); err != nil {
		return err
	}

	unlockGateway := a.e.locks.Lock(deviceKey(gateway.ID))
	defer unlockGateway()
	unlockDevice := a.e.locks.Lock(deviceKey(device.ID))
	defer unlockDevice()

	if _, err := a.e.store.GetDevice(ctx, gateway.ID); err != nil {
		return err
	}
	if device, err = a.e.store.GetDevice(ctx, device.ID); err != nil {
		return err
	}

	if device.GatewayID != "" {
		if err := a.detachLocked(ctx, project, device); err != nil {
			return err
		}
	}

	version, err := a.e.store.SetDeviceGateway(ctx, device.ID, device.Version, gateway.ID)
	if err != nil {
		return err
	}
	device.Version, device.GatewayID = version, gateway.ID

	a.e.emit(ctx, interfaces.DeviceAttached{
		EventHeader:   a.e.header(project.Name),
		DeviceSerial:  device.Serial,
		GatewaySerial: gateway.Serial,
	})
	a.e.log.Info("device attached", "project", project.Name, "serial", device.Serial, "gateway", gateway.Serial)
	return nil
}

// Detach unlinks the device from its gateway. Detaching an unattached device
// succeeds without doing anything.
func (a *Attachments) Detach(ctx context.Context, projectName, deviceSerial string) (err error) {
	defer func() { err = a.e.finish("detach", err) }()
	ctx, flush := a.e.deferEvents(ctx)
	defer flush()

	project, err := a.e.project(ctx, projectName)
	if err != nil {
		return err
	}
	device, err := a.e.device(ctx, project, deviceSerial)
	if err != nil {
		return err
	}

	unlock := a.e.locks.Lock(deviceKey(device.ID))
	defer unlock()

	if device, err = a.e.store.GetDevice(ctx, device.ID); err != nil {
		return err
	}
	if device.GatewayID == "" {
		return nil
	}
	return a.detachLocked(ctx, project, device)
}

// ListAttached returns the devices attached to the gateway.
func (a *Attachments) ListAttached(ctx context.Context, projectName, gatewaySerial string) (devices []*interfaces.Device, err error) {
	defer func() { err = a.e.finish("list_attached", err) }()

	project, err := a.e.project(ctx, projectName)
	if err != nil {
		return nil, err
	}
	gateway, err := a.e.device(ctx, project, gatewaySerial)
	if err != nil {
		return nil, err
	}
	if err := a.checkKind(ctx, gateway, interfaces.KindGateway); err != nil {
		return nil, err
	}
	return a.e.store.ListAttachedDevices(ctx, gateway.ID)
}

func (a *Attachments) checkKind(ctx context.Context, device *interfaces.Device, want interfaces.ModelKind) error {
	model, err := a.e.store.GetModel(ctx, device.ModelID)
	if err != nil {
		return err
	}
	if model.Kind != want {
		return fmt.Errorf("%w: %s has model %q of kind %s, want %s",
			interfaces.ErrWrongKind, device.Serial, model.Name, model.Kind, want)
	}
	return nil
}

// detachLocked clears the device's gateway. The caller holds the device lock.
// device is updated in place.
func (a *Attachments) detachLocked(ctx context.Context, project *interfaces.Project, device *interfaces.Device) error {
	gatewaySerial := device.GatewayID
	gateway, err := a.e.store.GetDevice(ctx, device.GatewayID)
	switch {
	case err == nil:
		gatewaySerial = gateway.Serial
	case !errors.Is(err, interfaces.ErrNotFound):
		return err
	}

	version, err := a.e.store.SetDeviceGateway(ctx, device.ID, device.Version, "")
	if err != nil {
		return err
	}
	device.Version, device.GatewayID = version, ""

	a.e.emit(ctx, interfaces.DeviceDetached{
		EventHeader:   a.e.header(project.Name),
		DeviceSerial:  device.Serial,
		GatewaySerial: gatewaySerial,
	})
	a.e.log.Info("device detached", "project", project.Name, "serial", device.Serial, "gateway", gatewaySerial)
	return nil
}

// detachAll detaches every device attached to the gateway. The caller holds
// the gateway's lock.
func (a *Attachments) detachAll(ctx context.Context, project *interfaces.Project, gateway *interfaces.Device) error {
	attached, err := a.e.store.ListAttachedDevices(ctx, gateway.ID)
	if err != nil {
		return err
	}

	for _, d := range attached {
		if err := a.detachFrom(ctx, project, gateway, d.ID); err != nil {
			return fmt.Errorf("detaching %s from gateway %s: %w", d.Serial, gateway.Serial, err)
		}
	}
	return nil
}

func (a *Attachments) detachFrom(ctx context.Context, project *interfaces.Project, gateway *interfaces.Device, deviceID string) error {
	unlock := a.e.locks.Lock(deviceKey(deviceID))
	defer unlock()

	device, err := a.e.store.GetDevice(ctx, deviceID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if device.GatewayID != gateway.ID {
		return nil
	}
	return a.detachLocked(ctx, project, device)
}
