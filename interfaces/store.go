package interfaces

import (
	"context"
)

// EntityStore persists projects, models and devices.
//
// Records carry a Version that starts at 1 and is bumped by every update.
// Methods taking an expectedVersion are compare-and-set: they fail with
// ErrVersionMismatch when the stored version differs, and return the new
// version on success.
//
// The store never cascades deletes on its own. Deleting a project, a model or
// a gateway that still owns children fails with ErrHasChildren.
type EntityStore interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	GetProjectByName(ctx context.Context, name string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	SetProjectIdentity(ctx context.Context, projectID string, expectedVersion int64, bundle IdentityBundle) (int64, error)
	DeleteProject(ctx context.Context, id string) error

	CreateModel(ctx context.Context, m *Model) error
	GetModel(ctx context.Context, id string) (*Model, error)
	GetModelByName(ctx context.Context, projectID, name string) (*Model, error)
	ListModels(ctx context.Context, projectID string) ([]*Model, error)
	// UpdateModel writes every descriptive and identity-semantic field of m.
	// When Kind or Scope differ from the stored record and any device
	// references the model, it fails with ErrDevicesExist and writes nothing.
	UpdateModel(ctx context.Context, m *Model, expectedVersion int64) (int64, error)
	SetModelIdentity(ctx context.Context, modelID string, expectedVersion int64, bundle IdentityBundle) (int64, error)
	DeleteModel(ctx context.Context, id string) error

	// CreateDevice fails with ErrConflict when the serial is taken in the project.
	CreateDevice(ctx context.Context, d *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	GetDeviceBySerial(ctx context.Context, projectID, serial string) (*Device, error)
	ListDevices(ctx context.Context, projectID string) ([]*Device, error)
	ListDevicesByModel(ctx context.Context, modelID string) ([]*Device, error)
	// ListAttachedDevices returns the devices whose gateway is gatewayID.
	ListAttachedDevices(ctx context.Context, gatewayID string) ([]*Device, error)
	// SetDeviceGateway sets or, with an empty gatewayID, clears the device's gateway.
	SetDeviceGateway(ctx context.Context, deviceID string, expectedVersion int64, gatewayID string) (int64, error)
	DeleteDevice(ctx context.Context, id string) error

	// CreateSharedDevice creates d carrying a copy of the bundle in slot,
	// provided the slot is still at slotVersion. Otherwise it fails with
	// ErrVersionMismatch and creates nothing.
	CreateSharedDevice(ctx context.Context, d *Device, slot IdentitySlot, slotVersion int64) error
	// ClearUnusedIdentity empties the slot if it is at expectedVersion and no
	// device uses it, as one transition. It fails with ErrDevicesExist while
	// devices remain and with ErrVersionMismatch when the slot changed.
	ClearUnusedIdentity(ctx context.Context, slot IdentitySlot, expectedVersion int64) (int64, error)

	// CountDevicesByModel counts devices referencing the model.
	CountDevicesByModel(ctx context.Context, modelID string) (int, error)
	// CountProjectScopedDevices counts devices of the project whose model uses
	// ScopePerProject.
	CountProjectScopedDevices(ctx context.Context, projectID string) (int, error)
}

// IdentitySlot addresses a shared identity bundle: the model's record for
// ScopePerModel, the project's for ScopePerProject. The slot is used by the
// devices of the model, or by every device of the project whose model is
// project scoped.
type IdentitySlot struct {
	Scope   IdentityScope
	OwnerID string
}
