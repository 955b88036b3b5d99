package interfaces

import (
	"context"
	"time"
)

// EventType names an event for routing and serialization.
type EventType string

const (
	EventDeviceCreated   EventType = "device_created"
	EventDeviceDeleted   EventType = "device_deleted"
	EventDeviceAttached  EventType = "device_attached"
	EventDeviceDetached  EventType = "device_detached"
	EventIdentityIssued  EventType = "identity_issued"
	EventIdentityRevoked EventType = "identity_revoked"
)

// Event is a structured notification emitted after a committed mutation.
// Events carry public identifiers only, never key material.
type Event interface {
	Type() EventType
	ProjectName() string
	OccurredAt() time.Time
}

// EventNotifier delivers events downstream. Delivery is best effort: the
// caller logs a returned error and moves on.
type EventNotifier interface {
	Notify(ctx context.Context, event Event) error
}

// EventHeader holds the fields common to every event.
type EventHeader struct {
	Project string    `json:"project"`
	At      time.Time `json:"at"`
}

func (h EventHeader) ProjectName() string   { return h.Project }
func (h EventHeader) OccurredAt() time.Time { return h.At }

// DeviceCreated is emitted once a device record is committed.
type DeviceCreated struct {
	EventHeader
	Model  string `json:"model"`
	Serial string `json:"serial"`
}

func (DeviceCreated) Type() EventType { return EventDeviceCreated }

// DeviceDeleted is emitted once a device record is gone.
type DeviceDeleted struct {
	EventHeader
	Model  string `json:"model"`
	Serial string `json:"serial"`
}

func (DeviceDeleted) Type() EventType { return EventDeviceDeleted }

// DeviceAttached is emitted after a device is linked to a gateway.
type DeviceAttached struct {
	EventHeader
	DeviceSerial  string `json:"device_serial"`
	GatewaySerial string `json:"gateway_serial"`
}

func (DeviceAttached) Type() EventType { return EventDeviceAttached }

// DeviceDetached is emitted after a device is unlinked from a gateway.
type DeviceDetached struct {
	EventHeader
	DeviceSerial  string `json:"device_serial"`
	GatewaySerial string `json:"gateway_serial"`
}

func (DeviceDetached) Type() EventType { return EventDeviceDetached }

// IdentityIssued is emitted when fresh identity material was minted and committed.
type IdentityIssued struct {
	EventHeader
	Scope     string `json:"scope"`
	Owner     string `json:"owner"`
	ThingName string `json:"thing_name"`
}

func (IdentityIssued) Type() EventType { return EventIdentityIssued }

// IdentityRevoked is emitted when an identity was revoked at the issuer.
type IdentityRevoked struct {
	EventHeader
	Scope     string `json:"scope"`
	Owner     string `json:"owner"`
	ThingName string `json:"thing_name"`
}

func (IdentityRevoked) Type() EventType { return EventIdentityRevoked }
