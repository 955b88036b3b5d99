// Package interfaces defines the core types and collaborator contracts of the
// identity provisioning system without implementation details.
package interfaces

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/ruteri/iot-identity-provisioning/cryptoutils"
)

type CACert = cryptoutils.CACert
type DeviceCert = cryptoutils.DeviceCert
type PublicKey = cryptoutils.PublicKey
type PrivateKey = cryptoutils.PrivateKey

// ModelKind governs whether and how identity is created for devices of a model.
type ModelKind int

const (
	// KindNone models are excluded from identity provisioning entirely.
	KindNone ModelKind = iota
	// KindDevice is a regular connected thing.
	KindDevice
	// KindGateway is a hub other devices may attach to.
	KindGateway
	// KindMobile is a mobile app endpoint; it maintains its own credentials.
	KindMobile
)

var modelKindNames = map[ModelKind]string{
	KindNone:    "none",
	KindDevice:  "device",
	KindGateway: "gateway",
	KindMobile:  "mobile",
}

func (k ModelKind) String() string {
	if name, ok := modelKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IssuesIdentity reports whether devices of this kind ever receive identity material.
func (k ModelKind) IssuesIdentity() bool {
	return k == KindDevice || k == KindGateway
}

// ParseModelKind converts a textual kind into a ModelKind.
func ParseModelKind(s string) (ModelKind, error) {
	for kind, name := range modelKindNames {
		if strings.EqualFold(s, name) {
			return kind, nil
		}
	}
	return KindNone, fmt.Errorf("unknown model kind %q", s)
}

// IdentityScope governs how identity material is shared between devices.
type IdentityScope int

const (
	// ScopeNone never issues identity material; devices bring their own.
	ScopeNone IdentityScope = iota
	// ScopePerDevice issues a distinct bundle for every device.
	ScopePerDevice
	// ScopePerModel issues one bundle per model on first use, shared by its devices.
	ScopePerModel
	// ScopePerProject issues one bundle per project on first use, shared by every
	// device of every model in the project using this scope.
	ScopePerProject
)

var identityScopeNames = map[IdentityScope]string{
	ScopeNone:       "none",
	ScopePerDevice:  "per-device",
	ScopePerModel:   "per-model",
	ScopePerProject: "per-project",
}

func (s IdentityScope) String() string {
	if name, ok := identityScopeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// Shared reports whether the scope stores its bundle on an owner other than the device.
func (s IdentityScope) Shared() bool {
	return s == ScopePerModel || s == ScopePerProject
}

// ParseIdentityScope converts a textual scope into an IdentityScope.
func ParseIdentityScope(s string) (IdentityScope, error) {
	for scope, name := range identityScopeNames {
		if strings.EqualFold(s, name) {
			return scope, nil
		}
	}
	return ScopeNone, fmt.Errorf("unknown identity scope %q", s)
}

// ConnectivityDescriptor identifies the issued identity on the issuer side.
// It carries no secret material and is safe to publish.
type ConnectivityDescriptor struct {
	ThingName      string `json:"thing_name" yaml:"thing_name"`
	CertificateID  string `json:"certificate_id,omitempty" yaml:"certificate_id,omitempty"`
	CertificateARN string `json:"certificate_arn,omitempty" yaml:"certificate_arn,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// IsEmpty reports whether the descriptor references nothing.
func (c ConnectivityDescriptor) IsEmpty() bool {
	return c == ConnectivityDescriptor{}
}

// IdentityBundle is the credential set issued for a device or a group of devices.
type IdentityBundle struct {
	CA           CACert                 `json:"ca,omitempty"`
	Certificate  DeviceCert             `json:"certificate,omitempty"`
	PublicKey    PublicKey              `json:"public_key,omitempty"`
	PrivateKey   PrivateKey             `json:"private_key,omitempty"`
	Connectivity ConnectivityDescriptor `json:"connectivity"`
}

// IsEmpty reports whether the bundle slot is unpopulated.
func (b IdentityBundle) IsEmpty() bool {
	return len(b.CA) == 0 && len(b.Certificate) == 0 && len(b.PublicKey) == 0 &&
		len(b.PrivateKey) == 0 && b.Connectivity.IsEmpty()
}

// Complete reports whether every field an issuer must return is present.
func (b IdentityBundle) Complete() bool {
	return len(b.CA) > 0 && len(b.Certificate) > 0 && len(b.PublicKey) > 0 &&
		len(b.PrivateKey) > 0 && b.Connectivity.ThingName != ""
}

// Public returns a copy of the bundle with the private key removed.
func (b IdentityBundle) Public() IdentityBundle {
	b.PrivateKey = nil
	return b
}

// Equal compares two bundles byte for byte.
func (b IdentityBundle) Equal(other IdentityBundle) bool {
	return bytes.Equal(b.CA, other.CA) &&
		bytes.Equal(b.Certificate, other.Certificate) &&
		bytes.Equal(b.PublicKey, other.PublicKey) &&
		bytes.Equal(b.PrivateKey, other.PrivateKey) &&
		b.Connectivity == other.Connectivity
}

// Project is a tenant namespace owning models and devices.
type Project struct {
	ID          string
	Name        string
	Description string

	// Identity is populated only while devices with ScopePerProject exist.
	Identity IdentityBundle
	Version  int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Model is a device type definition scoped to one project.
type Model struct {
	ID              string
	ProjectID       string
	Name            string
	Description     string
	DisplayName     string
	Revision        string
	HardwareVersion string

	Kind      ModelKind
	Scope     IdentityScope
	Protocols TagSet
	Storage   TagSet
	ML        TagSet

	// Identity is populated only for ScopePerModel once the first device exists.
	Identity IdentityBundle
	Version  int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Device is an instance of a model, unique by serial within its project.
type Device struct {
	ID          string
	ProjectID   string
	ModelID     string
	Serial      string
	Name        string
	Description string

	// GatewayID references a device whose model is KindGateway, or is empty.
	GatewayID string

	// Identity is the device's own bundle, or a copy of its model's or project's
	// shared bundle.
	Identity IdentityBundle
	Version  int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ModelChanges lists the model fields a caller wants to modify. Nil fields are left untouched.
type ModelChanges struct {
	Description     *string
	DisplayName     *string
	Revision        *string
	HardwareVersion *string
	Protocols       *TagSet
	Storage         *TagSet
	ML              *TagSet

	Kind  *ModelKind
	Scope *IdentityScope
}

// AffectsIdentity reports whether applying the changes to m would alter its
// identity semantics.
func (c ModelChanges) AffectsIdentity(m *Model) bool {
	return (c.Kind != nil && *c.Kind != m.Kind) || (c.Scope != nil && *c.Scope != m.Scope)
}

// Apply writes the requested changes onto m.
func (c ModelChanges) Apply(m *Model) {
	if c.Description != nil {
		m.Description = *c.Description
	}
	if c.DisplayName != nil {
		m.DisplayName = *c.DisplayName
	}
	if c.Revision != nil {
		m.Revision = *c.Revision
	}
	if c.HardwareVersion != nil {
		m.HardwareVersion = *c.HardwareVersion
	}
	if c.Protocols != nil {
		m.Protocols = *c.Protocols
	}
	if c.Storage != nil {
		m.Storage = *c.Storage
	}
	if c.ML != nil {
		m.ML = *c.ML
	}
	if c.Kind != nil {
		m.Kind = *c.Kind
	}
	if c.Scope != nil {
		m.Scope = *c.Scope
	}
}
