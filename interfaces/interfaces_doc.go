// Package interfaces defines the core types and collaborator contracts of the
// identity provisioning system.
//
// The package provides the contracts between components without including
// implementation details, so that the provisioning engine can be driven by
// any store, issuer or notifier implementation:
//
// # Collaborator Interfaces
//
//   - EntityStore: persists projects, models and devices with compare-and-set updates
//   - IdentityIssuer: mints and revokes identity bundles
//   - EventNotifier: receives device and identity lifecycle events
//   - StorageBackend: content-addressed archive for issued public material
//
// # Type Definitions
//
//   - Project, Model, Device: the provisioned entities
//   - IdentityBundle: CA, certificate, key pair and connectivity descriptor
//   - ModelKind: none, device, gateway or mobile
//   - IdentityScope: none, per-device, per-model or per-project sharing
//   - TagSet: set-of-tags representation for protocol, storage and ML flags
//
// # Error Types
//
// Every operation fails with one of a small set of sentinel kinds, each mapped
// to a stable code by ErrorCode:
//
//   - ErrNotFound, ErrConflict, ErrWrongKind, ErrDevicesExist
//   - ErrIssuanceFailed, ErrRevocationFailed
//   - ErrInternal for everything else
//
// # Usage Patterns
//
// Components should depend on interfaces rather than concrete implementations:
//
//	func NewEngine(
//	    store interfaces.EntityStore,
//	    issuer interfaces.IdentityIssuer,
//	    notifier interfaces.EventNotifier,
//	    log *slog.Logger,
//	) *Engine
package interfaces
