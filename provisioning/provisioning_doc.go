// Package provisioning is the identity provisioning engine.
//
// Engine owns the lifecycle of projects, models and devices and decides which
// identity a device gets:
//
//   - ScopePerDevice: a fresh identity per device, revoked when the device is
//     deprovisioned.
//   - ScopePerModel and ScopePerProject: one shared identity, issued lazily
//     with the first device that needs it and revoked with the last one.
//   - ScopeNone, and every KindMobile model: no identity at all.
//
// Shared identities are issued at most once per owner even under concurrent
// provisioning. The first device takes the owner's slot lock, issues, and
// commits the bundle with a version check; everyone else reuses it.
//
// Attachments links devices to gateways. Deprovisioning a gateway detaches
// its devices first.
//
// Revocation is best effort. A failed revocation never blocks a delete; it is
// reported as a warning and, for shared identities, the bundle stays on its
// owner so Reconcile can retry it.
package provisioning
