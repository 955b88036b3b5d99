package interfaces

import (
	"context"
)

// IssueRequest names the identity to mint.
type IssueRequest struct {
	// Name is the unique thing name. Issuers do not deduplicate by name: every
	// call mints new material.
	Name string
	// Kind lets issuers treat gateways differently from plain devices.
	Kind ModelKind
}

// IdentityIssuer mints and revokes identity bundles.
type IdentityIssuer interface {
	// Issue mints a new bundle for the requested name.
	Issue(ctx context.Context, req IssueRequest) (IdentityBundle, error)

	// Revoke deletes the identity referenced by the descriptor.
	Revoke(ctx context.Context, desc ConnectivityDescriptor) error
}
