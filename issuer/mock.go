package issuer

import (
	"context"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockIssuer mocks the IdentityIssuer interface.
type MockIssuer struct {
	mock.Mock
}

// Issue mocks the Issue method. The first return value may be a bundle or a
// func(interfaces.IssueRequest) interfaces.IdentityBundle.
func (m *MockIssuer) Issue(ctx context.Context, req interfaces.IssueRequest) (interfaces.IdentityBundle, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(interfaces.IssueRequest) interfaces.IdentityBundle); ok {
		return fn(req), args.Error(1)
	}
	return args.Get(0).(interfaces.IdentityBundle), args.Error(1)
}

// Revoke mocks the Revoke method.
func (m *MockIssuer) Revoke(ctx context.Context, desc interfaces.ConnectivityDescriptor) error {
	args := m.Called(ctx, desc)
	return args.Error(0)
}

// FakeBundle returns a complete, non-cryptographic bundle for the request.
// Certificate IDs are derived from the thing name so tests can predict them.
func FakeBundle(req interfaces.IssueRequest) interfaces.IdentityBundle {
	return interfaces.IdentityBundle{
		CA:          interfaces.CACert("ca"),
		Certificate: interfaces.DeviceCert("cert-" + req.Name),
		PublicKey:   interfaces.PublicKey("pub-" + req.Name),
		PrivateKey:  interfaces.PrivateKey("priv-" + req.Name),
		Connectivity: interfaces.ConnectivityDescriptor{
			ThingName:     req.Name,
			CertificateID: "id-" + req.Name,
		},
	}
}
