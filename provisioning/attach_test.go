package provisioning

import (
	"context"
	"testing"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newGatewayEnv sets up project acme with a per-device sensor model, a
// per-device hub model and a mobile app model.
func newGatewayEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()
	env.project(t, "acme")
	env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerDevice)
	env.model(t, "acme", "hub", interfaces.KindGateway, interfaces.ScopePerDevice)
	env.model(t, "acme", "app", interfaces.KindMobile, interfaces.ScopeNone)
	return env
}

func (env *testEnv) attached(t *testing.T, gateway string) []string {
	t.Helper()
	devices, err := env.engine.Attachments().ListAttached(context.Background(), "acme", gateway)
	require.NoError(t, err)
	serials := make([]string, 0, len(devices))
	for _, d := range devices {
		serials = append(serials, d.Serial)
	}
	return serials
}

func (env *testEnv) gatewayOf(t *testing.T, serial string) string {
	t.Helper()
	d, err := env.engine.GetDevice(context.Background(), "acme", serial)
	require.NoError(t, err)
	return d.GatewayID
}

func TestAttachDetachSymmetry(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()
	att := env.engine.Attachments()

	gw := env.provision(t, "acme", "hub", "GW01").Device
	env.provision(t, "acme", "sensor", "SN001")
	env.provision(t, "acme", "sensor", "SN002")
	env.events.Reset()

	require.NoError(t, att.Attach(ctx, "acme", "SN001", "GW01"))
	require.NoError(t, att.Attach(ctx, "acme", "SN002", "GW01"))
	assert.Equal(t, gw.ID, env.gatewayOf(t, "SN001"))
	assert.Equal(t, []string{"SN001", "SN002"}, env.attached(t, "GW01"))

	require.NoError(t, att.Detach(ctx, "acme", "SN001"))
	assert.Empty(t, env.gatewayOf(t, "SN001"))
	assert.Equal(t, []string{"SN002"}, env.attached(t, "GW01"))

	// Detaching an unattached device is a no-op.
	require.NoError(t, att.Detach(ctx, "acme", "SN001"))

	assert.Equal(t, []interfaces.EventType{
		interfaces.EventDeviceAttached,
		interfaces.EventDeviceAttached,
		interfaces.EventDeviceDetached,
	}, env.events.Types())

	detached := env.events.Events()[2].(interfaces.DeviceDetached)
	assert.Equal(t, "SN001", detached.DeviceSerial)
	assert.Equal(t, "GW01", detached.GatewaySerial)
	assert.Equal(t, "acme", detached.Project)
}

func TestReattach(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()
	att := env.engine.Attachments()

	env.provision(t, "acme", "hub", "GW01")
	gw2 := env.provision(t, "acme", "hub", "GW02").Device
	env.provision(t, "acme", "sensor", "SN001")

	require.NoError(t, att.Attach(ctx, "acme", "SN001", "GW01"))
	env.events.Reset()

	// Re-attaching to the same gateway is detach then attach.
	require.NoError(t, att.Attach(ctx, "acme", "SN001", "GW01"))
	assert.Equal(t, []interfaces.EventType{interfaces.EventDeviceDetached, interfaces.EventDeviceAttached}, env.events.Types())
	env.events.Reset()

	require.NoError(t, att.Attach(ctx, "acme", "SN001", "GW02"))
	assert.Equal(t, []interfaces.EventType{interfaces.EventDeviceDetached, interfaces.EventDeviceAttached}, env.events.Types())
	assert.Equal(t, gw2.ID, env.gatewayOf(t, "SN001"))
	assert.Empty(t, env.attached(t, "GW01"))
	assert.Equal(t, []string{"SN001"}, env.attached(t, "GW02"))
}

func TestAttachWrongKind(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()
	att := env.engine.Attachments()

	env.provision(t, "acme", "hub", "GW01")
	env.provision(t, "acme", "hub", "GW02")
	env.provision(t, "acme", "sensor", "SN001")
	env.provision(t, "acme", "sensor", "SN002")
	env.provision(t, "acme", "app", "PHONE1")

	tests := []struct {
		name, device, gateway string
	}{
		{"gateway as device", "GW01", "GW02"},
		{"device as gateway", "SN001", "SN002"},
		{"mobile as device", "PHONE1", "GW01"},
		{"self", "GW01", "GW01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := att.Attach(ctx, "acme", tt.device, tt.gateway)
			require.ErrorIs(t, err, interfaces.ErrWrongKind)
			assert.Equal(t, interfaces.CodeWrongKind, interfaces.ErrorCode(err))
		})
	}

	_, err := att.ListAttached(ctx, "acme", "SN001")
	require.ErrorIs(t, err, interfaces.ErrWrongKind)

	require.ErrorIs(t, att.Attach(ctx, "acme", "SN404", "GW01"), interfaces.ErrNotFound)
	require.ErrorIs(t, att.Attach(ctx, "acme", "SN001", "GW404"), interfaces.ErrNotFound)
	require.ErrorIs(t, att.Detach(ctx, "acme", "SN404"), interfaces.ErrNotFound)
}

func TestAttachAcrossProjects(t *testing.T) {
	env := newGatewayEnv(t)
	env.project(t, "globex")
	env.model(t, "globex", "hub", interfaces.KindGateway, interfaces.ScopePerDevice)
	env.provision(t, "globex", "hub", "GW01")
	env.provision(t, "acme", "sensor", "SN001")

	// Gateways are resolved within the device's project only.
	err := env.engine.Attachments().Attach(context.Background(), "acme", "SN001", "GW01")
	require.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestDeprovisionAttachedDevice(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()

	env.provision(t, "acme", "hub", "GW01")
	env.provision(t, "acme", "sensor", "SN001")
	require.NoError(t, env.engine.Attachments().Attach(ctx, "acme", "SN001", "GW01"))
	env.events.Reset()

	res := env.deprovision(t, "acme", "SN001")
	assert.True(t, res.Revoked)
	assert.Empty(t, env.attached(t, "GW01"))
	assert.Equal(t, []interfaces.EventType{
		interfaces.EventDeviceDetached,
		interfaces.EventIdentityRevoked,
		interfaces.EventDeviceDeleted,
	}, env.events.Types())
}

func TestDeprovisionGatewayDetachesDevices(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()
	att := env.engine.Attachments()

	env.provision(t, "acme", "hub", "GW01")
	env.provision(t, "acme", "sensor", "SN001")
	env.provision(t, "acme", "sensor", "SN002")
	require.NoError(t, att.Attach(ctx, "acme", "SN001", "GW01"))
	require.NoError(t, att.Attach(ctx, "acme", "SN002", "GW01"))
	env.events.Reset()

	res := env.deprovision(t, "acme", "GW01")
	assert.True(t, res.Revoked)
	assert.Empty(t, env.gatewayOf(t, "SN001"))
	assert.Empty(t, env.gatewayOf(t, "SN002"))

	assert.Equal(t, []interfaces.EventType{
		interfaces.EventDeviceDetached,
		interfaces.EventDeviceDetached,
		interfaces.EventIdentityRevoked,
		interfaces.EventDeviceDeleted,
	}, env.events.Types())
	env.issuer.AssertNumberOfCalls(t, "Revoke", 1)
}
