package provisioning

import (
	"context"
	"errors"
	"testing"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/ruteri/iot-identity-provisioning/issuer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestModifyModelGuard(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()
	ctx := context.Background()
	env.project(t, "acme")
	env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)

	// No devices yet: identity fields may change.
	m, err := env.engine.ModifyModel(ctx, "acme", "sensor", interfaces.ModelChanges{Scope: ptr(interfaces.ScopePerDevice)})
	require.NoError(t, err)
	assert.Equal(t, interfaces.ScopePerDevice, m.Scope)

	env.provision(t, "acme", "sensor", "SN001")

	_, err = env.engine.ModifyModel(ctx, "acme", "sensor", interfaces.ModelChanges{
		Description: ptr("new description"),
		Kind:        ptr(interfaces.KindGateway),
	})
	require.ErrorIs(t, err, interfaces.ErrDevicesExist)
	assert.Equal(t, interfaces.CodeDevicesExist, interfaces.ErrorCode(err))

	// All or nothing: the description was not applied either.
	m, err = env.engine.GetModel(ctx, "acme", "sensor")
	require.NoError(t, err)
	assert.Empty(t, m.Description)
	assert.Equal(t, interfaces.KindDevice, m.Kind)

	// Metadata changes and no-op identity values are always allowed.
	m, err = env.engine.ModifyModel(ctx, "acme", "sensor", interfaces.ModelChanges{
		Description: ptr("new description"),
		Protocols:   ptr(interfaces.NewTagSet(interfaces.ProtocolMQTT, interfaces.ProtocolBLE)),
		Scope:       ptr(interfaces.ScopePerDevice),
	})
	require.NoError(t, err)
	assert.Equal(t, "new description", m.Description)
	assert.True(t, m.Protocols.Has(interfaces.ProtocolMQTT))

	env.deprovision(t, "acme", "SN001")
	m, err = env.engine.ModifyModel(ctx, "acme", "sensor", interfaces.ModelChanges{Kind: ptr(interfaces.KindGateway)})
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindGateway, m.Kind)
}

func TestModifyModelReclaimsLeftoverIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.revokeSucceeds()
	ctx := context.Background()
	env.project(t, "acme")
	sensor := env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)

	leftover := issuer.FakeBundle(interfaces.IssueRequest{Name: "model-" + sensor.ID})
	_, err := env.store.SetModelIdentity(ctx, sensor.ID, sensor.Version, leftover)
	require.NoError(t, err)

	m, err := env.engine.ModifyModel(ctx, "acme", "sensor", interfaces.ModelChanges{Scope: ptr(interfaces.ScopePerDevice)})
	require.NoError(t, err)
	assert.Equal(t, interfaces.ScopePerDevice, m.Scope)
	assert.True(t, m.Identity.IsEmpty())
	env.issuer.AssertCalled(t, "Revoke", mock.Anything, leftover.Connectivity)
}

func TestModifyModelKeepsIdentityWhenRevocationFails(t *testing.T) {
	env := newTestEnv(t)
	env.issuer.On("Revoke", mock.Anything, mock.Anything).Return(errors.New("unreachable"))
	ctx := context.Background()
	env.project(t, "acme")
	sensor := env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)

	leftover := issuer.FakeBundle(interfaces.IssueRequest{Name: "model-" + sensor.ID})
	_, err := env.store.SetModelIdentity(ctx, sensor.ID, sensor.Version, leftover)
	require.NoError(t, err)

	_, err = env.engine.ModifyModel(ctx, "acme", "sensor", interfaces.ModelChanges{Kind: ptr(interfaces.KindMobile)})
	require.ErrorIs(t, err, interfaces.ErrRevocationFailed)

	m, err := env.engine.GetModel(ctx, "acme", "sensor")
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindDevice, m.Kind)
	assert.True(t, m.Identity.Equal(leftover))
}

func TestCreateModelStartsWithoutIdentity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.project(t, "acme")

	m, err := env.engine.CreateModel(ctx, "acme", interfaces.Model{
		ID:       "ignored",
		Name:     "sensor",
		Kind:     interfaces.KindDevice,
		Scope:    interfaces.ScopePerModel,
		Identity: issuer.FakeBundle(interfaces.IssueRequest{Name: "smuggled"}),
	})
	require.NoError(t, err)
	assert.NotEqual(t, "ignored", m.ID)
	assert.True(t, m.Identity.IsEmpty())

	_, err = env.engine.CreateModel(ctx, "acme", interfaces.Model{Name: "sensor"})
	require.ErrorIs(t, err, interfaces.ErrConflict)
	_, err = env.engine.CreateModel(ctx, "acme", interfaces.Model{})
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	_, err = env.engine.CreateModel(ctx, "globex", interfaces.Model{Name: "sensor"})
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = env.engine.CreateProject(ctx, "acme", "")
	require.ErrorIs(t, err, interfaces.ErrConflict)
}

func TestDeleteModelCascades(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()
	ctx := context.Background()
	env.project(t, "acme")
	env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)
	env.model(t, "acme", "tracker", interfaces.KindDevice, interfaces.ScopePerDevice)

	for _, serial := range []string{"SN001", "SN002", "SN003"} {
		env.provision(t, "acme", "sensor", serial)
	}
	env.provision(t, "acme", "tracker", "TR001")

	report, err := env.engine.DeleteModel(ctx, "acme", "sensor")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"SN001", "SN002", "SN003"}, report.Devices)
	assert.Equal(t, 1, report.Revoked)
	require.NoError(t, report.Warning())
	env.issuer.AssertNumberOfCalls(t, "Revoke", 1)

	_, err = env.engine.GetModel(ctx, "acme", "sensor")
	require.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = env.engine.GetDevice(ctx, "acme", "TR001")
	require.NoError(t, err)
}

func TestDeleteProjectCascades(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()
	ctx := context.Background()
	env.project(t, "acme")
	env.project(t, "globex")
	env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)
	env.model(t, "acme", "tracker", interfaces.KindDevice, interfaces.ScopePerDevice)
	env.model(t, "acme", "hub", interfaces.KindGateway, interfaces.ScopePerProject)
	env.model(t, "acme", "app", interfaces.KindMobile, interfaces.ScopeNone)
	env.model(t, "globex", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)

	env.provision(t, "acme", "sensor", "SN001")
	env.provision(t, "acme", "sensor", "SN002")
	env.provision(t, "acme", "tracker", "TR001")
	env.provision(t, "acme", "hub", "GW001")
	env.provision(t, "acme", "app", "PHONE1")
	env.provision(t, "globex", "sensor", "SN001")
	require.NoError(t, env.engine.Attachments().Attach(ctx, "acme", "SN001", "GW001"))

	report, err := env.engine.DeleteProject(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, report.Warning())
	assert.Len(t, report.Devices, 5)
	// sensor model, TR001 and the project identity of the hub.
	assert.Equal(t, 3, report.Revoked)
	env.issuer.AssertNumberOfCalls(t, "Revoke", 3)

	_, err = env.engine.ListModels(ctx, "acme")
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	projects, err := env.engine.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "globex", projects[0].Name)

	_, err = env.engine.GetDevice(ctx, "globex", "SN001")
	require.NoError(t, err)
}
