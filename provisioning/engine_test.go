package provisioning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/ruteri/iot-identity-provisioning/issuer"
	"github.com/ruteri/iot-identity-provisioning/notify"
	"github.com/ruteri/iot-identity-provisioning/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type testEnv struct {
	engine *Engine
	store  *store.MemoryStore
	issuer *issuer.MockIssuer
	events *notify.Recorder
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv builds an engine over a memory store with a mock issuer that
// succeeds unless a test adds its own expectations first.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  store.NewMemoryStore(),
		issuer: &issuer.MockIssuer{},
		events: &notify.Recorder{},
	}
	env.engine = NewEngine(env.store, env.issuer, env.events, NamingStable, discardLogger())
	return env
}

func (env *testEnv) issueSucceeds() {
	env.issuer.On("Issue", mock.Anything, mock.Anything).Return(issuer.FakeBundle, nil)
}

func (env *testEnv) revokeSucceeds() {
	env.issuer.On("Revoke", mock.Anything, mock.Anything).Return(nil)
}

func (env *testEnv) project(t *testing.T, name string) *interfaces.Project {
	t.Helper()
	p, err := env.engine.CreateProject(context.Background(), name, "")
	require.NoError(t, err)
	return p
}

func (env *testEnv) model(t *testing.T, project, name string, kind interfaces.ModelKind, scope interfaces.IdentityScope) *interfaces.Model {
	t.Helper()
	m, err := env.engine.CreateModel(context.Background(), project, interfaces.Model{Name: name, Kind: kind, Scope: scope})
	require.NoError(t, err)
	return m
}

func (env *testEnv) provision(t *testing.T, project, model, serial string) *ProvisionResult {
	t.Helper()
	res, err := env.engine.ProvisionDevice(context.Background(), ProvisionRequest{Project: project, Model: model, Serial: serial})
	require.NoError(t, err)
	return res
}

func (env *testEnv) deprovision(t *testing.T, project, serial string) *DeprovisionResult {
	t.Helper()
	res, err := env.engine.DeprovisionDevice(context.Background(), project, serial)
	require.NoError(t, err)
	return res
}

func (env *testEnv) modelIdentity(t *testing.T, id string) interfaces.IdentityBundle {
	t.Helper()
	m, err := env.store.GetModel(context.Background(), id)
	require.NoError(t, err)
	return m.Identity
}

func TestAcmeScenario(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()

	env.project(t, "acme")
	sensor := env.model(t, "acme", "sensor-v1", interfaces.KindDevice, interfaces.ScopePerModel)

	first := env.provision(t, "acme", "sensor-v1", "SN001")
	assert.Equal(t, IdentityIssued, first.Source)
	assert.Equal(t, "model/sensor-v1", first.Owner)
	env.issuer.AssertNumberOfCalls(t, "Issue", 1)

	modelBundle := env.modelIdentity(t, sensor.ID)
	require.True(t, modelBundle.Complete())
	assert.Equal(t, "model-"+sensor.ID+"-g1", modelBundle.Connectivity.ThingName)
	assert.True(t, first.Device.Identity.Equal(modelBundle))

	second := env.provision(t, "acme", "sensor-v1", "SN002")
	assert.Equal(t, IdentityReused, second.Source)
	env.issuer.AssertNumberOfCalls(t, "Issue", 1)
	assert.True(t, second.Device.Identity.Equal(modelBundle))
	assert.True(t, second.Device.Identity.Equal(first.Device.Identity))

	res := env.deprovision(t, "acme", "SN001")
	assert.False(t, res.Revoked)
	env.issuer.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything)
	assert.False(t, env.modelIdentity(t, sensor.ID).IsEmpty())

	res = env.deprovision(t, "acme", "SN002")
	assert.True(t, res.Revoked)
	require.NoError(t, res.Warning)
	env.issuer.AssertNumberOfCalls(t, "Revoke", 1)
	env.issuer.AssertCalled(t, "Revoke", mock.Anything, modelBundle.Connectivity)
	assert.True(t, env.modelIdentity(t, sensor.ID).IsEmpty())

	assert.Equal(t, []interfaces.EventType{
		interfaces.EventIdentityIssued,
		interfaces.EventDeviceCreated,
		interfaces.EventDeviceCreated,
		interfaces.EventDeviceDeleted,
		interfaces.EventIdentityRevoked,
		interfaces.EventDeviceDeleted,
	}, env.events.Types())
}

func TestDuplicateSerial(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.project(t, "acme")
	env.model(t, "acme", "tracker", interfaces.KindDevice, interfaces.ScopePerDevice)

	env.provision(t, "acme", "tracker", "SN001")
	_, err := env.engine.ProvisionDevice(context.Background(), ProvisionRequest{Project: "acme", Model: "tracker", Serial: "SN001"})
	require.ErrorIs(t, err, interfaces.ErrConflict)
	assert.Equal(t, interfaces.CodeConflict, interfaces.ErrorCode(err))

	devices, err := env.engine.ListDevices(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	env.issuer.AssertNumberOfCalls(t, "Issue", 1)
}

func TestSameSerialInDifferentProjects(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	names := map[string]bool{}
	for _, project := range []string{"acme", "globex"} {
		env.project(t, project)
		env.model(t, project, "tracker", interfaces.KindDevice, interfaces.ScopePerDevice)
		res := env.provision(t, project, "tracker", "SN001")
		assert.Equal(t, "device-"+res.Device.ID, res.Device.Identity.Connectivity.ThingName)
		names[res.Device.Identity.Connectivity.ThingName] = true
	}
	assert.Len(t, names, 2)
}

func TestPerDeviceIssuance(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()
	env.project(t, "acme")
	tracker := env.model(t, "acme", "tracker", interfaces.KindDevice, interfaces.ScopePerDevice)

	const n = 5
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		res := env.provision(t, "acme", "tracker", fmt.Sprintf("SN%03d", i))
		assert.Equal(t, IdentityIssued, res.Source)
		require.True(t, res.Device.Identity.Complete())
		seen[string(res.Device.Identity.Certificate)] = true
		assert.True(t, env.modelIdentity(t, tracker.ID).IsEmpty())
	}
	assert.Len(t, seen, n)
	env.issuer.AssertNumberOfCalls(t, "Issue", n)

	victim, err := env.engine.GetDevice(context.Background(), "acme", "SN002")
	require.NoError(t, err)

	res := env.deprovision(t, "acme", "SN002")
	assert.True(t, res.Revoked)
	env.issuer.AssertNumberOfCalls(t, "Revoke", 1)
	env.issuer.AssertCalled(t, "Revoke", mock.Anything, victim.Identity.Connectivity)

	devices, err := env.engine.ListDevices(context.Background(), "acme")
	require.NoError(t, err)
	assert.Len(t, devices, n-1)
}

func TestPerModelSingleIssuance(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.project(t, "acme")
	sensor := env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)

	for i := 0; i < 10; i++ {
		env.provision(t, "acme", "sensor", fmt.Sprintf("SN%03d", i))
	}
	env.issuer.AssertNumberOfCalls(t, "Issue", 1)

	bundle := env.modelIdentity(t, sensor.ID)
	devices, err := env.engine.ListDevices(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, devices, 10)
	for _, d := range devices {
		assert.True(t, d.Identity.Equal(bundle), d.Serial)
	}
}

func TestConcurrentFirstDevice(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.project(t, "acme")
	sensor := env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)

	const k = 32
	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.engine.ProvisionDevice(context.Background(), ProvisionRequest{
				Project: "acme", Model: "sensor", Serial: fmt.Sprintf("SN%03d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	env.issuer.AssertNumberOfCalls(t, "Issue", 1)
	bundle := env.modelIdentity(t, sensor.ID)
	devices, err := env.engine.ListDevices(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, devices, k)
	for _, d := range devices {
		assert.True(t, d.Identity.Equal(bundle), d.Serial)
	}
	assert.Equal(t, 1, env.events.Count(interfaces.EventIdentityIssued))
	assert.Zero(t, env.engine.locks.size())
}

func TestConcurrentLastDevices(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()
	env.project(t, "acme")
	sensor := env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)
	env.provision(t, "acme", "sensor", "SN001")
	env.provision(t, "acme", "sensor", "SN002")

	var wg sync.WaitGroup
	for _, serial := range []string{"SN001", "SN002"} {
		wg.Add(1)
		go func(serial string) {
			defer wg.Done()
			_, err := env.engine.DeprovisionDevice(context.Background(), "acme", serial)
			assert.NoError(t, err)
		}(serial)
	}
	wg.Wait()

	env.issuer.AssertNumberOfCalls(t, "Revoke", 1)
	assert.True(t, env.modelIdentity(t, sensor.ID).IsEmpty())
}

func TestIssuanceFailureIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	env.issuer.On("Issue", mock.Anything, mock.Anything).Return(interfaces.IdentityBundle{}, errors.New("throttled")).Once()
	env.project(t, "acme")
	sensor := env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)

	_, err := env.engine.ProvisionDevice(context.Background(), ProvisionRequest{Project: "acme", Model: "sensor", Serial: "SN001"})
	require.ErrorIs(t, err, interfaces.ErrIssuanceFailed)
	assert.Equal(t, interfaces.CodeIssuanceFailed, interfaces.ErrorCode(err))

	_, err = env.engine.GetDevice(context.Background(), "acme", "SN001")
	require.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.True(t, env.modelIdentity(t, sensor.ID).IsEmpty())
	assert.Empty(t, env.events.Events())

	// The next attempt issues normally.
	env.issueSucceeds()
	res := env.provision(t, "acme", "sensor", "SN001")
	assert.Equal(t, IdentityIssued, res.Source)
}

func TestIncompleteBundleIsRejected(t *testing.T) {
	env := newTestEnv(t)
	partial := interfaces.IdentityBundle{Connectivity: interfaces.ConnectivityDescriptor{ThingName: "acme-SN001"}}
	env.issuer.On("Issue", mock.Anything, mock.Anything).Return(partial, nil)
	env.revokeSucceeds()
	env.project(t, "acme")
	env.model(t, "acme", "tracker", interfaces.KindGateway, interfaces.ScopePerDevice)

	_, err := env.engine.ProvisionDevice(context.Background(), ProvisionRequest{Project: "acme", Model: "tracker", Serial: "SN001"})
	require.ErrorIs(t, err, interfaces.ErrIssuanceFailed)
	env.issuer.AssertCalled(t, "Revoke", mock.Anything, partial.Connectivity)

	devices, err := env.engine.ListDevices(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestKindsWithoutIdentity(t *testing.T) {
	tests := []struct {
		kind  interfaces.ModelKind
		scope interfaces.IdentityScope
	}{
		{interfaces.KindNone, interfaces.ScopePerModel},
		{interfaces.KindMobile, interfaces.ScopePerDevice},
		{interfaces.KindDevice, interfaces.ScopeNone},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String()+"/"+tt.scope.String(), func(t *testing.T) {
			env := newTestEnv(t)
			env.project(t, "acme")
			env.model(t, "acme", "thing", tt.kind, tt.scope)

			res := env.provision(t, "acme", "thing", "SN001")
			assert.Equal(t, IdentityNone, res.Source)
			assert.Equal(t, interfaces.ScopeNone, res.Scope)
			assert.True(t, res.Device.Identity.IsEmpty())

			del := env.deprovision(t, "acme", "SN001")
			assert.False(t, del.Revoked)
			env.issuer.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
			env.issuer.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything)
			assert.Equal(t, []interfaces.EventType{interfaces.EventDeviceCreated, interfaces.EventDeviceDeleted}, env.events.Types())
		})
	}
}

func TestRevocationFailureDoesNotBlockDelete(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.issuer.On("Revoke", mock.Anything, mock.Anything).Return(errors.New("endpoint unreachable")).Once()
	env.project(t, "acme")
	sensor := env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)
	env.provision(t, "acme", "sensor", "SN001")

	res := env.deprovision(t, "acme", "SN001")
	assert.False(t, res.Revoked)
	require.ErrorIs(t, res.Warning, interfaces.ErrRevocationFailed)

	_, err := env.engine.GetDevice(context.Background(), "acme", "SN001")
	require.ErrorIs(t, err, interfaces.ErrNotFound)

	// The bundle stays on the model so a repair pass can retry.
	assert.False(t, env.modelIdentity(t, sensor.ID).IsEmpty())

	env.revokeSucceeds()
	report, err := env.engine.Reconcile(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"model/sensor"}, report.Reclaimed)
	assert.Empty(t, report.Warnings)
	assert.True(t, env.modelIdentity(t, sensor.ID).IsEmpty())
	env.issuer.AssertNumberOfCalls(t, "Revoke", 2)
}

func TestPerDeviceRevocationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.issuer.On("Revoke", mock.Anything, mock.Anything).Return(errors.New("timeout"))
	env.project(t, "acme")
	env.model(t, "acme", "tracker", interfaces.KindDevice, interfaces.ScopePerDevice)
	env.provision(t, "acme", "tracker", "SN001")

	res := env.deprovision(t, "acme", "SN001")
	require.ErrorIs(t, res.Warning, interfaces.ErrRevocationFailed)
	assert.Equal(t, 1, env.events.Count(interfaces.EventDeviceDeleted))
	assert.Zero(t, env.events.Count(interfaces.EventIdentityRevoked))
}

func TestReconcileLeavesUsedSlots(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()
	env.project(t, "acme")
	sensor := env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)
	orphan := env.model(t, "acme", "orphan", interfaces.KindDevice, interfaces.ScopePerModel)
	env.provision(t, "acme", "sensor", "SN001")

	// A crash between the slot write and the device insert.
	m, err := env.store.GetModel(context.Background(), orphan.ID)
	require.NoError(t, err)
	leftover := issuer.FakeBundle(interfaces.IssueRequest{Name: "model-" + orphan.ID})
	_, err = env.store.SetModelIdentity(context.Background(), orphan.ID, m.Version, leftover)
	require.NoError(t, err)

	report, err := env.engine.Reconcile(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"model/orphan"}, report.Reclaimed)
	env.issuer.AssertNumberOfCalls(t, "Revoke", 1)
	env.issuer.AssertCalled(t, "Revoke", mock.Anything, leftover.Connectivity)
	assert.False(t, env.modelIdentity(t, sensor.ID).IsEmpty())
	assert.True(t, env.modelIdentity(t, orphan.ID).IsEmpty())
}

func TestPerProjectIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()
	project := env.project(t, "acme")
	env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerProject)
	env.model(t, "acme", "hub", interfaces.KindGateway, interfaces.ScopePerProject)

	a := env.provision(t, "acme", "sensor", "SN001")
	b := env.provision(t, "acme", "hub", "GW001")
	assert.Equal(t, IdentityIssued, a.Source)
	assert.Equal(t, IdentityReused, b.Source)
	assert.Equal(t, "project/acme", b.Owner)
	assert.Equal(t, "project-"+project.ID+"-g1", a.Device.Identity.Connectivity.ThingName)
	assert.True(t, a.Device.Identity.Equal(b.Device.Identity))
	env.issuer.AssertNumberOfCalls(t, "Issue", 1)

	env.deprovision(t, "acme", "SN001")
	env.issuer.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything)

	res := env.deprovision(t, "acme", "GW001")
	assert.True(t, res.Revoked)
	p, err := env.store.GetProject(context.Background(), project.ID)
	require.NoError(t, err)
	assert.True(t, p.Identity.IsEmpty())
}

func TestLegacyNaming(t *testing.T) {
	env := newTestEnv(t)
	env.engine = NewEngine(env.store, env.issuer, env.events, NamingLegacy, discardLogger())
	env.issueSucceeds()
	env.project(t, "acme")
	env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)
	env.model(t, "acme", "tracker", interfaces.KindDevice, interfaces.ScopePerDevice)

	first := env.provision(t, "acme", "sensor", "SN001")
	second := env.provision(t, "acme", "sensor", "SN002")
	own := env.provision(t, "acme", "tracker", "TR/01")

	assert.Equal(t, "SN001", first.Device.Identity.Connectivity.ThingName)
	assert.Equal(t, "SN001", second.Device.Identity.Connectivity.ThingName)
	assert.Equal(t, "TR-01", own.Device.Identity.Connectivity.ThingName)
}

// racingStore lets another writer commit a model slot right before the
// engine's own compare-and-set.
type racingStore struct {
	interfaces.EntityStore
	once   sync.Once
	winner interfaces.IdentityBundle
}

func (s *racingStore) SetModelIdentity(ctx context.Context, modelID string, expectedVersion int64, bundle interfaces.IdentityBundle) (int64, error) {
	s.once.Do(func() {
		_, _ = s.EntityStore.SetModelIdentity(ctx, modelID, expectedVersion, s.winner)
	})
	return s.EntityStore.SetModelIdentity(ctx, modelID, expectedVersion, bundle)
}

func TestLostSlotRaceAdoptsWinner(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()
	winner := issuer.FakeBundle(interfaces.IssueRequest{Name: "other-process"})
	env.engine = NewEngine(&racingStore{EntityStore: env.store, winner: winner}, env.issuer, env.events, NamingStable, discardLogger())

	env.project(t, "acme")
	sensor := env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)

	res := env.provision(t, "acme", "sensor", "SN001")
	assert.Equal(t, IdentityReused, res.Source)
	assert.True(t, res.Device.Identity.Equal(winner))
	assert.True(t, env.modelIdentity(t, sensor.ID).Equal(winner))

	env.issuer.AssertNumberOfCalls(t, "Revoke", 1)
	env.issuer.AssertCalled(t, "Revoke", mock.Anything, interfaces.ConnectivityDescriptor{
		ThingName:     "model-" + sensor.ID + "-g1",
		CertificateID: "id-model-" + sensor.ID + "-g1",
	})
	assert.Zero(t, env.events.Count(interfaces.EventIdentityIssued))
}

// failingDeviceStore fails every device insert.
type failingDeviceStore struct {
	interfaces.EntityStore
}

func (failingDeviceStore) CreateDevice(context.Context, *interfaces.Device) error {
	return errors.New("disk full")
}

func (failingDeviceStore) CreateSharedDevice(context.Context, *interfaces.Device, interfaces.IdentitySlot, int64) error {
	return errors.New("disk full")
}

func TestDeviceInsertFailureRollsBackSlot(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()
	env.project(t, "acme")
	sensor := env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)
	env.model(t, "acme", "tracker", interfaces.KindDevice, interfaces.ScopePerDevice)
	env.engine = NewEngine(failingDeviceStore{env.store}, env.issuer, env.events, NamingStable, discardLogger())

	_, err := env.engine.ProvisionDevice(context.Background(), ProvisionRequest{Project: "acme", Model: "sensor", Serial: "SN001"})
	require.ErrorIs(t, err, interfaces.ErrInternal)
	assert.Equal(t, interfaces.CodeInternal, interfaces.ErrorCode(err))
	assert.True(t, env.modelIdentity(t, sensor.ID).IsEmpty())

	_, err = env.engine.ProvisionDevice(context.Background(), ProvisionRequest{Project: "acme", Model: "tracker", Serial: "TR001"})
	require.ErrorIs(t, err, interfaces.ErrInternal)

	env.issuer.AssertNumberOfCalls(t, "Issue", 2)
	env.issuer.AssertNumberOfCalls(t, "Revoke", 2)
	assert.Empty(t, env.events.Events())
}

func TestNotifierFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.engine = NewEngine(env.store, env.issuer, notify.Multi{failingNotifier{}}, NamingStable, discardLogger())
	env.project(t, "acme")
	env.model(t, "acme", "thing", interfaces.KindNone, interfaces.ScopeNone)

	env.provision(t, "acme", "thing", "SN001")
	env.deprovision(t, "acme", "SN001")
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, interfaces.Event) error {
	return errors.New("broker down")
}

func TestProvisionValidation(t *testing.T) {
	env := newTestEnv(t)
	env.project(t, "acme")
	env.model(t, "acme", "sensor", interfaces.KindDevice, interfaces.ScopePerModel)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ProvisionRequest
		want error
	}{
		{"missing serial", ProvisionRequest{Project: "acme", Model: "sensor"}, interfaces.ErrInvalidArgument},
		{"missing project", ProvisionRequest{Model: "sensor", Serial: "SN1"}, interfaces.ErrInvalidArgument},
		{"unknown project", ProvisionRequest{Project: "globex", Model: "sensor", Serial: "SN1"}, interfaces.ErrNotFound},
		{"unknown model", ProvisionRequest{Project: "acme", Model: "camera", Serial: "SN1"}, interfaces.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.ProvisionDevice(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := env.engine.DeprovisionDevice(ctx, "acme", "SN404")
	require.ErrorIs(t, err, interfaces.ErrNotFound)
	env.issuer.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
}

// twoEngines builds two engines over one store, as two processes sharing a
// database would run them, with a per-model sensor and one provisioned device.
func twoEngines(t *testing.T, iss interfaces.IdentityIssuer) (a, b *Engine, st *store.MemoryStore, sensor *interfaces.Model) {
	t.Helper()
	ctx := context.Background()
	st = store.NewMemoryStore()
	a = NewEngine(st, iss, nil, NamingStable, discardLogger())
	b = NewEngine(st, iss, nil, NamingStable, discardLogger())

	_, err := a.CreateProject(ctx, "acme", "")
	require.NoError(t, err)
	sensor, err = a.CreateModel(ctx, "acme", interfaces.Model{Name: "sensor", Kind: interfaces.KindDevice, Scope: interfaces.ScopePerModel})
	require.NoError(t, err)
	return a, b, st, sensor
}

func TestReuseDuringRevocationInOtherEngine(t *testing.T) {
	ctx := context.Background()
	iss := &issuer.MockIssuer{}
	iss.On("Issue", mock.Anything, mock.Anything).Return(issuer.FakeBundle, nil)
	revoking := make(chan struct{})
	release := make(chan struct{})
	iss.On("Revoke", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(revoking)
		<-release
	}).Return(nil).Once()

	a, b, st, sensor := twoEngines(t, iss)
	first, err := a.ProvisionDevice(ctx, ProvisionRequest{Project: "acme", Model: "sensor", Serial: "SN001"})
	require.NoError(t, err)

	done := make(chan *DeprovisionResult, 1)
	go func() {
		res, err := a.DeprovisionDevice(ctx, "acme", "SN001")
		assert.NoError(t, err)
		done <- res
	}()
	<-revoking

	// The slot is already cleared while the revocation is in flight, so the
	// other engine issues a fresh identity instead of copying the dying one.
	second, err := b.ProvisionDevice(ctx, ProvisionRequest{Project: "acme", Model: "sensor", Serial: "SN002"})
	require.NoError(t, err)
	close(release)
	res := <-done
	require.NotNil(t, res)
	assert.True(t, res.Revoked)

	assert.Equal(t, IdentityIssued, second.Source)
	assert.NotEqual(t, first.Device.Identity.Connectivity, second.Device.Identity.Connectivity)
	m, err := st.GetModel(ctx, sensor.ID)
	require.NoError(t, err)
	assert.True(t, m.Identity.Equal(second.Device.Identity))
	iss.AssertNumberOfCalls(t, "Revoke", 1)
	iss.AssertCalled(t, "Revoke", mock.Anything, first.Device.Identity.Connectivity)
}

// hookedStore runs hook once, right before the first shared device insert.
type hookedStore struct {
	interfaces.EntityStore
	once sync.Once
	hook func()
}

func (s *hookedStore) CreateSharedDevice(ctx context.Context, d *interfaces.Device, slot interfaces.IdentitySlot, slotVersion int64) error {
	s.once.Do(s.hook)
	return s.EntityStore.CreateSharedDevice(ctx, d, slot, slotVersion)
}

func TestReclaimBetweenReadAndInsertInOtherEngine(t *testing.T) {
	ctx := context.Background()
	iss := &issuer.MockIssuer{}
	iss.On("Issue", mock.Anything, mock.Anything).Return(issuer.FakeBundle, nil)
	iss.On("Revoke", mock.Anything, mock.Anything).Return(nil)

	a, _, st, sensor := twoEngines(t, iss)
	first, err := a.ProvisionDevice(ctx, ProvisionRequest{Project: "acme", Model: "sensor", Serial: "SN001"})
	require.NoError(t, err)

	// b has read the slot and is about to commit SN002 with that bundle when
	// a deletes the last device and reclaims the slot.
	hooked := &hookedStore{EntityStore: st, hook: func() {
		res, err := a.DeprovisionDevice(ctx, "acme", "SN001")
		require.NoError(t, err)
		require.True(t, res.Revoked)
	}}
	b := NewEngine(hooked, iss, nil, NamingStable, discardLogger())

	second, err := b.ProvisionDevice(ctx, ProvisionRequest{Project: "acme", Model: "sensor", Serial: "SN002"})
	require.NoError(t, err)
	assert.Equal(t, IdentityIssued, second.Source)
	assert.NotEqual(t, first.Device.Identity.Connectivity, second.Device.Identity.Connectivity)

	devices, err := st.ListDevicesByModel(ctx, sensor.ID)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	m, err := st.GetModel(ctx, sensor.ID)
	require.NoError(t, err)
	assert.False(t, m.Identity.IsEmpty())
	assert.True(t, devices[0].Identity.Equal(m.Identity))
	iss.AssertNumberOfCalls(t, "Issue", 2)
	iss.AssertNumberOfCalls(t, "Revoke", 1)
}

func TestSanitizedSerialsGetDistinctIdentities(t *testing.T) {
	env := newTestEnv(t)
	env.issueSucceeds()
	env.revokeSucceeds()
	for _, project := range []string{"a", "a-b"} {
		env.project(t, project)
		env.model(t, project, "tracker", interfaces.KindDevice, interfaces.ScopePerDevice)
	}

	pairs := []struct{ project, serial string }{{"a-b", "c"}, {"a", "b-c"}, {"a", "x y"}, {"a", "x-y"}}
	names := map[string]string{}
	for _, pair := range pairs {
		res := env.provision(t, pair.project, "tracker", pair.serial)
		name := res.Device.Identity.Connectivity.ThingName
		require.NotContains(t, names, name)
		names[name] = pair.project + "/" + pair.serial
	}

	// Tearing one down revokes only its own identity.
	victim := env.deprovision(t, "a", "x y")
	env.issuer.AssertNumberOfCalls(t, "Revoke", 1)
	env.issuer.AssertCalled(t, "Revoke", mock.Anything, victim.Device.Identity.Connectivity)
	sibling, err := env.engine.GetDevice(context.Background(), "a", "x-y")
	require.NoError(t, err)
	assert.NotEqual(t, victim.Device.Identity.Connectivity.ThingName, sibling.Identity.Connectivity.ThingName)
}

// stallingNotifier blocks on the first IdentityIssued event until released.
type stallingNotifier struct {
	stalled atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (n *stallingNotifier) Notify(_ context.Context, event interfaces.Event) error {
	if _, ok := event.(interfaces.IdentityIssued); ok && n.stalled.CompareAndSwap(false, true) {
		close(n.entered)
		<-n.release
	}
	return nil
}

func TestSlowNotifierDoesNotHoldLocks(t *testing.T) {
	ctx := context.Background()
	iss := &issuer.MockIssuer{}
	iss.On("Issue", mock.Anything, mock.Anything).Return(issuer.FakeBundle, nil)
	notifier := &stallingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	engine := NewEngine(store.NewMemoryStore(), iss, notifier, NamingStable, discardLogger())

	_, err := engine.CreateProject(ctx, "acme", "")
	require.NoError(t, err)
	_, err = engine.CreateModel(ctx, "acme", interfaces.Model{Name: "sensor", Kind: interfaces.KindDevice, Scope: interfaces.ScopePerModel})
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := engine.ProvisionDevice(ctx, ProvisionRequest{Project: "acme", Model: "sensor", Serial: "SN001"})
		first <- err
	}()
	<-notifier.entered

	// The first provisioning is stuck delivering its events. The slot and
	// model locks must already be free for the second one.
	second := make(chan error, 1)
	go func() {
		_, err := engine.ProvisionDevice(ctx, ProvisionRequest{Project: "acme", Model: "sensor", Serial: "SN002"})
		second <- err
	}()
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("provisioning blocked behind event delivery")
	}

	close(notifier.release)
	require.NoError(t, <-first)
}
