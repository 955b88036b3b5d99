package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/iot-identity-provisioning/interfaces"
	"github.com/ruteri/iot-identity-provisioning/metrics"
	"github.com/ruteri/iot-identity-provisioning/notify"
)

// Engine decides, for every device created or deleted, whether identity
// material is minted per device or shared per model or project, creates
// shared material once, and tears it down when the last device goes away.
//
// Engine holds no entity state of its own. Shared identity slots are
// serialized in process with keyed locks. Across processes the store does it:
// a device joins a slot only at the slot version its bundle was read at, and a
// slot is cleared only while it is unchanged and unused, so engines sharing a
// store never hand out a bundle that is being reclaimed.
type Engine struct {
	store    interfaces.EntityStore
	issuer   interfaces.IdentityIssuer
	notifier interfaces.EventNotifier
	naming   NamingPolicy
	locks    *keyedLocks
	now      func() time.Time
	log      *slog.Logger

	attachments *Attachments
}

// NewEngine creates an engine. A nil notifier discards events; an empty
// naming policy means NamingStable.
func NewEngine(store interfaces.EntityStore, issuer interfaces.IdentityIssuer, notifier interfaces.EventNotifier, naming NamingPolicy, log *slog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if naming == "" {
		naming = NamingStable
	}
	e := &Engine{
		store:    store,
		issuer:   issuer,
		notifier: notifier,
		naming:   naming,
		locks:    newKeyedLocks(),
		now:      time.Now,
		log:      log,
	}
	e.attachments = &Attachments{e: e}
	return e
}

// Attachments returns the gateway attachment manager sharing this engine's
// store, locks and notifier.
func (e *Engine) Attachments() *Attachments {
	return e.attachments
}

// IdentitySource tells how a provisioned device got its identity.
type IdentitySource int

const (
	// IdentityNone means the device carries no identity material.
	IdentityNone IdentitySource = iota
	// IdentityIssued means material was minted for this request.
	IdentityIssued
	// IdentityReused means the device received a copy of an existing shared bundle.
	IdentityReused
)

func (s IdentitySource) String() string {
	switch s {
	case IdentityIssued:
		return "issued"
	case IdentityReused:
		return "reused"
	default:
		return "none"
	}
}

// finish folds unclassified faults into ErrInternal and counts the outcome.
func (e *Engine) finish(op string, err error) error {
	if err != nil && !interfaces.IsKnown(err) {
		err = fmt.Errorf("%w: %s: %w", interfaces.ErrInternal, op, err)
	}
	metrics.RecordOperation(op, err)
	return err
}

func (e *Engine) project(ctx context.Context, name string) (*interfaces.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", interfaces.ErrInvalidArgument)
	}
	return e.store.GetProjectByName(ctx, name)
}

func (e *Engine) model(ctx context.Context, project *interfaces.Project, name string) (*interfaces.Model, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: model name is required", interfaces.ErrInvalidArgument)
	}
	return e.store.GetModelByName(ctx, project.ID, name)
}

func (e *Engine) device(ctx context.Context, project *interfaces.Project, serial string) (*interfaces.Device, error) {
	if serial == "" {
		return nil, fmt.Errorf("%w: serial is required", interfaces.ErrInvalidArgument)
	}
	return e.store.GetDeviceBySerial(ctx, project.ID, serial)
}

// effectiveScope is the scope identity is actually issued under: kinds that
// never receive identity behave as ScopeNone whatever the model says.
func effectiveScope(m *interfaces.Model) interfaces.IdentityScope {
	if !m.Kind.IssuesIdentity() {
		return interfaces.ScopeNone
	}
	return m.Scope
}

// slot is a shared identity bundle stored on a model or a project.
type slot struct {
	scope interfaces.IdentityScope
	ref   interfaces.IdentitySlot
	key   string
	owner string
	load  func(ctx context.Context) (interfaces.IdentityBundle, int64, error)
	set   func(ctx context.Context, expectedVersion int64, bundle interfaces.IdentityBundle) (int64, error)
}

func (e *Engine) modelSlot(m *interfaces.Model) slot {
	return slot{
		scope: interfaces.ScopePerModel,
		ref:   interfaces.IdentitySlot{Scope: interfaces.ScopePerModel, OwnerID: m.ID},
		key:   modelSlotKey(m.ID),
		owner: "model/" + m.Name,
		load: func(ctx context.Context) (interfaces.IdentityBundle, int64, error) {
			fresh, err := e.store.GetModel(ctx, m.ID)
			if err != nil {
				return interfaces.IdentityBundle{}, 0, err
			}
			return fresh.Identity, fresh.Version, nil
		},
		set: func(ctx context.Context, expectedVersion int64, bundle interfaces.IdentityBundle) (int64, error) {
			return e.store.SetModelIdentity(ctx, m.ID, expectedVersion, bundle)
		},
	}
}

func (e *Engine) projectSlot(p *interfaces.Project) slot {
	return slot{
		scope: interfaces.ScopePerProject,
		ref:   interfaces.IdentitySlot{Scope: interfaces.ScopePerProject, OwnerID: p.ID},
		key:   projectSlotKey(p.ID),
		owner: "project/" + p.Name,
		load: func(ctx context.Context) (interfaces.IdentityBundle, int64, error) {
			fresh, err := e.store.GetProject(ctx, p.ID)
			if err != nil {
				return interfaces.IdentityBundle{}, 0, err
			}
			return fresh.Identity, fresh.Version, nil
		},
		set: func(ctx context.Context, expectedVersion int64, bundle interfaces.IdentityBundle) (int64, error) {
			return e.store.SetProjectIdentity(ctx, p.ID, expectedVersion, bundle)
		},
	}
}

func (e *Engine) sharedSlot(p *interfaces.Project, m *interfaces.Model) slot {
	if m.Scope == interfaces.ScopePerProject {
		return e.projectSlot(p)
	}
	return e.modelSlot(m)
}

// issue mints a bundle and rejects incomplete ones.
func (e *Engine) issue(ctx context.Context, name string, kind interfaces.ModelKind, scope interfaces.IdentityScope) (interfaces.IdentityBundle, error) {
	bundle, err := e.issuer.Issue(ctx, interfaces.IssueRequest{Name: name, Kind: kind})
	if err != nil {
		return interfaces.IdentityBundle{}, fmt.Errorf("%w: %s: %w", interfaces.ErrIssuanceFailed, name, err)
	}
	if !bundle.Complete() {
		if !bundle.Connectivity.IsEmpty() {
			e.discard(ctx, bundle)
		}
		return interfaces.IdentityBundle{}, fmt.Errorf("%w: %s: issuer returned an incomplete bundle", interfaces.ErrIssuanceFailed, name)
	}

	metrics.RecordIssued(scope)
	e.log.Info("identity issued", "name", name, "kind", kind.String(), "scope", scope.String(),
		"thing", bundle.Connectivity.ThingName)
	return bundle, nil
}

// discard revokes material that was never committed to any record.
func (e *Engine) discard(ctx context.Context, bundle interfaces.IdentityBundle) {
	if err := e.issuer.Revoke(ctx, bundle.Connectivity); err != nil {
		e.log.Error("failed to revoke uncommitted identity", "thing", bundle.Connectivity.ThingName, "err", err)
		return
	}
	e.log.Info("revoked uncommitted identity", "thing", bundle.Connectivity.ThingName)
}

// revoke revokes a committed identity and announces it.
func (e *Engine) revoke(ctx context.Context, project string, scope interfaces.IdentityScope, owner string, bundle interfaces.IdentityBundle) error {
	err := e.issuer.Revoke(ctx, bundle.Connectivity)
	metrics.RecordRevoked(scope, err)
	if err != nil {
		e.log.Warn("identity revocation failed", "project", project, "owner", owner,
			"thing", bundle.Connectivity.ThingName, "err", err)
		return fmt.Errorf("%w: %s: %w", interfaces.ErrRevocationFailed, bundle.Connectivity.ThingName, err)
	}

	e.log.Info("identity revoked", "project", project, "owner", owner, "thing", bundle.Connectivity.ThingName)
	e.emit(ctx, interfaces.IdentityRevoked{
		EventHeader: e.header(project),
		Scope:       scope.String(),
		Owner:       owner,
		ThingName:   bundle.Connectivity.ThingName,
	})
	return nil
}

// reclaim clears a shared slot that no device uses and then revokes its
// bundle. The caller holds the slot lock. The clear fails when a device joined
// the slot since it was read, in which case nothing is revoked. A bundle whose
// revocation failed is put back so Reconcile can retry it.
func (e *Engine) reclaim(ctx context.Context, project string, s slot) (bool, error) {
	bundle, version, err := s.load(ctx)
	if err != nil {
		return false, err
	}
	if bundle.IsEmpty() {
		return false, nil
	}

	cleared, err := e.store.ClearUnusedIdentity(ctx, s.ref, version)
	if errors.Is(err, interfaces.ErrDevicesExist) || errors.Is(err, interfaces.ErrVersionMismatch) {
		e.log.Debug("shared identity still in use", "project", project, "owner", s.owner, "err", err)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("clearing %s identity: %w", s.owner, err)
	}

	if err := e.revoke(ctx, project, s.scope, s.owner, bundle); err != nil {
		if _, restoreErr := s.set(ctx, cleared, bundle); restoreErr != nil {
			e.log.Error("failed to restore unrevoked identity", "project", project, "owner", s.owner,
				"thing", bundle.Connectivity.ThingName, "err", restoreErr)
		}
		return false, err
	}
	return true, nil
}

func (e *Engine) header(project string) interfaces.EventHeader {
	return interfaces.EventHeader{Project: project, At: e.now().UTC()}
}

type outboxKey struct{}

type outbox struct {
	mu     sync.Mutex
	events []interfaces.Event
}

// deferEvents makes emit queue events on the returned context until flush
// runs. Operations call it before taking any lock so flush runs after every
// unlock and a slow notifier never holds a device or slot lock. Nested calls
// share the outermost queue.
func (e *Engine) deferEvents(ctx context.Context) (context.Context, func()) {
	if _, ok := ctx.Value(outboxKey{}).(*outbox); ok {
		return ctx, func() {}
	}
	box := &outbox{}
	return context.WithValue(ctx, outboxKey{}, box), func() {
		box.mu.Lock()
		events := box.events
		box.events = nil
		box.mu.Unlock()
		for _, event := range events {
			e.deliver(ctx, event)
		}
	}
}

// emit queues an event for delivery after the operation releases its locks,
// or delivers it at once outside an operation.
func (e *Engine) emit(ctx context.Context, event interfaces.Event) {
	if box, ok := ctx.Value(outboxKey{}).(*outbox); ok {
		box.mu.Lock()
		box.events = append(box.events, event)
		box.mu.Unlock()
		return
	}
	e.deliver(ctx, event)
}

// deliver hands an event to the notifier. Delivery failures never undo the
// mutation.
func (e *Engine) deliver(ctx context.Context, event interfaces.Event) {
	if err := e.notifier.Notify(ctx, event); err != nil {
		metrics.RecordNotifyFailure()
		e.log.Warn("event delivery failed", "type", event.Type(), "project", event.ProjectName(), "err", err)
	}
}
