package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// MemoryStore is an in-process EntityStore. Every read returns a copy, so
// callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*interfaces.Project
	models   map[string]*interfaces.Model
	devices  map[string]*interfaces.Device
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*interfaces.Project),
		models:   make(map[string]*interfaces.Model),
		devices:  make(map[string]*interfaces.Device),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateProject(ctx context.Context, p *interfaces.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.projects {
		if existing.Name == p.Name {
			return fmt.Errorf("%w: project %q", interfaces.ErrConflict, p.Name)
		}
	}

	stamp(&p.ID, &p.Version, &p.CreatedAt, &p.UpdatedAt, s.now())
	s.projects[p.ID] = cloneProject(p)
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id string) (*interfaces.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: project %s", interfaces.ErrNotFound, id)
	}
	return cloneProject(p), nil
}

func (s *MemoryStore) GetProjectByName(ctx context.Context, name string) (*interfaces.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.projects {
		if p.Name == name {
			return cloneProject(p), nil
		}
	}
	return nil, fmt.Errorf("%w: project %q", interfaces.ErrNotFound, name)
}

func (s *MemoryStore) ListProjects(ctx context.Context) ([]*interfaces.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*interfaces.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SetProjectIdentity(ctx context.Context, projectID string, expectedVersion int64, bundle interfaces.IdentityBundle) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return 0, fmt.Errorf("%w: project %s", interfaces.ErrNotFound, projectID)
	}
	if p.Version != expectedVersion {
		return 0, fmt.Errorf("%w: project %s at version %d, expected %d", interfaces.ErrVersionMismatch, projectID, p.Version, expectedVersion)
	}

	p.Identity = cloneBundle(bundle)
	p.Version++
	p.UpdatedAt = s.now()
	return p.Version, nil
}

func (s *MemoryStore) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return fmt.Errorf("%w: project %s", interfaces.ErrNotFound, id)
	}
	for _, m := range s.models {
		if m.ProjectID == id {
			return fmt.Errorf("%w: project %s has models", interfaces.ErrHasChildren, id)
		}
	}
	for _, d := range s.devices {
		if d.ProjectID == id {
			return fmt.Errorf("%w: project %s has devices", interfaces.ErrHasChildren, id)
		}
	}

	delete(s.projects, id)
	return nil
}

func (s *MemoryStore) CreateModel(ctx context.Context, m *interfaces.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[m.ProjectID]; !ok {
		return fmt.Errorf("%w: project %s", interfaces.ErrNotFound, m.ProjectID)
	}
	for _, existing := range s.models {
		if existing.ProjectID == m.ProjectID && existing.Name == m.Name {
			return fmt.Errorf("%w: model %q", interfaces.ErrConflict, m.Name)
		}
	}

	stamp(&m.ID, &m.Version, &m.CreatedAt, &m.UpdatedAt, s.now())
	s.models[m.ID] = cloneModel(m)
	return nil
}

func (s *MemoryStore) GetModel(ctx context.Context, id string) (*interfaces.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("%w: model %s", interfaces.ErrNotFound, id)
	}
	return cloneModel(m), nil
}

func (s *MemoryStore) GetModelByName(ctx context.Context, projectID, name string) (*interfaces.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.models {
		if m.ProjectID == projectID && m.Name == name {
			return cloneModel(m), nil
		}
	}
	return nil, fmt.Errorf("%w: model %q", interfaces.ErrNotFound, name)
}

func (s *MemoryStore) ListModels(ctx context.Context, projectID string) ([]*interfaces.Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*interfaces.Model
	for _, m := range s.models {
		if m.ProjectID == projectID {
			out = append(out, cloneModel(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) UpdateModel(ctx context.Context, m *interfaces.Model, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.models[m.ID]
	if !ok {
		return 0, fmt.Errorf("%w: model %s", interfaces.ErrNotFound, m.ID)
	}
	if stored.Version != expectedVersion {
		return 0, fmt.Errorf("%w: model %s at version %d, expected %d", interfaces.ErrVersionMismatch, m.ID, stored.Version, expectedVersion)
	}
	if (stored.Kind != m.Kind || stored.Scope != m.Scope) && s.countByModelLocked(m.ID) > 0 {
		return 0, fmt.Errorf("%w: model %s", interfaces.ErrDevicesExist, m.ID)
	}

	stored.Description = m.Description
	stored.DisplayName = m.DisplayName
	stored.Revision = m.Revision
	stored.HardwareVersion = m.HardwareVersion
	stored.Protocols = append(interfaces.TagSet(nil), m.Protocols...)
	stored.Storage = append(interfaces.TagSet(nil), m.Storage...)
	stored.ML = append(interfaces.TagSet(nil), m.ML...)
	stored.Kind = m.Kind
	stored.Scope = m.Scope
	stored.Version++
	stored.UpdatedAt = s.now()
	return stored.Version, nil
}

func (s *MemoryStore) SetModelIdentity(ctx context.Context, modelID string, expectedVersion int64, bundle interfaces.IdentityBundle) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[modelID]
	if !ok {
		return 0, fmt.Errorf("%w: model %s", interfaces.ErrNotFound, modelID)
	}
	if m.Version != expectedVersion {
		return 0, fmt.Errorf("%w: model %s at version %d, expected %d", interfaces.ErrVersionMismatch, modelID, m.Version, expectedVersion)
	}

	m.Identity = cloneBundle(bundle)
	m.Version++
	m.UpdatedAt = s.now()
	return m.Version, nil
}

func (s *MemoryStore) DeleteModel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.models[id]; !ok {
		return fmt.Errorf("%w: model %s", interfaces.ErrNotFound, id)
	}
	if s.countByModelLocked(id) > 0 {
		return fmt.Errorf("%w: model %s has devices", interfaces.ErrHasChildren, id)
	}

	delete(s.models, id)
	return nil
}

func (s *MemoryStore) CreateDevice(ctx context.Context, d *interfaces.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createDeviceLocked(d)
}

func (s *MemoryStore) CreateSharedDevice(ctx context.Context, d *interfaces.Device, slot interfaces.IdentitySlot, slotVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, _, err := s.slotLocked(slot)
	if err != nil {
		return err
	}
	if version != slotVersion {
		return fmt.Errorf("%w: %s slot %s at version %d, expected %d", interfaces.ErrVersionMismatch, slot.Scope, slot.OwnerID, version, slotVersion)
	}
	return s.createDeviceLocked(d)
}

func (s *MemoryStore) ClearUnusedIdentity(ctx context.Context, slot interfaces.IdentitySlot, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version, users, err := s.slotLocked(slot)
	if err != nil {
		return 0, err
	}
	if version != expectedVersion {
		return 0, fmt.Errorf("%w: %s slot %s at version %d, expected %d", interfaces.ErrVersionMismatch, slot.Scope, slot.OwnerID, version, expectedVersion)
	}
	if users > 0 {
		return 0, fmt.Errorf("%w: %d devices use %s slot %s", interfaces.ErrDevicesExist, users, slot.Scope, slot.OwnerID)
	}

	if slot.Scope == interfaces.ScopePerProject {
		p := s.projects[slot.OwnerID]
		p.Identity = interfaces.IdentityBundle{}
		p.Version++
		p.UpdatedAt = s.now()
		return p.Version, nil
	}
	m := s.models[slot.OwnerID]
	m.Identity = interfaces.IdentityBundle{}
	m.Version++
	m.UpdatedAt = s.now()
	return m.Version, nil
}

// slotLocked returns the version of the record holding slot and the number
// of devices using it.
func (s *MemoryStore) slotLocked(slot interfaces.IdentitySlot) (int64, int, error) {
	switch slot.Scope {
	case interfaces.ScopePerModel:
		m, ok := s.models[slot.OwnerID]
		if !ok {
			return 0, 0, fmt.Errorf("%w: model %s", interfaces.ErrNotFound, slot.OwnerID)
		}
		return m.Version, s.countByModelLocked(m.ID), nil
	case interfaces.ScopePerProject:
		p, ok := s.projects[slot.OwnerID]
		if !ok {
			return 0, 0, fmt.Errorf("%w: project %s", interfaces.ErrNotFound, slot.OwnerID)
		}
		return p.Version, s.countProjectScopedLocked(p.ID), nil
	default:
		return 0, 0, fmt.Errorf("%w: %s is not a shared scope", interfaces.ErrInvalidArgument, slot.Scope)
	}
}

func (s *MemoryStore) createDeviceLocked(d *interfaces.Device) error {
	if _, ok := s.projects[d.ProjectID]; !ok {
		return fmt.Errorf("%w: project %s", interfaces.ErrNotFound, d.ProjectID)
	}
	if m, ok := s.models[d.ModelID]; !ok || m.ProjectID != d.ProjectID {
		return fmt.Errorf("%w: model %s", interfaces.ErrNotFound, d.ModelID)
	}
	if d.GatewayID != "" {
		if gw, ok := s.devices[d.GatewayID]; !ok || gw.ProjectID != d.ProjectID {
			return fmt.Errorf("%w: gateway %s", interfaces.ErrNotFound, d.GatewayID)
		}
	}
	for _, existing := range s.devices {
		if existing.ProjectID == d.ProjectID && existing.Serial == d.Serial {
			return fmt.Errorf("%w: serial %q", interfaces.ErrConflict, d.Serial)
		}
	}

	stamp(&d.ID, &d.Version, &d.CreatedAt, &d.UpdatedAt, s.now())
	s.devices[d.ID] = cloneDevice(d)
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*interfaces.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: device %s", interfaces.ErrNotFound, id)
	}
	return cloneDevice(d), nil
}

func (s *MemoryStore) GetDeviceBySerial(ctx context.Context, projectID, serial string) (*interfaces.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.devices {
		if d.ProjectID == projectID && d.Serial == serial {
			return cloneDevice(d), nil
		}
	}
	return nil, fmt.Errorf("%w: device %q", interfaces.ErrNotFound, serial)
}

func (s *MemoryStore) ListDevices(ctx context.Context, projectID string) ([]*interfaces.Device, error) {
	return s.filterDevices(func(d *interfaces.Device) bool { return d.ProjectID == projectID }), nil
}

func (s *MemoryStore) ListDevicesByModel(ctx context.Context, modelID string) ([]*interfaces.Device, error) {
	return s.filterDevices(func(d *interfaces.Device) bool { return d.ModelID == modelID }), nil
}

func (s *MemoryStore) ListAttachedDevices(ctx context.Context, gatewayID string) ([]*interfaces.Device, error) {
	return s.filterDevices(func(d *interfaces.Device) bool { return d.GatewayID == gatewayID && gatewayID != "" }), nil
}

func (s *MemoryStore) filterDevices(keep func(*interfaces.Device) bool) []*interfaces.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*interfaces.Device
	for _, d := range s.devices {
		if keep(d) {
			out = append(out, cloneDevice(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

func (s *MemoryStore) SetDeviceGateway(ctx context.Context, deviceID string, expectedVersion int64, gatewayID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return 0, fmt.Errorf("%w: device %s", interfaces.ErrNotFound, deviceID)
	}
	if d.Version != expectedVersion {
		return 0, fmt.Errorf("%w: device %s at version %d, expected %d", interfaces.ErrVersionMismatch, deviceID, d.Version, expectedVersion)
	}
	if gatewayID != "" {
		if gw, ok := s.devices[gatewayID]; !ok || gw.ProjectID != d.ProjectID {
			return 0, fmt.Errorf("%w: gateway %s", interfaces.ErrNotFound, gatewayID)
		}
	}

	d.GatewayID = gatewayID
	d.Version++
	d.UpdatedAt = s.now()
	return d.Version, nil
}

func (s *MemoryStore) DeleteDevice(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[id]; !ok {
		return fmt.Errorf("%w: device %s", interfaces.ErrNotFound, id)
	}
	for _, d := range s.devices {
		if d.GatewayID == id {
			return fmt.Errorf("%w: gateway %s has attached devices", interfaces.ErrHasChildren, id)
		}
	}

	delete(s.devices, id)
	return nil
}

func (s *MemoryStore) CountDevicesByModel(ctx context.Context, modelID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countByModelLocked(modelID), nil
}

func (s *MemoryStore) CountProjectScopedDevices(ctx context.Context, projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countProjectScopedLocked(projectID), nil
}

func (s *MemoryStore) countProjectScopedLocked(projectID string) int {
	n := 0
	for _, d := range s.devices {
		if m, ok := s.models[d.ModelID]; ok && d.ProjectID == projectID && m.Scope == interfaces.ScopePerProject {
			n++
		}
	}
	return n
}

func (s *MemoryStore) countByModelLocked(modelID string) int {
	n := 0
	for _, d := range s.devices {
		if d.ModelID == modelID {
			n++
		}
	}
	return n
}

func stamp(id *string, version *int64, created, updated *time.Time, now time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	*version = 1
	*created = now
	*updated = now
}

func cloneBundle(b interfaces.IdentityBundle) interfaces.IdentityBundle {
	return interfaces.IdentityBundle{
		CA:           append(interfaces.CACert(nil), b.CA...),
		Certificate:  append(interfaces.DeviceCert(nil), b.Certificate...),
		PublicKey:    append(interfaces.PublicKey(nil), b.PublicKey...),
		PrivateKey:   append(interfaces.PrivateKey(nil), b.PrivateKey...),
		Connectivity: b.Connectivity,
	}
}

func cloneProject(p *interfaces.Project) *interfaces.Project {
	c := *p
	c.Identity = cloneBundle(p.Identity)
	return &c
}

func cloneModel(m *interfaces.Model) *interfaces.Model {
	c := *m
	c.Protocols = append(interfaces.TagSet(nil), m.Protocols...)
	c.Storage = append(interfaces.TagSet(nil), m.Storage...)
	c.ML = append(interfaces.TagSet(nil), m.ML...)
	c.Identity = cloneBundle(m.Identity)
	return &c
}

func cloneDevice(d *interfaces.Device) *interfaces.Device {
	c := *d
	c.Identity = cloneBundle(d.Identity)
	return &c
}
