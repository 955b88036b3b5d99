package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

// SQLiteStore implements interfaces.EntityStore on SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const (
	projectColumns = `id, name, description, identity, version, created_at, updated_at`
	modelColumns   = `id, project_id, name, description, display_name, revision, hardware_version,
		kind, scope, protocols, storage, ml, identity, version, created_at, updated_at`
	deviceColumns = `id, project_id, model_id, serial, name, description, gateway_id,
		identity, version, created_at, updated_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *interfaces.Project) error {
	identity, err := encodeBundle(p.Identity)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := s.timestamp()

	const query = `INSERT INTO projects (id, name, description, identity, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.Description, identity, now, now); err != nil {
		return mapWriteError(err, interfaces.ErrNotFound, fmt.Sprintf("project %q", p.Name))
	}

	p.Version = 1
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, now)
	p.UpdatedAt = p.CreatedAt
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*interfaces.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row, "project "+id)
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*interfaces.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE name = ?`, name)
	return scanProject(row, fmt.Sprintf("project %q", name))
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*interfaces.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing projects: %v", interfaces.ErrInternal, err)
	}
	defer rows.Close()

	var out []*interfaces.Project
	for rows.Next() {
		p, err := scanProject(rows, "project")
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rowsErr(rows)
}

func (s *SQLiteStore) SetProjectIdentity(ctx context.Context, projectID string, expectedVersion int64, bundle interfaces.IdentityBundle) (int64, error) {
	identity, err := encodeBundle(bundle)
	if err != nil {
		return 0, err
	}
	const query = `UPDATE projects SET identity = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`
	return s.compareAndSet(ctx, "projects", projectID, expectedVersion, query, identity, s.timestamp(), projectID, expectedVersion)
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "projects", id)
}

func (s *SQLiteStore) CreateModel(ctx context.Context, m *interfaces.Model) error {
	identity, err := encodeBundle(m.Identity)
	if err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.timestamp()

	const query = `INSERT INTO models (id, project_id, name, description, display_name, revision,
		hardware_version, kind, scope, protocols, storage, ml, identity, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.ProjectID, m.Name, m.Description, m.DisplayName, m.Revision, m.HardwareVersion,
		int(m.Kind), int(m.Scope), m.Protocols.String(), m.Storage.String(), m.ML.String(),
		identity, now, now)
	if err != nil {
		return mapWriteError(err, interfaces.ErrNotFound, fmt.Sprintf("model %q in project %s", m.Name, m.ProjectID))
	}

	m.Version = 1
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, now)
	m.UpdatedAt = m.CreatedAt
	return nil
}

func (s *SQLiteStore) GetModel(ctx context.Context, id string) (*interfaces.Model, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id = ?`, id)
	return scanModel(row, "model "+id)
}

func (s *SQLiteStore) GetModelByName(ctx context.Context, projectID, name string) (*interfaces.Model, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE project_id = ? AND name = ?`, projectID, name)
	return scanModel(row, fmt.Sprintf("model %q", name))
}

func (s *SQLiteStore) ListModels(ctx context.Context, projectID string) ([]*interfaces.Model, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM models WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing models: %v", interfaces.ErrInternal, err)
	}
	defer rows.Close()

	var out []*interfaces.Model
	for rows.Next() {
		m, err := scanModel(rows, "model")
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rowsErr(rows)
}

func (s *SQLiteStore) UpdateModel(ctx context.Context, m *interfaces.Model, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: starting transaction: %v", interfaces.ErrInternal, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var kind, scope int
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT kind, scope, version FROM models WHERE id = ?`, m.ID).Scan(&kind, &scope, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: model %s", interfaces.ErrNotFound, m.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: reading model %s: %v", interfaces.ErrInternal, m.ID, err)
	}
	if version != expectedVersion {
		return 0, fmt.Errorf("%w: model %s at version %d, expected %d", interfaces.ErrVersionMismatch, m.ID, version, expectedVersion)
	}

	if interfaces.ModelKind(kind) != m.Kind || interfaces.IdentityScope(scope) != m.Scope {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE model_id = ?`, m.ID).Scan(&n); err != nil {
			return 0, fmt.Errorf("%w: counting devices: %v", interfaces.ErrInternal, err)
		}
		if n > 0 {
			return 0, fmt.Errorf("%w: model %s", interfaces.ErrDevicesExist, m.ID)
		}
	}

	const query = `UPDATE models SET description = ?, display_name = ?, revision = ?, hardware_version = ?,
		kind = ?, scope = ?, protocols = ?, storage = ?, ml = ?, version = version + 1, updated_at = ?
		WHERE id = ?`
	_, err = tx.ExecContext(ctx, query,
		m.Description, m.DisplayName, m.Revision, m.HardwareVersion,
		int(m.Kind), int(m.Scope), m.Protocols.String(), m.Storage.String(), m.ML.String(),
		s.timestamp(), m.ID)
	if err != nil {
		return 0, mapWriteError(err, interfaces.ErrNotFound, "model "+m.ID)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: committing model update: %v", interfaces.ErrInternal, err)
	}
	return version + 1, nil
}

func (s *SQLiteStore) SetModelIdentity(ctx context.Context, modelID string, expectedVersion int64, bundle interfaces.IdentityBundle) (int64, error) {
	identity, err := encodeBundle(bundle)
	if err != nil {
		return 0, err
	}
	const query = `UPDATE models SET identity = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`
	return s.compareAndSet(ctx, "models", modelID, expectedVersion, query, identity, s.timestamp(), modelID, expectedVersion)
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "models", id)
}

func (s *SQLiteStore) CreateDevice(ctx context.Context, d *interfaces.Device) error {
	return s.insertDevice(ctx, d, nil, 0)
}

func (s *SQLiteStore) CreateSharedDevice(ctx context.Context, d *interfaces.Device, slot interfaces.IdentitySlot, slotVersion int64) error {
	if _, err := slotTable(slot); err != nil {
		return err
	}
	return s.insertDevice(ctx, d, &slot, slotVersion)
}

// insertDevice inserts d. With a slot, the insert is conditional on the slot's
// record still being at slotVersion.
func (s *SQLiteStore) insertDevice(ctx context.Context, d *interfaces.Device, slot *interfaces.IdentitySlot, slotVersion int64) error {
	identity, err := encodeBundle(d.Identity)
	if err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: starting transaction: %v", interfaces.ErrInternal, err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Foreign keys alone do not tie the model and gateway to the device's project.
	var modelProject string
	err = tx.QueryRowContext(ctx, `SELECT project_id FROM models WHERE id = ?`, d.ModelID).Scan(&modelProject)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && modelProject != d.ProjectID) {
		return fmt.Errorf("%w: model %s", interfaces.ErrNotFound, d.ModelID)
	}
	if err != nil {
		return fmt.Errorf("%w: reading model: %v", interfaces.ErrInternal, err)
	}
	if d.GatewayID != "" {
		if err := checkSameProject(ctx, tx, d.GatewayID, d.ProjectID); err != nil {
			return err
		}
	}

	query := `INSERT INTO devices (id, project_id, model_id, serial, name, description, gateway_id,
		identity, version, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?`
	args := []any{d.ID, d.ProjectID, d.ModelID, d.Serial, d.Name, d.Description, nullString(d.GatewayID),
		identity, now, now}
	if slot != nil {
		table, _ := slotTable(*slot)
		query += ` WHERE EXISTS (SELECT 1 FROM ` + table + ` WHERE id = ? AND version = ?)`
		args = append(args, slot.OwnerID, slotVersion)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError(err, interfaces.ErrNotFound, fmt.Sprintf("device %q", d.Serial))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInternal, err)
	}
	if n == 0 && slot != nil {
		return slotMismatch(ctx, tx, *slot, slotVersion)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing device: %v", interfaces.ErrInternal, err)
	}

	d.Version = 1
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, now)
	d.UpdatedAt = d.CreatedAt
	return nil
}

func (s *SQLiteStore) ClearUnusedIdentity(ctx context.Context, slot interfaces.IdentitySlot, expectedVersion int64) (int64, error) {
	table, err := slotTable(slot)
	if err != nil {
		return 0, err
	}
	users := `SELECT 1 FROM devices WHERE model_id = ?`
	usersArgs := []any{slot.OwnerID}
	if slot.Scope == interfaces.ScopePerProject {
		users = `SELECT 1 FROM devices d JOIN models m ON d.model_id = m.id WHERE d.project_id = ? AND m.scope = ?`
		usersArgs = append(usersArgs, int(interfaces.ScopePerProject))
	}

	query := `UPDATE ` + table + ` SET identity = NULL, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND NOT EXISTS (` + users + `)`
	args := append([]any{s.timestamp(), slot.OwnerID, expectedVersion}, usersArgs...)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: clearing %s identity: %v", interfaces.ErrInternal, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrInternal, err)
	}
	if n == 1 {
		return expectedVersion + 1, nil
	}
	if err := slotMismatch(ctx, s.db, slot, expectedVersion); !errors.Is(err, interfaces.ErrDevicesExist) {
		return 0, err
	}
	return 0, fmt.Errorf("%w: %s %s identity still in use", interfaces.ErrDevicesExist, table, slot.OwnerID)
}

func slotTable(slot interfaces.IdentitySlot) (string, error) {
	switch slot.Scope {
	case interfaces.ScopePerModel:
		return "models", nil
	case interfaces.ScopePerProject:
		return "projects", nil
	}
	return "", fmt.Errorf("%w: %s is not a shared scope", interfaces.ErrInvalidArgument, slot.Scope)
}

// slotMismatch explains why a write guarded by the slot version touched no
// row. A slot still at expectedVersion yields ErrDevicesExist, which only the
// unused-identity clear can run into.
func slotMismatch(ctx context.Context, q queryRower, slot interfaces.IdentitySlot, expectedVersion int64) error {
	table, _ := slotTable(slot)
	var current int64
	err := q.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE id = ?`, slot.OwnerID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s %s", interfaces.ErrNotFound, table, slot.OwnerID)
	case err != nil:
		return fmt.Errorf("%w: %v", interfaces.ErrInternal, err)
	case current != expectedVersion:
		return fmt.Errorf("%w: %s %s at version %d, expected %d", interfaces.ErrVersionMismatch, table, slot.OwnerID, current, expectedVersion)
	}
	return interfaces.ErrDevicesExist
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*interfaces.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	return scanDevice(row, "device "+id)
}

func (s *SQLiteStore) GetDeviceBySerial(ctx context.Context, projectID, serial string) (*interfaces.Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE project_id = ? AND serial = ?`, projectID, serial)
	return scanDevice(row, fmt.Sprintf("device %q", serial))
}

func (s *SQLiteStore) ListDevices(ctx context.Context, projectID string) ([]*interfaces.Device, error) {
	return s.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE project_id = ? ORDER BY serial`, projectID)
}

func (s *SQLiteStore) ListDevicesByModel(ctx context.Context, modelID string) ([]*interfaces.Device, error) {
	return s.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE model_id = ? ORDER BY serial`, modelID)
}

func (s *SQLiteStore) ListAttachedDevices(ctx context.Context, gatewayID string) ([]*interfaces.Device, error) {
	return s.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices WHERE gateway_id = ? ORDER BY serial`, gatewayID)
}

func (s *SQLiteStore) queryDevices(ctx context.Context, query string, args ...any) ([]*interfaces.Device, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing devices: %v", interfaces.ErrInternal, err)
	}
	defer rows.Close()

	var out []*interfaces.Device
	for rows.Next() {
		d, err := scanDevice(rows, "device")
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rowsErr(rows)
}

func (s *SQLiteStore) SetDeviceGateway(ctx context.Context, deviceID string, expectedVersion int64, gatewayID string) (int64, error) {
	if gatewayID != "" {
		var projectID string
		err := s.db.QueryRowContext(ctx, `SELECT project_id FROM devices WHERE id = ?`, deviceID).Scan(&projectID)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: device %s", interfaces.ErrNotFound, deviceID)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: reading device: %v", interfaces.ErrInternal, err)
		}
		if err := checkSameProject(ctx, s.db, gatewayID, projectID); err != nil {
			return 0, err
		}
	}

	const query = `UPDATE devices SET gateway_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`
	return s.compareAndSet(ctx, "devices", deviceID, expectedVersion, query,
		nullString(gatewayID), s.timestamp(), deviceID, expectedVersion)
}

func (s *SQLiteStore) DeleteDevice(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "devices", id)
}

func (s *SQLiteStore) CountDevicesByModel(ctx context.Context, modelID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE model_id = ?`, modelID).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting devices: %v", interfaces.ErrInternal, err)
	}
	return n, nil
}

func (s *SQLiteStore) CountProjectScopedDevices(ctx context.Context, projectID string) (int, error) {
	const query = `SELECT COUNT(*) FROM devices d JOIN models m ON d.model_id = m.id
		WHERE d.project_id = ? AND m.scope = ?`
	var n int
	if err := s.db.QueryRowContext(ctx, query, projectID, int(interfaces.ScopePerProject)).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting devices: %v", interfaces.ErrInternal, err)
	}
	return n, nil
}

// compareAndSet runs a versioned UPDATE and tells a missing row apart from a
// stale version when nothing was written.
func (s *SQLiteStore) compareAndSet(ctx context.Context, table, id string, expectedVersion int64, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, mapWriteError(err, interfaces.ErrNotFound, table+" "+id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrInternal, err)
	}
	if n == 1 {
		return expectedVersion + 1, nil
	}

	var current int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s %s", interfaces.ErrNotFound, table, id)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", interfaces.ErrInternal, err)
	}
	return 0, fmt.Errorf("%w: %s %s at version %d, expected %d", interfaces.ErrVersionMismatch, table, id, current, expectedVersion)
}

func (s *SQLiteStore) deleteRow(ctx context.Context, table, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return mapWriteError(err, interfaces.ErrHasChildren, table+" "+id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrInternal, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", interfaces.ErrNotFound, table, id)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func checkSameProject(ctx context.Context, q queryRower, deviceID, projectID string) error {
	var gwProject string
	err := q.QueryRowContext(ctx, `SELECT project_id FROM devices WHERE id = ?`, deviceID).Scan(&gwProject)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && gwProject != projectID) {
		return fmt.Errorf("%w: gateway %s", interfaces.ErrNotFound, deviceID)
	}
	if err != nil {
		return fmt.Errorf("%w: reading gateway: %v", interfaces.ErrInternal, err)
	}
	return nil
}

func scanProject(row rowScanner, what string) (*interfaces.Project, error) {
	var p interfaces.Project
	var identity sql.NullString
	var created, updated string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &identity, &p.Version, &created, &updated)
	if err != nil {
		return nil, scanError(err, what)
	}
	if p.Identity, err = decodeBundle(identity); err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
	return &p, nil
}

func scanModel(row rowScanner, what string) (*interfaces.Model, error) {
	var m interfaces.Model
	var kind, scope int
	var protocols, storage, ml, created, updated string
	var identity sql.NullString
	err := row.Scan(&m.ID, &m.ProjectID, &m.Name, &m.Description, &m.DisplayName, &m.Revision,
		&m.HardwareVersion, &kind, &scope, &protocols, &storage, &ml, &identity, &m.Version, &created, &updated)
	if err != nil {
		return nil, scanError(err, what)
	}
	m.Kind = interfaces.ModelKind(kind)
	m.Scope = interfaces.IdentityScope(scope)
	m.Protocols, _ = interfaces.ParseTagSet(protocols, nil)
	m.Storage, _ = interfaces.ParseTagSet(storage, nil)
	m.ML, _ = interfaces.ParseTagSet(ml, nil)
	if m.Identity, err = decodeBundle(identity); err != nil {
		return nil, err
	}
	m.CreatedAt, m.UpdatedAt = parseTime(created), parseTime(updated)
	return &m, nil
}

func scanDevice(row rowScanner, what string) (*interfaces.Device, error) {
	var d interfaces.Device
	var gateway, identity sql.NullString
	var created, updated string
	err := row.Scan(&d.ID, &d.ProjectID, &d.ModelID, &d.Serial, &d.Name, &d.Description, &gateway,
		&identity, &d.Version, &created, &updated)
	if err != nil {
		return nil, scanError(err, what)
	}
	d.GatewayID = gateway.String
	if d.Identity, err = decodeBundle(identity); err != nil {
		return nil, err
	}
	d.CreatedAt, d.UpdatedAt = parseTime(created), parseTime(updated)
	return &d, nil
}

func scanError(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, what)
	}
	return fmt.Errorf("%w: scanning %s: %v", interfaces.ErrInternal, what, err)
}

func rowsErr(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterating rows: %v", interfaces.ErrInternal, err)
	}
	return nil
}

// encodeBundle stores empty bundles as NULL so "slot empty" is visible in SQL.
func encodeBundle(b interfaces.IdentityBundle) (sql.NullString, error) {
	if b.IsEmpty() {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("%w: encoding identity: %v", interfaces.ErrInternal, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeBundle(ns sql.NullString) (interfaces.IdentityBundle, error) {
	var b interfaces.IdentityBundle
	if !ns.Valid || ns.String == "" {
		return b, nil
	}
	if err := json.Unmarshal([]byte(ns.String), &b); err != nil {
		return b, fmt.Errorf("%w: decoding identity: %v", interfaces.ErrInternal, err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
