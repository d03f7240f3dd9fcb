// Package db provides repository operations for the sync engine's models.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/models"
)

// Repository provides persistence operations for all sync models.
// Read queries go through a prepared statement cache; writes that must be
// atomic run inside a caller-provided transaction via WithTx.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate.
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error. Used to keep version assignment and conflict resolution atomic.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// =====================================================
// ChangeRecord operations
// =====================================================

const changeColumns = `id, table_name, record_id, operation, change_data, device_id, version, timestamp, hash, is_synced`

func scanChange(scanner interface{ Scan(...interface{}) error }) (*models.ChangeRecord, error) {
	var rec models.ChangeRecord
	var payload string
	err := scanner.Scan(
		&rec.SequenceID, &rec.TableName, &rec.RecordID, &rec.Operation, &payload,
		&rec.DeviceID, &rec.Version, &rec.Timestamp, &rec.Hash, &rec.Synced,
	)
	if err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// NextVersion returns max(version)+1 for the device, inside tx so that
// concurrent writers on the same device can never be assigned equal versions.
func (r *Repository) NextVersion(tx *sql.Tx, deviceID string) (int64, error) {
	var next int64
	err := tx.QueryRow(
		"SELECT COALESCE(MAX(version), 0) + 1 FROM change_log WHERE device_id = ?",
		deviceID,
	).Scan(&next)
	return next, err
}

// InsertChange appends a locally-originated change record. The record's
// SequenceID is filled in from the inserted row.
func (r *Repository) InsertChange(tx *sql.Tx, rec *models.ChangeRecord) error {
	query := `
	INSERT INTO change_log (table_name, record_id, operation, change_data, device_id, version, timestamp, hash, is_synced)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.Exec(query, rec.TableName, rec.RecordID, string(rec.Operation),
		string(rec.Payload), rec.DeviceID, rec.Version, rec.Timestamp, rec.Hash, rec.Synced)
	if err != nil {
		return err
	}
	rec.SequenceID, err = result.LastInsertId()
	return err
}

// InsertRemoteChange stores a change received from a peer, preserving its
// origin device, version, timestamp and hash. The record is stored as
// already synced. Duplicate (device_id, version) pairs are ignored, making
// re-delivery idempotent; the return value reports whether a row was added.
// Any other constraint violation is returned as an error rather than
// swallowed.
func (r *Repository) InsertRemoteChange(tx *sql.Tx, rec *models.ChangeRecord) (bool, error) {
	query := `
	INSERT INTO change_log (table_name, record_id, operation, change_data, device_id, version, timestamp, hash, is_synced)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
	ON CONFLICT (device_id, version) DO NOTHING
	`
	result, err := tx.Exec(query, rec.TableName, rec.RecordID, string(rec.Operation),
		string(rec.Payload), rec.DeviceID, rec.Version, rec.Timestamp, rec.Hash)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// HasChange reports whether a change from the given device at the given
// version is already held locally.
func (r *Repository) HasChange(deviceID string, version int64) (bool, error) {
	stmt, err := r.PrepareStmt("SELECT COUNT(*) FROM change_log WHERE device_id = ? AND version = ?")
	if err != nil {
		return false, err
	}
	var count int
	if err := stmt.QueryRow(deviceID, version).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListUnsynced returns all unsynced records for a device in version order.
func (r *Repository) ListUnsynced(deviceID string) ([]*models.ChangeRecord, error) {
	stmt, err := r.PrepareStmt(
		"SELECT " + changeColumns + " FROM change_log WHERE device_id = ? AND is_synced = 0 ORDER BY version")
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UnsyncedForRecord returns the latest unsynced local change for a
// (table, record) pair, or nil when there is none.
func (r *Repository) UnsyncedForRecord(deviceID, tableName, recordID string) (*models.ChangeRecord, error) {
	stmt, err := r.PrepareStmt(
		"SELECT " + changeColumns + ` FROM change_log
		 WHERE device_id = ? AND table_name = ? AND record_id = ? AND is_synced = 0
		 ORDER BY version DESC LIMIT 1`)
	if err != nil {
		return nil, err
	}

	rec, err := scanChange(stmt.QueryRow(deviceID, tableName, recordID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkSynced flips is_synced for the given sequence ids. Re-marking an
// already-synced record is a no-op.
func (r *Repository) MarkSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := "UPDATE change_log SET is_synced = 1 WHERE id IN (" + strings.Join(placeholders, ", ") + ")"
	_, err := r.db.Exec(query, args...)
	return err
}

// ListChangesSince returns changes not originated by excludeDeviceID with a
// version greater than sinceVersion, in version order. This is the pull
// query: a device never receives its own changes back.
func (r *Repository) ListChangesSince(excludeDeviceID string, sinceVersion int64) ([]*models.ChangeRecord, error) {
	stmt, err := r.PrepareStmt(
		"SELECT " + changeColumns + ` FROM change_log
		 WHERE device_id != ? AND version > ?
		 ORDER BY version, device_id`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(excludeDeviceID, sinceVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ChangeRecord
	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MaxSyncedPeerVersion returns the highest version among synced records not
// originated by the local device. Used as the pull cursor.
func (r *Repository) MaxSyncedPeerVersion(localDeviceID string) (int64, error) {
	stmt, err := r.PrepareStmt(
		"SELECT COALESCE(MAX(version), 0) FROM change_log WHERE device_id != ? AND is_synced = 1")
	if err != nil {
		return 0, err
	}
	var max int64
	err = stmt.QueryRow(localDeviceID).Scan(&max)
	return max, err
}

// CountChanges returns total and unsynced change counts for the device.
func (r *Repository) CountChanges(deviceID string) (total, unsynced int64, err error) {
	err = r.db.QueryRow("SELECT COUNT(*) FROM change_log").Scan(&total)
	if err != nil {
		return 0, 0, err
	}
	err = r.db.QueryRow(
		"SELECT COUNT(*) FROM change_log WHERE device_id = ? AND is_synced = 0",
		deviceID,
	).Scan(&unsynced)
	return total, unsynced, err
}

// =====================================================
// Device operations
// =====================================================

const deviceColumns = `device_id, display_name, public_key, network_address, is_authorized, last_sync_at, registered_at`

func scanDevice(scanner interface{ Scan(...interface{}) error }) (*models.Device, error) {
	var d models.Device
	var addr sql.NullString
	var lastSync sql.NullInt64
	err := scanner.Scan(&d.DeviceID, &d.DisplayName, &d.PublicKey, &addr,
		&d.Authorized, &lastSync, &d.RegisteredAt)
	if err != nil {
		return nil, err
	}
	if addr.Valid {
		d.NetworkAddress = addr.String
	}
	if lastSync.Valid {
		d.LastSyncAt = lastSync.Int64
	}
	return &d, nil
}

// CreateDevice inserts a new device row.
func (r *Repository) CreateDevice(d *models.Device) error {
	query := `
	INSERT INTO sync_devices (device_id, display_name, public_key, network_address, is_authorized, last_sync_at, registered_at)
	VALUES (?, ?, ?, ?, ?, NULL, ?)
	`
	var addr interface{}
	if d.NetworkAddress != "" {
		addr = d.NetworkAddress
	}
	_, err := r.db.Exec(query, d.DeviceID, d.DisplayName, d.PublicKey, addr,
		d.Authorized, d.RegisteredAt)
	return err
}

// GetDevice retrieves a device by its stable id. Returns sql.ErrNoRows when
// the device is unknown.
func (r *Repository) GetDevice(deviceID string) (*models.Device, error) {
	stmt, err := r.PrepareStmt("SELECT " + deviceColumns + " FROM sync_devices WHERE device_id = ?")
	if err != nil {
		return nil, err
	}
	return scanDevice(stmt.QueryRow(deviceID))
}

// ListDevices returns devices, optionally restricted to authorized ones.
func (r *Repository) ListDevices(authorizedOnly bool) ([]*models.Device, error) {
	query := "SELECT " + deviceColumns + " FROM sync_devices"
	if authorizedOnly {
		query += " WHERE is_authorized = 1"
	}
	query += " ORDER BY registered_at"

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SetDeviceAuthorized flips the authorization flag. Returns the number of
// rows updated so callers can distinguish unknown devices.
func (r *Repository) SetDeviceAuthorized(deviceID string, authorized bool) (int64, error) {
	result, err := r.db.Exec(
		"UPDATE sync_devices SET is_authorized = ? WHERE device_id = ?",
		authorized, deviceID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TouchDeviceLastSync records the time of the latest successful sync.
func (r *Repository) TouchDeviceLastSync(deviceID string) error {
	_, err := r.db.Exec(
		"UPDATE sync_devices SET last_sync_at = ? WHERE device_id = ?",
		time.Now().Unix(), deviceID,
	)
	return err
}

// CountDevices returns the number of registered devices.
func (r *Repository) CountDevices() (int64, error) {
	var count int64
	err := r.db.QueryRow("SELECT COUNT(*) FROM sync_devices").Scan(&count)
	return count, err
}

// =====================================================
// Conflict operations
// =====================================================

const conflictColumns = `id, table_name, record_id, local_data, remote_data, local_version, remote_version,
	local_device_id, remote_device_id, local_timestamp, remote_timestamp, status, resolution, created_at, resolved_at`

func scanConflict(scanner interface{ Scan(...interface{}) error }) (*models.Conflict, error) {
	var c models.Conflict
	var localData, remoteData string
	var resolution sql.NullString
	var resolvedAt sql.NullInt64
	err := scanner.Scan(
		&c.ID, &c.TableName, &c.RecordID, &localData, &remoteData,
		&c.LocalVersion, &c.RemoteVersion, &c.LocalDeviceID, &c.RemoteDeviceID,
		&c.LocalTimestamp, &c.RemoteTimestamp, &c.Status, &resolution,
		&c.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	c.LocalPayload = json.RawMessage(localData)
	c.RemotePayload = json.RawMessage(remoteData)
	if resolution.Valid {
		c.Resolution = json.RawMessage(resolution.String)
	}
	if resolvedAt.Valid {
		c.ResolvedAt = resolvedAt.Int64
	}
	return &c, nil
}

// InsertConflict stores a newly detected conflict inside tx.
func (r *Repository) InsertConflict(tx *sql.Tx, c *models.Conflict) error {
	query := `
	INSERT INTO sync_conflicts (id, table_name, record_id, local_data, remote_data,
		local_version, remote_version, local_device_id, remote_device_id,
		local_timestamp, remote_timestamp, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.Exec(query, c.ID, c.TableName, c.RecordID,
		string(c.LocalPayload), string(c.RemotePayload),
		c.LocalVersion, c.RemoteVersion, c.LocalDeviceID, c.RemoteDeviceID,
		c.LocalTimestamp, c.RemoteTimestamp, string(c.Status), c.CreatedAt)
	return err
}

// GetConflict retrieves a conflict by id. Returns sql.ErrNoRows when absent.
func (r *Repository) GetConflict(id string) (*models.Conflict, error) {
	stmt, err := r.PrepareStmt("SELECT " + conflictColumns + " FROM sync_conflicts WHERE id = ?")
	if err != nil {
		return nil, err
	}
	return scanConflict(stmt.QueryRow(id))
}

// ListConflicts returns conflicts with the given status in creation order.
func (r *Repository) ListConflicts(status models.ConflictStatus) ([]*models.Conflict, error) {
	stmt, err := r.PrepareStmt(
		"SELECT " + conflictColumns + " FROM sync_conflicts WHERE status = ? ORDER BY created_at")
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// CloseConflict transitions a pending conflict to a terminal status inside
// tx. The WHERE guard enforces the exactly-once transition: closing an
// already-closed conflict updates zero rows.
func (r *Repository) CloseConflict(tx *sql.Tx, id string, status models.ConflictStatus, resolution json.RawMessage) (int64, error) {
	var res interface{}
	if len(resolution) > 0 {
		res = string(resolution)
	}
	result, err := tx.Exec(`
	UPDATE sync_conflicts SET status = ?, resolution = ?, resolved_at = ?
	WHERE id = ? AND status = 'pending'`,
		string(status), res, time.Now().Unix(), id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountConflicts returns the number of conflicts with the given status.
func (r *Repository) CountConflicts(status models.ConflictStatus) (int64, error) {
	var count int64
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM sync_conflicts WHERE status = ?", string(status),
	).Scan(&count)
	return count, err
}

// =====================================================
// Tracked record operations
// =====================================================

// UpsertTrackedRecord overwrites the materialized payload for a record.
func (r *Repository) UpsertTrackedRecord(tx *sql.Tx, tableName, recordID string, payload json.RawMessage) error {
	query := `
	INSERT INTO tracked_records (table_name, record_id, payload, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (table_name, record_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`
	_, err := tx.Exec(query, tableName, recordID, string(payload), time.Now().Unix())
	return err
}

// DeleteTrackedRecord removes the materialized payload for a record.
func (r *Repository) DeleteTrackedRecord(tx *sql.Tx, tableName, recordID string) error {
	_, err := tx.Exec(
		"DELETE FROM tracked_records WHERE table_name = ? AND record_id = ?",
		tableName, recordID,
	)
	return err
}

// GetTrackedRecord returns the current materialized payload for a record.
// Returns sql.ErrNoRows when the record does not exist.
func (r *Repository) GetTrackedRecord(tableName, recordID string) (json.RawMessage, error) {
	stmt, err := r.PrepareStmt(
		"SELECT payload FROM tracked_records WHERE table_name = ? AND record_id = ?")
	if err != nil {
		return nil, err
	}
	var payload string
	if err := stmt.QueryRow(tableName, recordID).Scan(&payload); err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}
