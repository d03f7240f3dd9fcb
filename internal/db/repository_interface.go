// Package db provides repository interfaces for the sync engine's models.
package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/driftsync/driftsync/internal/models"
)

// Tx runs a function inside a storage transaction.
type Tx interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// ChangeLogRepository defines persistence operations for change records.
type ChangeLogRepository interface {
	Tx

	// NextVersion returns max(version)+1 for the device inside tx.
	NextVersion(tx *sql.Tx, deviceID string) (int64, error)

	// InsertChange appends a locally-originated change record.
	InsertChange(tx *sql.Tx, rec *models.ChangeRecord) error

	// InsertRemoteChange stores a peer-originated record as already synced.
	InsertRemoteChange(tx *sql.Tx, rec *models.ChangeRecord) (bool, error)

	// HasChange reports whether a (device, version) pair is held locally.
	HasChange(deviceID string, version int64) (bool, error)

	// ListUnsynced returns unsynced records for a device in version order.
	ListUnsynced(deviceID string) ([]*models.ChangeRecord, error)

	// UnsyncedForRecord returns the latest unsynced local change for a
	// (table, record) pair, or nil.
	UnsyncedForRecord(deviceID, tableName, recordID string) (*models.ChangeRecord, error)

	// MarkSynced idempotently flips is_synced for the given sequence ids.
	MarkSynced(ids []int64) error

	// ListChangesSince returns foreign changes newer than sinceVersion.
	ListChangesSince(excludeDeviceID string, sinceVersion int64) ([]*models.ChangeRecord, error)

	// MaxSyncedPeerVersion returns the local pull cursor.
	MaxSyncedPeerVersion(localDeviceID string) (int64, error)
}

// DeviceRepository defines persistence operations for devices.
type DeviceRepository interface {
	CreateDevice(d *models.Device) error
	GetDevice(deviceID string) (*models.Device, error)
	ListDevices(authorizedOnly bool) ([]*models.Device, error)
	SetDeviceAuthorized(deviceID string, authorized bool) (int64, error)
	TouchDeviceLastSync(deviceID string) error
}

// ConflictRepository defines persistence operations for conflicts.
type ConflictRepository interface {
	Tx

	InsertConflict(tx *sql.Tx, c *models.Conflict) error
	GetConflict(id string) (*models.Conflict, error)
	ListConflicts(status models.ConflictStatus) ([]*models.Conflict, error)
	CloseConflict(tx *sql.Tx, id string, status models.ConflictStatus, resolution json.RawMessage) (int64, error)
}

// TrackedRecordRepository defines operations on the materialized record state.
type TrackedRecordRepository interface {
	UpsertTrackedRecord(tx *sql.Tx, tableName, recordID string, payload json.RawMessage) error
	DeleteTrackedRecord(tx *sql.Tx, tableName, recordID string) error
	GetTrackedRecord(tableName, recordID string) (json.RawMessage, error)
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ ChangeLogRepository     = (*Repository)(nil)
	_ DeviceRepository        = (*Repository)(nil)
	_ ConflictRepository      = (*Repository)(nil)
	_ TrackedRecordRepository = (*Repository)(nil)
)
