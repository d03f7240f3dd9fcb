// Package changelog maintains the append-only, per-device-versioned ledger
// of tracked mutations.
package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/db"
	"github.com/driftsync/driftsync/internal/errors"
	"github.com/driftsync/driftsync/internal/models"
)

// Tracker records every insert/update/delete applied to tracked tables.
// Version assignment for a given device is serialized: a per-device mutex
// plus the read-then-increment running inside a single transaction guarantee
// strictly increasing, gap-free versions under concurrent writers.
type Tracker struct {
	repo db.ChangeLogRepository

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per device_id
}

// NewTracker creates a Tracker over the given repository.
func NewTracker(repo db.ChangeLogRepository) *Tracker {
	return &Tracker{
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
	}
}

// LockDevice acquires the version-assignment lock for a device and returns
// the unlock function. Exposed so conflict resolution can mint its outcome
// record in the same critical section as its own transaction.
func (t *Tracker) LockDevice(deviceID string) func() {
	t.mu.Lock()
	lock, ok := t.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[deviceID] = lock
	}
	t.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Record appends a change for the given device: assigns the next version,
// computes the integrity hash, and persists the record with synced=false.
func (t *Tracker) Record(ctx context.Context, tableName, recordID string, op models.Operation, payload json.RawMessage, deviceID string) (*models.ChangeRecord, error) {
	if tableName == "" || recordID == "" || deviceID == "" {
		return nil, errors.New(errors.ErrInvalid, "table name, record id and device id are required")
	}
	if !op.Valid() {
		return nil, errors.Newf(errors.ErrInvalid, "unknown operation: %q", op)
	}

	unlock := t.LockDevice(deviceID)
	defer unlock()

	var rec *models.ChangeRecord
	err := t.repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = t.AppendTx(tx, tableName, recordID, op, payload, deviceID)
		return err
	})
	if err != nil {
		if errors.Is(err, errors.ErrInvalid) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrStorage, "failed to record change", err)
	}
	return rec, nil
}

// AppendTx assigns the next per-device version, hashes, and inserts the
// record inside the caller's transaction. Callers running outside Record
// must hold the device lock via LockDevice.
func (t *Tracker) AppendTx(tx *sql.Tx, tableName, recordID string, op models.Operation, payload json.RawMessage, deviceID string) (*models.ChangeRecord, error) {
	version, err := t.repo.NextVersion(tx, deviceID)
	if err != nil {
		return nil, err
	}

	hash, err := ComputeHash(tableName, recordID, op, payload, version, deviceID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to hash payload", err)
	}

	rec := &models.ChangeRecord{
		TableName: tableName,
		RecordID:  recordID,
		Operation: op,
		Payload:   payload,
		DeviceID:  deviceID,
		Version:   version,
		Timestamp: time.Now().UTC().Unix(),
		Hash:      hash,
		Synced:    false,
	}

	if err := t.repo.InsertChange(tx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Unsynced returns all records with synced=false for the device, in
// version order.
func (t *Tracker) Unsynced(deviceID string) ([]*models.ChangeRecord, error) {
	records, err := t.repo.ListUnsynced(deviceID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list unsynced changes", err)
	}
	return records, nil
}

// MarkSynced flips the synced flag for the given sequence ids. Marking an
// already-synced record again is a no-op, not an error.
func (t *Tracker) MarkSynced(ids []int64) error {
	if err := t.repo.MarkSynced(ids); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to mark changes synced", err)
	}
	return nil
}

// Verify recomputes the integrity hash for a record and compares it to the
// stored value. Mandatory for every record received from a peer before it
// is applied or conflict-checked.
func (t *Tracker) Verify(rec *models.ChangeRecord) bool {
	return Verify(rec)
}
