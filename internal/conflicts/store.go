// Package conflicts stores concurrent-edit conflicts and resolves them
// under the configured policy.
package conflicts

import (
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/driftsync/driftsync/internal/db"
	"github.com/driftsync/driftsync/internal/errors"
	"github.com/driftsync/driftsync/internal/models"
	"github.com/driftsync/driftsync/internal/uuid"
)

// Store persists detected conflicts. Both sides' payloads are copied into
// the conflict row, so a conflicted remote change can be rejected from the
// change log without losing its data.
type Store struct {
	repo db.ConflictRepository
}

// NewStore creates a Store over the given repository.
func NewStore(repo db.ConflictRepository) *Store {
	return &Store{repo: repo}
}

// NewFromChanges builds a pending conflict from a local and a remote change
// to the same record.
func NewFromChanges(local, remote *models.ChangeRecord) *models.Conflict {
	return &models.Conflict{
		ID:              models.UUID(uuid.New()),
		TableName:       local.TableName,
		RecordID:        local.RecordID,
		LocalPayload:    local.Payload,
		RemotePayload:   remote.Payload,
		LocalVersion:    local.Version,
		RemoteVersion:   remote.Version,
		LocalDeviceID:   local.DeviceID,
		RemoteDeviceID:  remote.DeviceID,
		LocalTimestamp:  local.Timestamp,
		RemoteTimestamp: remote.Timestamp,
		Status:          models.ConflictPending,
		CreatedAt:       time.Now().UTC().Unix(),
	}
}

// Open inserts a pending conflict inside the caller's transaction.
func (s *Store) Open(tx *sql.Tx, c *models.Conflict) error {
	if err := s.repo.InsertConflict(tx, c); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to store conflict", err)
	}
	return nil
}

// Get returns a conflict by id.
func (s *Store) Get(id string) (*models.Conflict, error) {
	c, err := s.repo.GetConflict(id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.ErrNotFound, "conflict %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to load conflict", err)
	}
	return c, nil
}

// List returns conflicts with the given status in creation order.
func (s *Store) List(status models.ConflictStatus) ([]*models.Conflict, error) {
	list, err := s.repo.ListConflicts(status)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list conflicts", err)
	}
	return list, nil
}

// Pending returns all conflicts still awaiting resolution.
func (s *Store) Pending() ([]*models.Conflict, error) {
	return s.List(models.ConflictPending)
}
