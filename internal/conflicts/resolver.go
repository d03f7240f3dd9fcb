package conflicts

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/driftsync/driftsync/internal/changelog"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/db"
	"github.com/driftsync/driftsync/internal/errors"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/driftsync/driftsync/internal/models"
)

// resolverRepo is the storage surface resolution needs: conflict rows plus
// the materialized record state, mutated in one transaction.
type resolverRepo interface {
	db.ConflictRepository
	db.TrackedRecordRepository
}

// Resolver applies a resolution policy to a pending conflict. Resolution is
// atomic: the winning payload is materialized, a new local change record is
// appended so the outcome propagates to peers, and the conflict row is
// closed, all in a single transaction. The pending→resolved transition is
// guarded in SQL, so two racing resolutions cannot both succeed.
type Resolver struct {
	repo    resolverRepo
	store   *Store
	tracker *changelog.Tracker

	localDeviceID string
	defaultPolicy config.Policy
}

// NewResolver creates a Resolver writing outcomes as localDeviceID.
func NewResolver(repo resolverRepo, store *Store, tracker *changelog.Tracker, localDeviceID string, defaultPolicy config.Policy) *Resolver {
	return &Resolver{
		repo:          repo,
		store:         store,
		tracker:       tracker,
		localDeviceID: localDeviceID,
		defaultPolicy: defaultPolicy,
	}
}

// Resolve applies a policy to a pending conflict. An empty policy falls
// back to the configured default. The manual policy cannot be applied here;
// it means conflicts wait for an explicit ResolveManual call.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, policy config.Policy) (*models.Resolution, error) {
	if policy == "" {
		policy = r.defaultPolicy
	}

	c, err := r.store.Get(conflictID)
	if err != nil {
		return nil, err
	}
	if c.Terminal() {
		return nil, errors.Newf(errors.ErrConflict, "conflict %s is already %s", conflictID, c.Status)
	}

	var winner models.Side
	switch policy {
	case config.PolicyLocalWins:
		winner = models.SideLocal
	case config.PolicyRemoteWins:
		winner = models.SideRemote
	case config.PolicyLatestTimestampWins:
		// Ties keep the local change.
		if c.RemoteTimestamp > c.LocalTimestamp {
			winner = models.SideRemote
		} else {
			winner = models.SideLocal
		}
	case config.PolicyManual:
		return nil, errors.New(errors.ErrInvalid, "manual policy requires an explicit winner, use ResolveManual")
	default:
		return nil, errors.Newf(errors.ErrInvalid, "unknown resolution policy: %q", policy)
	}

	return r.apply(ctx, c, winner, string(policy))
}

// ResolveManual closes a pending conflict with an explicitly chosen winner.
func (r *Resolver) ResolveManual(ctx context.Context, conflictID string, winner models.Side) (*models.Resolution, error) {
	if winner != models.SideLocal && winner != models.SideRemote {
		return nil, errors.Newf(errors.ErrInvalid, "winner must be %q or %q", models.SideLocal, models.SideRemote)
	}

	c, err := r.store.Get(conflictID)
	if err != nil {
		return nil, err
	}
	if c.Terminal() {
		return nil, errors.Newf(errors.ErrConflict, "conflict %s is already %s", conflictID, c.Status)
	}

	return r.apply(ctx, c, winner, "manual")
}

// Ignore closes a pending conflict without materializing either side and
// without appending an outcome record. The local state stays as it is.
func (r *Resolver) Ignore(ctx context.Context, conflictID string) error {
	c, err := r.store.Get(conflictID)
	if err != nil {
		return err
	}
	if c.Terminal() {
		return errors.Newf(errors.ErrConflict, "conflict %s is already %s", conflictID, c.Status)
	}

	err = r.repo.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := r.repo.CloseConflict(tx, string(c.ID), models.ConflictIgnored, nil)
		if err != nil {
			return err
		}
		if rows == 0 {
			return errors.Newf(errors.ErrConflict, "conflict %s was closed concurrently", conflictID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return err
		}
		return errors.Wrap(errors.ErrStorage, "failed to ignore conflict", err)
	}

	logging.Info("conflict ignored", map[string]interface{}{
		"conflict_id": string(c.ID),
		"table_name":  c.TableName,
		"record_id":   c.RecordID,
	})
	return nil
}

// apply materializes the winning side, appends the outcome to the change
// log under the local device id, and closes the conflict row.
func (r *Resolver) apply(ctx context.Context, c *models.Conflict, winner models.Side, reason string) (*models.Resolution, error) {
	payload := c.LocalPayload
	if winner == models.SideRemote {
		payload = c.RemotePayload
	}

	op := models.OpUpdate
	if len(payload) == 0 || string(payload) == "null" {
		op = models.OpDelete
	}

	resolution := &models.Resolution{
		Winner:     winner,
		Reason:     reason,
		ResolvedAt: time.Now().UTC().Format(time.RFC3339),
	}
	encoded, err := json.Marshal(resolution)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to encode resolution", err)
	}

	// The outcome record needs the next local version, so resolution runs
	// inside the device's version-assignment critical section.
	unlock := r.tracker.LockDevice(r.localDeviceID)
	defer unlock()

	err = r.repo.WithTx(ctx, func(tx *sql.Tx) error {
		if op == models.OpDelete {
			if err := r.repo.DeleteTrackedRecord(tx, c.TableName, c.RecordID); err != nil {
				return err
			}
		} else {
			if err := r.repo.UpsertTrackedRecord(tx, c.TableName, c.RecordID, payload); err != nil {
				return err
			}
		}

		if _, err := r.tracker.AppendTx(tx, c.TableName, c.RecordID, op, payload, r.localDeviceID); err != nil {
			return err
		}

		rows, err := r.repo.CloseConflict(tx, string(c.ID), models.ConflictResolved, encoded)
		if err != nil {
			return err
		}
		if rows == 0 {
			return errors.Newf(errors.ErrConflict, "conflict %s was closed concurrently", c.ID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrStorage, "failed to resolve conflict", err)
	}

	logging.Info("conflict resolved", map[string]interface{}{
		"conflict_id": string(c.ID),
		"table_name":  c.TableName,
		"record_id":   c.RecordID,
		"winner":      string(winner),
		"reason":      reason,
	})
	return resolution, nil
}
