package sync

import (
	"context"
	"database/sql"
	"fmt"
	gosync "sync"
	"time"

	"github.com/driftsync/driftsync/internal/changelog"
	"github.com/driftsync/driftsync/internal/conflicts"
	"github.com/driftsync/driftsync/internal/db"
	"github.com/driftsync/driftsync/internal/devices"
	"github.com/driftsync/driftsync/internal/errors"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/driftsync/driftsync/internal/models"
)

// applyOutcome classifies what happened to one incoming remote record.
type applyOutcome int

const (
	outcomeApplied applyOutcome = iota
	outcomeStale
	outcomeConflicted
)

// Coordinator drives reconciliation with peers and accepts incoming
// batches. Reconciliations for the same peer never overlap; a second
// attempt while one is in flight fails fast instead of queueing.
type Coordinator struct {
	repo      *db.Repository
	tracker   *changelog.Tracker
	registry  *devices.Registry
	conflicts *conflicts.Store
	transport Transport

	localDeviceID string

	mu       gosync.Mutex
	inFlight map[string]bool // keyed by peer URL
}

// NewCoordinator creates a Coordinator for the given local device.
func NewCoordinator(repo *db.Repository, tracker *changelog.Tracker, registry *devices.Registry, store *conflicts.Store, transport Transport, localDeviceID string) *Coordinator {
	return &Coordinator{
		repo:          repo,
		tracker:       tracker,
		registry:      registry,
		conflicts:     store,
		transport:     transport,
		localDeviceID: localDeviceID,
		inFlight:      make(map[string]bool),
	}
}

// Reconcile runs one push+pull exchange with the peer. Pushed records are
// marked synced only after the peer acknowledges them; a network failure
// leaves everything unsynced for the next attempt.
func (c *Coordinator) Reconcile(ctx context.Context, peerURL string) (*Session, error) {
	if !c.acquire(peerURL) {
		return nil, errors.Newf(errors.ErrConflict, "reconciliation with %s already in flight", peerURL)
	}
	defer c.release(peerURL)

	session := &Session{}

	// Push phase.
	unsynced, err := c.tracker.Unsynced(c.localDeviceID)
	if err != nil {
		return nil, err
	}
	if len(unsynced) > 0 {
		resp, err := c.transport.Push(ctx, peerURL, &PushRequest{
			DeviceID: c.localDeviceID,
			Changes:  unsynced,
		})
		if err != nil {
			return nil, err
		}
		if err := c.tracker.MarkSynced(resp.Accepted); err != nil {
			return nil, err
		}
		session.Pushed = len(resp.Accepted)
		for _, rej := range resp.Rejected {
			logging.Warn("peer rejected pushed change", map[string]interface{}{
				"peer":        peerURL,
				"sequence_id": rej.SequenceID,
				"reason":      rej.Reason,
			})
		}
	}

	// Pull phase.
	since, err := c.repo.MaxSyncedPeerVersion(c.localDeviceID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to read pull cursor", err)
	}
	resp, err := c.transport.Pull(ctx, peerURL, &PullRequest{
		DeviceID:     c.localDeviceID,
		SinceVersion: since,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, rec := range resp.Changes {
		// Cancellation is honored between records, never mid-apply.
		if err := ctx.Err(); err != nil {
			return session, errors.Wrap(errors.ErrNetwork, "reconciliation cancelled", err)
		}

		outcome, err := c.ApplyRemote(ctx, rec)
		if errors.Is(err, errors.ErrIntegrity) || errors.Is(err, errors.ErrInvalid) {
			// One tampered or malformed record never blocks the rest of the
			// batch.
			fields := map[string]interface{}{
				"peer":  peerURL,
				"error": err.Error(),
			}
			if rec != nil {
				fields["device_id"] = rec.DeviceID
				fields["version"] = rec.Version
			}
			logging.Warn("dropping record that failed validation", fields)
			continue
		}
		if err != nil {
			return session, err
		}

		switch outcome {
		case outcomeApplied:
			session.Pulled++
		case outcomeConflicted:
			session.Pulled++
			session.Conflicts++
		case outcomeStale:
			// Already held locally, nothing to do.
		}
		seen[rec.DeviceID] = true
	}

	for deviceID := range seen {
		c.registry.TouchLastSync(deviceID)
	}

	logging.Info("reconciliation complete", map[string]interface{}{
		"peer":      peerURL,
		"pushed":    session.Pushed,
		"pulled":    session.Pulled,
		"conflicts": session.Conflicts,
	})
	return session, nil
}

// ApplyRemote verifies and stores one peer-originated record. Verified
// records are kept under their origin device id and version so the same
// record converges to one row no matter how many times or via how many
// peers it is delivered. A record that collides with an unsynced local
// change to the same record is stored but not materialized; a pending
// conflict is opened instead.
func (c *Coordinator) ApplyRemote(ctx context.Context, rec *models.ChangeRecord) (applyOutcome, error) {
	if rec == nil || rec.TableName == "" || rec.RecordID == "" || rec.DeviceID == "" || rec.Version <= 0 {
		return outcomeStale, errors.New(errors.ErrInvalid, "malformed change record")
	}
	// The change log schema admits only the three known operations in
	// canonical form.
	if op, err := models.ParseOperation(string(rec.Operation)); err != nil || op != rec.Operation {
		return outcomeStale, errors.Newf(errors.ErrInvalid,
			"unknown operation %q from device %s", rec.Operation, rec.DeviceID)
	}
	if rec.DeviceID == c.localDeviceID {
		// Our own record echoed back.
		return outcomeStale, nil
	}
	if !changelog.Verify(rec) {
		return outcomeStale, errors.Newf(errors.ErrIntegrity,
			"integrity hash mismatch for %s/%s from device %s", rec.TableName, rec.RecordID, rec.DeviceID)
	}

	held, err := c.repo.HasChange(rec.DeviceID, rec.Version)
	if err != nil {
		return outcomeStale, errors.Wrap(errors.ErrStorage, "failed to check change history", err)
	}
	if held {
		return outcomeStale, nil
	}

	// A conflict exists only when we hold our own unsynced edit to the same
	// record. Anything already pushed is part of shared history, not
	// concurrent with the incoming change.
	local, err := c.repo.UnsyncedForRecord(c.localDeviceID, rec.TableName, rec.RecordID)
	if err != nil {
		return outcomeStale, errors.Wrap(errors.ErrStorage, "failed to check for concurrent edits", err)
	}

	if local != nil && local.Hash != rec.Hash {
		conflict := conflicts.NewFromChanges(local, rec)
		err := c.repo.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := c.repo.InsertRemoteChange(tx, rec); err != nil {
				return err
			}
			return c.conflicts.Open(tx, conflict)
		})
		if err != nil {
			return outcomeStale, errors.Wrap(errors.ErrStorage, "failed to store conflict", err)
		}
		logging.Info("conflict detected", map[string]interface{}{
			"conflict_id":    string(conflict.ID),
			"table_name":     rec.TableName,
			"record_id":      rec.RecordID,
			"local_version":  local.Version,
			"remote_version": rec.Version,
		})
		return outcomeConflicted, nil
	}

	err = c.repo.WithTx(ctx, func(tx *sql.Tx) error {
		inserted, err := c.repo.InsertRemoteChange(tx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		if rec.Operation == models.OpDelete {
			return c.repo.DeleteTrackedRecord(tx, rec.TableName, rec.RecordID)
		}
		return c.repo.UpsertTrackedRecord(tx, rec.TableName, rec.RecordID, rec.Payload)
	})
	if err != nil {
		return outcomeStale, errors.Wrap(errors.ErrStorage, "failed to apply remote change", err)
	}
	return outcomeApplied, nil
}

// HandlePush is the receiving side of /sync/push: it authorizes the sender,
// then verifies and applies each record, reporting acceptance per record.
func (c *Coordinator) HandlePush(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	if req == nil || req.DeviceID == "" {
		return nil, errors.New(errors.ErrInvalid, "device_id is required")
	}

	authorized, err := c.registry.IsAuthorized(req.DeviceID)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, errors.Newf(errors.ErrAuthentication, "device %s is not authorized", req.DeviceID)
	}

	resp := &PushResponse{Accepted: []int64{}, Rejected: []RejectedChange{}}
	for _, rec := range req.Changes {
		if rec.DeviceID != req.DeviceID {
			resp.Rejected = append(resp.Rejected, RejectedChange{
				SequenceID: rec.SequenceID,
				Reason:     fmt.Sprintf("record device %s does not match sender %s", rec.DeviceID, req.DeviceID),
			})
			continue
		}

		if _, err := c.ApplyRemote(ctx, rec); err != nil {
			if errors.Is(err, errors.ErrIntegrity) || errors.Is(err, errors.ErrInvalid) {
				resp.Rejected = append(resp.Rejected, RejectedChange{
					SequenceID: rec.SequenceID,
					Reason:     err.Error(),
				})
				continue
			}
			return nil, err
		}
		// Stale duplicates and conflicted records are both acknowledged:
		// the sender's copy is safe to mark synced either way.
		resp.Accepted = append(resp.Accepted, rec.SequenceID)
	}

	c.registry.TouchLastSync(req.DeviceID)
	return resp, nil
}

// HandlePull is the receiving side of /sync/pull: it returns every change
// not originated by the caller with version newer than since_version, plus
// pending conflicts that involve the caller's changes.
func (c *Coordinator) HandlePull(ctx context.Context, req *PullRequest) (*PullResponse, error) {
	if req == nil || req.DeviceID == "" {
		return nil, errors.New(errors.ErrInvalid, "device_id is required")
	}

	authorized, err := c.registry.IsAuthorized(req.DeviceID)
	if err != nil {
		return nil, err
	}
	if !authorized {
		return nil, errors.Newf(errors.ErrAuthentication, "device %s is not authorized", req.DeviceID)
	}

	changes, err := c.repo.ListChangesSince(req.DeviceID, req.SinceVersion)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list changes", err)
	}

	pending, err := c.conflicts.Pending()
	if err != nil {
		return nil, err
	}
	involved := make([]*models.Conflict, 0)
	for _, conflict := range pending {
		if conflict.RemoteDeviceID == req.DeviceID || conflict.LocalDeviceID == req.DeviceID {
			involved = append(involved, conflict)
		}
	}

	c.registry.TouchLastSync(req.DeviceID)
	return &PullResponse{Changes: changes, Conflicts: involved}, nil
}

// Status reports the local sync state.
func (c *Coordinator) Status() (*Status, error) {
	total, unsynced, err := c.repo.CountChanges(c.localDeviceID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to count changes", err)
	}
	pending, err := c.repo.CountConflicts(models.ConflictPending)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to count conflicts", err)
	}
	deviceCount, err := c.repo.CountDevices()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to count devices", err)
	}
	return &Status{
		DeviceID:         c.localDeviceID,
		TotalChanges:     total,
		UnsyncedChanges:  unsynced,
		PendingConflicts: pending,
		KnownDevices:     deviceCount,
	}, nil
}

// EnableAutoSync reconciles with the peer on a fixed period until ctx is
// cancelled. A failed run is logged and the next tick proceeds; a tick
// that fires while the previous run is still in flight is skipped.
func (c *Coordinator) EnableAutoSync(ctx context.Context, peerURL string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				session, err := c.Reconcile(ctx, peerURL)
				if err != nil {
					if errors.Is(err, errors.ErrConflict) {
						logging.Debug("auto-sync tick skipped, previous run in flight", map[string]interface{}{
							"peer": peerURL,
						})
						continue
					}
					logging.Error("auto-sync run failed", err, map[string]interface{}{
						"peer": peerURL,
					})
					continue
				}
				if session.Pushed > 0 || session.Pulled > 0 || session.Conflicts > 0 {
					logging.Info("auto-sync run complete", map[string]interface{}{
						"peer":      peerURL,
						"pushed":    session.Pushed,
						"pulled":    session.Pulled,
						"conflicts": session.Conflicts,
					})
				}
			}
		}
	}()
}

func (c *Coordinator) acquire(peerURL string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[peerURL] {
		return false
	}
	c.inFlight[peerURL] = true
	return true
}

func (c *Coordinator) release(peerURL string) {
	c.mu.Lock()
	delete(c.inFlight, peerURL)
	c.mu.Unlock()
}
