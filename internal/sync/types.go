// Package sync orchestrates the push/pull protocol between the local
// device and remote peers.
package sync

import (
	"github.com/driftsync/driftsync/internal/models"
)

// PushRequest carries a batch of unsynced changes to a peer.
type PushRequest struct {
	DeviceID string                 `json:"device_id"`
	Changes  []*models.ChangeRecord `json:"changes"`
}

// RejectedChange names one record a peer refused, and why.
type RejectedChange struct {
	SequenceID int64  `json:"sequence_id"`
	Reason     string `json:"reason"`
}

// PushResponse acknowledges a push batch record by record.
type PushResponse struct {
	Accepted []int64          `json:"accepted"`
	Rejected []RejectedChange `json:"rejected"`
}

// PullRequest asks a peer for everything newer than SinceVersion.
type PullRequest struct {
	DeviceID     string `json:"device_id"`
	SinceVersion int64  `json:"since_version"`
}

// PullResponse returns a peer's changes plus any pending conflicts that
// involve the caller.
type PullResponse struct {
	Changes   []*models.ChangeRecord `json:"changes"`
	Conflicts []*models.Conflict     `json:"conflicts"`
}

// Session is the outcome of one reconciliation. It is returned to the
// caller and logged, never persisted.
type Session struct {
	Pushed    int `json:"pushed"`
	Pulled    int `json:"pulled"`
	Conflicts int `json:"conflicts"`
}

// Status summarizes the local sync state for operators.
type Status struct {
	DeviceID         string `json:"device_id"`
	TotalChanges     int64  `json:"total_changes"`
	UnsyncedChanges  int64  `json:"unsynced_changes"`
	PendingConflicts int64  `json:"pending_conflicts"`
	KnownDevices     int64  `json:"known_devices"`
}
