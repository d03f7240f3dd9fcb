// Package models provides data model definitions for the driftsync core.
package models

import (
	"encoding/json"
	"time"
)

// ConflictStatus is the lifecycle state of a detected conflict.
// Transitions are Pending → Resolved or Pending → Ignored, exactly once.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictIgnored  ConflictStatus = "ignored"
)

// Side names which change wins a conflict resolution.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Resolution records which side won a conflict and why.
type Resolution struct {
	Winner     Side   `json:"winner"`
	Reason     string `json:"reason"`
	ResolvedAt string `json:"resolved_at"`
}

// Conflict records two causally-concurrent edits to the same record,
// detected during reconciliation and held for resolution.
type Conflict struct {
	ID              UUID            `db:"id" json:"conflict_id"`
	TableName       string          `db:"table_name" json:"table_name"`
	RecordID        string          `db:"record_id" json:"record_id"`
	LocalPayload    json.RawMessage `db:"local_data" json:"local_payload"`
	RemotePayload   json.RawMessage `db:"remote_data" json:"remote_payload"`
	LocalVersion    int64           `db:"local_version" json:"local_version"`
	RemoteVersion   int64           `db:"remote_version" json:"remote_version"`
	LocalDeviceID   string          `db:"local_device_id" json:"local_device_id"`
	RemoteDeviceID  string          `db:"remote_device_id" json:"remote_device_id"`
	LocalTimestamp  int64           `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64           `db:"remote_timestamp" json:"remote_timestamp"`
	Status          ConflictStatus  `db:"status" json:"status"`
	Resolution      json.RawMessage `db:"resolution" json:"resolution,omitempty"`
	CreatedAt       int64           `db:"created_at" json:"created_at"`
	ResolvedAt      int64           `db:"resolved_at" json:"resolved_at,omitempty"` // 0 = open
}

// CreatedTime returns CreatedAt as time.Time.
func (c *Conflict) CreatedTime() time.Time {
	return time.Unix(c.CreatedAt, 0).UTC()
}

// ParsedResolution decodes the stored resolution, or nil if unresolved.
func (c *Conflict) ParsedResolution() (*Resolution, error) {
	if len(c.Resolution) == 0 {
		return nil, nil
	}
	var r Resolution
	if err := json.Unmarshal(c.Resolution, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Terminal reports whether the conflict has reached a final state.
func (c *Conflict) Terminal() bool {
	return c.Status == ConflictResolved || c.Status == ConflictIgnored
}
