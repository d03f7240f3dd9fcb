// Package models provides data model definitions for the driftsync core.
package models

import (
	"encoding/json"
	"time"
)

// ChangeRecord is one durable, hashed log entry representing a single
// insert/update/delete against a tracked table. Records are immutable after
// creation except for the Synced flag, which transitions false→true exactly
// once after a peer acknowledges receipt.
type ChangeRecord struct {
	SequenceID int64           `db:"id" json:"sequence_id"`
	TableName  string          `db:"table_name" json:"table_name"`
	RecordID   string          `db:"record_id" json:"record_id"`
	Operation  Operation       `db:"operation" json:"operation"`
	Payload    json.RawMessage `db:"change_data" json:"payload"`
	DeviceID   string          `db:"device_id" json:"device_id"`
	Version    int64           `db:"version" json:"version"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"`
	Hash       string          `db:"hash" json:"hash"` // SHA-256 hex
	Synced     bool            `db:"is_synced" json:"is_synced"`
}

// Time returns the Timestamp as time.Time.
func (c *ChangeRecord) Time() time.Time {
	return time.Unix(c.Timestamp, 0).UTC()
}
