// Package models provides data model definitions for the driftsync core.
package models

import "time"

// Device is one synchronizing participant, identified by a stable id and
// public key. A device registers unauthorized and must be explicitly
// authorized before any sync traffic is accepted from it.
type Device struct {
	DeviceID       string `db:"device_id" json:"device_id"`
	DisplayName    string `db:"display_name" json:"display_name"`
	PublicKey      string `db:"public_key" json:"public_key"`
	NetworkAddress string `db:"network_address" json:"network_address,omitempty"`
	Authorized     bool   `db:"is_authorized" json:"is_authorized"`
	LastSyncAt     int64  `db:"last_sync_at" json:"last_sync_at,omitempty"` // 0 = never synced
	RegisteredAt   int64  `db:"registered_at" json:"registered_at"`
}

// LastSyncTime returns LastSyncAt as time.Time, or nil if the device
// has never completed a sync.
func (d *Device) LastSyncTime() *time.Time {
	if d.LastSyncAt == 0 {
		return nil
	}
	t := time.Unix(d.LastSyncAt, 0).UTC()
	return &t
}

// RegisteredTime returns RegisteredAt as time.Time.
func (d *Device) RegisteredTime() time.Time {
	return time.Unix(d.RegisteredAt, 0).UTC()
}
