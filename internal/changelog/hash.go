// Package changelog maintains the append-only, per-device-versioned ledger
// of tracked mutations.
package changelog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/driftsync/driftsync/internal/models"
)

// CanonicalPayload re-encodes an opaque JSON payload into canonical form:
// object keys sorted, insignificant whitespace removed. Two peers encoding
// the same value always produce identical bytes, so integrity hashes verify
// across devices regardless of how the payload was originally formatted.
func CanonicalPayload(payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return []byte("null"), nil
	}
	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	// encoding/json sorts map keys deterministically.
	return json.Marshal(value)
}

// ComputeHash returns the SHA-256 integrity hash binding a change record's
// fields: table_name ‖ record_id ‖ operation ‖ canonical(payload) ‖ version
// ‖ device_id, hex encoded.
func ComputeHash(tableName, recordID string, op models.Operation, payload json.RawMessage, version int64, deviceID string) (string, error) {
	canonical, err := CanonicalPayload(payload)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(tableName))
	h.Write([]byte(recordID))
	h.Write([]byte(op.String()))
	h.Write(canonical)
	h.Write([]byte(strconv.FormatInt(version, 10)))
	h.Write([]byte(deviceID))

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes a record's integrity hash and compares it against the
// stored value. Any tampering with the hashed fields yields false.
func Verify(rec *models.ChangeRecord) bool {
	if rec == nil {
		return false
	}
	computed, err := ComputeHash(rec.TableName, rec.RecordID, rec.Operation,
		rec.Payload, rec.Version, rec.DeviceID)
	if err != nil {
		return false
	}
	return computed == rec.Hash
}
