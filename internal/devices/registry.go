// Package devices manages the set of peers allowed to exchange changes.
package devices

import (
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/driftsync/driftsync/internal/db"
	"github.com/driftsync/driftsync/internal/errors"
	"github.com/driftsync/driftsync/internal/logging"
	"github.com/driftsync/driftsync/internal/models"
)

// Registry is the authority on device identity and authorization. Records
// from devices it does not recognize as authorized are rejected before they
// touch the change log.
type Registry struct {
	repo db.DeviceRepository
}

// NewRegistry creates a Registry over the given repository.
func NewRegistry(repo db.DeviceRepository) *Registry {
	return &Registry{repo: repo}
}

// Register adds a device to the registry. New devices start unauthorized
// and must be explicitly authorized before they can sync. Registering an
// already-known device id fails with a duplicate error.
func (r *Registry) Register(deviceID, displayName, publicKey, networkAddress string) (*models.Device, error) {
	if deviceID == "" {
		return nil, errors.New(errors.ErrInvalid, "device id is required")
	}
	if displayName == "" {
		return nil, errors.New(errors.ErrInvalid, "display name is required")
	}

	existing, err := r.repo.GetDevice(deviceID)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(errors.ErrStorage, "failed to look up device", err)
	}
	if existing != nil {
		return nil, errors.Newf(errors.ErrDuplicate, "device %s is already registered", deviceID)
	}

	device := &models.Device{
		DeviceID:       deviceID,
		DisplayName:    displayName,
		PublicKey:      publicKey,
		NetworkAddress: networkAddress,
		Authorized:     false,
		RegisteredAt:   time.Now().UTC().Unix(),
	}
	if err := r.repo.CreateDevice(device); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to register device", err)
	}

	logging.Info("device registered", map[string]interface{}{
		"device_id":    deviceID,
		"display_name": displayName,
	})
	return device, nil
}

// Authorize marks a device as allowed to push and pull changes.
func (r *Registry) Authorize(deviceID string) error {
	rows, err := r.repo.SetDeviceAuthorized(deviceID, true)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to authorize device", err)
	}
	if rows == 0 {
		return errors.Newf(errors.ErrNotFound, "device %s is not registered", deviceID)
	}
	logging.Info("device authorized", map[string]interface{}{"device_id": deviceID})
	return nil
}

// Revoke withdraws a device's authorization. Records already accepted from
// the device remain in the change log; only future exchanges are refused.
// Revoking an already-revoked device is a no-op.
func (r *Registry) Revoke(deviceID string) error {
	rows, err := r.repo.SetDeviceAuthorized(deviceID, false)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to revoke device", err)
	}
	if rows == 0 {
		return errors.Newf(errors.ErrNotFound, "device %s is not registered", deviceID)
	}
	logging.Info("device revoked", map[string]interface{}{"device_id": deviceID})
	return nil
}

// IsAuthorized reports whether a device is registered and currently
// authorized. Unknown devices are simply unauthorized, not an error.
func (r *Registry) IsAuthorized(deviceID string) (bool, error) {
	device, err := r.repo.GetDevice(deviceID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(errors.ErrStorage, "failed to look up device", err)
	}
	return device.Authorized, nil
}

// Get returns a registered device.
func (r *Registry) Get(deviceID string) (*models.Device, error) {
	device, err := r.repo.GetDevice(deviceID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.ErrNotFound, "device %s is not registered", deviceID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to look up device", err)
	}
	return device, nil
}

// List returns registered devices, optionally only authorized ones.
func (r *Registry) List(authorizedOnly bool) ([]*models.Device, error) {
	list, err := r.repo.ListDevices(authorizedOnly)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to list devices", err)
	}
	return list, nil
}

// TouchLastSync records a successful sync with the device. Failures are
// logged and swallowed; the timestamp is advisory.
func (r *Registry) TouchLastSync(deviceID string) {
	if err := r.repo.TouchDeviceLastSync(deviceID); err != nil {
		logging.Warn("failed to update device last_sync_at", map[string]interface{}{
			"device_id": deviceID,
			"error":     err.Error(),
		})
	}
}
