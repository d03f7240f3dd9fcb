package devices

import (
	"testing"

	"github.com/driftsync/driftsync/internal/db"
	"github.com/driftsync/driftsync/internal/errors"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.Migrate(database.DB); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })

	return NewRegistry(repo)
}

func TestRegisterAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	device, err := reg.Register("device-a", "Ada's laptop", "pubkey-a", "10.0.0.2:8390")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if device.Authorized {
		t.Error("new device should start unauthorized")
	}
	if device.RegisteredAt == 0 {
		t.Error("RegisteredAt not set")
	}

	got, err := reg.Get("device-a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.DisplayName != "Ada's laptop" {
		t.Errorf("DisplayName = %q", got.DisplayName)
	}
	if got.LastSyncTime() != nil {
		t.Error("LastSyncTime() should be nil before first sync")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := newTestRegistry(t)

	if _, err := reg.Register("device-a", "first", "", ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, err := reg.Register("device-a", "second", "", "")
	if !errors.Is(err, errors.ErrDuplicate) {
		t.Errorf("duplicate register error = %v, want DUPLICATE_ENTRY", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := newTestRegistry(t)

	if _, err := reg.Register("", "name", "", ""); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("empty device id error = %v, want INVALID_INPUT", err)
	}
	if _, err := reg.Register("device-a", "", "", ""); !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("empty display name error = %v, want INVALID_INPUT", err)
	}
}

func TestAuthorizeRevokeCycle(t *testing.T) {
	reg := newTestRegistry(t)

	if _, err := reg.Register("device-a", "laptop", "", ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ok, err := reg.IsAuthorized("device-a")
	if err != nil {
		t.Fatalf("IsAuthorized() error = %v", err)
	}
	if ok {
		t.Error("device authorized before Authorize()")
	}

	if err := reg.Authorize("device-a"); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if ok, _ = reg.IsAuthorized("device-a"); !ok {
		t.Error("device not authorized after Authorize()")
	}

	if err := reg.Revoke("device-a"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if ok, _ = reg.IsAuthorized("device-a"); ok {
		t.Error("device still authorized after Revoke()")
	}

	// Revoking an already-revoked device stays a no-op.
	if err := reg.Revoke("device-a"); err != nil {
		t.Errorf("second Revoke() error = %v", err)
	}
}

func TestAuthorizeUnknownDevice(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Authorize("ghost"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Authorize(unknown) error = %v, want NOT_FOUND", err)
	}
}

func TestIsAuthorizedUnknownDevice(t *testing.T) {
	reg := newTestRegistry(t)

	ok, err := reg.IsAuthorized("ghost")
	if err != nil {
		t.Fatalf("IsAuthorized(unknown) error = %v, want nil", err)
	}
	if ok {
		t.Error("unknown device reported authorized")
	}
}

func TestListAuthorizedOnly(t *testing.T) {
	reg := newTestRegistry(t)

	for _, id := range []string{"device-a", "device-b", "device-c"} {
		if _, err := reg.Register(id, id, "", ""); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
	if err := reg.Authorize("device-b"); err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	all, err := reg.List(false)
	if err != nil {
		t.Fatalf("List(false) error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(false) len = %d, want 3", len(all))
	}

	authorized, err := reg.List(true)
	if err != nil {
		t.Fatalf("List(true) error = %v", err)
	}
	if len(authorized) != 1 || authorized[0].DeviceID != "device-b" {
		t.Errorf("List(true) = %+v, want just device-b", authorized)
	}
}
