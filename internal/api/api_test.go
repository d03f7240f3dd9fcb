package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driftsync/driftsync/internal/changelog"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/conflicts"
	"github.com/driftsync/driftsync/internal/db"
	"github.com/driftsync/driftsync/internal/devices"
	"github.com/driftsync/driftsync/internal/models"
	syncpkg "github.com/driftsync/driftsync/internal/sync"
)

const testAdminSecret = "test-admin-secret"

type noopTransport struct{}

func (noopTransport) Push(context.Context, string, *syncpkg.PushRequest) (*syncpkg.PushResponse, error) {
	return &syncpkg.PushResponse{}, nil
}

func (noopTransport) Pull(context.Context, string, *syncpkg.PullRequest) (*syncpkg.PullResponse, error) {
	return &syncpkg.PullResponse{}, nil
}

type testServer struct {
	srv      *httptest.Server
	tracker  *changelog.Tracker
	registry *devices.Registry
	store    *conflicts.Store
	repo     *db.Repository
}

func newTestServer(t *testing.T) *testServer {
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

	tracker := changelog.NewTracker(repo)
	registry := devices.NewRegistry(repo)
	store := conflicts.NewStore(repo)
	resolver := conflicts.NewResolver(repo, store, tracker, "device-server", config.PolicyManual)
	coordinator := syncpkg.NewCoordinator(repo, tracker, registry, store, noopTransport{}, "device-server")

	server := NewServer(coordinator, registry, store, resolver, testAdminSecret)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, tracker: tracker, registry: registry, store: store, repo: repo}
}

func (ts *testServer) post(t *testing.T, path string, body interface{}, token string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// openConflict seeds a pending conflict row through the store.
func openConflict(ts *testServer, c *models.Conflict) error {
	return ts.repo.WithTx(context.Background(), func(tx *sql.Tx) error {
		return ts.store.Open(tx, c)
	})
}

// signedChange builds a correctly-hashed record from a peer device.
func signedChange(t *testing.T, deviceID string, version int64, payload string) *models.ChangeRecord {
	t.Helper()
	raw := json.RawMessage(payload)
	hash, err := changelog.ComputeHash("notes", "7", models.OpUpdate, raw, version, deviceID)
	if err != nil {
		t.Fatal(err)
	}
	return &models.ChangeRecord{
		SequenceID: version,
		TableName:  "notes",
		RecordID:   "7",
		Operation:  models.OpUpdate,
		Payload:    raw,
		DeviceID:   deviceID,
		Version:    version,
		Timestamp:  time.Now().UTC().Unix(),
		Hash:       hash,
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPushUnauthorizedDevice(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/sync/push", syncpkg.PushRequest{
		DeviceID: "ghost",
		Changes:  []*models.ChangeRecord{signedChange(t, "ghost", 1, `{"content":"x"}`)},
	}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestPushAcceptsAndRejectsPerRecord(t *testing.T) {
	ts := newTestServer(t)

	if _, err := ts.registry.Register("device-x", "x", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := ts.registry.Authorize("device-x"); err != nil {
		t.Fatal(err)
	}

	good := signedChange(t, "device-x", 1, `{"content":"good"}`)
	bad := signedChange(t, "device-x", 2, `{"content":"good"}`)
	bad.Payload = json.RawMessage(`{"content":"tampered"}`)

	resp := ts.post(t, "/sync/push", syncpkg.PushRequest{
		DeviceID: "device-x",
		Changes:  []*models.ChangeRecord{good, bad},
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var pushResp syncpkg.PushResponse
	decodeBody(t, resp, &pushResp)
	if len(pushResp.Accepted) != 1 || pushResp.Accepted[0] != good.SequenceID {
		t.Errorf("accepted = %v, want [%d]", pushResp.Accepted, good.SequenceID)
	}
	if len(pushResp.Rejected) != 1 || pushResp.Rejected[0].SequenceID != bad.SequenceID {
		t.Errorf("rejected = %v, want sequence %d", pushResp.Rejected, bad.SequenceID)
	}

	held, err := ts.repo.HasChange("device-x", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !held {
		t.Error("accepted record not stored")
	}
}

func TestPullRequiresAuthorization(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/sync/pull", syncpkg.PullRequest{DeviceID: "ghost"}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestDeviceRegisterThenDuplicate(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]string{"device_id": "device-x", "display_name": "laptop"}
	resp := ts.post(t, "/devices/register", body, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	resp = ts.post(t, "/devices/register", body, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}
}

func TestAuthorizeRequiresAdminToken(t *testing.T) {
	ts := newTestServer(t)

	if _, err := ts.registry.Register("device-x", "laptop", "", ""); err != nil {
		t.Fatal(err)
	}

	// No token.
	resp := ts.post(t, "/devices/authorize", map[string]string{"device_id": "device-x"}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d, want 401", resp.StatusCode)
	}

	// Token signed with the wrong secret.
	wrong, err := AdminToken("wrong-secret", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	resp = ts.post(t, "/devices/authorize", map[string]string{"device_id": "device-x"}, wrong)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong-secret status = %d, want 401", resp.StatusCode)
	}

	// Valid token.
	token, err := AdminToken(testAdminSecret, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	resp = ts.post(t, "/devices/authorize", map[string]string{"device_id": "device-x"}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid-token status = %d, want 200", resp.StatusCode)
	}

	ok, err := ts.registry.IsAuthorized("device-x")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("device not authorized after admin call")
	}
}

func TestRevokeDevice(t *testing.T) {
	ts := newTestServer(t)

	if _, err := ts.registry.Register("device-x", "laptop", "", ""); err != nil {
		t.Fatal(err)
	}
	if err := ts.registry.Authorize("device-x"); err != nil {
		t.Fatal(err)
	}

	token, err := AdminToken(testAdminSecret, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	resp := ts.post(t, "/devices/x-unknown/revoke", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown revoke status = %d, want 404", resp.StatusCode)
	}

	resp = ts.post(t, "/devices/device-x/revoke", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d, want 200", resp.StatusCode)
	}

	ok, _ := ts.registry.IsAuthorized("device-x")
	if ok {
		t.Error("device still authorized after revoke")
	}
}

func TestListConflictsAndResolve(t *testing.T) {
	ts := newTestServer(t)

	// Seed one pending conflict directly through the engine.
	local, err := ts.tracker.Record(context.Background(), "notes", "7", models.OpUpdate,
		json.RawMessage(`{"content":"local"}`), "device-server")
	if err != nil {
		t.Fatal(err)
	}
	remote := signedChange(t, "device-x", 5, `{"content":"remote"}`)
	conflict := conflicts.NewFromChanges(local, remote)
	if err := openConflict(ts, conflict); err != nil {
		t.Fatalf("seed conflict: %v", err)
	}

	resp, err := http.Get(ts.srv.URL + "/conflicts/list")
	if err != nil {
		t.Fatal(err)
	}
	var listResp struct {
		Conflicts []*models.Conflict `json:"conflicts"`
	}
	decodeBody(t, resp, &listResp)
	if len(listResp.Conflicts) != 1 {
		t.Fatalf("pending conflicts = %d, want 1", len(listResp.Conflicts))
	}

	id := string(listResp.Conflicts[0].ID)
	resolveResp := ts.post(t, fmt.Sprintf("/conflicts/%s/resolve", id),
		map[string]string{"policy": "remote_wins"}, "")
	if resolveResp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d, want 200", resolveResp.StatusCode)
	}
	var resolution models.Resolution
	decodeBody(t, resolveResp, &resolution)
	if resolution.Winner != models.SideRemote {
		t.Errorf("winner = %s, want remote", resolution.Winner)
	}

	// Resolving again conflicts with the terminal state.
	again := ts.post(t, fmt.Sprintf("/conflicts/%s/resolve", id),
		map[string]string{"policy": "local_wins"}, "")
	again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Errorf("second resolve status = %d, want 409", again.StatusCode)
	}
}

func TestIgnoreConflictEndpoint(t *testing.T) {
	ts := newTestServer(t)

	local, err := ts.tracker.Record(context.Background(), "notes", "9", models.OpUpdate,
		json.RawMessage(`{"content":"local"}`), "device-server")
	if err != nil {
		t.Fatal(err)
	}
	conflict := conflicts.NewFromChanges(local, signedChange(t, "device-x", 2, `{"content":"remote"}`))
	if err := openConflict(ts, conflict); err != nil {
		t.Fatalf("seed conflict: %v", err)
	}

	resp := ts.post(t, fmt.Sprintf("/conflicts/%s/ignore", conflict.ID), nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ignore status = %d, want 200", resp.StatusCode)
	}

	got, err := ts.store.Get(string(conflict.ID))
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ConflictIgnored {
		t.Errorf("status = %s, want ignored", got.Status)
	}
}

func TestResolveUnknownConflict(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/conflicts/no-such-id/resolve", map[string]string{"policy": "local_wins"}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSyncStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/sync/status")
	if err != nil {
		t.Fatal(err)
	}
	var status syncpkg.Status
	decodeBody(t, resp, &status)
	if status.DeviceID != "device-server" {
		t.Errorf("DeviceID = %s, want device-server", status.DeviceID)
	}
}
