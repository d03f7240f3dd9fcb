package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/errors"
)

// Transport moves sync batches between devices. The wire contract is
// JSON over HTTP; tests substitute their own implementation.
type Transport interface {
	Push(ctx context.Context, peerURL string, req *PushRequest) (*PushResponse, error)
	Pull(ctx context.Context, peerURL string, req *PullRequest) (*PullResponse, error)
}

// HTTPTransport talks to a peer's sync endpoints over HTTP/JSON.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport with the given request timeout.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{client: &http.Client{Timeout: timeout}}
}

// Push sends a batch of changes to the peer's /sync/push endpoint.
func (t *HTTPTransport) Push(ctx context.Context, peerURL string, req *PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := t.post(ctx, peerURL, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull requests the peer's changes since a version via /sync/pull.
func (t *HTTPTransport) Pull(ctx context.Context, peerURL string, req *PullRequest) (*PullResponse, error) {
	var resp PullResponse
	if err := t.post(ctx, peerURL, "/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) post(ctx context.Context, peerURL, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode request", err)
	}

	url := strings.TrimRight(peerURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(errors.ErrInvalid, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return errors.Wrap(errors.ErrNetwork, fmt.Sprintf("peer %s unreachable", peerURL), err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return errors.Newf(errors.ErrNetwork, "peer %s returned %d: %s",
			peerURL, httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return errors.Wrap(errors.ErrNetwork, "failed to decode peer response", err)
	}
	return nil
}
