package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/roach88/qtinav/internal/ir"
	"github.com/roach88/qtinav/internal/session"
	"github.com/roach88/qtinav/internal/syncsvc"
)

// HTTPTransport talks to the delivery server's HTTP API.
type HTTPTransport struct {
	base   string
	client *http.Client
}

// NewHTTPTransport creates a transport for the server at baseURL. A nil
// client uses one with a 30 second timeout.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{base: strings.TrimRight(baseURL, "/"), client: client}
}

// Sync implements Transport.
func (t *HTTPTransport) Sync(ctx context.Context, executionID string, entries []syncsvc.Entry) ([]syncsvc.Result, error) {
	body, err := json.Marshal(syncsvc.Batch{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("encode sync request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url(executionID, "sync"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out syncsvc.BatchResult
	if err := t.do(req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// FetchSession implements Transport.
func (t *HTTPTransport) FetchSession(ctx context.Context, executionID string) (*session.TestSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url(executionID, "session"), nil)
	if err != nil {
		return nil, err
	}
	var sess session.TestSession
	if err := t.do(req, &sess); err != nil {
		return nil, err
	}
	if sess.ItemSessions == nil {
		sess.ItemSessions = make(map[string]*session.ItemSession)
	}
	return &sess, nil
}

func (t *HTTPTransport) url(executionID, op string) string {
	return fmt.Sprintf("%s/executions/%s/%s", t.base, url.PathEscape(executionID), op)
}

func (t *HTTPTransport) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr ir.Error
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FetchSnapshot downloads the offline bundle of an execution for Seed.
func (t *HTTPTransport) FetchSnapshot(ctx context.Context, executionID string) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url(executionID, "snapshot"), nil)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := t.do(req, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
