package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/convsync/pkg/types"
	"github.com/goccy/go-json"
)

// ErrNotFound is returned when the server answers 404
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("convsync api: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client talks to a running convsync server over its HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for addr, which is either a host:port or a
// full http(s) URL
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("server address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Execute submits a command and returns its commit
func (c *Client) Execute(ctx context.Context, cmd *types.Command) (*types.Commit, error) {
	var commit types.Commit
	if err := c.do(ctx, http.MethodPost, "/v1/commands", cmd, &commit); err != nil {
		return nil, err
	}
	return &commit, nil
}

// GetSyncRecord returns the ledger record for an entity
func (c *Client) GetSyncRecord(ctx context.Context, entityID string) (*types.SyncRecord, error) {
	var rec types.SyncRecord
	if err := c.do(ctx, http.MethodGet, "/v1/sync/"+url.PathEscape(entityID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ScanFilter narrows ScanSyncRecords
type ScanFilter struct {
	Status     types.DualWriteStatus
	RepairOnly bool
	Limit      int
}

// ScanSyncRecords lists ledger records in entity id order
func (c *Client) ScanSyncRecords(ctx context.Context, f ScanFilter) ([]*types.SyncRecord, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.RepairOnly {
		q.Set("repair", "true")
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}

	var records []*types.SyncRecord
	if err := c.do(ctx, http.MethodGet, withQuery("/v1/sync", q), nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// LedgerStats returns ledger counts
func (c *Client) LedgerStats(ctx context.Context) (*types.LedgerStats, error) {
	var stats types.LedgerStats
	if err := c.do(ctx, http.MethodGet, "/v1/ledger/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetEntity returns the projected entity
func (c *Client) GetEntity(ctx context.Context, entityID string) (*types.ProjectedEntity, error) {
	var pe types.ProjectedEntity
	if err := c.do(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(entityID), nil, &pe); err != nil {
		return nil, err
	}
	return &pe, nil
}

// ListDeadLetters returns parked events, oldest first
func (c *Client) ListDeadLetters(ctx context.Context, limit int) ([]*types.DeadLetter, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var letters []*types.DeadLetter
	if err := c.do(ctx, http.MethodGet, withQuery("/v1/deadletters", q), nil, &letters); err != nil {
		return nil, err
	}
	return letters, nil
}

// ReplayDeadLetter reapplies a parked event
func (c *Client) ReplayDeadLetter(ctx context.Context, id string) (types.ApplyResult, error) {
	var resp struct {
		Result types.ApplyResult `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/deadletters/"+url.PathEscape(id)+"/replay", nil, &resp); err != nil {
		return "", err
	}
	return resp.Result, nil
}

// ReconcileRequest overrides parts of the server's default sweep window.
// Zero values keep the server default.
type ReconcileRequest struct {
	EntityIDs  []string `json:"entity_ids,omitempty"`
	Staleness  string   `json:"staleness,omitempty"`
	SampleRate *float64 `json:"sample_rate,omitempty"`
	Limit      *int     `json:"limit,omitempty"`
	ShardIndex *int     `json:"shard_index,omitempty"`
	ShardCount *int     `json:"shard_count,omitempty"`
}

// Reconcile runs one sweep on the server and waits for its report
func (c *Client) Reconcile(ctx context.Context, req ReconcileRequest) (*types.ReconciliationReport, error) {
	var report types.ReconciliationReport
	if err := c.do(ctx, http.MethodPost, "/v1/reconcile", req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// LastReconcile returns the report of the most recent sweep
func (c *Client) LastReconcile(ctx context.Context) (*types.ReconciliationReport, error) {
	var report types.ReconciliationReport
	if err := c.do(ctx, http.MethodGet, "/v1/reconcile/last", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message = e.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
