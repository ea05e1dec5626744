// Package remote is the boundary to the authoritative care-record
// service. Every request carries an idempotency key (the operation id)
// and is safe to retransmit after a partial failure.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/openrounds/fieldsync/internal/queue"
)

// Outcome is the server's verdict for one submitted operation.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeConflict Outcome = "conflict"
	OutcomeRejected Outcome = "rejected"
)

// SubmitResult is the server's response to an operation submission.
type SubmitResult struct {
	Outcome       Outcome         `json:"outcome"`
	ServerVersion int64           `json:"server_version,omitempty"`
	// On conflict the server returns both snapshots so the client can
	// materialize an immutable conflict record.
	LocalSnapshot  json.RawMessage `json:"local_snapshot,omitempty"`
	ServerSnapshot json.RawMessage `json:"server_snapshot,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// Entity is the read-back view of a remote record, used by the verifier.
type Entity struct {
	Ref               string          `json:"ref"`
	Version           int64           `json:"version"`
	State             json.RawMessage `json:"state,omitempty"`
	AppliedOperations []string        `json:"applied_operations"`
}

// Error is a transport or protocol failure talking to the remote service.
// Transient errors are retried with backoff; terminal ones fail the
// operation immediately.
type Error struct {
	StatusCode int
	Message    string
	transient  bool
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote: %s (status %d)", e.Message, e.StatusCode)
	}
	return "remote: " + e.Message
}

// Transient reports whether the failure is worth retrying.
func (e *Error) Transient() bool { return e.transient }

// IsTransient reports whether err represents a retryable remote failure.
// Plain transport errors (connection refused, timeouts) are transient.
func IsTransient(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Transient()
	}
	// Anything that never produced an HTTP status is a transport failure.
	return err != nil
}

// Config holds remote client settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration // zero means 30s
}

// Client talks HTTP to the authoritative service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a remote client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           string          `json:"kind"`
	EntityRef      string          `json:"entity_ref"`
	BaseVersion    int64           `json:"base_version"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// Submit transmits one operation. The operation id is the idempotency
// key: submitting the same id twice yields the same end state as once.
func (c *Client) Submit(ctx context.Context, op queue.Operation) (*SubmitResult, error) {
	req := submitRequest{
		IdempotencyKey: op.ID,
		Kind:           string(op.Kind),
		EntityRef:      op.EntityRef,
		BaseVersion:    op.BaseVersion,
		Payload:        op.Payload,
		EnqueuedAt:     op.EnqueuedAt,
	}
	var out SubmitResult
	if err := c.post(ctx, "/v1/operations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type checksumRequest struct {
	CycleID      string   `json:"cycle_id"`
	Algorithm    string   `json:"algorithm"`
	Checksum     string   `json:"checksum"`
	OperationIDs []string `json:"operation_ids"`
}

type checksumResponse struct {
	Checksum string `json:"checksum"`
}

// BatchChecksum reports the locally computed checksum for a cycle's
// submitted batch and returns the server's own computation over the same
// operation ids.
func (c *Client) BatchChecksum(ctx context.Context, cycleID, algorithm, checksum string, operationIDs []string) (string, error) {
	req := checksumRequest{
		CycleID:      cycleID,
		Algorithm:    algorithm,
		Checksum:     checksum,
		OperationIDs: operationIDs,
	}
	var out checksumResponse
	if err := c.post(ctx, "/v1/batches/checksum", req, &out); err != nil {
		return "", err
	}
	return out.Checksum, nil
}

// ReadEntity fetches the current remote state of an entity.
func (c *Client) ReadEntity(ctx context.Context, ref string) (*Entity, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/entities/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("build read request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{Message: err.Error(), transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out Entity
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return &out, nil
}

type resolveRequest struct {
	OperationID string          `json:"operation_id"`
	Resolution  string          `json:"resolution"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Resolve applies an operator's conflict resolution: the chosen payload
// (original for local, merged for merged) is written against the server's
// current version. The operation id keeps the call idempotent.
func (c *Client) Resolve(ctx context.Context, entityRef, operationID, resolution string, payload json.RawMessage) (*SubmitResult, error) {
	req := resolveRequest{
		OperationID: operationID,
		Resolution:  resolution,
		Payload:     payload,
	}
	var out SubmitResult
	if err := c.post(ctx, "/v1/entities/"+url.PathEscape(entityRef)+"/resolve", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &Error{Message: err.Error(), transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// statusError classifies a non-200 response. 5xx and 429 are transient;
// 4xx client errors are terminal.
func statusError(resp *http.Response) *Error {
	msg := readErrorBody(resp.Body)
	transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return &Error{StatusCode: resp.StatusCode, Message: msg, transient: transient}
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "request failed"
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(raw)
}
