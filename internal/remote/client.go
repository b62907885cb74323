// Package remote is the HTTP and WebSocket transport to an outpost backend.
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
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyperengineering/outpost/internal/model"
	"github.com/hyperengineering/outpost/internal/syncengine"
	"github.com/hyperengineering/outpost/internal/types"
)

// DefaultTimeout bounds a single HTTP call.
const DefaultTimeout = 30 * time.Second

// StatusError is a non-200 reply that maps to no more specific error. 5xx
// replies surface as StatusError and stay retryable.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("remote returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.StatusCode, e.Detail)
}

// Client talks to the backend's /api/v1 routes.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	dialer  *websocket.Dialer
}

var _ syncengine.RemoteSyncGateway = (*Client)(nil)

// NewClient creates a Client. A zero timeout uses DefaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse remote URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote URL must be http or https, got %q", baseURL)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
	}, nil
}

// Ping checks the backend's health endpoint.
func (c *Client) Ping(ctx context.Context) (types.HealthResponse, error) {
	var health types.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &health)
	return health, err
}

// Create publishes a new record.
func (c *Client) Create(ctx context.Context, rec model.Record) (syncengine.Response, error) {
	var resp syncengine.Response
	err := c.do(ctx, http.MethodPost, recordsPath(rec.Model, ""), types.MutationRequest{Record: rec}, &resp)
	return resp, err
}

// Update publishes a record replacement guarded by expectedVersion.
func (c *Client) Update(ctx context.Context, rec model.Record, expectedVersion int, pred *model.Predicate) (syncengine.Response, error) {
	var resp syncengine.Response
	body := types.MutationRequest{Record: rec, ExpectedVersion: expectedVersion, Condition: pred}
	err := c.do(ctx, http.MethodPut, recordsPath(rec.Model, rec.ID), body, &resp)
	return resp, err
}

// Delete publishes a deletion guarded by expectedVersion.
func (c *Client) Delete(ctx context.Context, modelName, id string, expectedVersion int, pred *model.Predicate) (syncengine.Response, error) {
	var resp syncengine.Response
	body := types.MutationRequest{ExpectedVersion: expectedVersion, Condition: pred}
	err := c.do(ctx, http.MethodDelete, recordsPath(modelName, id), body, &resp)
	return resp, err
}

// Sync fetches one page of a model's changes.
func (c *Client) Sync(ctx context.Context, modelName string, since *time.Time, nextToken string, limit int) (syncengine.SyncPage, error) {
	q := url.Values{}
	if since != nil {
		q.Set(types.QueryLastSync, strconv.FormatInt(since.UnixMilli(), 10))
	}
	if nextToken != "" {
		q.Set(types.QueryNextToken, nextToken)
	}
	if limit > 0 {
		q.Set(types.QueryLimit, strconv.Itoa(limit))
	}
	path := modelPath(modelName) + "/sync"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page syncengine.SyncPage
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func modelPath(modelName string) string {
	return "/api/v1/models/" + url.PathEscape(modelName)
}

func recordsPath(modelName, id string) string {
	p := modelPath(modelName) + "/records"
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

// do sends an authenticated JSON request and decodes a 200 reply into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
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

// problem mirrors the backend's RFC 7807 body.
type problem struct {
	Detail string `json:"detail"`
}

// statusError maps a non-200 reply to an error the sync engine understands.
func statusError(resp *http.Response) error {
	var p problem
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &p); err != nil {
		p.Detail = strings.TrimSpace(string(data))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", syncengine.ErrUnauthorized, p.Detail)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", model.ErrUnknownModel, p.Detail)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", model.ErrValidation, p.Detail)
	}
	return &StatusError{StatusCode: resp.StatusCode, Detail: p.Detail}
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
