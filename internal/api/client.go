package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lumenhq/lumen/internal/apperrors"
	"github.com/lumenhq/lumen/internal/auth"
	"github.com/lumenhq/lumen/internal/config"
	"github.com/lumenhq/lumen/internal/logging"
)

// Client talks to the sync service. Interactive calls use a short timeout;
// bulk uploads get a longer one. All methods are safe for concurrent use.
type Client struct {
	baseURL     string
	interactive *http.Client
	bulk        *http.Client
	log         *logrus.Entry

	mu        sync.Mutex
	tokens    auth.Tokens
	onRefresh func(auth.Tokens)
}

// NewClient creates a Client for the service at baseURL using the given
// token pair.
func NewClient(baseURL string, cfg config.APIConfig, tokens auth.Tokens) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		interactive: &http.Client{Timeout: cfg.InteractiveTimeout},
		bulk:        &http.Client{Timeout: cfg.BulkTimeout},
		log:         logging.WithComponent("api"),
		tokens:      tokens,
	}
}

// SetOnTokenRefresh registers a callback invoked with the new pair after a
// successful token refresh, so the caller can persist it and re-key the
// push channel.
func (c *Client) SetOnTokenRefresh(fn func(auth.Tokens)) {
	c.mu.Lock()
	c.onRefresh = fn
	c.mu.Unlock()
}

// SetTokens replaces the token pair, e.g. after a fresh sign-in.
func (c *Client) SetTokens(t auth.Tokens) {
	c.mu.Lock()
	c.tokens = t
	c.mu.Unlock()
}

// AccessToken returns the current access token.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens.AccessToken
}

// SyncEntity uploads one entity and returns the server's authoritative copy.
// A version conflict surfaces as a conflict-coded error wrapping
// *ConflictError with the server copy attached.
func (c *Client) SyncEntity(ctx context.Context, e Entity) (*ServerEntity, error) {
	var out ServerEntity
	if err := c.do(ctx, c.interactive, http.MethodPost, "/api/v1/entities/sync", e, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BulkSync uploads a batch of entities, sources and tags, splitting the
// request to stay under the server's per-call item cap. Item outcomes are
// merged across calls and keyed by local id. A transport failure aborts the
// remaining calls; outcomes already received are returned alongside the
// error.
func (c *Client) BulkSync(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	merged := &BulkResult{}
	for _, call := range splitBulk(req, MaxBulkItems) {
		var out BulkResult
		if err := c.do(ctx, c.bulk, http.MethodPost, "/api/v1/sync/bulk", call, &out); err != nil {
			return merged, err
		}
		merged.Results = append(merged.Results, out.Results...)
		merged.SuccessCount += out.SuccessCount
		merged.ConflictCount += out.ConflictCount
		merged.ErrorCount += out.ErrorCount
	}
	return merged, nil
}

// DeleteEntity soft-deletes an entity on the server by its server id.
func (c *Client) DeleteEntity(ctx context.Context, entityType string, serverID int64) error {
	path := fmt.Sprintf("/api/v1/entities/%s/%d?soft=true", entityType, serverID)
	return c.do(ctx, c.interactive, http.MethodDelete, path, nil, nil)
}

// Ping probes connectivity with a cheap authenticated round-trip.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, c.interactive, http.MethodGet, "/api/v1/ping", nil, nil)
}

// do runs one request with auth, refreshing the token pair and retrying
// exactly once on 401.
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, "marshal request", err)
		}
	}

	resp, err := c.send(ctx, hc, method, path, payload)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if err := c.refresh(ctx); err != nil {
			return err
		}
		resp, err = c.send(ctx, hc, method, path, payload)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.Wrap(apperrors.CodeTransport, "decode response", err)
		}
		return nil
	}
	return c.statusError(resp)
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransport, method+" "+path, err)
	}
	return resp, nil
}

// conflictResponse is the 409 body: the server's copy rides along with the
// rejection.
type conflictResponse struct {
	Error  string        `json:"error"`
	Server *ServerEntity `json:"server"`
}

// statusError maps a non-2xx response to the error taxonomy. Reads the body
// but leaves closing it to the caller.
func (c *Client) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusConflict:
		var body conflictResponse
		if err := json.Unmarshal(raw, &body); err != nil || body.Server == nil {
			return apperrors.New(apperrors.CodeConflict, "version conflict without server copy")
		}
		return &apperrors.Error{
			Code:    apperrors.CodeConflict,
			Message: "version conflict",
			Err:     &ConflictError{Server: body.Server},
		}
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.CodeNotFound, serverMessage(raw, "entity not found"))
	case resp.StatusCode == http.StatusBadRequest:
		return apperrors.New(apperrors.CodeValidation, serverMessage(raw, "request rejected"))
	case resp.StatusCode == http.StatusUnauthorized:
		return apperrors.New(apperrors.CodeAuth, "unauthorized after token refresh")
	default:
		return apperrors.Newf(apperrors.CodeTransport, "server returned %d: %s",
			resp.StatusCode, serverMessage(raw, "unexpected status"))
	}
}

func serverMessage(raw []byte, fallback string) string {
	var body errorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return fallback
}

// refresh exchanges the refresh token for a new pair. Refresh failure is an
// auth error: the session is gone and sync must stop until sign-in.
func (c *Client) refresh(ctx context.Context) error {
	c.mu.Lock()
	refreshToken := c.tokens.RefreshToken
	c.mu.Unlock()

	payload, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "marshal refresh request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "build refresh request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.interactive.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "refresh tokens", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return apperrors.Newf(apperrors.CodeAuth, "token refresh rejected with %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "decode refresh response", err)
	}

	c.mu.Lock()
	c.tokens.AccessToken = tr.AccessToken
	// The server may rotate the refresh token or keep the old one valid,
	// in which case it omits the field. Never replace it with an empty one.
	if tr.RefreshToken != "" {
		c.tokens.RefreshToken = tr.RefreshToken
	}
	onRefresh := c.onRefresh
	tokens := c.tokens
	c.mu.Unlock()

	c.log.Info("access token refreshed")
	if onRefresh != nil {
		onRefresh(tokens)
	}
	return nil
}
