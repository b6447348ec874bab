// Package backend is the HTTP client for the agent backend's session and
// streaming API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/cloudagent/internal/store"
)

const (
	// DefaultBaseURL is the local development origin.
	DefaultBaseURL = "http://localhost:8000"

	defaultRequestTimeout = 30 * time.Second
	interruptTimeout      = 10 * time.Second
	maxErrorBody          = 1 << 20
)

// CreateSessionResponse is the response for POST /sessions.
type CreateSessionResponse struct {
	SessionID   store.ID `json:"session_id"`
	RedirectURL string   `json:"redirect_url"`
}

// DeleteSessionResponse is the response for DELETE /sessions/{id}.
type DeleteSessionResponse struct {
	Success     bool   `json:"success"`
	RedirectURL string `json:"redirect_url"`
}

type listSessionsResponse struct {
	Sessions []store.Session `json:"sessions"`
}

type tokensResponse struct {
	Tokens store.TokenUsage `json:"tokens"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Client talks to the agent backend. REST calls share a bounded timeout;
// streams have none and live until the server closes them or the caller
// cancels.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// NewClient creates a new backend client.
func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:      baseURL,
		token:        opts.Token,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		logger:       logger,
	}
}

// BaseURL returns the endpoint origin the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ListSessions sends GET /sessions.
func (c *Client) ListSessions(ctx context.Context) ([]store.Session, error) {
	var resp listSessionsResponse
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// CreateSession sends POST /sessions. An empty title lets the backend pick
// its default.
func (c *Client) CreateSession(ctx context.Context, title string) (*CreateSessionResponse, error) {
	body := map[string]string{}
	if strings.TrimSpace(title) != "" {
		body["title"] = title
	}
	var resp CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("create session: response has no session_id")
	}
	return &resp, nil
}

// GetSession sends GET /sessions/{id}. A missing session yields an error
// matching store.ErrNotFound.
func (c *Client) GetSession(ctx context.Context, id store.ID) (*store.SessionDetail, error) {
	var detail store.SessionDetail
	if err := c.do(ctx, http.MethodGet, sessionPath(id), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// UpdateSessionTitle sends PATCH /sessions/{id}.
func (c *Client) UpdateSessionTitle(ctx context.Context, id store.ID, title string) error {
	var resp successResponse
	if err := c.do(ctx, http.MethodPatch, sessionPath(id), map[string]string{"title": title}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("update session %s title: backend reported failure", id)
	}
	return nil
}

// DeleteSession sends DELETE /sessions/{id}.
func (c *Client) DeleteSession(ctx context.Context, id store.ID) (*DeleteSessionResponse, error) {
	var resp DeleteSessionResponse
	if err := c.do(ctx, http.MethodDelete, sessionPath(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTokens sends GET /sessions/{id}/tokens.
func (c *Client) GetTokens(ctx context.Context, id store.ID) (store.TokenUsage, error) {
	var resp tokensResponse
	if err := c.do(ctx, http.MethodGet, sessionPath(id)+"/tokens", nil, &resp); err != nil {
		return store.TokenUsage{}, err
	}
	return resp.Tokens, nil
}

// OpenStream sends GET /sessions/{id}/stream?query=<q> and returns the event
// stream body once 2xx response headers arrive. The caller must close it.
func (c *Client) OpenStream(ctx context.Context, id store.ID, query string) (io.ReadCloser, error) {
	path := sessionPath(id) + "/stream"
	endpoint := c.baseURL + path + "?" + url.Values{"query": {query}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.authorize(req)

	c.logger.Debug("opening stream", "session_id", id, "query_bytes", len(query))
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", wrapIfTransient(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(http.MethodGet, path, resp)
	}
	c.logger.Debug("stream established", "session_id", id, "status", resp.StatusCode)
	return resp.Body, nil
}

// Interrupt sends POST /sessions/{id}/interrupt under its own short timeout,
// detached from ctx cancellation so a stop still reaches the server.
func (c *Client) Interrupt(ctx context.Context, id store.ID) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptTimeout)
	defer cancel()
	return c.do(ctx, http.MethodPost, sessionPath(id)+"/interrupt", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, wrapIfTransient(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func statusError(method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		msg = er.Error
	}
	return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: msg}
}

func sessionPath(id store.ID) string {
	return "/sessions/" + url.PathEscape(id.String())
}
