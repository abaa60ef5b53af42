// Package client talks to a running session supervisor over its control
// socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	gojson "github.com/goccy/go-json"
)

// NodeStatus mirrors the supervisor's view of one node.
type NodeStatus struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Group     string    `json:"group,omitempty"`
	Phase     string    `json:"phase"`
	PID       int       `json:"pid,omitempty"`
	Restarts  int       `json:"restarts"`
	StartedAt time.Time `json:"started_at"`
	LastExit  string    `json:"last_exit,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	BlockedBy string    `json:"blocked_by,omitempty"`
}

// SessionStatus is the body of GET /status.
type SessionStatus struct {
	Root   string       `json:"root"`
	Status string       `json:"status"`
	Nodes  []NodeStatus `json:"nodes"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// ErrNotFound is returned by Node for names that are not part of the session.
var ErrNotFound = errors.New("node not found")

// Config holds client configuration
type Config struct {
	Socket  string // unix socket path; empty dials BaseURL over TCP
	BaseURL string // defaults to http://unix for sockets
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client provides HTTP client functionality to communicate with the
// supervisor's control endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func New(config Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := &http.Transport{}
	if config.Socket != "" {
		sock := config.Socket
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		}
		if config.BaseURL == "" {
			config.BaseURL = "http://unix"
		}
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}
}

// IsReachable checks if the supervisor is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("supervisor unreachable", "error", err)
		return false
	}
	return true
}

// Status returns the session status and every node.
func (c *Client) Status(ctx context.Context) (*SessionStatus, error) {
	var st SessionStatus
	if err := c.doJSON(ctx, http.MethodGet, "/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Node returns the status of one node.
func (c *Client) Node(ctx context.Context, name string) (*NodeStatus, error) {
	var st NodeStatus
	if err := c.doJSON(ctx, http.MethodGet, "/status/"+url.PathEscape(name), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Stop requests a session shutdown. It returns once the request has been
// accepted, not when the session has ended.
func (c *Client) Stop(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/stop", nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := gojson.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	body, _ := io.ReadAll(resp.Body)
	msg := string(body)
	if gojson.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return fmt.Errorf("supervisor returned %d: %s", resp.StatusCode, msg)
}
