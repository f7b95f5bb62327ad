package main

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

	"github.com/GoCodeAlone/trok/task"
	"github.com/GoCodeAlone/trok/workspace"
)

// Client talks to a trokd server.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func newClient(server, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(server, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// do sends a request and decodes a JSON response into v (may be nil).
func (c *Client) do(ctx context.Context, method, path string, in, v any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	return c.do(ctx, http.MethodGet, path, nil, v)
}

func (c *Client) post(ctx context.Context, path string, in, v any) error {
	return c.do(ctx, http.MethodPost, path, in, v)
}

// feedURL is the WebSocket feed address, carrying the token as a query
// parameter since the handshake goes through the same auth as browsers.
func (c *Client) feedURL() (string, error) {
	u, err := url.Parse(c.BaseURL + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if c.Token != "" {
		q := u.Query()
		q.Set("token", c.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type submitRequest struct {
	Origin   string `json:"origin"`
	Branch   string `json:"branch"`
	Selector string `json:"selector"`
	From     string `json:"from,omitempty"`
}

type submitResponse struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

type queue struct {
	Current *task.Task  `json:"current"`
	Pending []task.Task `json:"pending"`
}

type repos struct {
	Root         string                 `json:"root"`
	ScannedAt    time.Time              `json:"scanned_at"`
	Repositories []workspace.Repository `json:"repositories"`
}

type status struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	ServerID     string `json:"server_id"`
	Uptime       string `json:"uptime"`
	Running      string `json:"running"`
	Queued       int    `json:"queued"`
	Repositories int    `json:"repositories"`
	Observers    int    `json:"observers"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Client) Submit(ctx context.Context, req submitRequest) (submitResponse, error) {
	var resp submitResponse
	err := c.post(ctx, "/api/tasks", req, &resp)
	return resp, err
}

func (c *Client) Queue(ctx context.Context) (queue, error) {
	var q queue
	err := c.get(ctx, "/api/tasks", &q)
	return q, err
}

func (c *Client) Snapshots(ctx context.Context, taskID string) ([]task.Snapshot, error) {
	path := "/api/snapshots"
	if taskID != "" {
		path += "?task=" + url.QueryEscape(taskID)
	}
	var snaps []task.Snapshot
	err := c.get(ctx, path, &snaps)
	return snaps, err
}

func (c *Client) Repos(ctx context.Context) (repos, error) {
	var r repos
	err := c.get(ctx, "/api/repos", &r)
	return r, err
}

func (c *Client) Rescan(ctx context.Context) (repos, error) {
	var r repos
	err := c.post(ctx, "/api/repos/rescan", nil, &r)
	return r, err
}

func (c *Client) Status(ctx context.Context) (status, error) {
	var s status
	err := c.get(ctx, "/api/status", &s)
	return s, err
}

func (c *Client) Login(ctx context.Context, user, password string) (loginResponse, error) {
	var resp loginResponse
	err := c.post(ctx, "/api/auth/login", loginRequest{Username: user, Password: password}, &resp)
	return resp, err
}
