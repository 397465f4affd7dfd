// Package client talks to a running transferd over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/transferd/transferd/internal/api"
	"github.com/transferd/transferd/internal/health"
	"github.com/transferd/transferd/internal/logger"
	"github.com/transferd/transferd/internal/manager"
	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/scheduler"
	ws "github.com/transferd/transferd/internal/websocket"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transferd: %s (HTTP %d)", e.Message, e.StatusCode)
}

// Client is a transferd API client.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for the daemon at baseURL, e.g. http://127.0.0.1:7480.
func New(baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid daemon address %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid daemon address %q: scheme must be http or https", baseURL)
	}
	return &Client{base: u, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

// Segment returns the API path segment for kind.
func Segment(kind manager.Kind) string {
	return string(kind) + "s"
}

// Status returns the daemon summary.
func (c *Client) Status(ctx context.Context) (*api.Status, error) {
	var out api.Status
	return &out, c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
}

// Health returns the state of storage, database and connectivity checks.
func (c *Client) Health(ctx context.Context) (*health.HealthResponse, error) {
	var out health.HealthResponse
	return &out, c.do(ctx, http.MethodGet, "/api/v1/health/checks", nil, &out)
}

// Create queues a transfer of kind.
func (c *Client) Create(ctx context.Context, kind manager.Kind, req manager.Request) (*manager.Info, error) {
	var out manager.Info
	return &out, c.do(ctx, http.MethodPost, "/api/v1/"+Segment(kind), req, &out)
}

// List returns every transfer of kind.
func (c *Client) List(ctx context.Context, kind manager.Kind) ([]manager.Info, error) {
	var out []manager.Info
	return out, c.do(ctx, http.MethodGet, "/api/v1/"+Segment(kind), nil, &out)
}

// Get returns one transfer.
func (c *Client) Get(ctx context.Context, kind manager.Kind, id string) (*manager.Info, error) {
	var out manager.Info
	return &out, c.do(ctx, http.MethodGet, "/api/v1/"+Segment(kind)+"/"+url.PathEscape(id), nil, &out)
}

// Command runs start, pause, resume or cancel on a transfer.
func (c *Client) Command(ctx context.Context, kind manager.Kind, id, action string) (*manager.Info, error) {
	var out manager.Info
	path := "/api/v1/" + Segment(kind) + "/" + url.PathEscape(id) + "/" + action
	return &out, c.do(ctx, http.MethodPost, path, nil, &out)
}

// Remove drops a transfer from its queue.
func (c *Client) Remove(ctx context.Context, kind manager.Kind, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/"+Segment(kind)+"/"+url.PathEscape(id), nil, nil)
}

// Queue describes the queue of kind.
func (c *Client) Queue(ctx context.Context, kind manager.Kind) (*manager.QueueInfo, error) {
	var out manager.QueueInfo
	return &out, c.do(ctx, http.MethodGet, "/api/v1/"+Segment(kind)+"/queue", nil, &out)
}

// Configure changes the settings of one transfer, or the defaults of kind
// when id is empty.
func (c *Client) Configure(ctx context.Context, kind manager.Kind, id string, s manager.Settings) (any, error) {
	if id == "" {
		var out manager.Defaults
		return &out, c.do(ctx, http.MethodPut, "/api/v1/"+Segment(kind)+"/settings", s, &out)
	}
	var out manager.Info
	return &out, c.do(ctx, http.MethodPut, "/api/v1/"+Segment(kind)+"/"+url.PathEscape(id)+"/settings", s, &out)
}

// Network returns the connectivity class.
func (c *Client) Network(ctx context.Context) (network.Class, error) {
	var out api.NetworkState
	err := c.do(ctx, http.MethodGet, "/api/v1/network", nil, &out)
	return out.Class, err
}

// SetNetwork pins the connectivity class. An empty class clears the pin.
func (c *Client) SetNetwork(ctx context.Context, class string) (network.Class, error) {
	var out api.NetworkState
	if class == "" {
		err := c.do(ctx, http.MethodDelete, "/api/v1/network", nil, &out)
		return out.Class, err
	}
	err := c.do(ctx, http.MethodPut, "/api/v1/network", map[string]string{"class": class}, &out)
	return out.Class, err
}

// Tasks lists scheduled tasks.
func (c *Client) Tasks(ctx context.Context) ([]scheduler.TaskInfo, error) {
	var out []scheduler.TaskInfo
	return out, c.do(ctx, http.MethodGet, "/api/v1/tasks", nil, &out)
}

// RunTask runs a scheduled task now.
func (c *Client) RunTask(ctx context.Context, id string) (*scheduler.TaskInfo, error) {
	var out scheduler.TaskInfo
	return &out, c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(id)+"/run", nil, &out)
}

// Logs returns up to limit recent log entries.
func (c *Client) Logs(ctx context.Context, limit int) ([]logger.Entry, error) {
	var out []logger.Entry
	return out, c.do(ctx, http.MethodGet, "/api/v1/logs?limit="+strconv.Itoa(limit), nil, &out)
}

// Watch streams daemon events to fn until ctx is done or the connection
// drops.
func (c *Client) Watch(ctx context.Context, fn func(ws.Message)) error {
	u := *c.base
	u.Scheme = map[string]string{"http": "ws", "https": "wss"}[c.base.Scheme]
	u.Path += "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u.String(), err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		fn(msg)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach transferd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload); err == nil {
			if payload.Error != "" {
				apiErr.Message = payload.Error
			} else if payload.Message != "" {
				apiErr.Message = payload.Message
			}
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
