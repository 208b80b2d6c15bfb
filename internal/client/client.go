// Package client talks to a running screen recorder daemon.
package client

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

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/screenrec/internal/server"
	"github.com/audiolibrelab/screenrec/internal/service"
)

// ErrDaemonNotRunning is returned when nothing listens on the daemon address.
var ErrDaemonNotRunning = errors.New("screen recorder daemon is not running")

type Client struct {
	base string
	http *http.Client
}

// New creates a client for the daemon listening on addr (host:port).
func New(addr string) *Client {
	return &Client{
		base: "http://" + addr,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is an error response of the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) Start(ctx context.Context, grant, output string) (*server.CommandResponse, error) {
	body, err := json.Marshal(server.StartRequest{Grant: grant, Output: output})
	if err != nil {
		return nil, err
	}
	var out server.CommandResponse
	if err := c.do(ctx, http.MethodPost, "/start", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Stop(ctx context.Context) (*server.CommandResponse, error) {
	return c.command(ctx, "/stop")
}

func (c *Client) Pause(ctx context.Context) (*server.CommandResponse, error) {
	return c.command(ctx, "/pause")
}

func (c *Client) Resume(ctx context.Context) (*server.CommandResponse, error) {
	return c.command(ctx, "/resume")
}

func (c *Client) command(ctx context.Context, path string) (*server.CommandResponse, error) {
	var out server.CommandResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context) (*service.StatusReport, error) {
	var out service.StatusReport
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Recordings(ctx context.Context) (*server.RecordingsResponse, error) {
	var out server.RecordingsResponse
	if err := c.do(ctx, http.MethodGet, "/api/recordings", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Watch delivers daemon notifications to fn until ctx is cancelled, the
// daemon closes the feed, or fn returns false.
func (c *Client) Watch(ctx context.Context, fn func(service.Notification) bool) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	u.Scheme = "ws"
	u.Path = "/events"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		var n service.Notification
		if err := conn.ReadJSON(&n); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("event feed failed: %w", err)
		}
		if !fn(n) {
			return nil
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
