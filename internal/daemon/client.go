package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atlasbridge/atlasbridge/internal/audit"
	"github.com/atlasbridge/atlasbridge/internal/autopilot"
	"github.com/atlasbridge/atlasbridge/internal/events/bus"
)

// Client talks to a running daemon's control API.
type Client struct {
	base string
	http *http.Client
}

// NewClient targets the daemon at host:port.
func NewClient(host string, port int) *Client {
	return &Client{
		base: fmt.Sprintf("http://%s:%d/v1", host, port),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// ErrDaemonUnreachable wraps connection failures so the CLI can map them to
// the network exit code.
var ErrDaemonUnreachable = fmt.Errorf("daemon unreachable")

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.get(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SessionView is one row of the sessions listing.
type SessionView struct {
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
	Label     string `json:"label,omitempty"`
	StartedAt int64  `json:"started_at"`
	EndedAt   int64  `json:"ended_at,omitempty"`
	Live      bool   `json:"live"`
}

// Sessions lists stored sessions with live flags.
func (c *Client) Sessions(ctx context.Context) ([]SessionView, error) {
	var out struct {
		Sessions []SessionView `json:"sessions"`
	}
	if err := c.get(ctx, "/sessions", &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Logs tails the audit chain, optionally filtered by session.
func (c *Client) Logs(ctx context.Context, tail int, sessionID string) ([]audit.Record, error) {
	path := fmt.Sprintf("/logs?tail=%d", tail)
	if sessionID != "" {
		path += "&session=" + sessionID
	}
	var out struct {
		Records []audit.Record `json:"records"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Decisions tails the autopilot decision trace.
func (c *Client) Decisions(ctx context.Context, tail int) ([]autopilot.TraceEntry, error) {
	var out struct {
		Decisions []autopilot.TraceEntry `json:"decisions"`
	}
	if err := c.get(ctx, fmt.Sprintf("/logs?tail=%d&decisions=1", tail), &out); err != nil {
		return nil, err
	}
	return out.Decisions, nil
}

// Pause engages the autopilot kill switch.
func (c *Client) Pause(ctx context.Context) error {
	return c.post(ctx, http.MethodPost, "/autopilot/pause", nil, nil)
}

// Resume disengages the autopilot kill switch.
func (c *Client) Resume(ctx context.Context) error {
	return c.post(ctx, http.MethodPost, "/autopilot/resume", nil, nil)
}

// SetMode switches the autopilot mode and reloads the policy.
func (c *Client) SetMode(ctx context.Context, mode string) error {
	return c.post(ctx, http.MethodPut, "/autopilot/mode", map[string]string{"mode": mode}, nil)
}

// CancelPrompt aborts a waiting prompt.
func (c *Client) CancelPrompt(ctx context.Context, promptID string) error {
	return c.post(ctx, http.MethodPost, "/prompts/"+promptID+"/cancel", nil, nil)
}

// Stop asks the daemon to shut down.
func (c *Client) Stop(ctx context.Context) error {
	return c.post(ctx, http.MethodPost, "/stop", nil, nil)
}

// Watch streams bus events over the websocket until ctx is canceled or the
// connection drops. fn is called for each event.
func (c *Client) Watch(ctx context.Context, fn func(e *bus.Event)) error {
	wsURL := "ws" + c.base[len("http"):] + "/events/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var e bus.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(&e)
	}
}
