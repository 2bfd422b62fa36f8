package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vesselvm/vessel/internal/monitor/events"
)

// Client wraps REST access to the vesseld API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// New creates a client with the provided base URL (e.g. http://127.0.0.1:7771).
func New(rawURL string) (*Client, error) {
	if rawURL == "" {
		rawURL = "http://127.0.0.1:7771"
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	return &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// GuestStatus represents the API response for the supervised guest.
type GuestStatus struct {
	State  string `json:"state"`
	Entry  string `json:"entry,omitempty"`
	Faults uint64 `json:"faults"`
}

// IRQBinding represents one source-to-virq registration.
type IRQBinding struct {
	Channel uint32 `json:"channel"`
	IRQ     uint32 `json:"irq"`
}

// GuestEvent is a lifecycle event streamed from the server.
type GuestEvent = events.GuestEvent

func (c *Client) GetGuest(ctx context.Context) (*GuestStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/guest", nil)
	if err != nil {
		return nil, err
	}
	var status GuestStatus
	if err := c.do(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) ListIRQs(ctx context.Context) ([]IRQBinding, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/guest/irqs", nil)
	if err != nil {
		return nil, err
	}
	var bindings []IRQBinding
	if err := c.do(req, &bindings); err != nil {
		return nil, err
	}
	return bindings, nil
}

// WatchEvents streams guest lifecycle events and invokes handler for each
// payload until the context is cancelled or the server closes the
// connection.
func (c *Client) WatchEvents(ctx context.Context, handler func(GuestEvent)) error {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws/v1/events"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("client: dial events: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var event GuestEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("client: read event: %w", err)
		}
		if handler != nil {
			handler(event)
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	resolved := c.baseURL.ResolveReference(&url.URL{Path: path})
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("client: http %d", resp.StatusCode)
		}
		if msg, ok := apiErr["error"].(string); ok {
			return fmt.Errorf("client: http %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("client: http %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
