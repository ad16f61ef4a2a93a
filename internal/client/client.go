package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meshchat.dev/go/meshchat/internal/chat"
	"meshchat.dev/go/meshchat/internal/config"
	"meshchat.dev/go/meshchat/internal/mesh"
	"meshchat.dev/go/meshchat/internal/transport"
)

// Client talks to the daemon's local HTTP API
type Client struct {
	baseURL string
	http    *http.Client

	mu     sync.Mutex
	events *websocket.Conn
}

// Error is an error reported by the daemon
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// Event is a node event streamed from the daemon. Payload is left raw;
// decode it by Event.
type Event struct {
	Event   string          `json:"event"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// Status represents daemon status
type Status struct {
	Running         bool      `json:"running"`
	PID             int       `json:"pid"`
	Uptime          string    `json:"uptime"`
	StartTime       time.Time `json:"start_time"`
	Name            string    `json:"name"`
	P2PAddr         string    `json:"p2p_addr"`
	StorageEngine   string    `json:"storage_engine"`
	PeerCount       int       `json:"peer_count"`
	DiscoveredCount int       `json:"discovered_count"`
	MessageCount    int       `json:"message_count"`
	ActiveChat      *string   `json:"active_chat"`
	WSClients       int       `json:"ws_clients"`
}

// Peers lists connected and discovered peers
type Peers struct {
	Connected  []mesh.PeerInfo      `json:"connected"`
	Discovered []transport.Endpoint `json:"discovered"`
}

// NotifyStatus describes notification settings
type NotifyStatus struct {
	Enabled    bool     `json:"enabled"`
	Chats      []string `json:"chats"`
	ActiveChat *string  `json:"active_chat"`
}

// ErrDaemonNotRunning is returned when the daemon is not running
var ErrDaemonNotRunning = errors.New("daemon is not running")

// Connect creates a client for the daemon configured on this machine
func Connect() (*Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return ConnectConfig(cfg)
}

// ConnectConfig creates a client for the daemon described by cfg
func ConnectConfig(cfg *config.Config) (*Client, error) {
	if !cfg.Daemon.WebEnabled {
		return nil, errors.New("daemon web API is disabled in config")
	}

	return ConnectTo(fmt.Sprintf("http://127.0.0.1:%d", cfg.Daemon.WebPort)), nil
}

// ConnectTo creates a client for the daemon at baseURL
func ConnectTo(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Close closes the event stream, if open
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events == nil {
		return nil
	}
	err := c.events.Close()
	c.events = nil
	return err
}

// SetTimeout sets the request timeout
func (c *Client) SetTimeout(d time.Duration) {
	c.http.Timeout = d
}

// Call makes an API call and decodes the JSON result into result, which
// may be nil.
func (c *Client) Call(method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
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
		return &Error{Status: resp.StatusCode, Message: apiErr.Error}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Status gets the daemon status
func (c *Client) Status() (*Status, error) {
	var status Status
	if err := c.Call(http.MethodGet, "/api/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Ping checks if the daemon is responsive
func (c *Client) Ping() error {
	_, err := c.Status()
	return err
}

// Send composes a message in chatID
func (c *Client) Send(content, chatID string) (*chat.Message, error) {
	body := map[string]string{"content": content, "chatId": chatID}
	var m chat.Message
	if err := c.Call(http.MethodPost, "/api/messages", body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Messages returns chatID's messages in display order
func (c *Client) Messages(chatID string) ([]chat.Message, error) {
	var resp struct {
		Messages []chat.Message `json:"messages"`
	}
	path := "/api/messages?chat=" + url.QueryEscape(chatID)
	if err := c.Call(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// Peers lists connected and discovered peers
func (c *Client) Peers() (*Peers, error) {
	var peers Peers
	if err := c.Call(http.MethodGet, "/api/peers", nil, &peers); err != nil {
		return nil, err
	}
	return &peers, nil
}

// Disconnect drops one peer, or every peer when endpointID is empty. It
// returns how many were dropped.
func (c *Client) Disconnect(endpointID string) (int, error) {
	var resp struct {
		Disconnected int `json:"disconnected"`
	}
	body := map[string]string{"endpoint_id": endpointID}
	if err := c.Call(http.MethodPost, "/api/peers/disconnect", body, &resp); err != nil {
		return 0, err
	}
	return resp.Disconnected, nil
}

// Notifications returns the notification settings
func (c *Client) Notifications() (*NotifyStatus, error) {
	var status NotifyStatus
	if err := c.Call(http.MethodGet, "/api/notify", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SetSubscribed subscribes to or unsubscribes from chatID's notifications
func (c *Client) SetSubscribed(chatID string, on bool) (*NotifyStatus, error) {
	body := map[string]any{"chatId": chatID, "subscribe": on}
	var status NotifyStatus
	if err := c.Call(http.MethodPost, "/api/notify", body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Subscribe opens the daemon's event stream
func (c *Client) Subscribe() error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDaemonNotRunning, err)
	}

	c.mu.Lock()
	c.events = conn
	c.mu.Unlock()
	return nil
}

// ReadEvents reads the next batch of events (blocking). The daemon may
// pack several events into one frame.
func (c *Client) ReadEvents() ([]Event, error) {
	c.mu.Lock()
	conn := c.events
	c.mu.Unlock()
	if conn == nil {
		return nil, errors.New("not subscribed")
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return events, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
