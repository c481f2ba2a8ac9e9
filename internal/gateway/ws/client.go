// Package ws implements gateway.Client against a real chat-gateway process
// over a combination of REST calls (send/history/session patch) and a single
// long-lived WebSocket connection carrying lifecycle event frames.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/missioncontrol/missioncontrol/internal/gateway"
	"github.com/missioncontrol/missioncontrol/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client is a gateway.Client backed by an HTTP base URL for request/response
// calls and a WebSocket URL for the lifecycle event stream.
type Client struct {
	baseURL    string
	wsURL      string
	token      string
	httpClient *http.Client
	log        *logging.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers map[string][]gateway.EventHandler
	nextID   int
}

var _ gateway.Client = (*Client)(nil)

// New builds a ws-backed gateway.Client. baseURL serves request/response
// calls; wsURL is dialed once by Connect for the lifecycle event stream.
func New(baseURL, wsURL, token string, log *logging.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		wsURL:      wsURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With(zap.String("component", "gateway-ws-client")),
		handlers:   make(map[string][]gateway.EventHandler),
	}
}

// Connect dials the lifecycle-event WebSocket once and starts the read pump
// in the background. Calling it again while already connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", c.wsURL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readPump()
	go c.pingLoop(conn)
	return nil
}

func (c *Client) readPump() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Error("gateway event stream read error")
			}
			return
		}

		var wire wireFrame
		if err := json.Unmarshal(message, &wire); err != nil {
			c.log.WithError(err).Warn("failed to parse gateway event frame")
			continue
		}
		c.dispatch(wire.toFrame())
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.RLock()
		live := c.conn == conn
		c.mu.RUnlock()
		if !live {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

// wireFrame is the lifecycle frame's wire shape: {event, payload{...}}.
type wireFrame struct {
	Event   string `json:"event"`
	Payload struct {
		SessionKey string `json:"sessionKey"`
		Session    string `json:"session"`
		Key        string `json:"key"`
		Role       string `json:"role"`
		Status     string `json:"status"`
		Phase      string `json:"phase"`
		Stage      string `json:"stage"`
		Message    struct {
			Role string `json:"role"`
		} `json:"message"`
	} `json:"payload"`
}

func (w wireFrame) toFrame() gateway.EventFrame {
	sessionKey := w.Payload.SessionKey
	if sessionKey == "" {
		sessionKey = w.Payload.Session
	}
	if sessionKey == "" {
		sessionKey = w.Payload.Key
	}
	return gateway.EventFrame{
		Event: w.Event,
		Payload: gateway.EventPayload{
			SessionKey:  sessionKey,
			Role:        w.Payload.Role,
			Status:      w.Payload.Status,
			Phase:       w.Payload.Phase,
			Stage:       w.Payload.Stage,
			MessageRole: w.Payload.Message.Role,
		},
	}
}

func (c *Client) dispatch(frame gateway.EventFrame) {
	c.mu.RLock()
	handlers := append([]gateway.EventHandler(nil), c.handlers[frame.Event]...)
	handlers = append(handlers, c.handlers["*"]...)
	c.mu.RUnlock()

	for _, h := range handlers {
		if h != nil {
			h(frame)
		}
	}
}

// OnEvent registers handler for kind ("*" for every lifecycle frame) and
// returns a function that detaches it.
func (c *Client) OnEvent(kind string, handler gateway.EventHandler) gateway.Unsubscribe {
	c.mu.Lock()
	c.handlers[kind] = append(c.handlers[kind], handler)
	idx := len(c.handlers[kind]) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		handlers := c.handlers[kind]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// SendMessage posts text to sessionKey via the gateway's REST API.
func (c *Client) SendMessage(ctx context.Context, sessionKey, text string) error {
	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/sessions/%s/messages", sessionKey), body)
	if err != nil {
		return &gateway.SendError{SessionKey: sessionKey, Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &gateway.SendError{SessionKey: sessionKey, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &gateway.SendError{SessionKey: sessionKey, Cause: fmt.Errorf("gateway returned status %d", resp.StatusCode)}
	}
	return nil
}

// PatchSession applies an optional model/provider override. Failures are the
// caller's to log — this method reports them but callers should not treat a
// non-nil error here as fatal to dispatch.
func (c *Client) PatchSession(ctx context.Context, sessionKey string, patch gateway.SessionPatch) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("gateway: marshal session patch: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPatch, fmt.Sprintf("/sessions/%s", sessionKey), body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: patch session %s: %w", sessionKey, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway: patch session %s returned status %d", sessionKey, resp.StatusCode)
	}
	return nil
}

// GetChatHistory fetches sessionKey's ordered message history.
func (c *Client) GetChatHistory(ctx context.Context, sessionKey string) ([]gateway.Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/sessions/%s/history", sessionKey), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: get chat history for %s: %w", sessionKey, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway: get chat history for %s returned status %d", sessionKey, resp.StatusCode)
	}

	var messages []gateway.Message
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("gateway: decode chat history for %s: %w", sessionKey, err)
	}
	return messages, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]gateway.SessionSummary, error) {
	var out []gateway.SessionSummary
	if err := c.getJSON(ctx, "/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListCronJobs(ctx context.Context) ([]gateway.CronJobSummary, error) {
	var out []gateway.CronJobSummary
	if err := c.getJSON(ctx, "/cron/jobs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CronStatus(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/cron/status", &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway: GET %s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}
