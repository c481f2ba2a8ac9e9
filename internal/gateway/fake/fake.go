// Package fake provides an in-process gateway.Client test double used by
// the lifecycle engine's tests in place of a real chat-gateway connection.
package fake

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/missioncontrol/missioncontrol/internal/gateway"
)

// Client is a gateway.Client backed by plain in-memory state. Tests seed chat
// history with PushMessage and trigger lifecycle frames with Emit.
type Client struct {
	mu sync.Mutex

	connected bool
	history   map[string][]gateway.Message
	patches   map[string]gateway.SessionPatch
	sent      map[string][]string
	sessions  []gateway.SessionSummary
	cronJobs  []gateway.CronJobSummary
	cronStatus string

	handlers map[string][]gateway.EventHandler

	// SendErr, when non-nil, is returned by every SendMessage call for the
	// matching session key; lets tests exercise the dispatch-send-failure path.
	SendErr map[string]error
}

var _ gateway.Client = (*Client)(nil)

// New constructs an empty fake Client.
func New() *Client {
	return &Client{
		history:  make(map[string][]gateway.Message),
		patches:  make(map[string]gateway.SessionPatch),
		sent:     make(map[string][]string),
		handlers: make(map[string][]gateway.EventHandler),
		SendErr:  make(map[string]error),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *Client) SendMessage(ctx context.Context, sessionKey, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.SendErr[sessionKey]; ok && err != nil {
		return &gateway.SendError{SessionKey: sessionKey, Cause: err}
	}
	c.sent[sessionKey] = append(c.sent[sessionKey], text)
	return nil
}

func (c *Client) PatchSession(ctx context.Context, sessionKey string, patch gateway.SessionPatch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patches[sessionKey] = patch
	return nil
}

func (c *Client) GetChatHistory(ctx context.Context, sessionKey string) ([]gateway.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gateway.Message(nil), c.history[sessionKey]...), nil
}

func (c *Client) OnEvent(kind string, handler gateway.EventHandler) gateway.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], handler)
	idx := len(c.handlers[kind]) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		handlers := c.handlers[kind]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

func (c *Client) ListSessions(ctx context.Context) ([]gateway.SessionSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gateway.SessionSummary(nil), c.sessions...), nil
}

func (c *Client) ListCronJobs(ctx context.Context) ([]gateway.CronJobSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]gateway.CronJobSummary(nil), c.cronJobs...), nil
}

func (c *Client) CronStatus(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cronStatus, nil
}

// Test-authoring helpers below; not part of gateway.Client.

// PushMessage appends a plain-text assistant/user message to sessionKey's history.
func (c *Client) PushMessage(sessionKey string, role gateway.Role, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, _ := json.Marshal(text)
	c.history[sessionKey] = append(c.history[sessionKey], gateway.Message{Role: role, Content: raw})
}

// PushBlockMessage appends a structured-content message (an array of blocks).
func (c *Client) PushBlockMessage(sessionKey string, role gateway.Role, blocks []gateway.ContentBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, _ := json.Marshal(blocks)
	c.history[sessionKey] = append(c.history[sessionKey], gateway.Message{Role: role, Content: raw})
}

// SentMessages returns every text sent to sessionKey, in order.
func (c *Client) SentMessages(sessionKey string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent[sessionKey]...)
}

// AssistantMessageCount counts assistant-role messages in sessionKey's history.
func (c *Client) AssistantMessageCount(sessionKey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, msg := range c.history[sessionKey] {
		if msg.Role == gateway.RoleAssistant {
			count++
		}
	}
	return count
}

// Emit delivers frame to every handler subscribed to its exact kind and to
// every "*" subscriber, mirroring the real gateway's fan-out.
func (c *Client) Emit(frame gateway.EventFrame) {
	c.mu.Lock()
	handlers := append([]gateway.EventHandler(nil), c.handlers[frame.Event]...)
	handlers = append(handlers, c.handlers["*"]...)
	c.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(frame)
		}
	}
}

// SetSessions seeds the reconciliation-facing session snapshot list.
func (c *Client) SetSessions(sessions []gateway.SessionSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = sessions
}

// SetCronJobs seeds the reconciliation-facing cron job snapshot list.
func (c *Client) SetCronJobs(jobs []gateway.CronJobSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cronJobs = jobs
}
