// Package gateway defines Mission Control's opaque channel to the external
// chat-gateway (spec.md C3): sending messages into an agent session, reading
// its chat history, and subscribing to lifecycle frames. The core never
// interprets message content beyond the shared ExtractText reduction rule.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role identifies who authored a chat-history Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentBlock is one element of a structured Message.Content array.
type ContentBlock struct {
	Text    string `json:"text,omitempty"`
	Content string `json:"content,omitempty"`
}

// Message is a single chat-history entry. Content is either a plain string
// or an array of ContentBlock — callers reduce it to text with ExtractText.
type Message struct {
	Role      Role            `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// ExtractText reduces a Message's content to plain text: a string value is
// taken as-is; an array of blocks is the concatenation of each block's .text
// where it is a string, falling back to .content, and finally to the raw
// JSON as a last resort. This is the one content-shape rule the whole core
// depends on — the orchestrator, the monitor (whose extracted text feeds the
// completion gate), and the planning controller all read a task's chat
// history through it.
func ExtractText(content json.RawMessage) string {
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return asString
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		text := ""
		for _, block := range blocks {
			if block.Text != "" {
				text += block.Text
			} else if block.Content != "" {
				text += block.Content
			}
		}
		return text
	}

	return string(content)
}

// EventFrame is a lifecycle frame delivered via OnEvent.
type EventFrame struct {
	Event   string
	Payload EventPayload
}

// EventPayload carries the union of fields a lifecycle frame may contain.
// Exactly which are populated depends on Event.
type EventPayload struct {
	SessionKey string
	Role       string
	Status     string
	Phase      string
	Stage      string
	MessageRole string
}

// EventHandler receives lifecycle frames. "*" subscribes to every kind.
type EventHandler func(frame EventFrame)

// Unsubscribe detaches a previously registered EventHandler.
type Unsubscribe func()

// SessionPatch requests an optional model/provider override on a session.
// Failures are logged by the caller, never fatal.
type SessionPatch struct {
	Model    *string
	Provider *string
}

// SendError is returned by SendMessage on transport failure.
type SendError struct {
	SessionKey string
	Cause      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("gateway: send to session %s failed: %v", e.SessionKey, e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

// SessionSummary is a read-only snapshot used during reconciliation.
type SessionSummary struct {
	SessionKey string
	Status     string
}

// CronJobSummary is a read-only snapshot of a scheduled job, used during
// reconciliation to cross-check the Reconciler's own expectations.
type CronJobSummary struct {
	Name       string
	LastRunAt  string
	NextRunAt  string
	Status     string
}

// Client is the core's entire view of the external chat gateway.
type Client interface {
	// Connect is idempotent and must succeed before any other call.
	Connect(ctx context.Context) error

	SendMessage(ctx context.Context, sessionKey, text string) error
	PatchSession(ctx context.Context, sessionKey string, patch SessionPatch) error
	GetChatHistory(ctx context.Context, sessionKey string) ([]Message, error)

	OnEvent(kind string, handler EventHandler) Unsubscribe

	ListSessions(ctx context.Context) ([]SessionSummary, error)
	ListCronJobs(ctx context.Context) ([]CronJobSummary, error)
	CronStatus(ctx context.Context) (string, error)
}
