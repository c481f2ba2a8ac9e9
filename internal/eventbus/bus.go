// Package eventbus provides Mission Control's process-wide event fan-out
// (spec.md C2): subscribers get a best-effort, per-subscriber FIFO stream and
// a slow consumer is dropped and closed rather than allowed to block
// producers.
package eventbus

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the lifecycle event discriminators the core publishes.
type Kind string

const (
	KindTaskCreated      Kind = "task_created"
	KindTaskUpdated      Kind = "task_updated"
	KindTaskDeleted      Kind = "task_deleted"
	KindActivityLogged   Kind = "activity_logged"
	KindDeliverableAdded Kind = "deliverable_added"
	KindAgentSpawned     Kind = "agent_spawned"
	KindAgentCompleted   Kind = "agent_completed"
	KindPluginToggled    Kind = "plugin_toggled"
)

// Event is a single fan-out message. Payload is opaque to the bus.
type Event struct {
	ID        string
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an Event with a fresh ID and the current UTC timestamp.
func NewEvent(kind Kind, payload any) Event {
	return Event{ID: uuid.New().String(), Kind: kind, Timestamp: time.Now().UTC(), Payload: payload}
}

// Subscription is a live stream handle returned by Subscribe.
type Subscription interface {
	// Events is closed when the subscriber is dropped (buffer overflow) or
	// Unsubscribe is called.
	Events() <-chan Event
	Unsubscribe()
}

// Bus is Mission Control's event fan-out contract.
type Bus interface {
	// Subscribe registers for events whose kind matches pattern ("*" for all,
	// or a Kind value for an exact match). bufferSize bounds this
	// subscriber's backlog before it is dropped.
	Subscribe(pattern string, bufferSize int) Subscription
	Publish(event Event)
	Close()
}

type subscription struct {
	bus     *memoryBus
	pattern string
	regex   *regexp.Regexp
	ch      chan Event
	mu      sync.Mutex
	closed  bool
}

func (s *subscription) Events() <-chan Event { return s.ch }

func (s *subscription) Unsubscribe() {
	s.bus.remove(s)
}

func (s *subscription) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// memoryBus is an in-process Bus implementation. It requires no external
// broker and is the default wiring for a single-node deployment.
type memoryBus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

var _ Bus = (*memoryBus)(nil)

// NewMemoryBus constructs an in-process Bus.
func NewMemoryBus() Bus {
	return &memoryBus{subs: make(map[*subscription]struct{})}
}

func (b *memoryBus) Subscribe(pattern string, bufferSize int) Subscription {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	sub := &subscription{
		bus:     b,
		pattern: pattern,
		regex:   compilePattern(pattern),
		ch:      make(chan Event, bufferSize),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *memoryBus) remove(sub *subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.closeOnce()
}

// Publish fans event out to every matching, still-active subscriber. A
// subscriber whose buffer is full is dropped (its channel closed) instead of
// blocking this call — producers never wait on a slow consumer.
func (b *memoryBus) Publish(event Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		if matches(string(event.Kind), sub.pattern, sub.regex) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		select {
		case sub.ch <- event:
		default:
			b.remove(sub)
		}
	}
}

func (b *memoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.closeOnce()
	}
	b.subs = make(map[*subscription]struct{})
}

func matches(kind, pattern string, regex *regexp.Regexp) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return kind == pattern
	}
	if regex != nil {
		return regex.MatchString(kind)
	}
	return false
}

// compilePattern turns a "*"-wildcard pattern into a regex; nil for an exact,
// wildcard-free pattern (handled by a plain string comparison instead).
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") {
		return nil
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}
