package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/missioncontrol/missioncontrol/internal/logging"
)

// wireEvent is Event's wire representation; Payload travels as JSON so it
// survives a hop through a real NATS subject rather than staying an in-process any.
type wireEvent struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Timestamp string `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

const natsSubjectPrefix = "missioncontrol.events."

// natsBus is a Bus backed by a real NATS connection, for multi-process
// deployments where the default in-memory Bus can't fan out across nodes.
type natsBus struct {
	conn *nats.Conn
	log  *logging.Logger

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

var _ Bus = (*natsBus)(nil)

// NewNATSBus connects to url and returns a NATS-backed Bus.
func NewNATSBus(url string, log *logging.Logger) (Bus, error) {
	conn, err := nats.Connect(url, nats.Name("missioncontrold"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &natsBus{conn: conn, log: log, subs: make(map[*natsSubscription]struct{})}, nil
}

func (b *natsBus) subjectFor(kind Kind) string {
	return natsSubjectPrefix + string(kind)
}

func (b *natsBus) Publish(event Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		b.log.WithError(err).Error("marshal event payload failed")
		return
	}
	wire := wireEvent{ID: event.ID, Kind: event.Kind, Timestamp: event.Timestamp.Format(time.RFC3339Nano), Payload: payload}
	data, err := json.Marshal(wire)
	if err != nil {
		b.log.WithError(err).Error("marshal wire event failed")
		return
	}
	if err := b.conn.Publish(b.subjectFor(event.Kind), data); err != nil {
		b.log.WithError(err).Error("nats publish failed")
	}
}

type natsSubscription struct {
	bus *natsBus
	sub *nats.Subscription
	ch  chan Event

	mu     sync.Mutex
	closed bool
}

func (s *natsSubscription) Events() <-chan Event { return s.ch }

func (s *natsSubscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
	s.closeOnce()
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}

func (s *natsSubscription) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Subscribe translates pattern into a NATS subject pattern ("*" maps to the
// prefix wildcard ">") and relays matching messages into a buffered channel,
// dropping (and closing) the subscriber if it falls behind.
func (b *natsBus) Subscribe(pattern string, bufferSize int) Subscription {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	natsSubject := natsSubjectPrefix + ">"
	if pattern != "*" && pattern != "" && !strings.Contains(pattern, "*") {
		natsSubject = b.subjectFor(Kind(pattern))
	}

	sub := &natsSubscription{bus: b, ch: make(chan Event, bufferSize)}
	nsub, err := b.conn.Subscribe(natsSubject, func(msg *nats.Msg) {
		var wire wireEvent
		if err := json.Unmarshal(msg.Data, &wire); err != nil {
			b.log.WithError(err).Error("unmarshal nats event failed")
			return
		}
		var payload any
		_ = json.Unmarshal(wire.Payload, &payload)
		ts, _ := time.Parse(time.RFC3339Nano, wire.Timestamp)
		event := Event{ID: wire.ID, Kind: wire.Kind, Timestamp: ts, Payload: payload}

		select {
		case sub.ch <- event:
		default:
			sub.Unsubscribe()
		}
	})
	if err != nil {
		b.log.WithError(err).Error("nats subscribe failed")
		close(sub.ch)
		return sub
	}
	sub.sub = nsub

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *natsBus) Close() {
	b.mu.Lock()
	subs := make([]*natsSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	b.conn.Close()
}
