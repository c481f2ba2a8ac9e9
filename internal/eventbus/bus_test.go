package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToExactMatch(t *testing.T) {
	bus := NewMemoryBus()
	sub := bus.Subscribe(string(KindTaskCreated), 4)

	bus.Publish(NewEvent(KindTaskCreated, map[string]string{"id": "1"}))
	bus.Publish(NewEvent(KindTaskUpdated, map[string]string{"id": "1"}))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, KindTaskCreated, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}

	select {
	case ev, ok := <-sub.Events():
		t.Fatalf("unexpected second event: %+v ok=%v", ev, ok)
	default:
	}
}

func TestPublishDeliversToWildcard(t *testing.T) {
	bus := NewMemoryBus()
	sub := bus.Subscribe("*", 4)

	bus.Publish(NewEvent(KindTaskCreated, nil))
	bus.Publish(NewEvent(KindAgentCompleted, nil))

	kinds := []Kind{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			kinds = append(kinds, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("expected an event")
		}
	}
	assert.ElementsMatch(t, []Kind{KindTaskCreated, KindAgentCompleted}, kinds)
}

func TestSlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	bus := NewMemoryBus()
	sub := bus.Subscribe("*", 1)

	// Fill the buffer, then publish again to force the drop path; this must
	// return immediately regardless of whether anyone drains the channel.
	done := make(chan struct{})
	go func() {
		bus.Publish(NewEvent(KindTaskCreated, nil))
		bus.Publish(NewEvent(KindTaskCreated, nil))
		bus.Publish(NewEvent(KindTaskCreated, nil))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	_, ok := <-sub.Events()
	require.True(t, ok)
	_, ok = <-sub.Events()
	assert.False(t, ok, "subscriber should have been dropped and its channel closed")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus()
	sub := bus.Subscribe("*", 4)
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestClosingBusClosesAllSubscribers(t *testing.T) {
	bus := NewMemoryBus()
	sub1 := bus.Subscribe("*", 4)
	sub2 := bus.Subscribe(string(KindTaskCreated), 4)

	bus.Close()

	_, ok := <-sub1.Events()
	assert.False(t, ok)
	_, ok = <-sub2.Events()
	assert.False(t, ok)
}
