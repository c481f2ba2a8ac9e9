package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/missioncontrol/missioncontrol/internal/store"
)

func TestDecideDedupeTable(t *testing.T) {
	agentID := "alpha"
	other := "beta"
	now := time.Unix(10000, 0)
	ackTimeout := 90 * time.Second

	cases := []struct {
		name          string
		task          store.Task
		monitorActive bool
		want          DedupeReason
	}{
		{
			name:          "different agent never dedupes",
			task:          store.Task{AssignedAgentID: &other, Status: store.StatusInProgress},
			monitorActive: true,
			want:          DedupeNone,
		},
		{
			name:          "active monitor dedupes",
			task:          store.Task{AssignedAgentID: &agentID, Status: store.StatusAssigned},
			monitorActive: true,
			want:          DedupeActiveMonitor,
		},
		{
			name:          "already in progress dedupes",
			task:          store.Task{AssignedAgentID: &agentID, Status: store.StatusInProgress},
			monitorActive: false,
			want:          DedupeAlreadyInProgress,
		},
		{
			name: "assigned within ack window dedupes",
			task: store.Task{
				AssignedAgentID:   &agentID,
				Status:            store.StatusAssigned,
				DispatchStartedAt: timePtr(now.Add(-10 * time.Second)),
			},
			monitorActive: false,
			want:          DedupeAwaitingFirstActivityAck,
		},
		{
			name: "assigned past ack window proceeds",
			task: store.Task{
				AssignedAgentID:   &agentID,
				Status:            store.StatusAssigned,
				DispatchStartedAt: timePtr(now.Add(-2 * time.Minute)),
			},
			monitorActive: false,
			want:          DedupeNone,
		},
		{
			name:          "unassigned task never dedupes",
			task:          store.Task{Status: store.StatusInbox},
			monitorActive: false,
			want:          DedupeNone,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := decideDedupe(agentID, &tc.task, tc.monitorActive, now, ackTimeout)
			assert.Equal(t, tc.want, got)
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }
