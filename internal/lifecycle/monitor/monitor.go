// Package monitor is the Agent Task Monitor (spec.md C7): a process-wide
// registry of per-session supervisors, each owning a poll timer, an idle
// timer, a first-activity-ack timer, and a subscription to the gateway's
// lifecycle event stream. Grounded on the teacher's
// orchestrator/scheduler.Scheduler (one goroutine + ticker loop per owned
// unit, start/stop idempotence, atomic bookkeeping) combined with
// orchestrator/watcher.Watcher (event-bus subscription lifecycle,
// subscribe-then-dispatch-to-handler shape) — Mission Control needs both
// roles fused into a single per-session supervisor rather than kept as two
// singletons, since each dispatch needs its own timers and its own event
// filter.
package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/missioncontrol/missioncontrol/internal/apperrors"
	"github.com/missioncontrol/missioncontrol/internal/eventbus"
	"github.com/missioncontrol/missioncontrol/internal/gateway"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/completiongate"
	"github.com/missioncontrol/missioncontrol/internal/lifecycle/statemachine"
	"github.com/missioncontrol/missioncontrol/internal/logging"
	"github.com/missioncontrol/missioncontrol/internal/metrics"
	"github.com/missioncontrol/missioncontrol/internal/store"
)

// activityKeywords is the set of words a rejected-but-plausible completion
// reply must contain for the gate rejection to be worth recording
// (spec.md §4.7 poll-tick branch).
var activityKeywords = []string{"done", "completed", "implemented", "finished"}

// ackEventHints are substrings that, when found in an event's name, phase,
// or stage, count as first-activity evidence from the event stream.
var ackEventHints = []string{
	"lifecycle", "run.start", "run.progress", "chat.run.start",
	"chat.run.progress", "started", "progress", "running",
}

// Handoff is invoked once a dispatch's completion has been accepted. It
// decides whether to route through the Orchestrator, straight to testing,
// or straight to review; implemented by internal/app once the Orchestrator
// Router and Dispatcher exist, since both of those packages depend on this
// one and an import cycle would otherwise result.
type Handoff interface {
	// HandleAcceptedCompletion runs the post-acceptance routing for taskID.
	// wasTesterSession is true when the completing session was a tester
	// hand-off rather than the original programmer dispatch.
	HandleAcceptedCompletion(ctx context.Context, taskID string, wasTesterSession bool)
}

// Deps are the collaborators every monitor goroutine shares.
type Deps struct {
	Store   store.Store
	Gateway gateway.Client
	Bus     eventbus.Bus
	Machine *statemachine.Engine
	Log     *logging.Logger

	PollInterval time.Duration
	IdleTimeout  time.Duration
	AckTimeout   time.Duration

	// Handoff is consulted on an accepted completion. May be set after
	// construction via Registry.SetHandoff once available.
	Handoff Handoff
}

// StartParams describes the dispatch a new monitor supervises.
type StartParams struct {
	TaskID                 string
	SessionKey             string
	AgentID                string
	DispatchID             string
	DispatchStartedAt      time.Time
	BaselineAssistantCount int
	TesterSession          bool
}

// Registry is the process-wide, mutex-protected set of active monitors.
type Registry struct {
	deps Deps

	mu       sync.Mutex
	monitors map[string]*monitorState // keyed by sessionKey
}

// New builds a Registry. deps.Handoff may be nil at construction time and
// set later with SetHandoff once the Orchestrator Router and Dispatcher are
// wired (internal/app resolves the cycle this way).
func New(deps Deps) *Registry {
	if deps.PollInterval <= 0 {
		deps.PollInterval = 10 * time.Second
	}
	if deps.IdleTimeout <= 0 {
		deps.IdleTimeout = 10 * time.Minute
	}
	if deps.AckTimeout <= 0 {
		deps.AckTimeout = 90 * time.Second
	}
	return &Registry{deps: deps, monitors: make(map[string]*monitorState)}
}

// SetHandoff wires the post-acceptance router once it exists.
func (r *Registry) SetHandoff(h Handoff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps.Handoff = h
}

// ActiveFor reports whether a monitor is currently supervising agentID on
// taskID, used by the Dispatcher's dedupe decision (spec.md §4.6 step 6).
func (r *Registry) ActiveFor(taskID, agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.monitors {
		if m.params.TaskID == taskID && m.params.AgentID == agentID {
			return true
		}
	}
	return false
}

// Snapshot returns the session keys of every active monitor.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.monitors))
	for k := range r.monitors {
		keys = append(keys, k)
	}
	return keys
}

// StartMonitoring stops any existing monitor for params.SessionKey, then
// starts a fresh one. Idempotent per session key.
func (r *Registry) StartMonitoring(ctx context.Context, params StartParams) {
	r.StopMonitoring(params.SessionKey)

	ctx, cancel := context.WithCancel(ctx)
	m := &monitorState{
		deps:             r.deps,
		params:           params,
		lastMessageCount: params.BaselineAssistantCount,
		lastActivityAt:   time.Now(),
		cancel:           cancel,
		done:             make(chan struct{}),
	}

	r.mu.Lock()
	r.monitors[params.SessionKey] = m
	r.mu.Unlock()

	m.unsubscribe = r.deps.Gateway.OnEvent("*", m.handleEvent)

	go func() {
		m.run(ctx)
		r.mu.Lock()
		if r.monitors[params.SessionKey] == m {
			delete(r.monitors, params.SessionKey)
		}
		r.mu.Unlock()
		m.stop()
	}()
}

// PollSessionNow runs one poll tick against the monitor for sessionKey
// immediately rather than waiting for its ticker, for the on-demand
// `GET /tasks/check-completion` endpoint (spec.md §6). polled reports
// whether a monitor for sessionKey exists at all; accepted reports whether
// this tick's Completion Gate evaluation accepted the reply (the caller's
// definition of "completed" for that endpoint's response). The idle/ack
// timers fed to onPollTick are throwaway: the supervising goroutine's own
// timers are left untouched, so this never disturbs its real schedule.
func (r *Registry) PollSessionNow(ctx context.Context, sessionKey string) (polled, accepted bool) {
	r.mu.Lock()
	m, ok := r.monitors[sessionKey]
	r.mu.Unlock()
	if !ok {
		return false, false
	}

	before := m.lastAcceptedCount()
	idle := time.NewTimer(m.deps.IdleTimeout)
	defer idle.Stop()
	ack := time.NewTimer(m.deps.AckTimeout)
	defer ack.Stop()
	m.onPollTick(ctx, idle, ack)
	return true, m.lastAcceptedCount() > before
}

// StopMonitoring tears down the monitor for sessionKey, if any. Idempotent.
func (r *Registry) StopMonitoring(sessionKey string) {
	r.mu.Lock()
	m, ok := r.monitors[sessionKey]
	if ok {
		delete(r.monitors, sessionKey)
	}
	r.mu.Unlock()

	if ok {
		m.stop()
	}
}

// monitorState is one supervised dispatch session.
type monitorState struct {
	deps   Deps
	params StartParams

	mu                 sync.Mutex
	lastMessageCount   int
	acceptedCount      int // bumped each time onAccepted runs; lets PollSessionNow detect "did this tick complete the task"
	lastActivityAt     time.Time
	firstActivityAcked bool

	unsubscribe gateway.Unsubscribe
	cancel      context.CancelFunc
	done        chan struct{}
	stopOnce    sync.Once
}

func (m *monitorState) stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		<-m.done
	})
}

func (m *monitorState) log() *logging.Logger {
	return m.deps.Log.WithTaskID(m.params.TaskID)
}

func (m *monitorState) run(ctx context.Context) {
	defer close(m.done)

	poll := time.NewTicker(m.deps.PollInterval)
	defer poll.Stop()
	idle := time.NewTimer(m.deps.IdleTimeout)
	defer idle.Stop()
	ack := time.NewTimer(m.deps.AckTimeout)
	defer ack.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ack.C:
			m.onAckTimeout(ctx)
			return
		case <-idle.C:
			m.onIdleTimeout(ctx)
			idle.Reset(m.deps.IdleTimeout)
		case <-poll.C:
			stop := m.onPollTick(ctx, idle, ack)
			if stop {
				return
			}
		}
	}
}

// handleEvent is the gateway "*" handler; it only reacts to frames for this
// monitor's session and only to first-activity-ack qualifying frames.
func (m *monitorState) handleEvent(frame gateway.EventFrame) {
	if frame.Payload.SessionKey != m.params.SessionKey {
		return
	}

	qualifies := frame.Payload.Role == string(gateway.RoleAssistant) || hintMatches(frame.Event) ||
		hintMatches(frame.Payload.Phase) || hintMatches(frame.Payload.Stage)
	if !qualifies {
		return
	}

	m.ackFirstActivity(context.Background(), "event")
}

func hintMatches(s string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, hint := range ackEventHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// ackFirstActivity applies the race-safe latch: whichever of the event path
// or the poll path observes first activity first wins, and the other is a
// no-op (LAW-2).
func (m *monitorState) ackFirstActivity(ctx context.Context, source string) {
	m.mu.Lock()
	if m.firstActivityAcked {
		m.mu.Unlock()
		return
	}
	m.firstActivityAcked = true
	m.mu.Unlock()

	task, err := m.deps.Store.GetTask(ctx, m.params.TaskID)
	if err != nil {
		m.log().WithError(err).Warn("first-activity ack: load task failed")
		return
	}
	if task.Status == store.StatusTesting {
		// Tester activity is not programmer progress; the task stays where it is.
		return
	}

	result, err := m.deps.Machine.Transition(ctx, m.params.TaskID, store.StatusInProgress, statemachine.Options{
		Actor:   "system",
		Reason:  "first_agent_activity_ack",
		AgentID: m.params.AgentID,
	})
	if err != nil {
		m.log().WithError(err).Error("first-activity ack: transition failed")
		return
	}
	if !result.OK {
		return
	}

	m.deps.Store.LogActivity(ctx, &store.ActivityEntry{
		Type:    "first_agent_activity_ack",
		TaskID:  &m.params.TaskID,
		AgentID: &m.params.AgentID,
		Message: "first agent activity acknowledged via " + source,
	})
}

// onPollTick fetches chat history, updates activity bookkeeping, and runs
// the Completion Gate over the newest assistant reply when the count grew.
// Returns true when the monitor should stop entirely.
func (m *monitorState) onPollTick(ctx context.Context, idle, ack *time.Timer) bool {
	started := time.Now()
	defer func() { metrics.PollLatency.WithLabelValues("complete").Observe(time.Since(started).Seconds()) }()

	task, err := m.deps.Store.GetTask(ctx, m.params.TaskID)
	if err != nil {
		m.log().WithError(err).Warn("poll tick: load task failed")
		return true
	}
	if task.Status != store.StatusAssigned && task.Status != store.StatusInProgress && task.Status != store.StatusTesting {
		return true
	}

	history, err := m.deps.Gateway.GetChatHistory(ctx, m.params.SessionKey)
	if err != nil {
		m.log().WithError(err).Warn("poll tick: fetch chat history failed")
		return false
	}

	count := 0
	var latest *gateway.Message
	for i := range history {
		if history[i].Role != gateway.RoleAssistant {
			continue
		}
		count++
		latest = &history[i]
	}

	m.mu.Lock()
	grew := count > m.lastMessageCount
	m.lastMessageCount = count
	m.mu.Unlock()

	if !grew || latest == nil {
		return false
	}

	idle.Reset(m.deps.IdleTimeout)
	// Only messages beyond the task's dispatch baseline count as first
	// activity, the same evidence rule the Reconciler derives in_progress from.
	if task.DispatchMessageCountStart == nil || count > *task.DispatchMessageCountStart {
		if !ack.Stop() {
			select {
			case <-ack.C:
			default:
			}
		}
		m.ackFirstActivity(ctx, "poll")
	}

	text := gateway.ExtractText(latest.Content)
	marker := completiongate.DetectMarker(text)

	evidence := time.Now().UTC()
	if latest.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, latest.Timestamp); err == nil {
			evidence = parsed
		}
	}

	decision := completiongate.Evaluate(*task, completiongate.Input{
		PayloadDispatchID:     marker.ExtractedDispatchID,
		HasCompletionMarker:   marker.HasCompletionMarker,
		EvidenceTimestamp:     &evidence,
		AssistantMessageCount: count,
		Now:                   time.Now().UTC(),
	})

	metrics.CompletionGateDecisions.WithLabelValues(string(decision.CompletionReason)).Inc()

	if decision.Accepted {
		m.onAccepted(ctx, text)
		return true
	}

	if !marker.HasCompletionMarker && !containsAny(text, activityKeywords) {
		return false
	}

	m.deps.Store.LogActivity(ctx, &store.ActivityEntry{
		Type:    "task_completion_gate_rejected",
		TaskID:  &m.params.TaskID,
		AgentID: &m.params.AgentID,
		Message: string(decision.CompletionReason),
	})
	return false
}

func containsAny(text string, words []string) bool {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func (m *monitorState) lastAcceptedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptedCount
}

// onAccepted runs spec.md §4.7's handoff after an accepted completion. When
// an orchestrator is configured (store.WorkflowSettings.OrchestratorAgentID
// set), routing is delegated to deps.Handoff, which internal/app wires to
// the Orchestrator Router once that package exists. Otherwise the Monitor
// applies the default routing itself: a file/url Deliverable that wasn't a
// tester completion sends the task to testing (and fires the external test
// pipeline), anything else goes to review. This default path runs
// regardless of whether Handoff is wired, so an unconfigured deployment
// still satisfies the happy-path handoff.
func (m *monitorState) onAccepted(ctx context.Context, replyText string) {
	m.mu.Lock()
	m.acceptedCount++
	m.mu.Unlock()

	m.deps.Store.AddComment(ctx, &store.Comment{
		TaskID:     m.params.TaskID,
		AuthorType: store.CommentAuthorAgent,
		AgentID:    &m.params.AgentID,
		Content:    replyText,
	})

	settings, err := m.deps.Store.GetWorkflowSettings(ctx)
	if err != nil {
		m.log().WithError(err).Error("accepted completion: load workflow settings failed")
		settings = &store.WorkflowSettings{}
	}

	if settings.OrchestratorAgentID != nil && *settings.OrchestratorAgentID != "" && m.deps.Handoff != nil {
		apperrors.Go(m.log(), "monitor-handoff", func() {
			m.deps.Handoff.HandleAcceptedCompletion(context.Background(), m.params.TaskID, m.params.TesterSession)
		})
		return
	}

	apperrors.Go(m.log(), "monitor-default-handoff", func() {
		m.defaultHandoff(context.Background())
	})
}

// defaultHandoff implements spec.md §4.7's fallback routing for deployments
// with no orchestrator configured (or none wired into Handoff yet): route to
// testing when the task has a file/url Deliverable and this wasn't itself a
// tester completion, else route straight to review.
func (m *monitorState) defaultHandoff(ctx context.Context) {
	to := store.StatusReview
	hasTestableDeliverable := false

	if !m.params.TesterSession {
		deliverables, err := m.deps.Store.ListDeliverables(ctx, m.params.TaskID)
		if err != nil {
			m.log().WithError(err).Warn("accepted completion: list deliverables failed")
		}
		for _, d := range deliverables {
			if d.DeliverableType == store.DeliverableFile || d.DeliverableType == store.DeliverableURL {
				hasTestableDeliverable = true
				break
			}
		}
	}
	if hasTestableDeliverable {
		to = store.StatusTesting
	}

	result, err := m.deps.Machine.Transition(ctx, m.params.TaskID, to, statemachine.Options{
		Actor:   "system",
		Reason:  "completion_accepted",
		AgentID: m.params.AgentID,
	})
	if err != nil {
		m.log().WithError(err).Error("accepted completion: default handoff transition failed")
		return
	}
	if !result.OK {
		return
	}

	m.deps.Store.LogActivity(ctx, &store.ActivityEntry{
		Type:    "task_" + string(to),
		TaskID:  &m.params.TaskID,
		AgentID: &m.params.AgentID,
		Message: "completion accepted, routed to " + string(to) + " (no orchestrator configured)",
	})

	if to == store.StatusTesting {
		m.triggerTestPipeline(ctx)
	}
}

// triggerTestPipeline records a test_pipeline_triggered activity entry for a
// task entering testing through the default handoff. It makes no HTTP call
// to the external test pipeline (POST /api/tasks/{id}/test); nothing else
// in the default handoff path makes that call either. It runs after the
// testing transition has landed and never undoes it (spec.md §7
// propagation policy).
func (m *monitorState) triggerTestPipeline(ctx context.Context) {
	m.deps.Store.LogActivity(ctx, &store.ActivityEntry{
		Type:    "test_pipeline_triggered",
		TaskID:  &m.params.TaskID,
		AgentID: &m.params.AgentID,
		Message: "test pipeline trigger requested for task entering testing",
	})
}

func (m *monitorState) onAckTimeout(ctx context.Context) {
	task, err := m.deps.Store.GetTask(ctx, m.params.TaskID)
	if err != nil {
		return
	}
	if task.Status != store.StatusAssigned && task.Status != store.StatusInProgress {
		return
	}

	agentID := m.params.AgentID
	result, err := m.deps.Machine.Transition(ctx, m.params.TaskID, store.StatusAssigned, statemachine.Options{
		Actor:        "system",
		Reason:       "ack_timeout",
		AgentID:      agentID,
		BypassGuards: true,
		Patch: &store.TaskPatch{
			ClearDispatch: true,
		},
	})
	if err != nil || !result.OK {
		return
	}

	m.deps.Store.AddComment(ctx, &store.Comment{
		TaskID:     m.params.TaskID,
		AuthorType: store.CommentAuthorSystem,
		Content:    "agent did not acknowledge the task within the ack timeout window",
	})
	m.deps.Store.LogActivity(ctx, &store.ActivityEntry{
		Type:    "task_ack_timeout",
		TaskID:  &m.params.TaskID,
		AgentID: &agentID,
		Message: "no first activity within ack timeout",
	})
}

func (m *monitorState) onIdleTimeout(ctx context.Context) {
	agentID := m.params.AgentID
	m.deps.Store.AddComment(ctx, &store.Comment{
		TaskID:     m.params.TaskID,
		AuthorType: store.CommentAuthorSystem,
		Content:    "completion monitor timeout — re-dispatch/rework",
	})
	m.deps.Store.LogActivity(ctx, &store.ActivityEntry{
		Type:    "task_completion_gate_rejected",
		TaskID:  &m.params.TaskID,
		AgentID: &agentID,
		Message: string(completiongate.ReasonSuspiciousInstantNoNewEvidence),
	})
}
