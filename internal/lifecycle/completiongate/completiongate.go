// Package completiongate decides whether an agent's chat reply is a valid
// completion signal for a task's current dispatch (spec.md C5). Evaluate is
// a pure function: same Task and Input always yield the same Decision, so
// it is the most exhaustively table-tested package in the module rather
// than a stateful collaborator.
package completiongate

import (
	"regexp"
	"time"

	"github.com/missioncontrol/missioncontrol/internal/store"
)

// Reason enumerates Decision.CompletionReason values.
type Reason string

const (
	ReasonAccepted                        Reason = "accepted"
	ReasonMissingDispatchContext          Reason = "rejected_missing_dispatch_context"
	ReasonStaleDispatchID                 Reason = "rejected_stale_dispatch_id"
	ReasonStaleEvidenceTimestamp          Reason = "rejected_stale_evidence_timestamp"
	ReasonSuspiciousInstantNoNewEvidence  Reason = "rejected_suspicious_instant_no_new_evidence"
	ReasonMissingCompletionMarker         Reason = "rejected_missing_completion_marker"
)

// instantGuardWindow is the minimum elapsed time since dispatch before a
// zero-new-evidence completion signal is trusted (spec.md §4.5 step 5, BND-3).
const instantGuardWindow = 5 * time.Second

// Input carries the dispatch-reply evidence Evaluate needs beyond the Task
// itself. Nowable fields are pointers so their absence is distinguishable
// from a zero value.
type Input struct {
	PayloadDispatchID    string
	HasCompletionMarker  bool
	EvidenceTimestamp    *time.Time
	AssistantMessageCount int
	Now                  time.Time
}

// Decision is Evaluate's pure output.
type Decision struct {
	Accepted          bool
	CompletionReason  Reason
	DispatchID        string
	PayloadDispatchID string
	EvidenceTimestamp *time.Time
}

// Evaluate runs the six-step algorithm of spec.md §4.5 against task's
// current dispatch claim and in. It reads task and in only; it never
// mutates either and has no other side effect (INV-3).
func Evaluate(task store.Task, in Input) Decision {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// Step 1: dispatch context required.
	if task.DispatchID == nil || task.DispatchStartedAt == nil {
		return Decision{
			CompletionReason:  ReasonMissingDispatchContext,
			PayloadDispatchID: in.PayloadDispatchID,
			EvidenceTimestamp: in.EvidenceTimestamp,
		}
	}
	dispatchID := *task.DispatchID
	dispatchStartedAt := *task.DispatchStartedAt

	// Step 2: effective payload id.
	effectiveID := in.PayloadDispatchID
	if effectiveID == "" && in.HasCompletionMarker {
		effectiveID = dispatchID
	}
	if effectiveID == "" {
		return Decision{
			DispatchID:        dispatchID,
			CompletionReason:  ReasonMissingCompletionMarker,
			PayloadDispatchID: in.PayloadDispatchID,
			EvidenceTimestamp: in.EvidenceTimestamp,
		}
	}

	// Step 3: dispatch-id match.
	if effectiveID != dispatchID {
		return Decision{
			DispatchID:        dispatchID,
			CompletionReason:  ReasonStaleDispatchID,
			PayloadDispatchID: in.PayloadDispatchID,
			EvidenceTimestamp: in.EvidenceTimestamp,
		}
	}

	// Step 4: evidence freshness.
	if in.EvidenceTimestamp != nil && in.EvidenceTimestamp.Before(dispatchStartedAt) {
		return Decision{
			DispatchID:        dispatchID,
			CompletionReason:  ReasonStaleEvidenceTimestamp,
			PayloadDispatchID: in.PayloadDispatchID,
			EvidenceTimestamp: in.EvidenceTimestamp,
		}
	}

	// Step 5: anti-instant guard.
	newEvidence := in.AssistantMessageCount
	if task.DispatchMessageCountStart != nil {
		newEvidence = in.AssistantMessageCount - *task.DispatchMessageCountStart
	}
	if newEvidence < 0 {
		newEvidence = 0
	}
	if newEvidence == 0 && now.Sub(dispatchStartedAt) < instantGuardWindow {
		return Decision{
			DispatchID:        dispatchID,
			CompletionReason:  ReasonSuspiciousInstantNoNewEvidence,
			PayloadDispatchID: in.PayloadDispatchID,
			EvidenceTimestamp: in.EvidenceTimestamp,
		}
	}

	// Step 6: accept.
	return Decision{
		Accepted:          true,
		DispatchID:        dispatchID,
		CompletionReason:  ReasonAccepted,
		PayloadDispatchID: in.PayloadDispatchID,
		EvidenceTimestamp: in.EvidenceTimestamp,
	}
}

// markerPattern matches TASK_COMPLETE, optionally followed by
// " dispatch_id=<alnum-or-dash>", and requires the marker be terminated by
// whitespace, ':'/'-', or the end of the string so it doesn't match inside a
// longer identifier.
var markerPattern = regexp.MustCompile(`(?i)TASK_COMPLETE(?:\s+dispatch_id=([a-z0-9-]+))?(?:[\s:-]|$)`)

// MarkerResult is DetectMarker's output.
type MarkerResult struct {
	HasCompletionMarker bool
	ExtractedDispatchID string
}

// DetectMarker scans a plain-text assistant reply for the TASK_COMPLETE
// marker grammar (spec.md §4.5).
func DetectMarker(text string) MarkerResult {
	match := markerPattern.FindStringSubmatch(text)
	if match == nil {
		return MarkerResult{}
	}
	return MarkerResult{HasCompletionMarker: true, ExtractedDispatchID: match[1]}
}
