// Package promptbuilder assembles the text sent to an agent on dispatch.
// The body is opaque outside this package; the one fixed contract is the
// trailing completion-marker instruction every prompt must carry (spec.md
// §4.6, §4.3 "Marker grammar").
package promptbuilder

import "fmt"

// Dispatch builds the initial-dispatch prompt for a task.
func Dispatch(title, description, dispatchID string) string {
	return fmt.Sprintf(
		"You have been assigned the following task:\n\nTitle: %s\n\n%s\n\n%s",
		title, description, completionInstruction(dispatchID),
	)
}

// Rework builds the prompt sent when re-dispatching with reviewer or
// orchestrator feedback attached.
func Rework(title, description, feedback, dispatchID string) string {
	return fmt.Sprintf(
		"Please rework the following task based on the feedback below.\n\nTitle: %s\n\n%s\n\nFeedback:\n%s\n\n%s",
		title, description, feedback, completionInstruction(dispatchID),
	)
}

// Test builds the prompt sent to a tester agent on hand-off from a
// completed implementation.
func Test(title, description, dispatchID string) string {
	return fmt.Sprintf(
		"Please verify the following completed task:\n\nTitle: %s\n\n%s\n\n%s",
		title, description, completionInstruction(dispatchID),
	)
}

func completionInstruction(dispatchID string) string {
	return fmt.Sprintf("When finished, reply exactly: TASK_COMPLETE dispatch_id=%s: <one-line summary>", dispatchID)
}
