// Package sessionkey derives the deterministic, collision-free key used to
// address an agent's chat-gateway session for a given task (spec.md §4.6
// step 2). The format is opaque to every caller; nothing outside this
// package should construct or parse one by hand.
package sessionkey

import "fmt"

// For builds the canonical session key for agentID working taskID. The same
// pair always yields the same key, and distinct tasks for the same agent
// never collide.
func For(agentID, taskID string) string {
	return fmt.Sprintf("mc:%s:task:%s", agentID, taskID)
}

// Orchestrator builds the dedicated session key the Orchestrator Router
// uses for its single-turn JSON protocol with orchestratorAgentID about
// taskID, namespaced separately from worker dispatch sessions.
func Orchestrator(namespace, orchestratorAgentID, taskID string) string {
	return fmt.Sprintf("%s:%s:orchestrate:%s", namespace, orchestratorAgentID, taskID)
}

// Planning builds the dedicated session key the Planning Controller uses
// for plannerAgentID's question-and-answer conversation about taskID.
func Planning(namespace, plannerAgentID, taskID string) string {
	return fmt.Sprintf("%s:%s:plan:%s", namespace, plannerAgentID, taskID)
}
