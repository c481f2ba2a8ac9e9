package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/missioncontrol/missioncontrol/internal/store"
)

// singletonSettingsID is the fixed row id workflow_settings is keyed on;
// the table only ever holds one row.
const singletonSettingsID = 1

func (c *conn) GetWorkflowSettings(ctx context.Context) (*store.WorkflowSettings, error) {
	row := c.x.QueryRowContext(ctx, c.x.Rebind(`
		SELECT orchestrator_agent_id, planner_agent_id, tester_agent_id, max_rework_cycles
		FROM workflow_settings WHERE id = ?
	`), singletonSettingsID)

	var orchestratorAgentID, plannerAgentID, testerAgentID sql.NullString
	var settings store.WorkflowSettings
	err := row.Scan(&orchestratorAgentID, &plannerAgentID, &testerAgentID, &settings.MaxReworkCycles)
	if err == sql.ErrNoRows {
		return &store.WorkflowSettings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan workflow settings: %w", err)
	}
	settings.OrchestratorAgentID = nullStringPtr(orchestratorAgentID)
	settings.PlannerAgentID = nullStringPtr(plannerAgentID)
	settings.TesterAgentID = nullStringPtr(testerAgentID)
	return &settings, nil
}

func (c *conn) PutWorkflowSettings(ctx context.Context, settings *store.WorkflowSettings) error {
	_, err := c.x.ExecContext(ctx, c.x.Rebind(`
		INSERT INTO workflow_settings (id, orchestrator_agent_id, planner_agent_id, tester_agent_id, max_rework_cycles)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			orchestrator_agent_id = excluded.orchestrator_agent_id,
			planner_agent_id = excluded.planner_agent_id,
			tester_agent_id = excluded.tester_agent_id,
			max_rework_cycles = excluded.max_rework_cycles
	`), singletonSettingsID, settings.OrchestratorAgentID, settings.PlannerAgentID, settings.TesterAgentID, settings.MaxReworkCycles)
	if err != nil {
		return fmt.Errorf("sqlite: upsert workflow settings: %w", err)
	}
	return nil
}
