package sqlite

// initSchema creates every table and index Mission Control needs if they
// don't already exist, mirroring the teacher's initSchema/initCoreSchema
// cascade: one statement per concern, each idempotent so Open can run
// against an existing database unmodified.
func (s *Store) initSchema() error {
	if err := s.initTasksSchema(); err != nil {
		return err
	}
	if err := s.initCommentsSchema(); err != nil {
		return err
	}
	if err := s.initDeliverablesSchema(); err != nil {
		return err
	}
	if err := s.initActivitySchema(); err != nil {
		return err
	}
	if err := s.initSessionsSchema(); err != nil {
		return err
	}
	return s.initSettingsSchema()
}

func (s *Store) initTasksSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id                             TEXT PRIMARY KEY,
			title                          TEXT NOT NULL,
			description                    TEXT NOT NULL DEFAULT '',
			priority                       TEXT NOT NULL DEFAULT 'medium',
			status                         TEXT NOT NULL DEFAULT 'inbox',
			assigned_agent_id              TEXT,
			openclaw_session_key           TEXT,
			dispatch_id                    TEXT,
			dispatch_started_at            DATETIME,
			dispatch_message_count_start   INTEGER,
			planning_session_key           TEXT,
			planning_messages              TEXT,
			planning_complete              BOOLEAN NOT NULL DEFAULT 0,
			planning_spec                  TEXT,
			planning_dispatch_error        TEXT,
			planning_question_waiting      BOOLEAN NOT NULL DEFAULT 0,
			orchestrator_session_key       TEXT,
			tester_session_key             TEXT,
			rework_count                   INTEGER NOT NULL DEFAULT 0,
			sort_order                     INTEGER NOT NULL DEFAULT 0,
			created_at                     DATETIME NOT NULL,
			updated_at                     DATETIME NOT NULL
		)
	`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_tasks_assigned_agent_id ON tasks(assigned_agent_id)`); err != nil {
		return err
	}
	return nil
}

func (s *Store) initCommentsSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS comments (
			id          TEXT PRIMARY KEY,
			task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			author_type TEXT NOT NULL,
			agent_id    TEXT,
			content     TEXT NOT NULL,
			created_at  DATETIME NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_comments_task_id ON comments(task_id)`)
	return err
}

func (s *Store) initDeliverablesSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS deliverables (
			id               TEXT PRIMARY KEY,
			task_id          TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			deliverable_type TEXT NOT NULL,
			title            TEXT NOT NULL,
			path             TEXT,
			description      TEXT,
			created_at       DATETIME NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_deliverables_task_id ON deliverables(task_id)`)
	return err
}

func (s *Store) initActivitySchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS activity (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			task_id    TEXT,
			agent_id   TEXT,
			message    TEXT NOT NULL,
			metadata   TEXT,
			created_at DATETIME NOT NULL
		)
	`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_activity_task_id ON activity(task_id)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_activity_type ON activity(type)`)
	return err
}

func (s *Store) initSessionsSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                   TEXT PRIMARY KEY,
			openclaw_session_id  TEXT NOT NULL,
			session_type         TEXT NOT NULL,
			task_id              TEXT,
			agent_id             TEXT,
			status               TEXT NOT NULL DEFAULT 'pending',
			error_message        TEXT NOT NULL DEFAULT '',
			started_at           DATETIME NOT NULL,
			updated_at           DATETIME NOT NULL,
			completed_at         DATETIME
		)
	`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_task_id ON sessions(task_id)`)
	return err
}

func (s *Store) initSettingsSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_settings (
			id                    INTEGER PRIMARY KEY,
			orchestrator_agent_id TEXT,
			planner_agent_id      TEXT,
			tester_agent_id       TEXT,
			max_rework_cycles     INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}
