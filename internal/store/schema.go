package store

import "context"

// initSchema creates the database tables if they don't exist. It runs on
// the writer connection before the store is marked connected.
func (s *Store) initSchema(ctx context.Context) error {
	if err := s.initInstanceSchema(ctx); err != nil {
		return err
	}
	if err := s.initEventSchema(ctx); err != nil {
		return err
	}
	if err := s.initRelationshipSchema(ctx); err != nil {
		return err
	}
	if err := s.initIssueSchema(ctx); err != nil {
		return err
	}
	if err := s.initConfigSchema(ctx); err != nil {
		return err
	}
	return s.runMigrations(ctx)
}

func (s *Store) initInstanceSchema(ctx context.Context) error {
	_, err := s.writerDB.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS instance (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT 'coding',
		status TEXT NOT NULL DEFAULT 'started',
		worktree_path TEXT DEFAULT '',
		branch_name TEXT DEFAULT '',
		tmux_session TEXT DEFAULT '',
		issue_number INTEGER,
		parent_instance_id TEXT DEFAULT '',
		base_branch TEXT DEFAULT '',
		agent_number INTEGER DEFAULT 0,
		system_prompt TEXT DEFAULT '',
		prompt_used TEXT DEFAULT '',
		prompt_context TEXT DEFAULT '{}',
		claude_pid INTEGER,
		created_at TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL,
		terminated_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_instance_status ON instance(status);
	CREATE INDEX IF NOT EXISTS idx_instance_type ON instance(type);
	CREATE INDEX IF NOT EXISTS idx_instance_issue_number ON instance(issue_number);
	CREATE INDEX IF NOT EXISTS idx_instance_parent ON instance(parent_instance_id);
	CREATE INDEX IF NOT EXISTS idx_instance_created_at ON instance(created_at);
	`)
	return err
}

func (s *Store) initEventSchema(ctx context.Context) error {
	_, err := s.writerDB.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS event (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		success INTEGER NOT NULL DEFAULT 1,
		error_message TEXT DEFAULT '',
		is_status_updating INTEGER NOT NULL DEFAULT 0,
		status_change TEXT DEFAULT '',
		parameters TEXT DEFAULT '{}',
		result TEXT DEFAULT '{}',
		FOREIGN KEY (instance_id) REFERENCES instance(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_event_instance_id ON event(instance_id);
	CREATE INDEX IF NOT EXISTS idx_event_timestamp ON event(timestamp);
	CREATE INDEX IF NOT EXISTS idx_event_instance_timestamp ON event(instance_id, timestamp DESC);
	`)
	return err
}

func (s *Store) initRelationshipSchema(ctx context.Context) error {
	_, err := s.writerDB.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS relationship (
		id TEXT PRIMARY KEY,
		parent_instance TEXT NOT NULL,
		child_instance TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		review_iteration INTEGER DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (parent_instance) REFERENCES instance(id) ON DELETE CASCADE,
		UNIQUE(parent_instance, child_instance, relationship_type)
	);

	CREATE INDEX IF NOT EXISTS idx_relationship_parent ON relationship(parent_instance);
	CREATE INDEX IF NOT EXISTS idx_relationship_child ON relationship(child_instance);
	`)
	return err
}

func (s *Store) initIssueSchema(ctx context.Context) error {
	_, err := s.writerDB.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS github_issue (
		number INTEGER PRIMARY KEY,
		title TEXT NOT NULL,
		body TEXT DEFAULT '',
		state TEXT NOT NULL DEFAULT 'open',
		labels TEXT DEFAULT '[]',
		assignee TEXT DEFAULT '',
		url TEXT DEFAULT '',
		updated_at TIMESTAMP,
		synced_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_github_issue_state ON github_issue(state);
	`)
	return err
}

func (s *Store) initConfigSchema(ctx context.Context) error {
	_, err := s.writerDB.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS user_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT '',
		nonce BLOB,
		is_encrypted INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);
	`)
	return err
}

// runMigrations applies idempotent ALTER TABLE migrations for schema evolution.
func (s *Store) runMigrations(ctx context.Context) error {
	// Add prompt_context to databases created before prompt templating
	// (ignore error if the column already exists).
	_, _ = s.writerDB.ExecContext(ctx, `ALTER TABLE instance ADD COLUMN prompt_context TEXT DEFAULT '{}'`)
	return nil
}
