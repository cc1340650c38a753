package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bullpen-dev/bullpen/internal/tracing"
)

const instanceColumns = `id, type, status, worktree_path, branch_name, tmux_session, issue_number, parent_instance_id, base_branch, agent_number, system_prompt, prompt_used, prompt_context, claude_pid, created_at, last_activity, terminated_at`

// CreateInstance inserts a new instance row. The caller supplies the id;
// inserting an id that already exists fails with DATABASE_INSERT_FAILED.
func (s *Store) CreateInstance(ctx context.Context, inst *Instance) error {
	db, err := s.writer()
	if err != nil {
		return insertError("instance", err)
	}

	if inst.Type == "" {
		inst.Type = InstanceTypeCoding
	}
	if inst.Status == "" {
		inst.Status = StatusStarted
	}
	if inst.PromptContext == "" {
		inst.PromptContext = "{}"
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now()
	}
	if inst.LastActivity.IsZero() {
		inst.LastActivity = inst.CreatedAt
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return insertError("instance", err)
	}

	_, err = tx.ExecContext(ctx, db.Rebind(`
		INSERT INTO instance (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), inst.ID, inst.Type, inst.Status, inst.WorktreePath, inst.BranchName, inst.TmuxSession,
		nullableInt(inst.IssueNumber), inst.ParentInstanceID, inst.BaseBranch, inst.AgentNumber,
		inst.SystemPrompt, inst.PromptUsed, inst.PromptContext, nullableInt(inst.ClaudePID),
		inst.CreatedAt, inst.LastActivity, nullableTime(inst.TerminatedAt))
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return insertError("instance", fmt.Errorf("failed to rollback instance insert: %w", rollbackErr))
		}
		return insertError("instance", err)
	}

	if err := tx.Commit(); err != nil {
		return insertError("instance", err)
	}
	return nil
}

// GetInstance retrieves an instance by id. A missing id returns (nil, nil)
// so callers can map absence to their own error domain.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	ro, err := s.reader()
	if err != nil {
		return nil, operationError("instance", err)
	}

	row := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT `+instanceColumns+` FROM instance WHERE id = ?
	`), id)

	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, operationError("instance", err)
	}
	return inst, nil
}

// UpdateInstance applies a partial update and returns the updated row.
// last_activity advances to the current time unless the patch carries an
// explicit value. Updating a missing id fails with DATABASE_UPDATE_FAILED.
func (s *Store) UpdateInstance(ctx context.Context, id string, patch InstancePatch) (*Instance, error) {
	db, err := s.writer()
	if err != nil {
		return nil, updateError("instance", err)
	}

	lastActivity := now()
	if patch.LastActivity != nil {
		lastActivity = patch.LastActivity.UTC()
	}

	sets := []string{"last_activity = ?"}
	args := []interface{}{lastActivity}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.WorktreePath != nil {
		sets = append(sets, "worktree_path = ?")
		args = append(args, *patch.WorktreePath)
	}
	if patch.BranchName != nil {
		sets = append(sets, "branch_name = ?")
		args = append(args, *patch.BranchName)
	}
	if patch.TmuxSession != nil {
		sets = append(sets, "tmux_session = ?")
		args = append(args, *patch.TmuxSession)
	}
	if patch.ClaudePID != nil {
		sets = append(sets, "claude_pid = ?")
		args = append(args, *patch.ClaudePID)
	}
	if patch.AgentNumber != nil {
		sets = append(sets, "agent_number = ?")
		args = append(args, *patch.AgentNumber)
	}
	if patch.SystemPrompt != nil {
		sets = append(sets, "system_prompt = ?")
		args = append(args, *patch.SystemPrompt)
	}
	if patch.PromptUsed != nil {
		sets = append(sets, "prompt_used = ?")
		args = append(args, *patch.PromptUsed)
	}
	if patch.PromptContext != nil {
		sets = append(sets, "prompt_context = ?")
		args = append(args, *patch.PromptContext)
	}
	if patch.IssueNumber != nil {
		sets = append(sets, "issue_number = ?")
		args = append(args, *patch.IssueNumber)
	}
	args = append(args, id)

	result, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE instance SET `+strings.Join(sets, ", ")+` WHERE id = ?
	`), args...)
	if err != nil {
		return nil, updateError("instance", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, updateError("instance", fmt.Errorf("instance not found: %s", id))
	}

	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, updateError("instance", fmt.Errorf("instance not found: %s", id))
	}
	return inst, nil
}

// UpdateInstanceStatus changes an instance's status and records the paired
// status event in the same transaction, so the row and its audit trail can
// never disagree. The event timestamp equals the instance's new
// last_activity. terminated_at is set on entering a terminal status,
// preserved if already set, and cleared otherwise.
func (s *Store) UpdateInstanceStatus(ctx context.Context, id string, status InstanceStatus) (*Instance, error) {
	db, err := s.writer()
	if err != nil {
		return nil, updateError("instance", err)
	}

	ts := now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, updateError("instance", err)
	}

	result, err := tx.ExecContext(ctx, db.Rebind(`
		UPDATE instance
		SET status = ?,
			last_activity = ?,
			terminated_at = CASE WHEN ? THEN COALESCE(terminated_at, ?) ELSE NULL END
		WHERE id = ?
	`), status, ts, status.IsTerminal(), ts, id)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return nil, updateError("instance", fmt.Errorf("failed to rollback status update: %w", rollbackErr))
		}
		return nil, updateError("instance", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return nil, updateError("instance", fmt.Errorf("failed to rollback status update: %w", rollbackErr))
		}
		return nil, updateError("instance", fmt.Errorf("instance not found: %s", id))
	}

	if err := insertEventTx(ctx, tx, db, &Event{
		InstanceID:       id,
		ToolName:         StatusUpdateToolName,
		Timestamp:        ts,
		Success:          true,
		IsStatusUpdating: true,
		StatusChange:     string(status),
		Parameters:       map[string]interface{}{"status": string(status)},
	}); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return nil, updateError("instance", fmt.Errorf("failed to rollback status event: %w", rollbackErr))
		}
		return nil, updateError("instance", err)
	}

	row := tx.QueryRowContext(ctx, db.Rebind(`
		SELECT `+instanceColumns+` FROM instance WHERE id = ?
	`), id)
	inst, err := scanInstance(row)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return nil, updateError("instance", fmt.Errorf("failed to rollback status update: %w", rollbackErr))
		}
		return nil, updateError("instance", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, updateError("instance", err)
	}
	return inst, nil
}

// DeleteInstance removes an instance row. Event rows cascade with it.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	db, err := s.writer()
	if err != nil {
		return deleteError("instance", err)
	}

	result, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM instance WHERE id = ?`), id)
	if err != nil {
		return deleteError("instance", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return deleteError("instance", fmt.Errorf("instance not found: %s", id))
	}
	return nil
}

// ListInstances returns instances matching the filter, newest first by
// default. Ties on the sort column keep insertion order via rowid.
func (s *Store) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	ctx, span := tracing.Tracer("bullpen-db").Start(ctx, "db.ListInstances")
	defer span.End()

	ro, err := s.reader()
	if err != nil {
		return nil, operationError("instance", err)
	}

	if filter.Limit != nil && *filter.Limit == 0 {
		return []*Instance{}, nil
	}

	where := "1=1"
	args := []interface{}{}

	if len(filter.Types) > 0 {
		where += " AND type IN (?" + strings.Repeat(", ?", len(filter.Types)-1) + ")"
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.Statuses) > 0 {
		where += " AND status IN (?" + strings.Repeat(", ?", len(filter.Statuses)-1) + ")"
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.IssueNumber != nil {
		where += " AND issue_number = ?"
		args = append(args, *filter.IssueNumber)
	}
	if filter.ParentInstance != "" {
		where += " AND parent_instance_id = ?"
		args = append(args, filter.ParentInstance)
	}

	orderBy := "created_at"
	if filter.OrderBy == "last_activity" {
		orderBy = "last_activity"
	}
	direction := "DESC"
	if strings.EqualFold(filter.OrderDirection, "ASC") {
		direction = "ASC"
	}

	query := `SELECT ` + instanceColumns + ` FROM instance WHERE ` + where +
		` ORDER BY ` + orderBy + ` ` + direction + `, rowid ` + direction

	if filter.Limit != nil {
		query += " LIMIT ?"
		args = append(args, *filter.Limit)
	} else if filter.Offset > 0 {
		// SQLite requires LIMIT before OFFSET; -1 means unbounded.
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, operationError("instance", err)
	}
	defer func() { _ = rows.Close() }()

	return scanInstances(rows)
}

// CountInstances returns how many instances match the filter's type and
// status constraints.
func (s *Store) CountInstances(ctx context.Context, filter InstanceFilter) (int, error) {
	ro, err := s.reader()
	if err != nil {
		return 0, operationError("instance", err)
	}

	where := "1=1"
	args := []interface{}{}

	if len(filter.Types) > 0 {
		where += " AND type IN (?" + strings.Repeat(", ?", len(filter.Types)-1) + ")"
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.Statuses) > 0 {
		where += " AND status IN (?" + strings.Repeat(", ?", len(filter.Statuses)-1) + ")"
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.IssueNumber != nil {
		where += " AND issue_number = ?"
		args = append(args, *filter.IssueNumber)
	}
	if filter.ParentInstance != "" {
		where += " AND parent_instance_id = ?"
		args = append(args, filter.ParentInstance)
	}

	var count int
	if err := ro.QueryRowContext(ctx, ro.Rebind(`SELECT COUNT(*) FROM instance WHERE `+where), args...).Scan(&count); err != nil {
		return 0, operationError("instance", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var issueNumber, claudePID sql.NullInt64
	var terminatedAt sql.NullTime

	err := row.Scan(&inst.ID, &inst.Type, &inst.Status, &inst.WorktreePath, &inst.BranchName,
		&inst.TmuxSession, &issueNumber, &inst.ParentInstanceID, &inst.BaseBranch, &inst.AgentNumber,
		&inst.SystemPrompt, &inst.PromptUsed, &inst.PromptContext, &claudePID,
		&inst.CreatedAt, &inst.LastActivity, &terminatedAt)
	if err != nil {
		return nil, err
	}

	if issueNumber.Valid {
		n := int(issueNumber.Int64)
		inst.IssueNumber = &n
	}
	if claudePID.Valid {
		pid := int(claudePID.Int64)
		inst.ClaudePID = &pid
	}
	if terminatedAt.Valid {
		t := terminatedAt.Time
		inst.TerminatedAt = &t
	}
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.LastActivity = inst.LastActivity.UTC()
	if inst.TerminatedAt != nil {
		t := inst.TerminatedAt.UTC()
		inst.TerminatedAt = &t
	}
	return inst, nil
}

func scanInstances(rows *sql.Rows) ([]*Instance, error) {
	instances := []*Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, operationError("instance", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, operationError("instance", err)
	}
	return instances, nil
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) interface{} {
	if v == nil {
		return nil
	}
	return v.UTC()
}
