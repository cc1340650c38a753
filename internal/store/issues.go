package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

const issueColumns = `number, title, body, state, labels, assignee, url, updated_at, synced_at`

// UpsertGitHubIssue inserts or refreshes a cached issue keyed on its number.
// synced_at is stamped with the current time when absent.
func (s *Store) UpsertGitHubIssue(ctx context.Context, issue *GitHubIssue) error {
	db, err := s.writer()
	if err != nil {
		return insertError("github_issue", err)
	}

	if issue.SyncedAt.IsZero() {
		issue.SyncedAt = now()
	}

	labels, err := json.Marshal(issue.Labels)
	if err != nil || issue.Labels == nil {
		labels = []byte("[]")
	}

	_, err = db.ExecContext(ctx, db.Rebind(`
		INSERT INTO github_issue (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(number) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			state = excluded.state,
			labels = excluded.labels,
			assignee = excluded.assignee,
			url = excluded.url,
			updated_at = excluded.updated_at,
			synced_at = excluded.synced_at
	`), issue.Number, issue.Title, issue.Body, issue.State, string(labels),
		issue.Assignee, issue.URL, issueUpdatedAt(issue.UpdatedAt), issue.SyncedAt)
	if err != nil {
		return insertError("github_issue", err)
	}
	return nil
}

// GetGitHubIssue retrieves a cached issue by number. A missing number
// returns (nil, nil).
func (s *Store) GetGitHubIssue(ctx context.Context, number int) (*GitHubIssue, error) {
	ro, err := s.reader()
	if err != nil {
		return nil, operationError("github_issue", err)
	}

	row := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT `+issueColumns+` FROM github_issue WHERE number = ?
	`), number)

	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, operationError("github_issue", err)
	}
	return issue, nil
}

// SyncGitHubIssues upserts a batch of issues in a single transaction so a
// partial sync never lands.
func (s *Store) SyncGitHubIssues(ctx context.Context, issues []*GitHubIssue) error {
	db, err := s.writer()
	if err != nil {
		return operationError("github_issue", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return operationError("github_issue", err)
	}

	syncedAt := now()
	for _, issue := range issues {
		if issue.SyncedAt.IsZero() {
			issue.SyncedAt = syncedAt
		}

		labels, err := json.Marshal(issue.Labels)
		if err != nil || issue.Labels == nil {
			labels = []byte("[]")
		}

		_, err = tx.ExecContext(ctx, db.Rebind(`
			INSERT INTO github_issue (`+issueColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(number) DO UPDATE SET
				title = excluded.title,
				body = excluded.body,
				state = excluded.state,
				labels = excluded.labels,
				assignee = excluded.assignee,
				url = excluded.url,
				updated_at = excluded.updated_at,
				synced_at = excluded.synced_at
		`), issue.Number, issue.Title, issue.Body, issue.State, string(labels),
			issue.Assignee, issue.URL, issueUpdatedAt(issue.UpdatedAt), issue.SyncedAt)
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				return operationError("github_issue", rollbackErr)
			}
			return operationError("github_issue", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return operationError("github_issue", err)
	}
	return nil
}

// ListGitHubIssues returns cached issues, optionally narrowed to a state,
// most recently updated first.
func (s *Store) ListGitHubIssues(ctx context.Context, state string) ([]*GitHubIssue, error) {
	ro, err := s.reader()
	if err != nil {
		return nil, operationError("github_issue", err)
	}

	query := `SELECT ` + issueColumns + ` FROM github_issue`
	args := []interface{}{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY updated_at DESC, number DESC`

	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, operationError("github_issue", err)
	}
	defer func() { _ = rows.Close() }()

	issues := []*GitHubIssue{}
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, operationError("github_issue", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, operationError("github_issue", err)
	}
	return issues, nil
}

// issueUpdatedAt maps the zero time to NULL; GitHub omits updatedAt on
// some search results.
func issueUpdatedAt(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func scanIssue(row rowScanner) (*GitHubIssue, error) {
	issue := &GitHubIssue{}
	var labels string
	var updatedAt sql.NullTime

	err := row.Scan(&issue.Number, &issue.Title, &issue.Body, &issue.State,
		&labels, &issue.Assignee, &issue.URL, &updatedAt, &issue.SyncedAt)
	if err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(labels), &issue.Labels)
	if updatedAt.Valid {
		issue.UpdatedAt = updatedAt.Time.UTC()
	}
	issue.SyncedAt = issue.SyncedAt.UTC()
	return issue, nil
}
