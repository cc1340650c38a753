package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/bullpen-dev/bullpen/internal/tracing"
)

const eventColumns = `id, instance_id, tool_name, timestamp, success, error_message, is_status_updating, status_change, parameters, result`

// LogEvent appends an event to an instance's audit trail. The id and
// timestamp are filled in when absent. Logging against an unknown instance
// fails with DATABASE_INSERT_FAILED via the foreign key.
func (s *Store) LogEvent(ctx context.Context, event *Event) error {
	db, err := s.writer()
	if err != nil {
		return insertError("event", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return insertError("event", err)
	}

	if err := insertEventTx(ctx, tx, db, event); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return insertError("event", fmt.Errorf("failed to rollback event insert: %w", rollbackErr))
		}
		return insertError("event", err)
	}

	return tx.Commit()
}

// insertEventTx writes an event row inside an existing transaction so
// status updates can pair the row with their own write.
func insertEventTx(ctx context.Context, tx *sql.Tx, db *sqlx.DB, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now()
	}

	parameters, err := json.Marshal(event.Parameters)
	if err != nil {
		parameters = []byte("{}")
	}
	result, err := json.Marshal(event.Result)
	if err != nil {
		result = []byte("{}")
	}

	_, err = tx.ExecContext(ctx, db.Rebind(`
		INSERT INTO event (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), event.ID, event.InstanceID, event.ToolName, event.Timestamp, event.Success,
		event.ErrorMessage, event.IsStatusUpdating, event.StatusChange, string(parameters), string(result))
	return err
}

// GetEvents returns an instance's events newest first. Ties on timestamp
// keep insertion order. An unknown instance id yields an empty slice, not
// an error. A limit <= 0 returns everything.
func (s *Store) GetEvents(ctx context.Context, instanceID string, limit int) ([]*Event, error) {
	ro, err := s.reader()
	if err != nil {
		return nil, operationError("event", err)
	}

	query := `
		SELECT ` + eventColumns + ` FROM event
		WHERE instance_id = ?
		ORDER BY timestamp DESC, rowid DESC
	`
	args := []interface{}{instanceID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, operationError("event", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// GetRecentEvents returns events across all instances with a timestamp at
// or after since, newest first.
func (s *Store) GetRecentEvents(ctx context.Context, since time.Time, limit int) ([]*Event, error) {
	ctx, span := tracing.Tracer("bullpen-db").Start(ctx, "db.GetRecentEvents")
	defer span.End()

	ro, err := s.reader()
	if err != nil {
		return nil, operationError("event", err)
	}

	query := `
		SELECT ` + eventColumns + ` FROM event
		WHERE timestamp >= ?
		ORDER BY timestamp DESC, rowid DESC
	`
	args := []interface{}{since.UTC()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := ro.QueryContext(ctx, ro.Rebind(query), args...)
	if err != nil {
		return nil, operationError("event", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// CountEvents returns the number of events logged for an instance.
func (s *Store) CountEvents(ctx context.Context, instanceID string) (int, error) {
	ro, err := s.reader()
	if err != nil {
		return 0, operationError("event", err)
	}

	var count int
	if err := ro.QueryRowContext(ctx, ro.Rebind(`SELECT COUNT(*) FROM event WHERE instance_id = ?`), instanceID).Scan(&count); err != nil {
		return 0, operationError("event", err)
	}
	return count, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var parameters, result string

		err := rows.Scan(&event.ID, &event.InstanceID, &event.ToolName, &event.Timestamp,
			&event.Success, &event.ErrorMessage, &event.IsStatusUpdating, &event.StatusChange,
			&parameters, &result)
		if err != nil {
			return nil, operationError("event", err)
		}

		_ = json.Unmarshal([]byte(parameters), &event.Parameters)
		_ = json.Unmarshal([]byte(result), &event.Result)
		event.Timestamp = event.Timestamp.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, operationError("event", err)
	}
	return events, nil
}
