package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const relationshipColumns = `id, parent_instance, child_instance, relationship_type, review_iteration, created_at`

// CreateRelationship inserts a lineage edge between two instances. The id
// and created_at are filled in when absent. A duplicate (parent, child,
// type) triple fails with DATABASE_INSERT_FAILED.
func (s *Store) CreateRelationship(ctx context.Context, rel *Relationship) error {
	db, err := s.writer()
	if err != nil {
		return insertError("relationship", err)
	}

	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = now()
	}

	_, err = db.ExecContext(ctx, db.Rebind(`
		INSERT INTO relationship (`+relationshipColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`), rel.ID, rel.ParentInstance, rel.ChildInstance, rel.RelationshipType,
		rel.ReviewIteration, rel.CreatedAt)
	if err != nil {
		return insertError("relationship", err)
	}
	return nil
}

// GetRelationships returns every edge touching the given instance as either
// parent or child, newest first. Ties on created_at keep insertion order.
func (s *Store) GetRelationships(ctx context.Context, instanceID string) ([]*Relationship, error) {
	ro, err := s.reader()
	if err != nil {
		return nil, operationError("relationship", err)
	}

	rows, err := ro.QueryContext(ctx, ro.Rebind(`
		SELECT `+relationshipColumns+` FROM relationship
		WHERE parent_instance = ? OR child_instance = ?
		ORDER BY created_at DESC, rowid DESC
	`), instanceID, instanceID)
	if err != nil {
		return nil, operationError("relationship", err)
	}
	defer func() { _ = rows.Close() }()

	relationships := []*Relationship{}
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, operationError("relationship", err)
		}
		relationships = append(relationships, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, operationError("relationship", err)
	}
	return relationships, nil
}

// UpdateRelationship applies a partial update and returns the updated row.
// Updating a missing id fails with DATABASE_UPDATE_FAILED.
func (s *Store) UpdateRelationship(ctx context.Context, id string, patch RelationshipPatch) (*Relationship, error) {
	db, err := s.writer()
	if err != nil {
		return nil, updateError("relationship", err)
	}

	sets := []string{}
	args := []interface{}{}

	if patch.RelationshipType != nil {
		sets = append(sets, "relationship_type = ?")
		args = append(args, *patch.RelationshipType)
	}
	if patch.ReviewIteration != nil {
		sets = append(sets, "review_iteration = ?")
		args = append(args, *patch.ReviewIteration)
	}
	if len(sets) == 0 {
		return s.getRelationship(ctx, id)
	}
	args = append(args, id)

	result, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE relationship SET `+strings.Join(sets, ", ")+` WHERE id = ?
	`), args...)
	if err != nil {
		return nil, updateError("relationship", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, updateError("relationship", fmt.Errorf("relationship not found: %s", id))
	}

	return s.getRelationship(ctx, id)
}

func (s *Store) getRelationship(ctx context.Context, id string) (*Relationship, error) {
	ro, err := s.reader()
	if err != nil {
		return nil, operationError("relationship", err)
	}

	row := ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT `+relationshipColumns+` FROM relationship WHERE id = ?
	`), id)

	rel, err := scanRelationship(row)
	if err == sql.ErrNoRows {
		return nil, updateError("relationship", fmt.Errorf("relationship not found: %s", id))
	}
	if err != nil {
		return nil, operationError("relationship", err)
	}
	return rel, nil
}

func scanRelationship(row rowScanner) (*Relationship, error) {
	rel := &Relationship{}
	err := row.Scan(&rel.ID, &rel.ParentInstance, &rel.ChildInstance,
		&rel.RelationshipType, &rel.ReviewIteration, &rel.CreatedAt)
	if err != nil {
		return nil, err
	}
	rel.CreatedAt = rel.CreatedAt.UTC()
	return rel, nil
}
