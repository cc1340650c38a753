package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Vacuum rebuilds the database file, reclaiming space left by deleted
// instances and their cascaded events.
func (s *Store) Vacuum(ctx context.Context) error {
	db, err := s.writer()
	if err != nil {
		return operationError("vacuum", err)
	}

	if _, err := db.ExecContext(ctx, `VACUUM`); err != nil {
		return operationError("vacuum", err)
	}
	s.logger.Info("database vacuumed")
	return nil
}

// Backup writes a consistent snapshot of the database to path using
// VACUUM INTO. SQLite refuses to overwrite, so an existing file at path is
// an error.
func (s *Store) Backup(ctx context.Context, path string) error {
	db, err := s.writer()
	if err != nil {
		return operationError("backup", err)
	}

	if path == "" {
		return operationError("backup", fmt.Errorf("backup path is empty"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return operationError("backup", fmt.Errorf("create backup dir: %w", err))
	}

	if _, err := db.ExecContext(ctx, db.Rebind(`VACUUM INTO ?`), path); err != nil {
		return operationError("backup", err)
	}
	s.logger.Info("database backed up", zap.String("path", path))
	return nil
}
