// Package store persists agent instances, their events, relationships,
// cached GitHub issues, and user configuration in a single-file SQLite
// database. Writes go through a single connection; reads use a small
// read-only pool over the same WAL file.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
	"github.com/bullpen-dev/bullpen/internal/db"
)

// ErrNotConnected is returned when an operation runs before Connect (or
// after Disconnect).
var ErrNotConnected = errors.New("store is not connected")

// ErrCloudSyncDisabled is returned by Sync when cloud replication is off.
var ErrCloudSyncDisabled = errors.New("cloud sync is not enabled")

// Config holds store construction options.
type Config struct {
	// Path is the SQLite database file. The parent directory also holds the
	// master key for encrypted config values.
	Path string
	// BusyTimeout bounds how long SQLite waits on a locked database.
	BusyTimeout time.Duration
	// CloudSync gates the Sync operation.
	CloudSync bool
}

// Store is the embedded persistence layer. All mutating methods are
// transactional with respect to any event row they also write.
type Store struct {
	cfg    Config
	logger *logger.Logger

	mu        sync.RWMutex
	writerDB  *sqlx.DB
	readerDB  *sqlx.DB
	crypto    *MasterKeyProvider
	connected bool
}

// New creates a Store. No file is touched until Connect.
func New(cfg Config, log *logger.Logger) *Store {
	return &Store{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "store")),
	}
}

// Connect opens the database, initializes the schema, and loads the master
// key. Calling Connect on a connected store is a no-op.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	writer, err := db.OpenSQLite(s.cfg.Path, s.cfg.BusyTimeout)
	if err != nil {
		return operationError("connect", err)
	}
	reader, err := db.OpenSQLiteReader(s.cfg.Path, s.cfg.BusyTimeout)
	if err != nil {
		_ = writer.Close()
		return operationError("connect", err)
	}

	s.writerDB = sqlx.NewDb(writer, "sqlite3")
	s.readerDB = sqlx.NewDb(reader, "sqlite3")

	if err := s.initSchema(ctx); err != nil {
		_ = s.writerDB.Close()
		_ = s.readerDB.Close()
		s.writerDB, s.readerDB = nil, nil
		return operationError("connect", fmt.Errorf("schema init: %w", err))
	}

	crypto, err := NewMasterKeyProvider(filepath.Dir(s.cfg.Path))
	if err != nil {
		_ = s.writerDB.Close()
		_ = s.readerDB.Close()
		s.writerDB, s.readerDB = nil, nil
		return operationError("connect", err)
	}
	s.crypto = crypto

	s.connected = true
	s.logger.Info("store connected", zap.String("path", s.cfg.Path))
	return nil
}

// Disconnect closes the database pools. Calling Disconnect on a
// disconnected store is a no-op.
func (s *Store) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}

	var firstErr error
	if err := s.writerDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.readerDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.writerDB, s.readerDB = nil, nil
	s.connected = false

	if firstErr != nil {
		return operationError("disconnect", firstErr)
	}
	s.logger.Info("store disconnected")
	return nil
}

// IsConnected reports whether the store is currently connected.
func (s *Store) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Sync pushes local state to the configured replica. Without cloud
// replication enabled it fails with DATABASE_OPERATION_FAILED. With it
// enabled, the WAL is checkpointed so the main database file is current
// before the replicator picks it up.
func (s *Store) Sync(ctx context.Context) error {
	writer, err := s.writer()
	if err != nil {
		return operationError("sync", err)
	}
	if !s.cfg.CloudSync {
		return operationError("sync", ErrCloudSyncDisabled)
	}
	if _, err := writer.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return operationError("sync", err)
	}
	return nil
}

// Close is Disconnect under the name the rest of the codebase expects for
// resource cleanup.
func (s *Store) Close() error {
	return s.Disconnect()
}

// writer returns the write connection or ErrNotConnected.
func (s *Store) writer() (*sqlx.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.writerDB, nil
}

// reader returns the read-only pool or ErrNotConnected.
func (s *Store) reader() (*sqlx.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.readerDB, nil
}

// now returns the canonical store timestamp.
func now() time.Time {
	return time.Now().UTC()
}
