package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
)

// SetConfig stores an engine-scoped key/value setting. With encrypted set,
// the value is sealed with the master key before it touches disk and the
// row records that fact; reads through GetConfig are transparent either way.
func (s *Store) SetConfig(ctx context.Context, key, value string, encrypted bool) error {
	db, err := s.writer()
	if err != nil {
		return updateError("user_config", err)
	}

	stored := value
	var nonce []byte
	if encrypted {
		masterKey, err := s.masterKey()
		if err != nil {
			return updateError("user_config", err)
		}
		ciphertext, n, err := encrypt([]byte(value), masterKey)
		if err != nil {
			return updateError("user_config", fmt.Errorf("encrypt config value: %w", err))
		}
		stored = base64.StdEncoding.EncodeToString(ciphertext)
		nonce = n
	}

	_, err = db.ExecContext(ctx, db.Rebind(`
		INSERT INTO user_config (key, value, nonce, is_encrypted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			nonce = excluded.nonce,
			is_encrypted = excluded.is_encrypted,
			updated_at = excluded.updated_at
	`), key, stored, nonce, encrypted, now())
	if err != nil {
		return updateError("user_config", err)
	}
	return nil
}

// GetConfig returns a setting's plaintext value and whether it was stored
// encrypted. A missing key returns ("", false, nil).
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	ro, err := s.reader()
	if err != nil {
		return "", false, operationError("user_config", err)
	}

	var stored string
	var nonce []byte
	var isEncrypted bool
	err = ro.QueryRowContext(ctx, ro.Rebind(`
		SELECT value, nonce, is_encrypted FROM user_config WHERE key = ?
	`), key).Scan(&stored, &nonce, &isEncrypted)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, operationError("user_config", err)
	}

	if !isEncrypted {
		return stored, false, nil
	}

	masterKey, err := s.masterKey()
	if err != nil {
		return "", false, operationError("user_config", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", false, operationError("user_config", fmt.Errorf("decode config value: %w", err))
	}
	plaintext, err := decrypt(ciphertext, nonce, masterKey)
	if err != nil {
		return "", false, operationError("user_config", fmt.Errorf("decrypt config value: %w", err))
	}
	return string(plaintext), true, nil
}

// DeleteConfig removes a setting. Deleting a missing key is a no-op.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	db, err := s.writer()
	if err != nil {
		return deleteError("user_config", err)
	}

	if _, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM user_config WHERE key = ?`), key); err != nil {
		return deleteError("user_config", err)
	}
	return nil
}

// masterKey returns the loaded master key or ErrNotConnected.
func (s *Store) masterKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || s.crypto == nil {
		return nil, ErrNotConnected
	}
	return s.crypto.Key(), nil
}
