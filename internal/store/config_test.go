package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

func TestStore_ConfigRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetConfig(ctx, "default_base_branch", "main", false))

	value, encrypted, err := st.GetConfig(ctx, "default_base_branch")
	require.NoError(t, err)
	assert.Equal(t, "main", value)
	assert.False(t, encrypted)
}

func TestStore_ConfigSetOverwrites(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetConfig(ctx, "max_agents", "3", false))
	require.NoError(t, st.SetConfig(ctx, "max_agents", "5", false))

	value, _, err := st.GetConfig(ctx, "max_agents")
	require.NoError(t, err)
	assert.Equal(t, "5", value)
}

func TestStore_ConfigMissingKey(t *testing.T) {
	st := setupTestStore(t)

	value, encrypted, err := st.GetConfig(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, value)
	assert.False(t, encrypted)
}

func TestStore_ConfigEncryptedRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	secret := "ghp_supersecrettoken"
	require.NoError(t, st.SetConfig(ctx, "github_token", secret, true))

	value, encrypted, err := st.GetConfig(ctx, "github_token")
	require.NoError(t, err)
	assert.Equal(t, secret, value)
	assert.True(t, encrypted)
}

func TestStore_ConfigEncryptedAtRest(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	secret := "ghp_supersecrettoken"
	require.NoError(t, st.SetConfig(ctx, "github_token", secret, true))

	// The raw row must not contain plaintext.
	ro, err := st.reader()
	require.NoError(t, err)
	var stored string
	require.NoError(t, ro.QueryRowContext(ctx,
		`SELECT value FROM user_config WHERE key = 'github_token'`).Scan(&stored))
	assert.NotEqual(t, secret, stored)
	assert.NotContains(t, stored, secret)
}

func TestStore_ConfigEncryptedSurvivesReconnect(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: filepath.Join(dir, "bullpen.db"), BusyTimeout: 2 * time.Second}
	ctx := context.Background()

	st := New(cfg, logger.Default())
	require.NoError(t, st.Connect(ctx))
	require.NoError(t, st.SetConfig(ctx, "github_token", "ghp_tok", true))
	require.NoError(t, st.Disconnect())

	// A fresh store over the same directory reloads the same master key.
	st2 := New(cfg, logger.Default())
	require.NoError(t, st2.Connect(ctx))
	defer func() { _ = st2.Disconnect() }()

	value, encrypted, err := st2.GetConfig(ctx, "github_token")
	require.NoError(t, err)
	assert.Equal(t, "ghp_tok", value)
	assert.True(t, encrypted)
}

func TestStore_DeleteConfigMissingIsNoop(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.DeleteConfig(ctx, "nope"))

	require.NoError(t, st.SetConfig(ctx, "key", "value", false))
	require.NoError(t, st.DeleteConfig(ctx, "key"))
	value, _, err := st.GetConfig(ctx, "key")
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestStore_MasterKeyFilePermissions(t *testing.T) {
	dir := t.TempDir()
	st := New(Config{Path: filepath.Join(dir, "bullpen.db"), BusyTimeout: 2 * time.Second}, logger.Default())
	require.NoError(t, st.Connect(context.Background()))
	defer func() { _ = st.Disconnect() }()

	info, err := os.Stat(filepath.Join(dir, MasterKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Equal(t, int64(MasterKeySize), info.Size())
}

// ============================================================================
// GitHub issue cache
// ============================================================================

func TestStore_UpsertAndGetGitHubIssue(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	issue := &GitHubIssue{
		Number:    123,
		Title:     "Fix flaky worktree removal",
		Body:      "Removal races the tmux kill.",
		State:     "open",
		Labels:    []string{"bug", "agent"},
		Assignee:  "octocat",
		URL:       "https://github.com/acme/repo/issues/123",
		UpdatedAt: time.Date(2026, 5, 3, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.UpsertGitHubIssue(ctx, issue))
	assert.False(t, issue.SyncedAt.IsZero())

	got, err := st.GetGitHubIssue(ctx, 123)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Fix flaky worktree removal", got.Title)
	assert.Equal(t, []string{"bug", "agent"}, got.Labels)

	// Refresh on conflict.
	issue.State = "closed"
	issue.Title = "Fix flaky worktree removal (done)"
	require.NoError(t, st.UpsertGitHubIssue(ctx, issue))

	got, err = st.GetGitHubIssue(ctx, 123)
	require.NoError(t, err)
	assert.Equal(t, "closed", got.State)
	assert.Equal(t, "Fix flaky worktree removal (done)", got.Title)
}

func TestStore_GetGitHubIssueMissingReturnsNil(t *testing.T) {
	st := setupTestStore(t)

	got, err := st.GetGitHubIssue(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_SyncGitHubIssuesBatch(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	batch := []*GitHubIssue{
		{Number: 1, Title: "one", State: "open"},
		{Number: 2, Title: "two", State: "open"},
		{Number: 3, Title: "three", State: "closed"},
	}
	require.NoError(t, st.SyncGitHubIssues(ctx, batch))

	open, err := st.ListGitHubIssues(ctx, "open")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	all, err := st.ListGitHubIssues(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// ============================================================================
// Maintenance
// ============================================================================

func TestStore_VacuumAndBackup(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateInstance(ctx, testInstance("work-123-a1")))
	require.NoError(t, st.Vacuum(ctx))

	backupPath := filepath.Join(t.TempDir(), "backups", "bullpen.db")
	require.NoError(t, st.Backup(ctx, backupPath))

	info, err := os.Stat(backupPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	// SQLite refuses to clobber an existing backup target.
	err = st.Backup(ctx, backupPath)
	require.Error(t, err)
	assert.Equal(t, CodeOperationFailed, ErrorCode(err))
}
