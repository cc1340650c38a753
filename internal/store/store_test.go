package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()

	st := New(Config{
		Path:        filepath.Join(dir, "bullpen.db"),
		BusyTimeout: 2 * time.Second,
	}, logger.Default())
	require.NoError(t, st.Connect(context.Background()))

	t.Cleanup(func() { _ = st.Disconnect() })
	return st
}

func testInstance(id string) *Instance {
	return &Instance{
		ID:         id,
		Type:       InstanceTypeCoding,
		Status:     StatusStarted,
		BaseBranch: "main",
	}
}

func TestStore_ConnectDisconnectIdempotent(t *testing.T) {
	dir := t.TempDir()
	st := New(Config{
		Path:        filepath.Join(dir, "bullpen.db"),
		BusyTimeout: 2 * time.Second,
	}, logger.Default())
	ctx := context.Background()

	require.NoError(t, st.Connect(ctx))
	require.NoError(t, st.Connect(ctx))
	assert.True(t, st.IsConnected())

	require.NoError(t, st.Disconnect())
	require.NoError(t, st.Disconnect())
	assert.False(t, st.IsConnected())
}

func TestStore_OperationsBeforeConnect(t *testing.T) {
	st := New(Config{Path: filepath.Join(t.TempDir(), "bullpen.db")}, logger.Default())
	ctx := context.Background()

	_, err := st.GetInstance(ctx, "work-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, CodeOperationFailed, ErrorCode(err))

	err = st.CreateInstance(ctx, testInstance("work-1"))
	require.Error(t, err)
	assert.Equal(t, CodeInsertFailed, ErrorCode(err))
}

func TestStore_SyncRequiresCloudSync(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	err := st.Sync(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCloudSyncDisabled)
	assert.Equal(t, CodeOperationFailed, ErrorCode(err))
}

func TestStore_SyncWithCloudSyncEnabled(t *testing.T) {
	dir := t.TempDir()
	st := New(Config{
		Path:        filepath.Join(dir, "bullpen.db"),
		BusyTimeout: 2 * time.Second,
		CloudSync:   true,
	}, logger.Default())
	ctx := context.Background()
	require.NoError(t, st.Connect(ctx))
	defer func() { _ = st.Disconnect() }()

	require.NoError(t, st.Sync(ctx))
}

// ============================================================================
// Instance CRUD
// ============================================================================

func TestStore_CreateAndGetInstance(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	issue := 123
	inst := testInstance("work-123-1700000000000-abc123def")
	inst.IssueNumber = &issue
	inst.BranchName = "work-123-1700000000000-abc123def"

	require.NoError(t, st.CreateInstance(ctx, inst))
	assert.False(t, inst.CreatedAt.IsZero())
	assert.Equal(t, inst.CreatedAt, inst.LastActivity)

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, InstanceTypeCoding, got.Type)
	assert.Equal(t, StatusStarted, got.Status)
	require.NotNil(t, got.IssueNumber)
	assert.Equal(t, 123, *got.IssueNumber)
	assert.Nil(t, got.TerminatedAt)
	assert.Nil(t, got.ClaudePID)
}

func TestStore_CreateInstanceDefaults(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	inst := &Instance{ID: "work-custom-1"}
	require.NoError(t, st.CreateInstance(ctx, inst))

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, InstanceTypeCoding, got.Type)
	assert.Equal(t, StatusStarted, got.Status)
	assert.Equal(t, "{}", got.PromptContext)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStore_CreateInstanceDuplicateFails(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("work-123-a1")
	require.NoError(t, st.CreateInstance(ctx, inst))

	err := st.CreateInstance(ctx, testInstance("work-123-a1"))
	require.Error(t, err)
	assert.Equal(t, CodeInsertFailed, ErrorCode(err))
}

func TestStore_GetInstanceMissingReturnsNil(t *testing.T) {
	st := setupTestStore(t)

	got, err := st.GetInstance(context.Background(), "work-nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_ExplicitTimestampsHonored(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	inst := testInstance("work-ts-1")
	inst.CreatedAt = createdAt
	inst.LastActivity = createdAt
	require.NoError(t, st.CreateInstance(ctx, inst))

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(createdAt))
	assert.True(t, got.LastActivity.Equal(createdAt))
}

func TestStore_UpdateInstancePatch(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("work-123-a1")
	require.NoError(t, st.CreateInstance(ctx, inst))
	before, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)

	path := "/tmp/worktrees/work-123-a1"
	branch := "work-123-a1"
	pid := 4242
	got, err := st.UpdateInstance(ctx, inst.ID, InstancePatch{
		WorktreePath: &path,
		BranchName:   &branch,
		ClaudePID:    &pid,
	})
	require.NoError(t, err)
	assert.Equal(t, path, got.WorktreePath)
	assert.Equal(t, branch, got.BranchName)
	require.NotNil(t, got.ClaudePID)
	assert.Equal(t, pid, *got.ClaudePID)

	// Untouched fields survive; last_activity advances.
	assert.Equal(t, StatusStarted, got.Status)
	assert.False(t, got.LastActivity.Before(before.LastActivity))
	assert.False(t, got.LastActivity.Before(got.CreatedAt))
}

func TestStore_UpdateInstanceMissingFails(t *testing.T) {
	st := setupTestStore(t)

	status := StatusTerminated
	_, err := st.UpdateInstance(context.Background(), "work-nope", InstancePatch{Status: &status})
	require.Error(t, err)
	assert.Equal(t, CodeUpdateFailed, ErrorCode(err))
}

func TestStore_UpdateInstanceExplicitLastActivity(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("work-la-1")
	require.NoError(t, st.CreateInstance(ctx, inst))

	explicit := time.Date(2026, 6, 7, 8, 9, 10, 0, time.UTC)
	got, err := st.UpdateInstance(ctx, inst.ID, InstancePatch{LastActivity: &explicit})
	require.NoError(t, err)
	assert.True(t, got.LastActivity.Equal(explicit))
}

// ============================================================================
// Status transitions
// ============================================================================

func TestStore_UpdateInstanceStatusTerminalStamps(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("work-123-a1")
	require.NoError(t, st.CreateInstance(ctx, inst))

	got, err := st.UpdateInstanceStatus(ctx, inst.ID, StatusPRMerged)
	require.NoError(t, err)
	assert.Equal(t, StatusPRMerged, got.Status)
	require.NotNil(t, got.TerminatedAt)
	assert.True(t, got.TerminatedAt.Equal(got.LastActivity))

	fetched, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPRMerged, fetched.Status)
	require.NotNil(t, fetched.TerminatedAt)
}

func TestStore_UpdateInstanceStatusNonTerminalClearsStamp(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("work-123-a1")
	require.NoError(t, st.CreateInstance(ctx, inst))

	_, err := st.UpdateInstanceStatus(ctx, inst.ID, StatusTerminated)
	require.NoError(t, err)

	got, err := st.UpdateInstanceStatus(ctx, inst.ID, StatusStarted)
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, got.Status)
	assert.Nil(t, got.TerminatedAt)
}

func TestStore_UpdateInstanceStatusPreservesEarlierStamp(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("work-123-a1")
	require.NoError(t, st.CreateInstance(ctx, inst))

	first, err := st.UpdateInstanceStatus(ctx, inst.ID, StatusPRClosed)
	require.NoError(t, err)
	require.NotNil(t, first.TerminatedAt)

	time.Sleep(5 * time.Millisecond)
	second, err := st.UpdateInstanceStatus(ctx, inst.ID, StatusTerminated)
	require.NoError(t, err)
	require.NotNil(t, second.TerminatedAt)
	assert.True(t, second.TerminatedAt.Equal(*first.TerminatedAt))
}

func TestStore_UpdateInstanceStatusPairedEvent(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("work-123-a1")
	require.NoError(t, st.CreateInstance(ctx, inst))

	got, err := st.UpdateInstanceStatus(ctx, inst.ID, StatusWaitingReview)
	require.NoError(t, err)

	events, err := st.GetEvents(ctx, inst.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, StatusUpdateToolName, ev.ToolName)
	assert.True(t, ev.Success)
	assert.True(t, ev.IsStatusUpdating)
	assert.Equal(t, string(StatusWaitingReview), ev.StatusChange)
	assert.True(t, ev.Timestamp.Equal(got.LastActivity))
}

func TestStore_UpdateInstanceStatusMissingFails(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.UpdateInstanceStatus(context.Background(), "work-nope", StatusTerminated)
	require.Error(t, err)
	assert.Equal(t, CodeUpdateFailed, ErrorCode(err))
}

func TestStore_LastActivityMonotonic(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("work-mono-1")
	require.NoError(t, st.CreateInstance(ctx, inst))

	prev := inst.LastActivity
	for _, status := range []InstanceStatus{StatusWaitingReview, StatusStarted, StatusPRCreated} {
		got, err := st.UpdateInstanceStatus(ctx, inst.ID, status)
		require.NoError(t, err)
		assert.False(t, got.LastActivity.Before(prev), "last_activity went backwards on %s", status)
		assert.False(t, got.LastActivity.Before(got.CreatedAt))
		prev = got.LastActivity
	}
}

// ============================================================================
// Delete
// ============================================================================

func TestStore_DeleteInstanceCascadesEvents(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	inst := testInstance("work-123-a1")
	require.NoError(t, st.CreateInstance(ctx, inst))
	_, err := st.UpdateInstanceStatus(ctx, inst.ID, StatusWaitingReview)
	require.NoError(t, err)

	require.NoError(t, st.DeleteInstance(ctx, inst.ID))

	got, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	count, err := st.CountEvents(ctx, inst.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStore_DeleteInstanceMissingFails(t *testing.T) {
	st := setupTestStore(t)

	err := st.DeleteInstance(context.Background(), "work-nope")
	require.Error(t, err)
	assert.Equal(t, CodeDeleteFailed, ErrorCode(err))
}

// ============================================================================
// Listing
// ============================================================================

func seedInstances(t *testing.T, st *Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rows := []struct {
		id     string
		typ    InstanceType
		status InstanceStatus
		issue  *int
		parent string
	}{
		{"work-100-1", InstanceTypeCoding, StatusStarted, intPtr(100), ""},
		{"work-100-2", InstanceTypeCoding, StatusTerminated, intPtr(100), ""},
		{"review-work-100-1-1", InstanceTypeReview, StatusStarted, nil, "work-100-1"},
		{"work-200-1", InstanceTypeCoding, StatusPRCreated, intPtr(200), ""},
		{"work-custom-1", InstanceTypePlanning, StatusStarted, nil, ""},
	}
	for i, r := range rows {
		ts := base.Add(time.Duration(i) * time.Minute)
		inst := &Instance{
			ID:               r.id,
			Type:             r.typ,
			Status:           r.status,
			IssueNumber:      r.issue,
			ParentInstanceID: r.parent,
			CreatedAt:        ts,
			LastActivity:     ts,
		}
		require.NoError(t, st.CreateInstance(ctx, inst))
	}
}

func intPtr(v int) *int { return &v }

func TestStore_ListInstancesDefaultOrder(t *testing.T) {
	st := setupTestStore(t)
	seedInstances(t, st)

	got, err := st.ListInstances(context.Background(), InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, got, 5)
	// Newest first.
	assert.Equal(t, "work-custom-1", got[0].ID)
	assert.Equal(t, "work-100-1", got[4].ID)
}

func TestStore_ListInstancesFiltersConjunctive(t *testing.T) {
	st := setupTestStore(t)
	seedInstances(t, st)
	ctx := context.Background()

	got, err := st.ListInstances(ctx, InstanceFilter{
		Types:    []InstanceType{InstanceTypeCoding},
		Statuses: []InstanceStatus{StatusStarted},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "work-100-1", got[0].ID)

	got, err = st.ListInstances(ctx, InstanceFilter{IssueNumber: intPtr(100)})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = st.ListInstances(ctx, InstanceFilter{ParentInstance: "work-100-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "review-work-100-1-1", got[0].ID)
}

func TestStore_ListInstancesLimitZeroSelectsNothing(t *testing.T) {
	st := setupTestStore(t)
	seedInstances(t, st)

	zero := 0
	got, err := st.ListInstances(context.Background(), InstanceFilter{Limit: &zero})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ListInstancesLimitOffset(t *testing.T) {
	st := setupTestStore(t)
	seedInstances(t, st)
	ctx := context.Background()

	two := 2
	got, err := st.ListInstances(ctx, InstanceFilter{Limit: &two, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "work-200-1", got[0].ID)

	// Offset equal to the total yields an empty page, not an error.
	got, err = st.ListInstances(ctx, InstanceFilter{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_ListInstancesAscendingTiebreak(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	// Same created_at; insertion order must break the tie both directions.
	ts := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"work-tie-1", "work-tie-2", "work-tie-3"} {
		inst := testInstance(id)
		inst.CreatedAt = ts
		inst.LastActivity = ts
		require.NoError(t, st.CreateInstance(ctx, inst))
	}

	asc, err := st.ListInstances(ctx, InstanceFilter{OrderDirection: "ASC"})
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, "work-tie-1", asc[0].ID)
	assert.Equal(t, "work-tie-3", asc[2].ID)

	desc, err := st.ListInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, desc, 3)
	assert.Equal(t, "work-tie-3", desc[0].ID)
	assert.Equal(t, "work-tie-1", desc[2].ID)
}

func TestStore_ListInstancesOrderByLastActivity(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	a := testInstance("work-a")
	a.CreatedAt = base
	a.LastActivity = base.Add(time.Hour)
	b := testInstance("work-b")
	b.CreatedAt = base.Add(time.Minute)
	b.LastActivity = base
	require.NoError(t, st.CreateInstance(ctx, a))
	require.NoError(t, st.CreateInstance(ctx, b))

	got, err := st.ListInstances(ctx, InstanceFilter{OrderBy: "last_activity"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "work-a", got[0].ID)
}

func TestStore_CountInstances(t *testing.T) {
	st := setupTestStore(t)
	seedInstances(t, st)
	ctx := context.Background()

	total, err := st.CountInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)

	coding, err := st.CountInstances(ctx, InstanceFilter{Types: []InstanceType{InstanceTypeCoding}})
	require.NoError(t, err)
	assert.Equal(t, 3, coding)
}
