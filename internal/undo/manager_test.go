package undo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kanbu/api/internal/rbac"
	"kanbu/api/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedWrite struct {
	taskID   string
	expected time.Time
	patch    store.TaskPatch
}

// fakeTasks is an in-memory TaskStore with hooks for failure injection and
// for observing concurrency.
type fakeTasks struct {
	mu        sync.Mutex
	task      store.Task
	getErr    error
	updateErr error
	writes    []recordedWrite
	nextStamp time.Time
	onGet     func()
}

func (f *fakeTasks) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	if f.onGet != nil {
		f.onGet()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return store.Task{}, f.getErr
	}
	return f.task, nil
}

func (f *fakeTasks) UpdateTaskFields(ctx context.Context, taskID string, expected time.Time, patch store.TaskPatch) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{taskID: taskID, expected: expected, patch: patch})
	if f.updateErr != nil {
		return time.Time{}, f.updateErr
	}
	if !expected.IsZero() && !expected.Equal(f.task.UpdatedAt) {
		return time.Time{}, store.ErrVersionConflict
	}
	f.task.UpdatedAt = f.nextStamp
	return f.nextStamp, nil
}

func (f *fakeTasks) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func str(s string) *string { return &s }

func newFixture(t *testing.T) (*Manager, *fakeTasks, Action) {
	t.Helper()
	recorded := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tasks := &fakeTasks{
		task:      store.Task{ID: "tsk_1", UpdatedAt: recorded},
		nextStamp: recorded.Add(time.Minute),
	}
	action := Action{
		ID:                "act_1",
		TaskID:            "tsk_1",
		Description:       "rename task",
		PreviousState:     store.TaskPatch{Title: str("old title")},
		NewState:          store.TaskPatch{Title: str("new title")},
		SnapshotUpdatedAt: recorded,
	}
	return NewManager(tasks), tasks, action
}

func TestUndoAppliesPreviousState(t *testing.T) {
	m, tasks, action := newFixture(t)
	m.Record("prj_1", action)

	res, err := m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
	assert.Equal(t, tasks.nextStamp, res.UpdatedAt)

	require.Len(t, tasks.writes, 1)
	write := tasks.writes[0]
	assert.Equal(t, "tsk_1", write.taskID)
	assert.Equal(t, action.SnapshotUpdatedAt, write.expected)
	require.NotNil(t, write.patch.Title)
	assert.Equal(t, "old title", *write.patch.Title)

	undoDepth, redoDepth := m.Depths("prj_1")
	assert.Equal(t, 0, undoDepth)
	assert.Equal(t, 1, redoDepth)

	require.NotNil(t, res.Toast)
	assert.Equal(t, NoticeSuccess, res.Toast.Kind)
}

func TestRecordClearsRedo(t *testing.T) {
	m, _, action := newFixture(t)
	m.Record("prj_1", action)

	_, err := m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)
	_, redoDepth := m.Depths("prj_1")
	require.Equal(t, 1, redoDepth)

	next := action
	next.ID = "act_2"
	m.Record("prj_1", next)

	undoDepth, redoDepth := m.Depths("prj_1")
	assert.Equal(t, 1, undoDepth)
	assert.Equal(t, 0, redoDepth)
}

func TestUndoEmptyStack(t *testing.T) {
	m, tasks, _ := newFixture(t)

	res, err := m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, res.Status)
	assert.Equal(t, 0, tasks.writeCount())
	require.NotNil(t, res.Toast)
	assert.Equal(t, NoticeInfo, res.Toast.Kind)
}

func TestUndoConflictEvictsWithoutWriting(t *testing.T) {
	m, tasks, action := newFixture(t)
	m.Record("prj_1", action)

	// Someone else touched the task after the action was recorded.
	tasks.task.UpdatedAt = action.SnapshotUpdatedAt.Add(30 * time.Second)

	res, err := m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, res.Status)
	assert.Equal(t, 0, tasks.writeCount(), "a conflict must not write anything")

	undoDepth, _ := m.Depths("prj_1")
	assert.Equal(t, 0, undoDepth, "conflicted entry should be evicted")

	require.NotNil(t, res.Toast)
	assert.Equal(t, NoticeWarning, res.Toast.Kind)
	assert.True(t, res.Toast.CanForce)
}

func TestUndoRacedWriteIsConflict(t *testing.T) {
	m, tasks, action := newFixture(t)
	m.Record("prj_1", action)

	// The version check passes, then the store rejects the compare-and-swap.
	tasks.updateErr = store.ErrVersionConflict

	res, err := m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.Equal(t, StatusConflict, res.Status)

	undoDepth, redoDepth := m.Depths("prj_1")
	assert.Equal(t, 0, undoDepth)
	assert.Equal(t, 0, redoDepth)
}

func TestUndoWriteFailureKeepsStack(t *testing.T) {
	m, tasks, action := newFixture(t)
	m.Record("prj_1", action)

	tasks.updateErr = errors.New("connection reset")

	res, err := m.Undo(context.Background(), "prj_1")
	require.Error(t, err)
	require.NotNil(t, res.Toast)
	assert.Equal(t, NoticeError, res.Toast.Kind)

	// The entry stays so the user can retry.
	undoDepth, _ := m.Depths("prj_1")
	assert.Equal(t, 1, undoDepth)

	tasks.mu.Lock()
	tasks.updateErr = nil
	tasks.mu.Unlock()

	res, err = m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
}

func TestRedoSkipsVersionCheck(t *testing.T) {
	m, tasks, action := newFixture(t)
	m.Record("prj_1", action)

	_, err := m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)

	// A concurrent edit after the undo must not block redo.
	tasks.mu.Lock()
	tasks.task.UpdatedAt = tasks.task.UpdatedAt.Add(time.Hour)
	tasks.nextStamp = tasks.task.UpdatedAt.Add(time.Minute)
	tasks.mu.Unlock()

	res, err := m.Redo(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)

	require.Len(t, tasks.writes, 2)
	write := tasks.writes[1]
	assert.True(t, write.expected.IsZero(), "redo must write unconditionally")
	require.NotNil(t, write.patch.Title)
	assert.Equal(t, "new title", *write.patch.Title)

	undoDepth, redoDepth := m.Depths("prj_1")
	assert.Equal(t, 1, undoDepth)
	assert.Equal(t, 0, redoDepth)
}

func TestUndoRedoRoundTripPropagatesVersion(t *testing.T) {
	m, tasks, action := newFixture(t)
	m.Record("prj_1", action)

	res, err := m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)
	firstStamp := res.UpdatedAt

	tasks.mu.Lock()
	tasks.nextStamp = firstStamp.Add(time.Minute)
	tasks.mu.Unlock()

	res, err = m.Redo(context.Background(), "prj_1")
	require.NoError(t, err)
	require.Equal(t, StatusApplied, res.Status)

	// The entry back on the undo stack carries the redo's version token, so
	// an immediate second undo succeeds against the live task.
	res, err = m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)
}

func TestForceUndoAfterConflict(t *testing.T) {
	m, tasks, action := newFixture(t)
	m.Record("prj_1", action)

	tasks.task.UpdatedAt = action.SnapshotUpdatedAt.Add(30 * time.Second)

	res, err := m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)
	require.Equal(t, StatusConflict, res.Status)

	res, err = m.ForceUndo(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Status)

	require.Len(t, tasks.writes, 1)
	assert.True(t, tasks.writes[0].expected.IsZero())

	_, redoDepth := m.Depths("prj_1")
	assert.Equal(t, 1, redoDepth)

	// The stash is consumed.
	res, err = m.ForceUndo(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, res.Status)
}

func TestConcurrentUndoIsDropped(t *testing.T) {
	m, tasks, action := newFixture(t)
	m.Record("prj_1", action)
	m.Record("prj_1", Action{ID: "act_2", TaskID: "tsk_1", Description: "move task", SnapshotUpdatedAt: action.SnapshotUpdatedAt})

	entered := make(chan struct{})
	release := make(chan struct{})
	tasks.onGet = func() {
		close(entered)
		<-release
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var firstRes Result
	go func() {
		defer wg.Done()
		firstRes, _ = m.Undo(context.Background(), "prj_1")
	}()

	<-entered
	res, err := m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, res.Status, "second undo while one is in flight is dropped")

	close(release)
	wg.Wait()
	assert.NotEqual(t, StatusBusy, firstRes.Status)
}

func TestRecordDuringUndoKeepsNewEntry(t *testing.T) {
	m, tasks, action := newFixture(t)
	m.Record("prj_1", action)

	entered := make(chan struct{})
	release := make(chan struct{})
	tasks.onGet = func() {
		close(entered)
		<-release
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var res Result
	go func() {
		defer wg.Done()
		res, _ = m.Undo(context.Background(), "prj_1")
	}()

	// An edit lands while the undo is mid-flight.
	<-entered
	m.Record("prj_1", Action{ID: "act_2", TaskID: "tsk_1", Description: "move task", SnapshotUpdatedAt: action.SnapshotUpdatedAt})
	close(release)
	wg.Wait()

	require.Equal(t, StatusApplied, res.Status)
	require.NotNil(t, res.Action)
	assert.Equal(t, "act_1", res.Action.ID)

	undoDepth, redoDepth := m.Depths("prj_1")
	assert.Equal(t, 1, undoDepth, "the concurrent edit keeps its history entry")
	assert.Equal(t, 1, redoDepth)

	m.mu.Lock()
	p := m.projects["prj_1"]
	assert.Equal(t, "act_2", p.undo[0].ID, "only the applied entry leaves the undo stack")
	assert.Equal(t, "act_1", p.redo[0].ID)
	m.mu.Unlock()
}

func TestPermissionGating(t *testing.T) {
	m, _, action := newFixture(t)
	m.Record("prj_1", action)

	assert.True(t, m.CanUndo("prj_1", rbac.RoleEditor))
	assert.False(t, m.CanUndo("prj_1", rbac.RoleViewer))
	assert.False(t, m.CanUndo("prj_1", rbac.RoleCommenter))
	assert.False(t, m.CanRedo("prj_1", rbac.RoleEditor), "empty redo stack")

	_, err := m.Undo(context.Background(), "prj_1")
	require.NoError(t, err)
	assert.True(t, m.CanRedo("prj_1", rbac.RoleEditor))
	assert.False(t, m.CanRedo("prj_1", rbac.RoleViewer))
}

func TestStacksAreScopedPerProject(t *testing.T) {
	m, _, action := newFixture(t)
	m.Record("prj_1", action)

	assert.True(t, m.CanUndo("prj_1", rbac.RoleEditor))
	assert.False(t, m.CanUndo("prj_2", rbac.RoleEditor))
}

func TestRecordCapsDepth(t *testing.T) {
	m, _, action := newFixture(t)
	for i := 0; i < maxDepth+10; i++ {
		m.Record("prj_1", action)
	}
	undoDepth, _ := m.Depths("prj_1")
	assert.Equal(t, maxDepth, undoDepth)
}
