package undo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kanbu/api/internal/rbac"
	"kanbu/api/internal/store"
)

// maxDepth caps each stack; the oldest entry is dropped when a record would
// exceed it.
const maxDepth = 100

// TaskStore is the slice of storage the manager needs to check a task's
// version and apply a patch against an expected version.
type TaskStore interface {
	GetTask(ctx context.Context, taskID string) (store.Task, error)
	UpdateTaskFields(ctx context.Context, taskID string, expectedUpdatedAt time.Time, patch store.TaskPatch) (time.Time, error)
}

// Manager keeps one undo/redo stack pair per project. All mutation goes
// through a per-project single-flight latch: a second undo or redo arriving
// while one is in flight is dropped with StatusBusy, never queued.
type Manager struct {
	mu       sync.Mutex
	tasks    TaskStore
	projects map[string]*projectState
}

type projectState struct {
	undo []Action
	redo []Action
	busy bool
	// forceable holds a conflicted entry evicted from the undo stack, kept
	// around so the warning toast's force option can still apply it.
	forceable *Action
	notifier  *notifier
}

func NewManager(tasks TaskStore) *Manager {
	return &Manager{
		tasks:    tasks,
		projects: make(map[string]*projectState),
	}
}

func (m *Manager) state(projectID string) *projectState {
	p, ok := m.projects[projectID]
	if !ok {
		p = &projectState{notifier: newNotifier()}
		m.projects[projectID] = p
	}
	return p
}

// Record pushes a new action onto the project's undo stack and clears the
// redo stack, since the edit forks history away from anything redoable.
func (m *Manager) Record(projectID string, action Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.state(projectID)
	p.undo = append(p.undo, action)
	if len(p.undo) > maxDepth {
		p.undo = p.undo[len(p.undo)-maxDepth:]
	}
	p.redo = nil
	p.forceable = nil
}

// CanUndo reports whether the role may undo and the stack is non-empty.
func (m *Manager) CanUndo(projectID string, role rbac.Role) bool {
	if !rbac.Can(role, rbac.ActionWrite) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	return ok && len(p.undo) > 0
}

// CanRedo reports whether the role may redo and the stack is non-empty.
func (m *Manager) CanRedo(projectID string, role rbac.Role) bool {
	if !rbac.Can(role, rbac.ActionWrite) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	return ok && len(p.redo) > 0
}

// Depths returns the current undo and redo stack sizes.
func (m *Manager) Depths(projectID string) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[projectID]
	if !ok {
		return 0, 0
	}
	return len(p.undo), len(p.redo)
}

// Notice returns the project's current toast, or nil.
func (m *Manager) Notice(projectID string) *Notice {
	m.mu.Lock()
	p := m.state(projectID)
	m.mu.Unlock()
	return p.notifier.Current()
}

// Undo reverts the most recent action if the task has not changed since the
// action was recorded. On a version mismatch the stale entry is evicted, no
// write happens, and the result carries a warning toast offering a forced
// revert.
func (m *Manager) Undo(ctx context.Context, projectID string) (Result, error) {
	m.mu.Lock()
	p := m.state(projectID)
	if p.busy {
		m.mu.Unlock()
		return Result{Status: StatusBusy}, nil
	}
	if len(p.undo) == 0 {
		m.mu.Unlock()
		toast := p.notifier.replace(NoticeInfo, "Nothing to undo", false)
		return Result{Status: StatusEmpty, Toast: toast}, nil
	}
	action := p.undo[len(p.undo)-1]
	p.busy = true
	m.mu.Unlock()
	defer m.release(p)

	live, err := m.tasks.GetTask(ctx, action.TaskID)
	if err != nil {
		toast := p.notifier.replace(NoticeError, "Undo failed, try again", false)
		return Result{Status: StatusEmpty, Toast: toast}, fmt.Errorf("load task %s: %w", action.TaskID, err)
	}
	if !live.UpdatedAt.Equal(action.SnapshotUpdatedAt) {
		return m.evictConflicted(p, action), nil
	}

	newUpdatedAt, err := m.tasks.UpdateTaskFields(ctx, action.TaskID, action.SnapshotUpdatedAt, action.PreviousState)
	if errors.Is(err, store.ErrVersionConflict) {
		// Someone slipped a write in between the check and ours.
		return m.evictConflicted(p, action), nil
	}
	if err != nil {
		// Leave the stack alone so the user can retry.
		toast := p.notifier.replace(NoticeError, "Undo failed, try again", false)
		return Result{Status: StatusEmpty, Toast: toast}, fmt.Errorf("revert task %s: %w", action.TaskID, err)
	}

	m.mu.Lock()
	// Edits recorded while the write was in flight sit above our entry now;
	// remove by identity, never by position.
	p.undo = removeAction(p.undo, action.ID)
	action.SnapshotUpdatedAt = newUpdatedAt
	p.redo = append(p.redo, action)
	m.mu.Unlock()

	toast := p.notifier.replace(NoticeSuccess, "Undid "+action.Description, false)
	return Result{Status: StatusApplied, Action: &action, UpdatedAt: newUpdatedAt, Toast: toast}, nil
}

// Redo re-applies the most recently undone action. It deliberately skips the
// version check: the entry was placed on the redo stack by this manager
// moments ago, and a forced re-apply matches what users expect from redo.
func (m *Manager) Redo(ctx context.Context, projectID string) (Result, error) {
	m.mu.Lock()
	p := m.state(projectID)
	if p.busy {
		m.mu.Unlock()
		return Result{Status: StatusBusy}, nil
	}
	if len(p.redo) == 0 {
		m.mu.Unlock()
		toast := p.notifier.replace(NoticeInfo, "Nothing to redo", false)
		return Result{Status: StatusEmpty, Toast: toast}, nil
	}
	action := p.redo[len(p.redo)-1]
	p.busy = true
	m.mu.Unlock()
	defer m.release(p)

	newUpdatedAt, err := m.tasks.UpdateTaskFields(ctx, action.TaskID, time.Time{}, action.NewState)
	if err != nil {
		toast := p.notifier.replace(NoticeError, "Redo failed, try again", false)
		return Result{Status: StatusEmpty, Toast: toast}, fmt.Errorf("reapply task %s: %w", action.TaskID, err)
	}

	m.mu.Lock()
	// A Record during the flight clears the redo stack; removal by identity
	// makes that a no-op instead of popping someone else's entry.
	p.redo = removeAction(p.redo, action.ID)
	action.SnapshotUpdatedAt = newUpdatedAt
	p.undo = append(p.undo, action)
	m.mu.Unlock()

	toast := p.notifier.replace(NoticeSuccess, "Redid "+action.Description, false)
	return Result{Status: StatusApplied, Action: &action, UpdatedAt: newUpdatedAt, Toast: toast}, nil
}

// ForceUndo applies the last conflicted entry without a version check,
// overwriting whatever the concurrent edit wrote.
func (m *Manager) ForceUndo(ctx context.Context, projectID string) (Result, error) {
	m.mu.Lock()
	p := m.state(projectID)
	if p.busy {
		m.mu.Unlock()
		return Result{Status: StatusBusy}, nil
	}
	if p.forceable == nil {
		m.mu.Unlock()
		toast := p.notifier.replace(NoticeInfo, "Nothing to force", false)
		return Result{Status: StatusEmpty, Toast: toast}, nil
	}
	action := *p.forceable
	p.busy = true
	m.mu.Unlock()
	defer m.release(p)

	newUpdatedAt, err := m.tasks.UpdateTaskFields(ctx, action.TaskID, time.Time{}, action.PreviousState)
	if err != nil {
		toast := p.notifier.replace(NoticeError, "Undo failed, try again", false)
		return Result{Status: StatusEmpty, Toast: toast}, fmt.Errorf("force revert task %s: %w", action.TaskID, err)
	}

	m.mu.Lock()
	if p.forceable != nil && p.forceable.ID == action.ID {
		p.forceable = nil
	}
	action.SnapshotUpdatedAt = newUpdatedAt
	p.redo = append(p.redo, action)
	m.mu.Unlock()

	toast := p.notifier.replace(NoticeSuccess, "Undid "+action.Description, false)
	return Result{Status: StatusApplied, Action: &action, UpdatedAt: newUpdatedAt, Toast: toast}, nil
}

// evictConflicted drops the stale top entry, stashes it for a forced retry,
// and reports the conflict without touching the task.
func (m *Manager) evictConflicted(p *projectState, action Action) Result {
	m.mu.Lock()
	if n := len(p.undo); n > 0 && p.undo[n-1].ID == action.ID {
		p.undo = p.undo[:n-1]
	}
	p.forceable = &action
	m.mu.Unlock()
	toast := p.notifier.replace(NoticeWarning, "Task was changed by someone else. Undo skipped.", true)
	return Result{Status: StatusConflict, Action: &action, Toast: toast}
}

// removeAction deletes the entry with the given ID, searching from the top.
// Returns the slice unchanged when the ID is gone already.
func removeAction(stack []Action, id string) []Action {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].ID == id {
			return append(stack[:i], stack[i+1:]...)
		}
	}
	return stack
}

func (m *Manager) release(p *projectState) {
	m.mu.Lock()
	p.busy = false
	m.mu.Unlock()
}
