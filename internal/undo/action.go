// Package undo maintains per-project undo and redo stacks for task edits,
// detecting conflicting concurrent changes before reverting anything.
package undo

import (
	"time"

	"kanbu/api/internal/store"
)

// Action is one reversible task edit. PreviousState and NewState are sparse
// patches carrying only the fields the edit touched. SnapshotUpdatedAt is the
// task's version token captured when the action was recorded; a live task
// whose token differs has been changed by someone else since.
type Action struct {
	ID                string          `json:"id"`
	TaskID            string          `json:"task_id"`
	Description       string          `json:"description"`
	PreviousState     store.TaskPatch `json:"-"`
	NewState          store.TaskPatch `json:"-"`
	SnapshotUpdatedAt time.Time       `json:"snapshot_updated_at"`
}

// Status classifies the outcome of an undo or redo attempt. Conflicts are a
// normal result, not an error.
type Status string

const (
	// StatusApplied means the patch was written and the action moved to the
	// opposite stack.
	StatusApplied Status = "applied"
	// StatusEmpty means there was nothing to undo or redo.
	StatusEmpty Status = "empty"
	// StatusBusy means another undo or redo for the project was still in
	// flight; the request was dropped, not queued.
	StatusBusy Status = "busy"
	// StatusConflict means the task changed since the action was recorded.
	// The stale entry is evicted and nothing is written; the caller may force
	// the revert through ForceUndo.
	StatusConflict Status = "conflict"
)

// Result reports what an undo or redo attempt did.
type Result struct {
	Status Status `json:"status"`
	// Action is the entry involved, when there was one.
	Action *Action `json:"action,omitempty"`
	// UpdatedAt is the task's new version token after an applied write.
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	Toast     *Notice   `json:"toast,omitempty"`
}
