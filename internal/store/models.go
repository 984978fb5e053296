package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Project struct {
	ID          string
	Name        string
	Prefix      string
	Description string
	IsArchived  bool
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ProjectMember struct {
	ProjectID   string
	UserID      string
	Role        string
	DisplayName string
	Email       string
	AddedAt     time.Time
}

type Board struct {
	ID        string
	ProjectID string
	Name      string
	SortOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Column struct {
	ID        string
	BoardID   string
	Name      string
	SortOrder int
	// TaskLimit caps WIP for the column; 0 means unlimited.
	TaskLimit int
}

type Swimlane struct {
	ID        string
	BoardID   string
	Name      string
	SortOrder int
}

type Task struct {
	ID          string
	ProjectID   string
	BoardID     string
	ColumnID    string
	SwimlaneID  string
	Number      int
	Reference   string
	Title       string
	Description string
	Position    float64
	AssigneeID  string
	CreatedBy   string
	DateStarted *time.Time
	DateDue     *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskPatch carries only the fields an update touches. Nil means untouched;
// the date pointers distinguish "clear" (non-nil pointing at nil) from
// "leave alone" via the Set* flags.
type TaskPatch struct {
	Title       *string
	Description *string
	ColumnID    *string
	SwimlaneID  *string
	AssigneeID  *string
	Position    *float64
	DateStarted *time.Time
	DateDue     *time.Time
	SetStarted  bool
	SetDue      bool
}

// IsEmpty reports whether the patch would change nothing.
func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.ColumnID == nil &&
		p.SwimlaneID == nil && p.AssigneeID == nil && p.Position == nil &&
		!p.SetStarted && !p.SetDue
}

type Subtask struct {
	ID        string
	TaskID    string
	Title     string
	Done      bool
	SortOrder int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Comment struct {
	ID        string
	TaskID    string
	Author    string
	Body      string
	// GitHubCommentID is set when the comment mirrors (or is mirrored to) a
	// pull request comment.
	GitHubCommentID *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Tag struct {
	ID        string
	ProjectID string
	Name      string
	Color     string
}

type TaskEvent struct {
	ID        int64
	ProjectID string
	TaskID    string
	Operation string
	ActorName string
	Metadata  map[string]string
	CreatedAt time.Time
}

const (
	EventTaskCreated  = "task.created"
	EventTaskUpdated  = "task.updated"
	EventTaskMoved    = "task.moved"
	EventTaskArchived = "task.archived"
	EventUndoApplied  = "undo.applied"
	EventRedoApplied  = "redo.applied"
)

type Attachment struct {
	ID          string
	TaskID      string
	FileName    string
	ContentType string
	Size        int64
	ObjectKey   string
	UploadedBy  string
	CreatedAt   time.Time
}

type WikiPage struct {
	ID        string
	ProjectID string
	Slug      string
	Title     string
	UpdatedBy string
	UpdatedAt time.Time
}

type GitHubLink struct {
	ID        string
	TaskID    string
	Repo      string
	Kind      string
	Number    int
	URL       string
	State     string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	LinkKindPullRequest = "pull_request"
	LinkKindIssue       = "issue"
	LinkKindRelease     = "release"
	LinkKindCheckRun    = "check_run"
)

type BoardSummary struct {
	ColumnID   string
	ColumnName string
	TaskCount  int
}

type ProjectSummary struct {
	OpenTasks    int
	DoneTasks    int
	OverdueTasks int
	Members      int
}
