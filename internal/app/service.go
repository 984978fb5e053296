package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"kanbu/api/internal/auth"
	"kanbu/api/internal/authpw"
	"kanbu/api/internal/config"
	"kanbu/api/internal/email"
	"kanbu/api/internal/export"
	"kanbu/api/internal/files"
	"kanbu/api/internal/github"
	"kanbu/api/internal/rbac"
	"kanbu/api/internal/realtime"
	"kanbu/api/internal/search"
	"kanbu/api/internal/session"
	"kanbu/api/internal/store"
	"kanbu/api/internal/undo"
	"kanbu/api/internal/util"
	"kanbu/api/internal/wiki"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ProjectRole(ctx context.Context, projectID, userID string) (string, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	ListProjects(context.Context) ([]store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	InsertProject(context.Context, store.Project) error
	UpdateProject(ctx context.Context, projectID, name, description string) error
	ArchiveProject(context.Context, string) error
	NextTaskNumber(context.Context, string) (int, error)
	ProjectSummary(context.Context, string) (store.ProjectSummary, error)
	ListProjectMembers(context.Context, string) ([]store.ProjectMember, error)
	UpsertProjectMember(ctx context.Context, projectID, userID, role string) error
	RemoveProjectMember(ctx context.Context, projectID, userID string) error

	ListBoards(context.Context, string) ([]store.Board, error)
	GetBoard(context.Context, string) (store.Board, error)
	InsertBoard(context.Context, store.Board) error
	RenameBoard(ctx context.Context, boardID, name string) error
	DeleteBoard(context.Context, string) error
	BoardSummary(context.Context, string) ([]store.BoardSummary, error)
	ListColumns(context.Context, string) ([]store.Column, error)
	GetColumn(context.Context, string) (store.Column, error)
	InsertColumn(context.Context, store.Column) error
	UpdateColumn(ctx context.Context, columnID, name string, sortOrder, taskLimit int) error
	DeleteColumn(context.Context, string) error
	ColumnTaskCount(context.Context, string) (int, error)
	ListSwimlanes(context.Context, string) ([]store.Swimlane, error)
	InsertSwimlane(context.Context, store.Swimlane) error
	UpdateSwimlane(ctx context.Context, laneID, name string, sortOrder int) error
	DeleteSwimlane(context.Context, string) error

	GetTask(context.Context, string) (store.Task, error)
	ListTasksByBoard(context.Context, string) ([]store.Task, error)
	ListTasksByProject(context.Context, string) ([]store.Task, error)
	FindTaskByReference(ctx context.Context, prefix string, number int) (store.Task, error)
	InsertTask(context.Context, store.Task) (time.Time, error)
	UpdateTaskFields(ctx context.Context, taskID string, expectedUpdatedAt time.Time, patch store.TaskPatch) (time.Time, error)
	CompleteTask(context.Context, string) (time.Time, error)
	DeleteTask(context.Context, string) error
	ListSubtasks(context.Context, string) ([]store.Subtask, error)
	InsertSubtask(context.Context, store.Subtask) error
	SetSubtaskDone(ctx context.Context, subtaskID string, done bool) (bool, error)
	DeleteSubtask(context.Context, string) error
	ListComments(context.Context, string) ([]store.Comment, error)
	InsertComment(context.Context, store.Comment) error
	DeleteComment(context.Context, string) error
	ListProjectTags(context.Context, string) ([]store.Tag, error)
	InsertTag(context.Context, store.Tag) error
	DeleteTag(context.Context, string) error
	ListTaskTags(context.Context, string) ([]store.Tag, error)
	ToggleTaskTag(ctx context.Context, taskID, tagID string) error
	InsertTaskEvent(context.Context, store.TaskEvent) error
	ListTaskEvents(ctx context.Context, taskID string, limit int) ([]store.TaskEvent, error)
	ListGitHubLinks(context.Context, string) ([]store.GitHubLink, error)

	InsertAttachment(context.Context, store.Attachment) error
	GetAttachment(context.Context, string) (store.Attachment, error)
	ListAttachments(context.Context, string) ([]store.Attachment, error)
	DeleteAttachment(context.Context, string) error

	ListWikiPages(context.Context, string) ([]store.WikiPage, error)
	GetWikiPage(ctx context.Context, projectID, slug string) (store.WikiPage, error)
	UpsertWikiPage(context.Context, store.WikiPage) error
	DeleteWikiPage(ctx context.Context, projectID, slug string) error
}

type refreshSessions interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// pgSessions adapts the Postgres refresh session methods to the
// user-carrying shape the Redis store exposes, for deployments without Redis.
type pgSessions struct {
	store *store.PostgresStore
}

func (p pgSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p pgSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p pgSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

type publisher interface {
	Publish(ctx context.Context, event realtime.Event) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexTask(t search.TaskRecord)
	IndexWikiPage(p search.WikiRecord)
	DeleteTask(id string)
	DeleteWikiPage(id string)
}

type wikiPages interface {
	EnsureProjectRepo(projectID, author string) error
	SavePage(projectID, slug, body, author, message string) (wiki.CommitInfo, error)
	GetPage(projectID, slug string) (string, wiki.CommitInfo, error)
	GetPageAt(projectID, slug, hash string) (string, error)
	DeletePage(projectID, slug, author string) error
	History(projectID, slug string, limit int) ([]wiki.CommitInfo, error)
}

type fileStore interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	DownloadURL(ctx context.Context, key, fileName string) (string, error)
	Delete(ctx context.Context, key string) error
}

type pageExporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
	SendAssignmentEmail(to, userName, reference, taskTitle, taskURL, assigner string) error
}

type githubPoster interface {
	CreateIssueComment(ctx context.Context, installationID int64, repo string, number int, body string) (int64, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshSessions
	undo     *undo.Manager
	hub      publisher
	search   searchIndex
	wiki     wikiPages
	files    fileStore
	export   pageExporter
	email    mailer
	github   githubPoster
	authpw   *authpw.Service
	logger   *slog.Logger
}

func New(
	cfg config.Config,
	pg *store.PostgresStore,
	sessions *session.RedisStore,
	manager *undo.Manager,
	hub *realtime.Hub,
	searchSvc *search.Service,
	wikiSvc *wiki.Service,
	fileSvc *files.Service,
	exportSvc *export.Service,
	emailSvc *email.Service,
	ghClient *github.Client,
	authSvc *authpw.Service,
	logger *slog.Logger,
) *Service {
	s := &Service{
		cfg:    cfg,
		store:  pg,
		undo:   manager,
		authpw: authSvc,
		logger: logger,
	}
	// Optional services stay nil interfaces when unconfigured so the guards
	// below see a real nil.
	if sessions != nil {
		s.sessions = sessions
	} else if pg != nil {
		s.sessions = pgSessions{store: pg}
	}
	if hub != nil {
		s.hub = hub
	}
	if searchSvc != nil {
		s.search = searchSvc
	}
	if wikiSvc != nil {
		s.wiki = wikiSvc
	}
	if fileSvc != nil {
		s.files = fileSvc
	}
	if exportSvc != nil {
		s.export = exportSvc
	}
	if emailSvc != nil {
		s.email = emailSvc
	}
	if ghClient != nil {
		s.github = ghClient
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// roleFor resolves the effective role for a project, preferring a
// project-level membership over the workspace role carried in the session.
func (s *Service) roleFor(ctx context.Context, sess Session, projectID string) rbac.Role {
	if projectID == "" {
		return rbac.Normalize(sess.Role)
	}
	role, err := s.store.ProjectRole(ctx, projectID, sess.UserID)
	if err != nil {
		return rbac.Normalize(sess.Role)
	}
	return rbac.Normalize(role)
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if s.sessions == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "SESSIONS_UNAVAILABLE", "Session store not configured", nil)
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// Rotate: the presented token is single use.
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if s.sessions != nil {
		refreshExpires := now.Add(s.cfg.RefreshTTL)
		if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
			return Session{}, err
		}
	} else {
		refresh = ""
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" && s.sessions != nil {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Undo and redo operate on the per-project history stacks.

func (s *Service) UndoState(projectID string, role rbac.Role) map[string]any {
	undoDepth, redoDepth := s.undo.Depths(projectID)
	payload := map[string]any{
		"canUndo":   s.undo.CanUndo(projectID, role),
		"canRedo":   s.undo.CanRedo(projectID, role),
		"undoDepth": undoDepth,
		"redoDepth": redoDepth,
	}
	if notice := s.undo.Notice(projectID); notice != nil {
		payload["notice"] = notice
	}
	return payload
}

func (s *Service) Undo(ctx context.Context, sess Session, projectID string) (undo.Result, error) {
	role := s.roleFor(ctx, sess, projectID)
	if !rbac.Can(role, rbac.ActionWrite) {
		return undo.Result{}, forbiddenError()
	}
	result, err := s.undo.Undo(ctx, projectID)
	if err != nil {
		return result, err
	}
	if result.Status == undo.StatusApplied && result.Action != nil {
		s.afterHistoryApply(ctx, sess, projectID, result.Action.TaskID, store.EventUndoApplied, realtime.EventUndoApplied, result.Action.Description)
	}
	return result, nil
}

func (s *Service) Redo(ctx context.Context, sess Session, projectID string) (undo.Result, error) {
	role := s.roleFor(ctx, sess, projectID)
	if !rbac.Can(role, rbac.ActionWrite) {
		return undo.Result{}, forbiddenError()
	}
	result, err := s.undo.Redo(ctx, projectID)
	if err != nil {
		return result, err
	}
	if result.Status == undo.StatusApplied && result.Action != nil {
		s.afterHistoryApply(ctx, sess, projectID, result.Action.TaskID, store.EventRedoApplied, realtime.EventRedoApplied, result.Action.Description)
	}
	return result, nil
}

func (s *Service) ForceUndo(ctx context.Context, sess Session, projectID string) (undo.Result, error) {
	role := s.roleFor(ctx, sess, projectID)
	if !rbac.Can(role, rbac.ActionWrite) {
		return undo.Result{}, forbiddenError()
	}
	result, err := s.undo.ForceUndo(ctx, projectID)
	if err != nil {
		return result, err
	}
	if result.Status == undo.StatusApplied && result.Action != nil {
		s.afterHistoryApply(ctx, sess, projectID, result.Action.TaskID, store.EventUndoApplied, realtime.EventUndoApplied, result.Action.Description)
	}
	return result, nil
}

// ResolveChord maps a raw keyboard chord onto undo or redo and runs it.
func (s *Service) ResolveChord(ctx context.Context, sess Session, projectID string, chord undo.Chord) (map[string]any, error) {
	command := undo.MapChord(chord)
	payload := map[string]any{"command": string(command)}
	switch command {
	case undo.CommandUndo:
		result, err := s.Undo(ctx, sess, projectID)
		if err != nil {
			return nil, err
		}
		payload["result"] = result
	case undo.CommandRedo:
		result, err := s.Redo(ctx, sess, projectID)
		if err != nil {
			return nil, err
		}
		payload["result"] = result
	}
	return payload, nil
}

func (s *Service) afterHistoryApply(ctx context.Context, sess Session, projectID, taskID, storeEvent, wireEvent, description string) {
	s.recordEvent(ctx, store.TaskEvent{
		ProjectID: projectID,
		TaskID:    taskID,
		Operation: storeEvent,
		ActorName: sess.UserName,
		Metadata:  map[string]string{"description": description},
	})
	s.broadcast(ctx, wireEvent, projectID, sess.UserName, map[string]any{
		"taskId":      taskID,
		"description": description,
	})
	if task, err := s.store.GetTask(ctx, taskID); err == nil {
		s.indexTask(task)
	}
}

func (s *Service) broadcast(ctx context.Context, eventType, projectID, actor string, payload any) {
	if s.hub == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.hub.Publish(ctx, realtime.Event{
		Type:      eventType,
		ProjectID: projectID,
		Actor:     actor,
		Payload:   raw,
	}); err != nil {
		s.logger.Warn("publish event", "type", eventType, "project_id", projectID, "error", err)
	}
}

func (s *Service) recordEvent(ctx context.Context, event store.TaskEvent) {
	if err := s.store.InsertTaskEvent(ctx, event); err != nil {
		s.logger.Warn("record task event", "task_id", event.TaskID, "error", err)
	}
}

func (s *Service) indexTask(task store.Task) {
	if s.search == nil {
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Reference:   task.Reference,
		ProjectID:   task.ProjectID,
		ColumnID:    task.ColumnID,
		Done:        task.CompletedAt != nil,
	})
}

// SendVerificationEmail delivers the signup verification link. Fire and
// forget; signup must not block on SMTP.
func (s *Service) SendVerificationEmail(to, userName, token string) {
	if s.email == nil || !s.email.IsConfigured() {
		return
	}
	verifyURL := s.cfg.AppBaseURL + "/verify-email?token=" + url.QueryEscape(token)
	go func() {
		if err := s.email.SendVerificationEmail(to, userName, verifyURL); err != nil {
			s.logger.Warn("send verification email", "error", err)
		}
	}()
}

func (s *Service) SendPasswordResetEmail(ctx context.Context, to, token string) {
	if s.email == nil || !s.email.IsConfigured() {
		return
	}
	userName := to
	if user, err := s.store.GetUserByEmail(ctx, to); err == nil {
		userName = user.DisplayName
	}
	resetURL := s.cfg.AppBaseURL + "/reset-password?token=" + url.QueryEscape(token)
	go func() {
		if err := s.email.SendPasswordResetEmail(to, userName, resetURL); err != nil {
			s.logger.Warn("send password reset email", "error", err)
		}
	}()
}

func (s *Service) Search(sess Session, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}}
	}
	return s.search.Search(q)
}
