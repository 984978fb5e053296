package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"kanbu/api/internal/config"
	"kanbu/api/internal/realtime"
	"kanbu/api/internal/search"
	"kanbu/api/internal/store"
	"kanbu/api/internal/undo"
	"kanbu/api/internal/wiki"
)

type fakeStore struct {
	getUserByIDFn      func(context.Context, string) (store.User, error)
	projectRoleFn      func(context.Context, string, string) (string, error)
	getProjectFn       func(context.Context, string) (store.Project, error)
	nextTaskNumberFn   func(context.Context, string) (int, error)
	getColumnFn        func(context.Context, string) (store.Column, error)
	columnTaskCountFn  func(context.Context, string) (int, error)
	getTaskFn          func(context.Context, string) (store.Task, error)
	insertTaskFn       func(context.Context, store.Task) (time.Time, error)
	updateTaskFieldsFn func(context.Context, string, time.Time, store.TaskPatch) (time.Time, error)
	insertCommentFn    func(context.Context, store.Comment) error
	getWikiPageFn      func(context.Context, string, string) (store.WikiPage, error)
	upsertWikiPageFn   func(context.Context, store.WikiPage) error

	insertedTasks  []store.Task
	insertedEvents []store.TaskEvent
	revokedJTIs    map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{revokedJTIs: make(map[string]bool)}
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Ana", Email: "ana@example.com", Role: "editor"}, nil
}
func (f *fakeStore) GetUserByEmail(context.Context, string) (store.User, error) {
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) ProjectRole(ctx context.Context, projectID, userID string) (string, error) {
	if f.projectRoleFn != nil {
		return f.projectRoleFn(ctx, projectID, userID)
	}
	return "editor", nil
}
func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.revokedJTIs[jti] = true
	return nil
}
func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	return f.revokedJTIs[jti], nil
}

func (f *fakeStore) ListProjects(context.Context) ([]store.Project, error) { return nil, nil }
func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{ID: projectID, Name: "Kanbu", Prefix: "KANBU"}, nil
}
func (f *fakeStore) InsertProject(context.Context, store.Project) error         { return nil }
func (f *fakeStore) UpdateProject(context.Context, string, string, string) error { return nil }
func (f *fakeStore) ArchiveProject(context.Context, string) error               { return nil }
func (f *fakeStore) NextTaskNumber(ctx context.Context, projectID string) (int, error) {
	if f.nextTaskNumberFn != nil {
		return f.nextTaskNumberFn(ctx, projectID)
	}
	return 1, nil
}
func (f *fakeStore) ProjectSummary(context.Context, string) (store.ProjectSummary, error) {
	return store.ProjectSummary{}, nil
}
func (f *fakeStore) ListProjectMembers(context.Context, string) ([]store.ProjectMember, error) {
	return nil, nil
}
func (f *fakeStore) UpsertProjectMember(context.Context, string, string, string) error { return nil }
func (f *fakeStore) RemoveProjectMember(context.Context, string, string) error         { return nil }

func (f *fakeStore) ListBoards(context.Context, string) ([]store.Board, error) { return nil, nil }
func (f *fakeStore) GetBoard(_ context.Context, boardID string) (store.Board, error) {
	return store.Board{ID: boardID, ProjectID: "prj_1", Name: "Board"}, nil
}
func (f *fakeStore) InsertBoard(context.Context, store.Board) error          { return nil }
func (f *fakeStore) RenameBoard(context.Context, string, string) error       { return nil }
func (f *fakeStore) DeleteBoard(context.Context, string) error               { return nil }
func (f *fakeStore) BoardSummary(context.Context, string) ([]store.BoardSummary, error) {
	return nil, nil
}
func (f *fakeStore) ListColumns(context.Context, string) ([]store.Column, error) { return nil, nil }
func (f *fakeStore) GetColumn(ctx context.Context, columnID string) (store.Column, error) {
	if f.getColumnFn != nil {
		return f.getColumnFn(ctx, columnID)
	}
	return store.Column{ID: columnID, Name: "Backlog"}, nil
}
func (f *fakeStore) InsertColumn(context.Context, store.Column) error { return nil }
func (f *fakeStore) UpdateColumn(context.Context, string, string, int, int) error {
	return nil
}
func (f *fakeStore) DeleteColumn(context.Context, string) error { return nil }
func (f *fakeStore) ColumnTaskCount(ctx context.Context, columnID string) (int, error) {
	if f.columnTaskCountFn != nil {
		return f.columnTaskCountFn(ctx, columnID)
	}
	return 0, nil
}
func (f *fakeStore) ListSwimlanes(context.Context, string) ([]store.Swimlane, error) {
	return nil, nil
}
func (f *fakeStore) InsertSwimlane(context.Context, store.Swimlane) error          { return nil }
func (f *fakeStore) UpdateSwimlane(context.Context, string, string, int) error     { return nil }
func (f *fakeStore) DeleteSwimlane(context.Context, string) error                  { return nil }

func (f *fakeStore) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, taskID)
	}
	return store.Task{ID: taskID, ProjectID: "prj_1", Reference: "KANBU-1", Title: "Task"}, nil
}
func (f *fakeStore) ListTasksByBoard(context.Context, string) ([]store.Task, error) {
	return nil, nil
}
func (f *fakeStore) ListTasksByProject(context.Context, string) ([]store.Task, error) {
	return nil, nil
}
func (f *fakeStore) FindTaskByReference(context.Context, string, int) (store.Task, error) {
	return store.Task{}, sql.ErrNoRows
}
func (f *fakeStore) InsertTask(ctx context.Context, task store.Task) (time.Time, error) {
	f.insertedTasks = append(f.insertedTasks, task)
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, task)
	}
	return time.Now(), nil
}
func (f *fakeStore) UpdateTaskFields(ctx context.Context, taskID string, expected time.Time, patch store.TaskPatch) (time.Time, error) {
	if f.updateTaskFieldsFn != nil {
		return f.updateTaskFieldsFn(ctx, taskID, expected, patch)
	}
	return time.Now(), nil
}
func (f *fakeStore) CompleteTask(context.Context, string) (time.Time, error) {
	return time.Now(), nil
}
func (f *fakeStore) DeleteTask(context.Context, string) error { return nil }
func (f *fakeStore) ListSubtasks(context.Context, string) ([]store.Subtask, error) {
	return nil, nil
}
func (f *fakeStore) InsertSubtask(context.Context, store.Subtask) error { return nil }
func (f *fakeStore) SetSubtaskDone(context.Context, string, bool) (bool, error) {
	return true, nil
}
func (f *fakeStore) DeleteSubtask(context.Context, string) error { return nil }
func (f *fakeStore) ListComments(context.Context, string) ([]store.Comment, error) {
	return nil, nil
}
func (f *fakeStore) InsertComment(ctx context.Context, comment store.Comment) error {
	if f.insertCommentFn != nil {
		return f.insertCommentFn(ctx, comment)
	}
	return nil
}
func (f *fakeStore) DeleteComment(context.Context, string) error { return nil }
func (f *fakeStore) ListProjectTags(context.Context, string) ([]store.Tag, error) {
	return nil, nil
}
func (f *fakeStore) InsertTag(context.Context, store.Tag) error      { return nil }
func (f *fakeStore) DeleteTag(context.Context, string) error         { return nil }
func (f *fakeStore) ListTaskTags(context.Context, string) ([]store.Tag, error) {
	return nil, nil
}
func (f *fakeStore) ToggleTaskTag(context.Context, string, string) error { return nil }
func (f *fakeStore) InsertTaskEvent(_ context.Context, event store.TaskEvent) error {
	f.insertedEvents = append(f.insertedEvents, event)
	return nil
}
func (f *fakeStore) ListTaskEvents(context.Context, string, int) ([]store.TaskEvent, error) {
	return nil, nil
}
func (f *fakeStore) ListGitHubLinks(context.Context, string) ([]store.GitHubLink, error) {
	return nil, nil
}

func (f *fakeStore) InsertAttachment(context.Context, store.Attachment) error { return nil }
func (f *fakeStore) GetAttachment(context.Context, string) (store.Attachment, error) {
	return store.Attachment{}, sql.ErrNoRows
}
func (f *fakeStore) ListAttachments(context.Context, string) ([]store.Attachment, error) {
	return nil, nil
}
func (f *fakeStore) DeleteAttachment(context.Context, string) error { return nil }

func (f *fakeStore) ListWikiPages(context.Context, string) ([]store.WikiPage, error) {
	return nil, nil
}
func (f *fakeStore) GetWikiPage(ctx context.Context, projectID, slug string) (store.WikiPage, error) {
	if f.getWikiPageFn != nil {
		return f.getWikiPageFn(ctx, projectID, slug)
	}
	return store.WikiPage{}, sql.ErrNoRows
}
func (f *fakeStore) UpsertWikiPage(ctx context.Context, page store.WikiPage) error {
	if f.upsertWikiPageFn != nil {
		return f.upsertWikiPageFn(ctx, page)
	}
	return nil
}
func (f *fakeStore) DeleteWikiPage(context.Context, string, string) error { return nil }

type fakeSessions struct {
	saved map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{saved: make(map[string]store.User)}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.saved[tokenHash] = user
	return nil
}
func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	user, ok := f.saved[tokenHash]
	if !ok {
		return store.User{}, errors.New("session not found")
	}
	return user, nil
}
func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	delete(f.saved, tokenHash)
	return nil
}

type fakePublisher struct {
	events []realtime.Event
}

func (f *fakePublisher) Publish(_ context.Context, event realtime.Event) error {
	f.events = append(f.events, event)
	return nil
}

type fakeSearch struct {
	tasks []search.TaskRecord
	wiki  []search.WikiRecord
}

func (f *fakeSearch) Search(search.Query) search.Response {
	return search.Response{Results: []search.Result{}}
}
func (f *fakeSearch) IndexTask(t search.TaskRecord)     { f.tasks = append(f.tasks, t) }
func (f *fakeSearch) IndexWikiPage(p search.WikiRecord) { f.wiki = append(f.wiki, p) }
func (f *fakeSearch) DeleteTask(string)                 {}
func (f *fakeSearch) DeleteWikiPage(string)             {}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 720 * time.Hour,
		AppBaseURL: "http://localhost:3000",
	}
}

func newTestService(fake *fakeStore) (*Service, *fakeSessions, *fakePublisher, *fakeSearch) {
	sessions := newFakeSessions()
	hub := &fakePublisher{}
	index := &fakeSearch{}
	s := &Service{
		cfg:      testConfig(),
		store:    fake,
		sessions: sessions,
		undo:     undo.NewManager(fake),
		hub:      hub,
		search:   index,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return s, sessions, hub, index
}

func testSession() Session {
	return Session{UserID: "usr_1", UserName: "Ana", Role: "editor"}
}

func TestSessionRoundTrip(t *testing.T) {
	fake := newFakeStore()
	s, _, _, _ := newTestService(fake)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "usr_1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.RefreshToken == "" {
		t.Fatal("expected a refresh token")
	}

	parsed, err := s.SessionFromToken(ctx, created.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if parsed.UserID != "usr_1" || parsed.UserName != "Ana" {
		t.Fatalf("unexpected session %+v", parsed)
	}

	if err := s.Logout(ctx, parsed, created.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := s.SessionFromToken(ctx, created.Token); err == nil {
		t.Fatal("expected token to be rejected after logout")
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	fake := newFakeStore()
	s, _, _, _ := newTestService(fake)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "usr_1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	refreshed, err := s.Refresh(ctx, created.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.RefreshToken == created.RefreshToken {
		t.Fatal("expected a new refresh token")
	}

	if _, err := s.Refresh(ctx, created.RefreshToken); err == nil {
		t.Fatal("expected old refresh token to be single use")
	}
}

func TestCreateTaskAssignsReference(t *testing.T) {
	fake := newFakeStore()
	fake.nextTaskNumberFn = func(context.Context, string) (int, error) { return 7, nil }
	s, _, hub, index := newTestService(fake)

	payload, err := s.CreateTask(context.Background(), testSession(), "prj_1", CreateTaskInput{
		BoardID:  "brd_1",
		ColumnID: "col_1",
		Title:    "Fix login",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if payload["reference"] != "KANBU-7" {
		t.Fatalf("reference = %v, want KANBU-7", payload["reference"])
	}
	if len(fake.insertedEvents) != 1 || fake.insertedEvents[0].Operation != store.EventTaskCreated {
		t.Fatalf("expected a task.created event, got %+v", fake.insertedEvents)
	}
	if len(hub.events) != 1 || hub.events[0].Type != realtime.EventTaskCreated {
		t.Fatalf("expected a realtime task.created event, got %+v", hub.events)
	}
	if len(index.tasks) != 1 || index.tasks[0].Reference != "KANBU-7" {
		t.Fatalf("expected the task to be indexed, got %+v", index.tasks)
	}
}

func TestCreateTaskRespectsWIPLimit(t *testing.T) {
	fake := newFakeStore()
	fake.getColumnFn = func(_ context.Context, columnID string) (store.Column, error) {
		return store.Column{ID: columnID, TaskLimit: 2}, nil
	}
	fake.columnTaskCountFn = func(context.Context, string) (int, error) { return 2, nil }
	s, _, _, _ := newTestService(fake)

	_, err := s.CreateTask(context.Background(), testSession(), "prj_1", CreateTaskInput{
		ColumnID: "col_full",
		Title:    "One too many",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "WIP_LIMIT_REACHED" {
		t.Fatalf("expected WIP_LIMIT_REACHED, got %v", err)
	}
}

func TestUpdateTaskRecordsUndo(t *testing.T) {
	fake := newFakeStore()
	stamp := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	fake.getTaskFn = func(_ context.Context, taskID string) (store.Task, error) {
		return store.Task{ID: taskID, ProjectID: "prj_1", Reference: "KANBU-1", Title: "Old title", UpdatedAt: stamp}, nil
	}
	var gotPatch store.TaskPatch
	fake.updateTaskFieldsFn = func(_ context.Context, _ string, _ time.Time, patch store.TaskPatch) (time.Time, error) {
		gotPatch = patch
		return stamp.Add(time.Second), nil
	}
	s, _, _, _ := newTestService(fake)

	title := "New title"
	_, err := s.UpdateTask(context.Background(), testSession(), "tsk_1", UpdateTaskInput{
		Title:             &title,
		ExpectedUpdatedAt: stamp,
	})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if gotPatch.Title == nil || *gotPatch.Title != "New title" {
		t.Fatalf("patch did not carry the title, got %+v", gotPatch)
	}

	undoDepth, redoDepth := s.undo.Depths("prj_1")
	if undoDepth != 1 || redoDepth != 0 {
		t.Fatalf("depths = %d/%d, want 1/0", undoDepth, redoDepth)
	}
}

func TestUpdateTaskVersionConflict(t *testing.T) {
	fake := newFakeStore()
	fake.updateTaskFieldsFn = func(context.Context, string, time.Time, store.TaskPatch) (time.Time, error) {
		return time.Time{}, store.ErrVersionConflict
	}
	s, _, _, _ := newTestService(fake)

	title := "Racing"
	_, err := s.UpdateTask(context.Background(), testSession(), "tsk_1", UpdateTaskInput{Title: &title})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "TASK_MODIFIED" {
		t.Fatalf("expected TASK_MODIFIED, got %v", err)
	}
	if domainErr.Status != 409 {
		t.Fatalf("status = %d, want 409", domainErr.Status)
	}
}

func TestUndoAppliesInversePatch(t *testing.T) {
	fake := newFakeStore()
	stamp := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	current := store.Task{ID: "tsk_1", ProjectID: "prj_1", Reference: "KANBU-1", Title: "Old title", UpdatedAt: stamp}
	fake.getTaskFn = func(context.Context, string) (store.Task, error) {
		return current, nil
	}
	var writes []store.TaskPatch
	fake.updateTaskFieldsFn = func(_ context.Context, _ string, _ time.Time, patch store.TaskPatch) (time.Time, error) {
		writes = append(writes, patch)
		next := current
		if patch.Title != nil {
			next.Title = *patch.Title
		}
		next.UpdatedAt = current.UpdatedAt.Add(time.Second)
		current = next
		return current.UpdatedAt, nil
	}
	s, _, _, _ := newTestService(fake)
	sess := testSession()

	title := "New title"
	if _, err := s.UpdateTask(context.Background(), sess, "tsk_1", UpdateTaskInput{Title: &title}); err != nil {
		t.Fatalf("update task: %v", err)
	}

	result, err := s.Undo(context.Background(), sess, "prj_1")
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if result.Status != undo.StatusApplied {
		t.Fatalf("status = %s, want applied", result.Status)
	}
	last := writes[len(writes)-1]
	if last.Title == nil || *last.Title != "Old title" {
		t.Fatalf("undo did not restore the title, got %+v", last)
	}
	if current.Title != "Old title" {
		t.Fatalf("task title = %q after undo", current.Title)
	}
}

func TestUndoRequiresWriteRole(t *testing.T) {
	fake := newFakeStore()
	fake.projectRoleFn = func(context.Context, string, string) (string, error) {
		return "viewer", nil
	}
	s, _, _, _ := newTestService(fake)

	_, err := s.Undo(context.Background(), testSession(), "prj_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestCreateCommentRequiresCommentRole(t *testing.T) {
	fake := newFakeStore()
	fake.projectRoleFn = func(context.Context, string, string) (string, error) {
		return "viewer", nil
	}
	s, _, _, _ := newTestService(fake)

	_, err := s.CreateComment(context.Background(), testSession(), "tsk_1", "nice work")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestResolveChordDispatchesUndo(t *testing.T) {
	fake := newFakeStore()
	s, _, _, _ := newTestService(fake)
	sess := testSession()

	payload, err := s.ResolveChord(context.Background(), sess, "prj_1", undo.Chord{Key: "z", Ctrl: true})
	if err != nil {
		t.Fatalf("resolve chord: %v", err)
	}
	if payload["command"] != "undo" {
		t.Fatalf("command = %v, want undo", payload["command"])
	}
	result, ok := payload["result"].(undo.Result)
	if !ok {
		t.Fatalf("expected an undo result in the payload")
	}
	if result.Status != undo.StatusEmpty {
		t.Fatalf("status = %s, want empty (no recorded actions)", result.Status)
	}

	payload, err = s.ResolveChord(context.Background(), sess, "prj_1", undo.Chord{Key: "z", Ctrl: true, EditableTarget: true})
	if err != nil {
		t.Fatalf("resolve chord: %v", err)
	}
	if payload["command"] != "" {
		t.Fatalf("editable target should not intercept, got %v", payload["command"])
	}
}

type fakeWiki struct {
	saved map[string]string
}

func (f *fakeWiki) EnsureProjectRepo(string, string) error { return nil }
func (f *fakeWiki) SavePage(_ string, slug, body, _, _ string) (wiki.CommitInfo, error) {
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[slug] = body
	return wiki.CommitInfo{Hash: "abc1234", Author: "Ana"}, nil
}
func (f *fakeWiki) GetPage(_ string, slug string) (string, wiki.CommitInfo, error) {
	body, ok := f.saved[slug]
	if !ok {
		return "", wiki.CommitInfo{}, errors.New("not found")
	}
	return body, wiki.CommitInfo{Hash: "abc1234"}, nil
}
func (f *fakeWiki) GetPageAt(string, string, string) (string, error) { return "", nil }
func (f *fakeWiki) DeletePage(string, string, string) error          { return nil }
func (f *fakeWiki) History(string, string, int) ([]wiki.CommitInfo, error) {
	return nil, nil
}

func TestSaveWikiPageIndexesAndLinks(t *testing.T) {
	fake := newFakeStore()
	var upserted store.WikiPage
	fake.upsertWikiPageFn = func(_ context.Context, page store.WikiPage) error {
		upserted = page
		return nil
	}
	s, _, _, index := newTestService(fake)
	s.wiki = &fakeWiki{}

	payload, err := s.SaveWikiPage(context.Background(), testSession(), "prj_1", "", SaveWikiPageInput{
		Title: "Getting Started",
		Body:  "See [[Roadmap]] and KANBU-12.",
	})
	if err != nil {
		t.Fatalf("save wiki page: %v", err)
	}
	if payload["slug"] != "getting-started" {
		t.Fatalf("slug = %v", payload["slug"])
	}
	if upserted.Title != "Getting Started" || upserted.Slug != "getting-started" {
		t.Fatalf("unexpected upsert %+v", upserted)
	}
	if len(index.wiki) != 1 || index.wiki[0].Slug != "getting-started" {
		t.Fatalf("expected the page to be indexed, got %+v", index.wiki)
	}
	links, _ := payload["links"].([]string)
	if len(links) != 1 || links[0] != "roadmap" {
		t.Fatalf("links = %v", links)
	}
}

func TestValidPrefix(t *testing.T) {
	cases := map[string]bool{
		"KANBU": true,
		"AB":    true,
		"A2B":   true,
		"A":     false,
		"2AB":   false,
		"kanbu": false,
		"A-B":   false,
		strings.Repeat("A", 11): false,
	}
	for prefix, want := range cases {
		if got := validPrefix(prefix); got != want {
			t.Errorf("validPrefix(%q) = %v, want %v", prefix, got, want)
		}
	}
}
