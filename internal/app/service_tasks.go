package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"kanbu/api/internal/rbac"
	"kanbu/api/internal/realtime"
	"kanbu/api/internal/store"
	"kanbu/api/internal/undo"
	"kanbu/api/internal/util"
)

// positionGap leaves room between neighbours so drags rarely force a
// renumbering on the client.
const positionGap = 1024.0

type CreateTaskInput struct {
	BoardID     string     `json:"boardId"`
	ColumnID    string     `json:"columnId"`
	SwimlaneID  string     `json:"swimlaneId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	AssigneeID  string     `json:"assigneeId"`
	DateDue     *time.Time `json:"dateDue"`
}

type UpdateTaskInput struct {
	Title             *string    `json:"title"`
	Description       *string    `json:"description"`
	AssigneeID        *string    `json:"assigneeId"`
	DateStarted       *time.Time `json:"dateStarted"`
	DateDue           *time.Time `json:"dateDue"`
	SetStarted        bool       `json:"setStarted"`
	SetDue            bool       `json:"setDue"`
	ExpectedUpdatedAt time.Time  `json:"expectedUpdatedAt"`
}

type MoveTaskInput struct {
	ColumnID          string    `json:"columnId"`
	SwimlaneID        *string   `json:"swimlaneId"`
	Position          float64   `json:"position"`
	ExpectedUpdatedAt time.Time `json:"expectedUpdatedAt"`
}

func (s *Service) ListTasks(ctx context.Context, sess Session, projectID string) ([]map[string]any, error) {
	tasks, err := s.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, taskSummaryPayload(task))
	}
	return items, nil
}

func (s *Service) CreateTask(ctx context.Context, sess Session, projectID string, input CreateTaskInput) (map[string]any, error) {
	if !rbac.Can(s.roleFor(ctx, sess, projectID), rbac.ActionWrite) {
		return nil, forbiddenError()
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("title is required")
	}
	if input.ColumnID == "" {
		return nil, validationError("columnId is required")
	}
	if err := s.checkColumnLimit(ctx, input.ColumnID); err != nil {
		return nil, err
	}

	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	number, err := s.store.NextTaskNumber(ctx, projectID)
	if err != nil {
		return nil, err
	}

	task := store.Task{
		ID:          util.NewID("tsk"),
		ProjectID:   projectID,
		BoardID:     input.BoardID,
		ColumnID:    input.ColumnID,
		SwimlaneID:  input.SwimlaneID,
		Number:      number,
		Reference:   util.TaskRef(project.Prefix, number),
		Title:       title,
		Description: input.Description,
		Position:    float64(number) * positionGap,
		AssigneeID:  input.AssigneeID,
		CreatedBy:   sess.UserName,
		DateDue:     input.DateDue,
	}
	createdAt, err := s.store.InsertTask(ctx, task)
	if err != nil {
		return nil, err
	}
	task.UpdatedAt = createdAt

	s.recordEvent(ctx, store.TaskEvent{
		ProjectID: projectID,
		TaskID:    task.ID,
		Operation: store.EventTaskCreated,
		ActorName: sess.UserName,
		Metadata:  map[string]string{"reference": task.Reference},
	})
	s.broadcast(ctx, realtime.EventTaskCreated, projectID, sess.UserName, taskSummaryPayload(task))
	s.indexTask(task)
	if input.AssigneeID != "" && input.AssigneeID != sess.UserID {
		s.notifyAssignment(ctx, task, sess.UserName)
	}

	return taskSummaryPayload(task), nil
}

func (s *Service) GetTask(ctx context.Context, sess Session, taskID string) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	payload := taskSummaryPayload(task)
	payload["description"] = task.Description
	payload["createdBy"] = task.CreatedBy
	payload["createdAt"] = task.CreatedAt

	if subtasks, err := s.store.ListSubtasks(ctx, taskID); err == nil {
		items := make([]map[string]any, 0, len(subtasks))
		for _, subtask := range subtasks {
			items = append(items, map[string]any{
				"id":    subtask.ID,
				"title": subtask.Title,
				"done":  subtask.Done,
			})
		}
		payload["subtasks"] = items
	}
	if comments, err := s.store.ListComments(ctx, taskID); err == nil {
		items := make([]map[string]any, 0, len(comments))
		for _, comment := range comments {
			item := map[string]any{
				"id":        comment.ID,
				"author":    comment.Author,
				"body":      comment.Body,
				"createdAt": comment.CreatedAt,
			}
			if comment.GitHubCommentID != nil {
				item["githubCommentId"] = *comment.GitHubCommentID
			}
			items = append(items, item)
		}
		payload["comments"] = items
	}
	if tags, err := s.store.ListTaskTags(ctx, taskID); err == nil {
		items := make([]map[string]any, 0, len(tags))
		for _, tag := range tags {
			items = append(items, map[string]any{"id": tag.ID, "name": tag.Name, "color": tag.Color})
		}
		payload["tags"] = items
	}
	if links, err := s.store.ListGitHubLinks(ctx, taskID); err == nil {
		items := make([]map[string]any, 0, len(links))
		for _, link := range links {
			items = append(items, map[string]any{
				"repo":   link.Repo,
				"kind":   link.Kind,
				"number": link.Number,
				"url":    link.URL,
				"state":  link.State,
				"title":  link.Title,
			})
		}
		payload["githubLinks"] = items
	}
	if attachments, err := s.store.ListAttachments(ctx, taskID); err == nil {
		items := make([]map[string]any, 0, len(attachments))
		for _, attachment := range attachments {
			items = append(items, attachmentPayload(attachment))
		}
		payload["attachments"] = items
	}
	return payload, nil
}

func (s *Service) UpdateTask(ctx context.Context, sess Session, taskID string, input UpdateTaskInput) (map[string]any, error) {
	patch := store.TaskPatch{
		Title:       input.Title,
		Description: input.Description,
		AssigneeID:  input.AssigneeID,
		DateStarted: input.DateStarted,
		DateDue:     input.DateDue,
		SetStarted:  input.SetStarted,
		SetDue:      input.SetDue,
	}
	if input.Title != nil && strings.TrimSpace(*input.Title) == "" {
		return nil, validationError("title cannot be empty")
	}
	return s.applyTaskPatch(ctx, sess, taskID, patch, input.ExpectedUpdatedAt, store.EventTaskUpdated)
}

func (s *Service) MoveTask(ctx context.Context, sess Session, taskID string, input MoveTaskInput) (map[string]any, error) {
	if input.ColumnID == "" {
		return nil, validationError("columnId is required")
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.ColumnID != input.ColumnID {
		if err := s.checkColumnLimit(ctx, input.ColumnID); err != nil {
			return nil, err
		}
	}
	position := input.Position
	if position == 0 {
		position = task.Position
	}
	patch := store.TaskPatch{
		ColumnID:   &input.ColumnID,
		SwimlaneID: input.SwimlaneID,
		Position:   &position,
	}
	return s.applyTaskPatch(ctx, sess, taskID, patch, input.ExpectedUpdatedAt, store.EventTaskMoved)
}

// applyTaskPatch is the single write path for task edits. It performs the
// compare-and-set against the row's updated_at, records the inverse patch on
// the project's undo stack, and fans out events and index updates.
func (s *Service) applyTaskPatch(ctx context.Context, sess Session, taskID string, patch store.TaskPatch, expected time.Time, operation string) (map[string]any, error) {
	if patch.IsEmpty() {
		return nil, validationError("no fields to update")
	}
	current, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(s.roleFor(ctx, sess, current.ProjectID), rbac.ActionWrite) {
		return nil, forbiddenError()
	}
	if expected.IsZero() {
		expected = current.UpdatedAt
	}

	previous := inversePatch(current, patch)
	newStamp, err := s.store.UpdateTaskFields(ctx, taskID, expected, patch)
	if errors.Is(err, store.ErrVersionConflict) {
		return nil, domainError(http.StatusConflict, "TASK_MODIFIED", "Task was changed by someone else. Reload and retry.", map[string]any{
			"taskId": taskID,
		})
	}
	if err != nil {
		return nil, err
	}

	s.undo.Record(current.ProjectID, undo.Action{
		ID:                util.NewID("act"),
		TaskID:            taskID,
		Description:       actionDescription(current, patch, operation),
		PreviousState:     previous,
		NewState:          patch,
		SnapshotUpdatedAt: newStamp,
	})

	s.recordEvent(ctx, store.TaskEvent{
		ProjectID: current.ProjectID,
		TaskID:    taskID,
		Operation: operation,
		ActorName: sess.UserName,
		Metadata:  map[string]string{"reference": current.Reference},
	})

	updated, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		updated = current
		updated.UpdatedAt = newStamp
	}
	s.broadcast(ctx, realtime.EventTaskChanged, current.ProjectID, sess.UserName, taskSummaryPayload(updated))
	s.indexTask(updated)

	if patch.AssigneeID != nil && *patch.AssigneeID != "" && *patch.AssigneeID != current.AssigneeID {
		s.notifyAssignment(ctx, updated, sess.UserName)
	}
	return taskSummaryPayload(updated), nil
}

func (s *Service) CompleteTask(ctx context.Context, sess Session, taskID string) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(s.roleFor(ctx, sess, task.ProjectID), rbac.ActionWrite) {
		return nil, forbiddenError()
	}
	stamp, err := s.store.CompleteTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	task.CompletedAt = &now
	task.UpdatedAt = stamp

	s.recordEvent(ctx, store.TaskEvent{
		ProjectID: task.ProjectID,
		TaskID:    taskID,
		Operation: store.EventTaskUpdated,
		ActorName: sess.UserName,
		Metadata:  map[string]string{"reference": task.Reference, "completed": "true"},
	})
	s.broadcast(ctx, realtime.EventTaskChanged, task.ProjectID, sess.UserName, taskSummaryPayload(task))
	s.indexTask(task)
	return taskSummaryPayload(task), nil
}

func (s *Service) DeleteTask(ctx context.Context, sess Session, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !rbac.Can(s.roleFor(ctx, sess, task.ProjectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteTask(taskID)
	}
	s.broadcast(ctx, realtime.EventTaskDeleted, task.ProjectID, sess.UserName, map[string]any{
		"taskId":    taskID,
		"reference": task.Reference,
	})
	return nil
}

func (s *Service) TaskActivity(ctx context.Context, sess Session, taskID string, limit int) ([]map[string]any, error) {
	events, err := s.store.ListTaskEvents(ctx, taskID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		items = append(items, map[string]any{
			"operation": event.Operation,
			"actor":     event.ActorName,
			"metadata":  event.Metadata,
			"createdAt": event.CreatedAt,
		})
	}
	return items, nil
}

// Subtasks

func (s *Service) CreateSubtask(ctx context.Context, sess Session, taskID, title string) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(s.roleFor(ctx, sess, task.ProjectID), rbac.ActionWrite) {
		return nil, forbiddenError()
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}
	existing, err := s.store.ListSubtasks(ctx, taskID)
	if err != nil {
		return nil, err
	}
	subtask := store.Subtask{
		ID:        util.NewID("sub"),
		TaskID:    taskID,
		Title:     title,
		SortOrder: len(existing),
	}
	if err := s.store.InsertSubtask(ctx, subtask); err != nil {
		return nil, err
	}
	s.broadcast(ctx, realtime.EventTaskChanged, task.ProjectID, sess.UserName, map[string]any{"taskId": taskID})
	return map[string]any{"id": subtask.ID, "title": subtask.Title, "done": false}, nil
}

func (s *Service) ToggleSubtask(ctx context.Context, sess Session, taskID, subtaskID string, done bool) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(s.roleFor(ctx, sess, task.ProjectID), rbac.ActionWrite) {
		return nil, forbiddenError()
	}
	updated, err := s.store.SetSubtaskDone(ctx, subtaskID, done)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, notFoundError("Subtask not found")
	}
	s.broadcast(ctx, realtime.EventTaskChanged, task.ProjectID, sess.UserName, map[string]any{"taskId": taskID})
	return map[string]any{"id": subtaskID, "done": done}, nil
}

func (s *Service) DeleteSubtask(ctx context.Context, sess Session, taskID, subtaskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !rbac.Can(s.roleFor(ctx, sess, task.ProjectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	return s.store.DeleteSubtask(ctx, subtaskID)
}

// Comments

func (s *Service) CreateComment(ctx context.Context, sess Session, taskID, body string) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(s.roleFor(ctx, sess, task.ProjectID), rbac.ActionComment) {
		return nil, forbiddenError()
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, validationError("body is required")
	}
	comment := store.Comment{
		ID:     util.NewID("cmt"),
		TaskID: taskID,
		Author: sess.UserName,
		Body:   body,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	s.broadcast(ctx, realtime.EventCommentAdded, task.ProjectID, sess.UserName, map[string]any{
		"taskId":    taskID,
		"commentId": comment.ID,
		"author":    comment.Author,
	})
	s.mirrorCommentToGitHub(ctx, task, sess.UserName, body)
	return map[string]any{
		"id":     comment.ID,
		"author": comment.Author,
		"body":   comment.Body,
	}, nil
}

func (s *Service) DeleteComment(ctx context.Context, sess Session, taskID, commentID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !rbac.Can(s.roleFor(ctx, sess, task.ProjectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	return s.store.DeleteComment(ctx, commentID)
}

// mirrorCommentToGitHub posts the comment onto the task's linked pull
// request, when the GitHub App is configured and a PR link exists.
func (s *Service) mirrorCommentToGitHub(ctx context.Context, task store.Task, author, body string) {
	if s.github == nil || s.cfg.GitHubInstallationID == 0 {
		return
	}
	links, err := s.store.ListGitHubLinks(ctx, task.ID)
	if err != nil {
		return
	}
	for _, link := range links {
		if link.Kind != store.LinkKindPullRequest {
			continue
		}
		repo, number := link.Repo, link.Number
		go func() {
			postCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			mirrored := fmt.Sprintf("**%s** commented on %s:\n\n%s", author, task.Reference, body)
			if _, err := s.github.CreateIssueComment(postCtx, s.cfg.GitHubInstallationID, repo, number, mirrored); err != nil {
				s.logger.Warn("mirror comment to github", "task_id", task.ID, "repo", repo, "error", err)
			}
		}()
		return
	}
}

// Tags

func (s *Service) ListProjectTags(ctx context.Context, sess Session, projectID string) ([]map[string]any, error) {
	tags, err := s.store.ListProjectTags(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tags))
	for _, tag := range tags {
		items = append(items, map[string]any{"id": tag.ID, "name": tag.Name, "color": tag.Color})
	}
	return items, nil
}

func (s *Service) CreateTag(ctx context.Context, sess Session, projectID, name, color string) (map[string]any, error) {
	if !rbac.Can(s.roleFor(ctx, sess, projectID), rbac.ActionWrite) {
		return nil, forbiddenError()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}
	if color == "" {
		color = "#8899aa"
	}
	tag := store.Tag{
		ID:        util.NewID("tag"),
		ProjectID: projectID,
		Name:      name,
		Color:     color,
	}
	if err := s.store.InsertTag(ctx, tag); err != nil {
		return nil, err
	}
	return map[string]any{"id": tag.ID, "name": tag.Name, "color": tag.Color}, nil
}

func (s *Service) DeleteTag(ctx context.Context, sess Session, projectID, tagID string) error {
	if !rbac.Can(s.roleFor(ctx, sess, projectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	return s.store.DeleteTag(ctx, tagID)
}

func (s *Service) ToggleTaskTag(ctx context.Context, sess Session, taskID, tagID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !rbac.Can(s.roleFor(ctx, sess, task.ProjectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	if err := s.store.ToggleTaskTag(ctx, taskID, tagID); err != nil {
		return err
	}
	s.broadcast(ctx, realtime.EventTaskChanged, task.ProjectID, sess.UserName, map[string]any{"taskId": taskID})
	return nil
}

func (s *Service) checkColumnLimit(ctx context.Context, columnID string) error {
	column, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return err
	}
	if column.TaskLimit == 0 {
		return nil
	}
	count, err := s.store.ColumnTaskCount(ctx, columnID)
	if err != nil {
		return err
	}
	if count >= column.TaskLimit {
		return domainError(http.StatusConflict, "WIP_LIMIT_REACHED", "Column is at its WIP limit", map[string]any{
			"columnId": columnID,
			"limit":    column.TaskLimit,
		})
	}
	return nil
}

func (s *Service) notifyAssignment(ctx context.Context, task store.Task, assigner string) {
	if s.email == nil || !s.email.IsConfigured() || task.AssigneeID == "" {
		return
	}
	assignee, err := s.store.GetUserByID(ctx, task.AssigneeID)
	if err != nil {
		return
	}
	taskURL := fmt.Sprintf("%s/projects/%s/tasks/%s", s.cfg.AppBaseURL, task.ProjectID, task.Reference)
	go func() {
		if err := s.email.SendAssignmentEmail(assignee.Email, assignee.DisplayName, task.Reference, task.Title, taskURL, assigner); err != nil {
			s.logger.Warn("send assignment email", "task_id", task.ID, "error", err)
		}
	}()
}

// inversePatch captures the values a patch is about to overwrite so undo can
// restore them.
func inversePatch(current store.Task, patch store.TaskPatch) store.TaskPatch {
	var inverse store.TaskPatch
	if patch.Title != nil {
		title := current.Title
		inverse.Title = &title
	}
	if patch.Description != nil {
		description := current.Description
		inverse.Description = &description
	}
	if patch.ColumnID != nil {
		columnID := current.ColumnID
		inverse.ColumnID = &columnID
	}
	if patch.SwimlaneID != nil {
		swimlaneID := current.SwimlaneID
		inverse.SwimlaneID = &swimlaneID
	}
	if patch.AssigneeID != nil {
		assigneeID := current.AssigneeID
		inverse.AssigneeID = &assigneeID
	}
	if patch.Position != nil {
		position := current.Position
		inverse.Position = &position
	}
	if patch.SetStarted {
		inverse.SetStarted = true
		inverse.DateStarted = current.DateStarted
	}
	if patch.SetDue {
		inverse.SetDue = true
		inverse.DateDue = current.DateDue
	}
	return inverse
}

func actionDescription(task store.Task, patch store.TaskPatch, operation string) string {
	switch {
	case operation == store.EventTaskMoved:
		return "move " + task.Reference
	case patch.Title != nil:
		return "rename " + task.Reference
	case patch.AssigneeID != nil:
		return "reassign " + task.Reference
	default:
		return "edit " + task.Reference
	}
}

func taskSummaryPayload(task store.Task) map[string]any {
	payload := map[string]any{
		"id":         task.ID,
		"projectId":  task.ProjectID,
		"boardId":    task.BoardID,
		"columnId":   task.ColumnID,
		"reference":  task.Reference,
		"title":      task.Title,
		"position":   task.Position,
		"assigneeId": task.AssigneeID,
		"updatedAt":  task.UpdatedAt,
	}
	if task.SwimlaneID != "" {
		payload["swimlaneId"] = task.SwimlaneID
	}
	if task.DateStarted != nil {
		payload["dateStarted"] = task.DateStarted
	}
	if task.DateDue != nil {
		payload["dateDue"] = task.DateDue
	}
	if task.CompletedAt != nil {
		payload["completedAt"] = task.CompletedAt
	}
	return payload
}
