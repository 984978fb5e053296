package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `
	t.id, t.project_id, t.board_id, t.column_id, COALESCE(t.swimlane_id, ''), t.number,
	t.title, t.description, t.position, COALESCE(t.assignee_id, ''), t.created_by_name,
	t.date_started, t.date_due, t.completed_at, t.created_at, t.updated_at
`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var item Task
	err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.BoardID,
		&item.ColumnID,
		&item.SwimlaneID,
		&item.Number,
		&item.Title,
		&item.Description,
		&item.Position,
		&item.AssigneeID,
		&item.CreatedBy,
		&item.DateStarted,
		&item.DateDue,
		&item.CompletedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id=$1`, taskID)
	item, err := scanTask(row)
	if err != nil {
		return Task{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListTasksByBoard(ctx context.Context, boardID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.board_id=$1
		ORDER BY t.column_id ASC, t.position ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list board tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListTasksByProject(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.project_id=$1
		ORDER BY t.number ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		item, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

// FindTaskByReference resolves "PREFIX-N" style references.
func (s *PostgresStore) FindTaskByReference(ctx context.Context, prefix string, number int) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		JOIN projects p ON p.id = t.project_id
		WHERE p.prefix=UPPER($1) AND t.number=$2
	`, prefix, number)
	item, err := scanTask(row)
	if err != nil {
		return Task{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) (time.Time, error) {
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (id, project_id, board_id, column_id, swimlane_id, number, title, description, position, assignee_id, created_by_name, date_started, date_due)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13)
		RETURNING updated_at
	`, task.ID, task.ProjectID, task.BoardID, task.ColumnID, task.SwimlaneID, task.Number, task.Title, task.Description, task.Position, task.AssigneeID, task.CreatedBy, task.DateStarted, task.DateDue).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("insert task: %w", err)
	}
	return updatedAt, nil
}

// UpdateTaskFields applies a sparse patch if and only if the stored
// updated_at still equals expectedUpdatedAt. On success it returns the new
// updated_at; a stale expectation yields ErrVersionConflict. Passing the
// zero time skips the version check (forced write).
func (s *PostgresStore) UpdateTaskFields(ctx context.Context, taskID string, expectedUpdatedAt time.Time, patch TaskPatch) (time.Time, error) {
	if patch.IsEmpty() {
		return time.Time{}, fmt.Errorf("empty task patch")
	}

	set := make([]string, 0, 8)
	args := make([]any, 0, 10)
	args = append(args, taskID)

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.ColumnID != nil {
		add("column_id", *patch.ColumnID)
	}
	if patch.SwimlaneID != nil {
		args = append(args, *patch.SwimlaneID)
		set = append(set, fmt.Sprintf("swimlane_id=NULLIF($%d, '')", len(args)))
	}
	if patch.AssigneeID != nil {
		args = append(args, *patch.AssigneeID)
		set = append(set, fmt.Sprintf("assignee_id=NULLIF($%d, '')", len(args)))
	}
	if patch.Position != nil {
		add("position", *patch.Position)
	}
	if patch.SetStarted {
		add("date_started", patch.DateStarted)
	}
	if patch.SetDue {
		add("date_due", patch.DateDue)
	}
	set = append(set, "updated_at=NOW()")

	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id=$1`, strings.Join(set, ", "))
	if !expectedUpdatedAt.IsZero() {
		args = append(args, expectedUpdatedAt)
		query += fmt.Sprintf(` AND updated_at=$%d`, len(args))
	}
	query += ` RETURNING updated_at`

	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the row is gone or the version token moved; disambiguate.
		var exists bool
		if checkErr := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id=$1)`, taskID).Scan(&exists); checkErr != nil {
			return time.Time{}, fmt.Errorf("check task exists: %w", checkErr)
		}
		if exists {
			return time.Time{}, ErrVersionConflict
		}
		return time.Time{}, sql.ErrNoRows
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("update task fields: %w", err)
	}
	return updatedAt, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, taskID string) (time.Time, error) {
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET completed_at=NOW(), updated_at=NOW() WHERE id=$1
		RETURNING updated_at
	`, taskID).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("complete task: %w", err)
	}
	return updatedAt, nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSubtasks(ctx context.Context, taskID string) ([]Subtask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, title, done, sort_order, created_at, updated_at
		FROM subtasks
		WHERE task_id=$1
		ORDER BY sort_order ASC, created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	items := make([]Subtask, 0)
	for rows.Next() {
		var item Subtask
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Title, &item.Done, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertSubtask(ctx context.Context, subtask Subtask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subtasks (id, task_id, title, done, sort_order)
		VALUES ($1, $2, $3, $4, $5)
	`, subtask.ID, subtask.TaskID, subtask.Title, subtask.Done, subtask.SortOrder)
	if err != nil {
		return fmt.Errorf("insert subtask: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSubtaskDone(ctx context.Context, subtaskID string, done bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subtasks SET done=$2, updated_at=NOW() WHERE id=$1
	`, subtaskID, done)
	if err != nil {
		return false, fmt.Errorf("set subtask done: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set subtask done rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteSubtask(ctx context.Context, subtaskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subtasks WHERE id=$1`, subtaskID)
	if err != nil {
		return fmt.Errorf("delete subtask: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, taskID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_name, body, github_comment_id, created_at, updated_at
		FROM comments
		WHERE task_id=$1
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Author, &item.Body, &item.GitHubCommentID, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, task_id, author_name, body, github_comment_id)
		VALUES ($1, $2, $3, $4, $5)
	`, comment.ID, comment.TaskID, comment.Author, comment.Body, comment.GitHubCommentID)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCommentByGitHubID(ctx context.Context, githubCommentID int64) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, author_name, body, github_comment_id, created_at, updated_at
		FROM comments
		WHERE github_comment_id=$1
	`, githubCommentID).Scan(&item.ID, &item.TaskID, &item.Author, &item.Body, &item.GitHubCommentID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpdateCommentBody(ctx context.Context, commentID, body string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET body=$2, updated_at=NOW() WHERE id=$1
	`, commentID, body)
	if err != nil {
		return false, fmt.Errorf("update comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update comment rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjectTags(ctx context.Context, projectID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, color
		FROM tags
		WHERE project_id=$1
		ORDER BY name ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0)
	for rows.Next() {
		var item Tag
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.Color); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertTag(ctx context.Context, tag Tag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, project_id, name, color)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, name) DO NOTHING
	`, tag.ID, tag.ProjectID, tag.Name, tag.Color)
	if err != nil {
		return fmt.Errorf("insert tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTag(ctx context.Context, tagID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE id=$1`, tagID)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTaskTags(ctx context.Context, taskID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tg.id, tg.project_id, tg.name, tg.color
		FROM task_tags tt
		JOIN tags tg ON tg.id = tt.tag_id
		WHERE tt.task_id=$1
		ORDER BY tg.name ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0)
	for rows.Next() {
		var item Tag
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.Color); err != nil {
			return nil, fmt.Errorf("scan task tag: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task tags: %w", err)
	}
	return items, nil
}

// ToggleTaskTag attaches the tag when absent and detaches it when present.
func (s *PostgresStore) ToggleTaskTag(ctx context.Context, taskID, tagID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM task_tags WHERE task_id=$1 AND tag_id=$2
	`, taskID, tagID)
	if err != nil {
		return fmt.Errorf("detach task tag: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("detach task tag rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO task_tags (task_id, tag_id)
		VALUES ($1, $2)
	`, taskID, tagID); err != nil {
		return fmt.Errorf("attach task tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTaskEvent(ctx context.Context, event TaskEvent) error {
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_events (project_id, task_id, operation, actor_name, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, event.ProjectID, event.TaskID, event.Operation, event.ActorName, string(encoded))
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, task_id, operation, actor_name, metadata, created_at
		FROM task_events
		WHERE task_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	items := make([]TaskEvent, 0)
	for rows.Next() {
		var item TaskEvent
		var metadataRaw []byte
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.TaskID, &item.Operation, &item.ActorName, &metadataRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		_ = json.Unmarshal(metadataRaw, &item.Metadata)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return items, nil
}
