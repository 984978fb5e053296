package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, prefix, description, is_archived, created_by_name, created_at, updated_at
		FROM projects
		WHERE is_archived=FALSE
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.Name, &item.Prefix, &item.Description, &item.IsArchived, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, prefix, description, is_archived, created_by_name, created_at, updated_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.Name, &item.Prefix, &item.Description, &item.IsArchived, &item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, prefix, description, created_by_name)
		VALUES ($1, $2, UPPER($3), $4, $5)
	`, project.ID, project.Name, project.Prefix, project.Description, project.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, projectID, name, description string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=$2, description=$3, updated_at=NOW()
		WHERE id=$1
	`, projectID, name, description)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

func (s *PostgresStore) ArchiveProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET is_archived=TRUE, updated_at=NOW() WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("archive project: %w", err)
	}
	return nil
}

// NextTaskNumber reserves and returns the next task number for the project.
func (s *PostgresStore) NextTaskNumber(ctx context.Context, projectID string) (int, error) {
	var number int
	err := s.db.QueryRowContext(ctx, `
		UPDATE projects SET next_task_number = next_task_number + 1
		WHERE id=$1
		RETURNING next_task_number - 1
	`, projectID).Scan(&number)
	if err != nil {
		return 0, fmt.Errorf("next task number: %w", err)
	}
	return number, nil
}

func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectID string) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pm.project_id, pm.user_id, pm.role, u.display_name, u.email, pm.added_at
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id=$1
		ORDER BY u.display_name ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectMember, 0)
	for rows.Next() {
		var item ProjectMember
		if err := rows.Scan(&item.ProjectID, &item.UserID, &item.Role, &item.DisplayName, &item.Email, &item.AddedAt); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertProjectMember(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, projectID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("remove project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBoards(ctx context.Context, projectID string) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, sort_order, created_at, updated_at
		FROM boards
		WHERE project_id=$1
		ORDER BY sort_order ASC, name ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	items := make([]Board, 0)
	for rows.Next() {
		var item Board
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Name, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var item Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, sort_order, created_at, updated_at
		FROM boards
		WHERE id=$1
	`, boardID).Scan(&item.ID, &item.ProjectID, &item.Name, &item.SortOrder, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertBoard(ctx context.Context, board Board) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, project_id, name, sort_order)
		VALUES ($1, $2, $3, $4)
	`, board.ID, board.ProjectID, board.Name, board.SortOrder)
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (s *PostgresStore) RenameBoard(ctx context.Context, boardID, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE boards SET name=$2, updated_at=NOW() WHERE id=$1`, boardID, name)
	if err != nil {
		return fmt.Errorf("rename board: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBoard(ctx context.Context, boardID string) error {
	var taskCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE board_id=$1`, boardID).Scan(&taskCount); err != nil {
		return fmt.Errorf("count board tasks: %w", err)
	}
	if taskCount > 0 {
		return fmt.Errorf("board contains %d tasks", taskCount)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, boardID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListColumns(ctx context.Context, boardID string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, name, sort_order, task_limit
		FROM board_columns
		WHERE board_id=$1
		ORDER BY sort_order ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	items := make([]Column, 0)
	for rows.Next() {
		var item Column
		if err := rows.Scan(&item.ID, &item.BoardID, &item.Name, &item.SortOrder, &item.TaskLimit); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetColumn(ctx context.Context, columnID string) (Column, error) {
	var item Column
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, name, sort_order, task_limit
		FROM board_columns
		WHERE id=$1
	`, columnID).Scan(&item.ID, &item.BoardID, &item.Name, &item.SortOrder, &item.TaskLimit)
	if err != nil {
		return Column{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertColumn(ctx context.Context, column Column) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO board_columns (id, board_id, name, sort_order, task_limit)
		VALUES ($1, $2, $3, $4, $5)
	`, column.ID, column.BoardID, column.Name, column.SortOrder, column.TaskLimit)
	if err != nil {
		return fmt.Errorf("insert column: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateColumn(ctx context.Context, columnID, name string, sortOrder, taskLimit int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE board_columns SET name=$2, sort_order=$3, task_limit=$4
		WHERE id=$1
	`, columnID, name, sortOrder, taskLimit)
	if err != nil {
		return fmt.Errorf("update column: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteColumn(ctx context.Context, columnID string) error {
	var taskCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE column_id=$1`, columnID).Scan(&taskCount); err != nil {
		return fmt.Errorf("count column tasks: %w", err)
	}
	if taskCount > 0 {
		return fmt.Errorf("column contains %d tasks", taskCount)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM board_columns WHERE id=$1`, columnID)
	if err != nil {
		return fmt.Errorf("delete column: %w", err)
	}
	return nil
}

func (s *PostgresStore) ColumnTaskCount(ctx context.Context, columnID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE column_id=$1`, columnID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count column tasks: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListSwimlanes(ctx context.Context, boardID string) ([]Swimlane, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, name, sort_order
		FROM swimlanes
		WHERE board_id=$1
		ORDER BY sort_order ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list swimlanes: %w", err)
	}
	defer rows.Close()

	items := make([]Swimlane, 0)
	for rows.Next() {
		var item Swimlane
		if err := rows.Scan(&item.ID, &item.BoardID, &item.Name, &item.SortOrder); err != nil {
			return nil, fmt.Errorf("scan swimlane: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate swimlanes: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertSwimlane(ctx context.Context, lane Swimlane) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swimlanes (id, board_id, name, sort_order)
		VALUES ($1, $2, $3, $4)
	`, lane.ID, lane.BoardID, lane.Name, lane.SortOrder)
	if err != nil {
		return fmt.Errorf("insert swimlane: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSwimlane(ctx context.Context, laneID, name string, sortOrder int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE swimlanes SET name=$2, sort_order=$3 WHERE id=$1
	`, laneID, name, sortOrder)
	if err != nil {
		return fmt.Errorf("update swimlane: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSwimlane(ctx context.Context, laneID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM swimlanes WHERE id=$1`, laneID)
	if err != nil {
		return fmt.Errorf("delete swimlane: %w", err)
	}
	return nil
}
