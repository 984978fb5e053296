package app

import (
	"context"
	"net/http"
	"strings"

	"kanbu/api/internal/rbac"
	"kanbu/api/internal/store"
	"kanbu/api/internal/util"
)

// defaultColumns seed every new board so a project is usable immediately.
var defaultColumns = []string{"Backlog", "In Progress", "Review", "Done"}

func (s *Service) ListProjects(ctx context.Context, sess Session) ([]map[string]any, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		items = append(items, projectPayload(project))
	}
	return items, nil
}

func (s *Service) GetProject(ctx context.Context, sess Session, projectID string) (map[string]any, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	payload := projectPayload(project)
	if summary, err := s.store.ProjectSummary(ctx, projectID); err == nil {
		payload["summary"] = map[string]any{
			"openTasks":    summary.OpenTasks,
			"doneTasks":    summary.DoneTasks,
			"overdueTasks": summary.OverdueTasks,
			"members":      summary.Members,
		}
	}
	return payload, nil
}

func (s *Service) CreateProject(ctx context.Context, sess Session, name, prefix, description string) (map[string]any, error) {
	if !rbac.Can(rbac.Normalize(sess.Role), rbac.ActionManage) {
		return nil, forbiddenError()
	}
	name = strings.TrimSpace(name)
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if name == "" {
		return nil, validationError("name is required")
	}
	if !validPrefix(prefix) {
		return nil, validationError("prefix must be 2-10 uppercase letters or digits, starting with a letter")
	}

	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        name,
		Prefix:      prefix,
		Description: strings.TrimSpace(description),
		CreatedBy:   sess.UserName,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return nil, domainError(http.StatusConflict, "PREFIX_TAKEN", "Project prefix is already in use", nil)
		}
		return nil, err
	}

	if err := s.store.UpsertProjectMember(ctx, project.ID, sess.UserID, string(rbac.RoleAdmin)); err != nil {
		return nil, err
	}

	board := store.Board{
		ID:        util.NewID("brd"),
		ProjectID: project.ID,
		Name:      "Board",
		SortOrder: 0,
	}
	if err := s.store.InsertBoard(ctx, board); err != nil {
		return nil, err
	}
	for i, columnName := range defaultColumns {
		column := store.Column{
			ID:        util.NewID("col"),
			BoardID:   board.ID,
			Name:      columnName,
			SortOrder: i,
		}
		if err := s.store.InsertColumn(ctx, column); err != nil {
			return nil, err
		}
	}

	if s.wiki != nil {
		if err := s.wiki.EnsureProjectRepo(project.ID, sess.UserName); err != nil {
			s.logger.Warn("init wiki repo", "project_id", project.ID, "error", err)
		}
	}

	payload := projectPayload(project)
	payload["boardId"] = board.ID
	return payload, nil
}

func (s *Service) UpdateProject(ctx context.Context, sess Session, projectID, name, description string) (map[string]any, error) {
	if !rbac.Can(s.roleFor(ctx, sess, projectID), rbac.ActionManage) {
		return nil, forbiddenError()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}
	if err := s.store.UpdateProject(ctx, projectID, name, strings.TrimSpace(description)); err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

func (s *Service) ArchiveProject(ctx context.Context, sess Session, projectID string) error {
	if !rbac.Can(s.roleFor(ctx, sess, projectID), rbac.ActionManage) {
		return forbiddenError()
	}
	return s.store.ArchiveProject(ctx, projectID)
}

func (s *Service) ListProjectMembers(ctx context.Context, sess Session, projectID string) ([]map[string]any, error) {
	members, err := s.store.ListProjectMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, map[string]any{
			"userId":      member.UserID,
			"displayName": member.DisplayName,
			"email":       member.Email,
			"role":        member.Role,
		})
	}
	return items, nil
}

func (s *Service) SetProjectMember(ctx context.Context, sess Session, projectID, userID, role string) error {
	if !rbac.Can(s.roleFor(ctx, sess, projectID), rbac.ActionManage) {
		return forbiddenError()
	}
	normalized := rbac.Normalize(role)
	if string(normalized) != role {
		return validationError("role must be one of viewer, commenter, editor, admin")
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	return s.store.UpsertProjectMember(ctx, projectID, userID, role)
}

func (s *Service) RemoveProjectMember(ctx context.Context, sess Session, projectID, userID string) error {
	if !rbac.Can(s.roleFor(ctx, sess, projectID), rbac.ActionManage) {
		return forbiddenError()
	}
	return s.store.RemoveProjectMember(ctx, projectID, userID)
}

// Boards

func (s *Service) ListBoards(ctx context.Context, sess Session, projectID string) ([]map[string]any, error) {
	boards, err := s.store.ListBoards(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(boards))
	for _, board := range boards {
		items = append(items, boardPayload(board))
	}
	return items, nil
}

// GetBoardView assembles everything the board screen needs in one response:
// columns, swimlanes, and tasks ordered by position.
func (s *Service) GetBoardView(ctx context.Context, sess Session, boardID string) (map[string]any, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	columns, err := s.store.ListColumns(ctx, boardID)
	if err != nil {
		return nil, err
	}
	swimlanes, err := s.store.ListSwimlanes(ctx, boardID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasksByBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}

	columnItems := make([]map[string]any, 0, len(columns))
	for _, column := range columns {
		columnItems = append(columnItems, columnPayload(column))
	}
	laneItems := make([]map[string]any, 0, len(swimlanes))
	for _, lane := range swimlanes {
		laneItems = append(laneItems, map[string]any{
			"id":        lane.ID,
			"name":      lane.Name,
			"sortOrder": lane.SortOrder,
		})
	}
	taskItems := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		taskItems = append(taskItems, taskSummaryPayload(task))
	}

	payload := boardPayload(board)
	payload["columns"] = columnItems
	payload["swimlanes"] = laneItems
	payload["tasks"] = taskItems
	if summary, err := s.store.BoardSummary(ctx, boardID); err == nil {
		counts := make([]map[string]any, 0, len(summary))
		for _, row := range summary {
			counts = append(counts, map[string]any{
				"columnId":   row.ColumnID,
				"columnName": row.ColumnName,
				"taskCount":  row.TaskCount,
			})
		}
		payload["columnCounts"] = counts
	}
	return payload, nil
}

func (s *Service) CreateBoard(ctx context.Context, sess Session, projectID, name string) (map[string]any, error) {
	if !rbac.Can(s.roleFor(ctx, sess, projectID), rbac.ActionWrite) {
		return nil, forbiddenError()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}
	existing, err := s.store.ListBoards(ctx, projectID)
	if err != nil {
		return nil, err
	}
	board := store.Board{
		ID:        util.NewID("brd"),
		ProjectID: projectID,
		Name:      name,
		SortOrder: len(existing),
	}
	if err := s.store.InsertBoard(ctx, board); err != nil {
		return nil, err
	}
	return boardPayload(board), nil
}

func (s *Service) RenameBoard(ctx context.Context, sess Session, boardID, name string) error {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if !rbac.Can(s.roleFor(ctx, sess, board.ProjectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return validationError("name is required")
	}
	return s.store.RenameBoard(ctx, boardID, name)
}

func (s *Service) DeleteBoard(ctx context.Context, sess Session, boardID string) error {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if !rbac.Can(s.roleFor(ctx, sess, board.ProjectID), rbac.ActionManage) {
		return forbiddenError()
	}
	tasks, err := s.store.ListTasksByBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		return domainError(http.StatusConflict, "BOARD_NOT_EMPTY", "Move or delete the board's tasks first", nil)
	}
	return s.store.DeleteBoard(ctx, boardID)
}

// Columns

func (s *Service) CreateColumn(ctx context.Context, sess Session, boardID, name string, taskLimit int) (map[string]any, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(s.roleFor(ctx, sess, board.ProjectID), rbac.ActionWrite) {
		return nil, forbiddenError()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}
	if taskLimit < 0 {
		return nil, validationError("taskLimit must be zero or positive")
	}
	existing, err := s.store.ListColumns(ctx, boardID)
	if err != nil {
		return nil, err
	}
	column := store.Column{
		ID:        util.NewID("col"),
		BoardID:   boardID,
		Name:      name,
		SortOrder: len(existing),
		TaskLimit: taskLimit,
	}
	if err := s.store.InsertColumn(ctx, column); err != nil {
		return nil, err
	}
	return columnPayload(column), nil
}

func (s *Service) UpdateColumn(ctx context.Context, sess Session, boardID, columnID, name string, sortOrder, taskLimit int) error {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if !rbac.Can(s.roleFor(ctx, sess, board.ProjectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return validationError("name is required")
	}
	if taskLimit < 0 {
		return validationError("taskLimit must be zero or positive")
	}
	return s.store.UpdateColumn(ctx, columnID, name, sortOrder, taskLimit)
}

func (s *Service) DeleteColumn(ctx context.Context, sess Session, boardID, columnID string) error {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if !rbac.Can(s.roleFor(ctx, sess, board.ProjectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	count, err := s.store.ColumnTaskCount(ctx, columnID)
	if err != nil {
		return err
	}
	if count > 0 {
		return domainError(http.StatusConflict, "COLUMN_NOT_EMPTY", "Move the column's tasks first", nil)
	}
	return s.store.DeleteColumn(ctx, columnID)
}

// Swimlanes

func (s *Service) CreateSwimlane(ctx context.Context, sess Session, boardID, name string) (map[string]any, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(s.roleFor(ctx, sess, board.ProjectID), rbac.ActionWrite) {
		return nil, forbiddenError()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}
	existing, err := s.store.ListSwimlanes(ctx, boardID)
	if err != nil {
		return nil, err
	}
	lane := store.Swimlane{
		ID:        util.NewID("swl"),
		BoardID:   boardID,
		Name:      name,
		SortOrder: len(existing),
	}
	if err := s.store.InsertSwimlane(ctx, lane); err != nil {
		return nil, err
	}
	return map[string]any{
		"id":        lane.ID,
		"name":      lane.Name,
		"sortOrder": lane.SortOrder,
	}, nil
}

func (s *Service) UpdateSwimlane(ctx context.Context, sess Session, boardID, laneID, name string, sortOrder int) error {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if !rbac.Can(s.roleFor(ctx, sess, board.ProjectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return validationError("name is required")
	}
	return s.store.UpdateSwimlane(ctx, laneID, name, sortOrder)
}

func (s *Service) DeleteSwimlane(ctx context.Context, sess Session, boardID, laneID string) error {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if !rbac.Can(s.roleFor(ctx, sess, board.ProjectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	return s.store.DeleteSwimlane(ctx, laneID)
}

func validPrefix(prefix string) bool {
	if len(prefix) < 2 || len(prefix) > 10 {
		return false
	}
	for i, r := range prefix {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func projectPayload(project store.Project) map[string]any {
	return map[string]any{
		"id":          project.ID,
		"name":        project.Name,
		"prefix":      project.Prefix,
		"description": project.Description,
		"isArchived":  project.IsArchived,
		"createdBy":   project.CreatedBy,
		"updatedAt":   project.UpdatedAt,
	}
}

func boardPayload(board store.Board) map[string]any {
	return map[string]any{
		"id":        board.ID,
		"projectId": board.ProjectID,
		"name":      board.Name,
		"sortOrder": board.SortOrder,
	}
}

func columnPayload(column store.Column) map[string]any {
	return map[string]any{
		"id":        column.ID,
		"name":      column.Name,
		"sortOrder": column.SortOrder,
		"taskLimit": column.TaskLimit,
	}
}
