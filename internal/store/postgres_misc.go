package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) InsertAttachment(ctx context.Context, attachment Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, task_id, file_name, content_type, size_bytes, object_key, uploaded_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attachment.ID, attachment.TaskID, attachment.FileName, attachment.ContentType, attachment.Size, attachment.ObjectKey, attachment.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var item Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, file_name, content_type, size_bytes, object_key, uploaded_by_name, created_at
		FROM attachments
		WHERE id=$1
	`, attachmentID).Scan(&item.ID, &item.TaskID, &item.FileName, &item.ContentType, &item.Size, &item.ObjectKey, &item.UploadedBy, &item.CreatedAt)
	if err != nil {
		return Attachment{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, taskID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, file_name, content_type, size_bytes, object_key, uploaded_by_name, created_at
		FROM attachments
		WHERE task_id=$1
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.TaskID, &item.FileName, &item.ContentType, &item.Size, &item.ObjectKey, &item.UploadedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id=$1`, attachmentID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWikiPages(ctx context.Context, projectID string) ([]WikiPage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, slug, title, updated_by_name, updated_at
		FROM wiki_pages
		WHERE project_id=$1
		ORDER BY title ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list wiki pages: %w", err)
	}
	defer rows.Close()

	items := make([]WikiPage, 0)
	for rows.Next() {
		var item WikiPage
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Slug, &item.Title, &item.UpdatedBy, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan wiki page: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wiki pages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetWikiPage(ctx context.Context, projectID, slug string) (WikiPage, error) {
	var item WikiPage
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, slug, title, updated_by_name, updated_at
		FROM wiki_pages
		WHERE project_id=$1 AND slug=$2
	`, projectID, slug).Scan(&item.ID, &item.ProjectID, &item.Slug, &item.Title, &item.UpdatedBy, &item.UpdatedAt)
	if err != nil {
		return WikiPage{}, err
	}
	return item, nil
}

func (s *PostgresStore) UpsertWikiPage(ctx context.Context, page WikiPage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wiki_pages (id, project_id, slug, title, updated_by_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, slug) DO UPDATE SET title=EXCLUDED.title, updated_by_name=EXCLUDED.updated_by_name, updated_at=NOW()
	`, page.ID, page.ProjectID, page.Slug, page.Title, page.UpdatedBy)
	if err != nil {
		return fmt.Errorf("upsert wiki page: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteWikiPage(ctx context.Context, projectID, slug string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wiki_pages WHERE project_id=$1 AND slug=$2`, projectID, slug)
	if err != nil {
		return fmt.Errorf("delete wiki page: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGitHubLinks(ctx context.Context, taskID string) ([]GitHubLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, repo, kind, number, url, state, title, created_at, updated_at
		FROM github_links
		WHERE task_id=$1
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list github links: %w", err)
	}
	defer rows.Close()

	items := make([]GitHubLink, 0)
	for rows.Next() {
		var item GitHubLink
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Repo, &item.Kind, &item.Number, &item.URL, &item.State, &item.Title, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan github link: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate github links: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertGitHubLink(ctx context.Context, link GitHubLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO github_links (id, task_id, repo, kind, number, url, state, title)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id, repo, kind, number)
		DO UPDATE SET state=EXCLUDED.state, title=EXCLUDED.title, url=EXCLUDED.url, updated_at=NOW()
	`, link.ID, link.TaskID, link.Repo, link.Kind, link.Number, link.URL, link.State, link.Title)
	if err != nil {
		return fmt.Errorf("upsert github link: %w", err)
	}
	return nil
}

func (s *PostgresStore) BoardSummary(ctx context.Context, boardID string) ([]BoardSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, COUNT(t.id)::int
		FROM board_columns c
		LEFT JOIN tasks t ON t.column_id = c.id
		WHERE c.board_id=$1
		GROUP BY c.id, c.name, c.sort_order
		ORDER BY c.sort_order ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("board summary: %w", err)
	}
	defer rows.Close()

	items := make([]BoardSummary, 0)
	for rows.Next() {
		var item BoardSummary
		if err := rows.Scan(&item.ColumnID, &item.ColumnName, &item.TaskCount); err != nil {
			return nil, fmt.Errorf("scan board summary: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate board summary: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ProjectSummary(ctx context.Context, projectID string) (ProjectSummary, error) {
	var summary ProjectSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE completed_at IS NULL),
			COUNT(*) FILTER (WHERE completed_at IS NOT NULL),
			COUNT(*) FILTER (WHERE completed_at IS NULL AND date_due IS NOT NULL AND date_due < NOW()),
			(SELECT COUNT(*) FROM project_members WHERE project_id=$1)
		FROM tasks
		WHERE project_id=$1
	`, projectID).Scan(&summary.OpenTasks, &summary.DoneTasks, &summary.OverdueTasks, &summary.Members)
	if err != nil {
		return ProjectSummary{}, fmt.Errorf("project summary: %w", err)
	}
	return summary, nil
}
