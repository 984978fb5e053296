package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strings"

	"kanbu/api/internal/export"
	"kanbu/api/internal/files"
	"kanbu/api/internal/rbac"
	"kanbu/api/internal/realtime"
	"kanbu/api/internal/search"
	"kanbu/api/internal/store"
	"kanbu/api/internal/util"
	"kanbu/api/internal/wiki"
)

// maxAttachmentSize caps uploads at 25 MiB.
const maxAttachmentSize = 25 << 20

type SaveWikiPageInput struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Message string `json:"message"`
}

func (s *Service) ListWikiPages(ctx context.Context, sess Session, projectID string) ([]map[string]any, error) {
	pages, err := s.store.ListWikiPages(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(pages))
	for _, page := range pages {
		items = append(items, map[string]any{
			"slug":      page.Slug,
			"title":     page.Title,
			"updatedBy": page.UpdatedBy,
			"updatedAt": page.UpdatedAt,
		})
	}
	return items, nil
}

func (s *Service) GetWikiPage(ctx context.Context, sess Session, projectID, slug string) (map[string]any, error) {
	if s.wiki == nil {
		return nil, domainError(http.StatusServiceUnavailable, "WIKI_UNAVAILABLE", "Wiki storage not configured", nil)
	}
	page, err := s.store.GetWikiPage(ctx, projectID, slug)
	if err != nil {
		return nil, err
	}
	body, head, err := s.wiki.GetPage(projectID, slug)
	if err != nil {
		if errors.Is(err, wiki.ErrPageNotFound) {
			return nil, notFoundError("Wiki page not found")
		}
		return nil, err
	}
	return map[string]any{
		"slug":      page.Slug,
		"title":     page.Title,
		"body":      body,
		"updatedBy": page.UpdatedBy,
		"updatedAt": page.UpdatedAt,
		"revision":  head.Hash,
		"links":     wiki.ExtractWikiLinks(body),
		"taskRefs":  wiki.ExtractTaskRefs(body),
	}, nil
}

func (s *Service) GetWikiPageRevision(ctx context.Context, sess Session, projectID, slug, revision string) (map[string]any, error) {
	if s.wiki == nil {
		return nil, domainError(http.StatusServiceUnavailable, "WIKI_UNAVAILABLE", "Wiki storage not configured", nil)
	}
	body, err := s.wiki.GetPageAt(projectID, slug, revision)
	if err != nil {
		if errors.Is(err, wiki.ErrPageNotFound) {
			return nil, notFoundError("Wiki page not found at that revision")
		}
		return nil, err
	}
	return map[string]any{
		"slug":     slug,
		"body":     body,
		"revision": revision,
	}, nil
}

func (s *Service) SaveWikiPage(ctx context.Context, sess Session, projectID, slug string, input SaveWikiPageInput) (map[string]any, error) {
	if s.wiki == nil {
		return nil, domainError(http.StatusServiceUnavailable, "WIKI_UNAVAILABLE", "Wiki storage not configured", nil)
	}
	if !rbac.Can(s.roleFor(ctx, sess, projectID), rbac.ActionWrite) {
		return nil, forbiddenError()
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, validationError("title is required")
	}
	if slug == "" {
		slug = util.Slugify(title)
	}
	if slug == "" {
		return nil, validationError("title must contain at least one letter or digit")
	}

	if err := s.wiki.EnsureProjectRepo(projectID, sess.UserName); err != nil {
		return nil, err
	}
	commit, err := s.wiki.SavePage(projectID, slug, input.Body, sess.UserName, input.Message)
	if err != nil {
		return nil, err
	}

	page, err := s.store.GetWikiPage(ctx, projectID, slug)
	if errors.Is(err, sql.ErrNoRows) {
		page = store.WikiPage{ID: util.NewID("wik"), ProjectID: projectID, Slug: slug}
	} else if err != nil {
		return nil, err
	}
	page.Title = title
	page.UpdatedBy = sess.UserName
	if err := s.store.UpsertWikiPage(ctx, page); err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexWikiPage(search.WikiRecord{
			ID:        page.ID,
			Title:     title,
			Body:      input.Body,
			Slug:      slug,
			ProjectID: projectID,
		})
	}
	s.broadcast(ctx, realtime.EventToast, projectID, sess.UserName, map[string]any{
		"kind":    "info",
		"message": sess.UserName + " updated wiki page " + title,
	})

	return map[string]any{
		"slug":     slug,
		"title":    title,
		"revision": commit.Hash,
		"links":    wiki.ExtractWikiLinks(input.Body),
		"taskRefs": wiki.ExtractTaskRefs(input.Body),
	}, nil
}

func (s *Service) DeleteWikiPage(ctx context.Context, sess Session, projectID, slug string) error {
	if s.wiki == nil {
		return domainError(http.StatusServiceUnavailable, "WIKI_UNAVAILABLE", "Wiki storage not configured", nil)
	}
	if !rbac.Can(s.roleFor(ctx, sess, projectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	page, err := s.store.GetWikiPage(ctx, projectID, slug)
	if err != nil {
		return err
	}
	if err := s.wiki.DeletePage(projectID, slug, sess.UserName); err != nil && !errors.Is(err, wiki.ErrPageNotFound) {
		return err
	}
	if err := s.store.DeleteWikiPage(ctx, projectID, slug); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteWikiPage(page.ID)
	}
	return nil
}

func (s *Service) WikiHistory(ctx context.Context, sess Session, projectID, slug string, limit int) ([]map[string]any, error) {
	if s.wiki == nil {
		return nil, domainError(http.StatusServiceUnavailable, "WIKI_UNAVAILABLE", "Wiki storage not configured", nil)
	}
	history, err := s.wiki.History(projectID, slug, limit)
	if err != nil {
		if errors.Is(err, wiki.ErrPageNotFound) {
			return nil, notFoundError("Wiki page not found")
		}
		return nil, err
	}
	items := make([]map[string]any, 0, len(history))
	for _, commit := range history {
		items = append(items, map[string]any{
			"hash":      commit.Hash,
			"message":   commit.Message,
			"author":    commit.Author,
			"createdAt": commit.CreatedAt,
		})
	}
	return items, nil
}

func (s *Service) ExportWikiPDF(ctx context.Context, sess Session, projectID, slug, revision string) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export not configured", nil)
	}
	result, err := s.export.Export(ctx, export.Request{
		ProjectID: projectID,
		Slug:      slug,
		Revision:  revision,
	})
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF renderer is not installed on this host", nil)
		}
		return nil, err
	}
	return result, nil
}

// Attachments

func (s *Service) UploadAttachment(ctx context.Context, sess Session, taskID, fileName, contentType string, size int64, r io.Reader) (map[string]any, error) {
	if s.files == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Object storage not configured", nil)
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(s.roleFor(ctx, sess, task.ProjectID), rbac.ActionWrite) {
		return nil, forbiddenError()
	}
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, validationError("fileName is required")
	}
	if size <= 0 || size > maxAttachmentSize {
		return nil, validationError("file size must be between 1 byte and 25 MiB")
	}

	attachment := store.Attachment{
		ID:          util.NewID("att"),
		TaskID:      taskID,
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
		UploadedBy:  sess.UserName,
	}
	attachment.ObjectKey = files.ObjectKey(task.ProjectID, taskID, attachment.ID, fileName)

	if err := s.files.Upload(ctx, attachment.ObjectKey, r, size, contentType); err != nil {
		return nil, err
	}
	if err := s.store.InsertAttachment(ctx, attachment); err != nil {
		return nil, err
	}
	s.broadcast(ctx, realtime.EventTaskChanged, task.ProjectID, sess.UserName, map[string]any{"taskId": taskID})
	return attachmentPayload(attachment), nil
}

func (s *Service) AttachmentURL(ctx context.Context, sess Session, attachmentID string) (string, error) {
	if s.files == nil {
		return "", domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Object storage not configured", nil)
	}
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return "", err
	}
	return s.files.DownloadURL(ctx, attachment.ObjectKey, attachment.FileName)
}

func (s *Service) DeleteAttachment(ctx context.Context, sess Session, attachmentID string) error {
	attachment, err := s.store.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	task, err := s.store.GetTask(ctx, attachment.TaskID)
	if err != nil {
		return err
	}
	if !rbac.Can(s.roleFor(ctx, sess, task.ProjectID), rbac.ActionWrite) {
		return forbiddenError()
	}
	if s.files != nil {
		if err := s.files.Delete(ctx, attachment.ObjectKey); err != nil {
			s.logger.Warn("delete attachment object", "key", attachment.ObjectKey, "error", err)
		}
	}
	return s.store.DeleteAttachment(ctx, attachmentID)
}

func attachmentPayload(attachment store.Attachment) map[string]any {
	return map[string]any{
		"id":          attachment.ID,
		"fileName":    attachment.FileName,
		"contentType": attachment.ContentType,
		"size":        attachment.Size,
		"uploadedBy":  attachment.UploadedBy,
		"createdAt":   attachment.CreatedAt,
	}
}
