package export

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"kanbu/api/internal/store"
	"kanbu/api/internal/wiki"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// PageStore provides the wiki page metadata and project name.
type PageStore interface {
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	GetWikiPage(ctx context.Context, projectID, slug string) (store.WikiPage, error)
}

// PageSource reads page bodies out of the wiki's git history.
type PageSource interface {
	GetPage(projectID, slug string) (string, wiki.CommitInfo, error)
	GetPageAt(projectID, slug, hash string) (string, error)
}

// Service renders wiki pages to PDF.
type Service struct {
	store    PageStore
	pages    PageSource
	markdown goldmark.Markdown
}

func NewService(store PageStore, pages PageSource) *Service {
	return &Service{
		store: store,
		pages: pages,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		),
	}
}

// Export renders the requested page, at head or at a named revision.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	page, err := s.store.GetWikiPage(ctx, req.ProjectID, req.Slug)
	if err != nil {
		return nil, fmt.Errorf("get wiki page: %w", err)
	}
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	var body string
	revision := ""
	if req.Revision == "" {
		var head wiki.CommitInfo
		body, head, err = s.pages.GetPage(req.ProjectID, req.Slug)
		revision = head.Hash
	} else {
		body, err = s.pages.GetPageAt(req.ProjectID, req.Slug, req.Revision)
		revision = req.Revision
	}
	if err != nil {
		return nil, fmt.Errorf("read page body: %w", err)
	}

	contentHTML, err := s.renderMarkdown(body)
	if err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	html, err := RenderPageHTML(TemplateData{
		Title:       page.Title,
		ProjectName: project.Name,
		ContentHTML: contentHTML,
		Author:      page.UpdatedBy,
		UpdatedAt:   page.UpdatedAt,
		Revision:    revision,
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	return renderPDF(html, page.Title)
}

func (s *Service) renderMarkdown(body string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(body), &buf); err != nil {
		return "", err
	}
	return template.HTML(buf.String()), nil
}
