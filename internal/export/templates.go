package export

import (
	"bytes"
	"html/template"
	"time"
)

var pageTemplate = template.Must(template.New("page").Parse(pageTemplateHTML))

// TemplateData holds data for wiki page template rendering
type TemplateData struct {
	Title       string
	ProjectName string
	ContentHTML template.HTML
	Author      string
	UpdatedAt   time.Time
	Revision    string
}

// RenderPageHTML renders the wiki page template with provided data
func RenderPageHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const pageTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    pre { background: #f5f5f5; padding: 1rem; overflow-x: auto; }
    code { background: #f5f5f5; padding: 0.1rem 0.3rem; }
    blockquote { border-left: 3px solid #ccc; margin-left: 0; padding-left: 1rem; color: #555; }
    table { border-collapse: collapse; }
    th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.ProjectName}} | {{.Author}} | {{.UpdatedAt.Format "Jan 2, 2006"}}{{if .Revision}} | rev {{.Revision}}{{end}}</div>
  <div>{{.ContentHTML}}</div>
</body>
</html>`
