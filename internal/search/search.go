// Package search provides full-text search over tasks and wiki pages,
// backed by Meilisearch with a PostgreSQL fallback.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultTask ResultType = "task"
	ResultWiki ResultType = "wiki"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId"`
	// Reference is the task's human-readable key, e.g. KANBU-123.
	Reference string `json:"reference,omitempty"`
	Slug      string `json:"slug,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text            string
	FilterType      ResultType // empty = all types
	FilterProjectID string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// TaskRecord is the data we index for a task.
type TaskRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
	ProjectID   string `json:"projectId"`
	ColumnID    string `json:"columnId"`
	Done        bool   `json:"done"`
}

// WikiRecord is the data we index for a wiki page.
type WikiRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Slug      string `json:"slug"`
	ProjectID string `json:"projectId"`
}
