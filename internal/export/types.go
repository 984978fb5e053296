// Package export renders wiki pages to downloadable PDFs.
package export

import "errors"

// ErrPDFDependencyMissing is returned when no Chromium binary is installed.
var ErrPDFDependencyMissing = errors.New("pdf dependency missing")

// Request describes an export of a single wiki page.
type Request struct {
	ProjectID string
	Slug      string
	// Revision is a commit hash; empty means the current page.
	Revision string
}

// Result is the generated file.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}
