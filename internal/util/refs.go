package util

import (
	"regexp"
	"strconv"
)

var taskRefRe = regexp.MustCompile(`\b([A-Z][A-Z0-9]+)-(\d+)\b`)

// Ref is a project-prefixed task key found in text, e.g. KANBU-123.
type Ref struct {
	Prefix string
	Number int
}

// ParseTaskRefs returns the task references mentioned in a text,
// de-duplicated in order of first appearance.
func ParseTaskRefs(text string) []Ref {
	matches := taskRefRe.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		if seen[m[0]] {
			continue
		}
		seen[m[0]] = true
		number, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		refs = append(refs, Ref{Prefix: m[1], Number: number})
	}
	return refs
}
