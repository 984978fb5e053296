package wiki

import (
	"regexp"
	"strings"

	"kanbu/api/internal/util"
)

var wikiLinkRe = regexp.MustCompile(`\[\[([^\[\]|]+)(?:\|[^\[\]]+)?\]\]`)

// ExtractWikiLinks returns the slugs referenced by [[Page Title]] or
// [[target|label]] links in a page body, de-duplicated in order of first
// appearance.
func ExtractWikiLinks(body string) []string {
	matches := wikiLinkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]bool)
	slugs := make([]string, 0, len(matches))
	for _, m := range matches {
		slug := util.Slugify(strings.TrimSpace(m[1]))
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		slugs = append(slugs, slug)
	}
	return slugs
}

// ExtractTaskRefs returns the task references mentioned in a body,
// de-duplicated in order of first appearance.
func ExtractTaskRefs(body string) []util.Ref {
	return util.ParseTaskRefs(body)
}
