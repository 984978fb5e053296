package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// TaskRef renders a project-scoped task reference such as "KANBU-123".
func TaskRef(projectPrefix string, number int) string {
	return fmt.Sprintf("%s-%d", strings.ToUpper(projectPrefix), number)
}

// Slugify reduces a title to a URL slug: lowercase, dashes, no punctuation.
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
