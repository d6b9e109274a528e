package spec

import (
	"strings"
	"unicode"
)

// Slug lowercases raw and reduces it to [a-z0-9_-], collapsing runs of other
// characters into single dashes. It returns "" when nothing usable remains.
func Slug(raw string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '_':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-")
}
