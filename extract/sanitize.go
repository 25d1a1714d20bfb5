package extract

import (
	"strings"
	"unicode/utf8"
)

// sanitizeUTF8 replaces invalid byte sequences with U+FFFD so downstream
// stages can rely on valid UTF-8. Valid input is returned unchanged without
// allocation.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
