package schema

import (
	"strings"
	"unicode"

	"github.com/go-openapi/inflect"
)

// SnakeCase converts a Go identifier to snake_case, keeping acronyms
// together ("OwnerID" -> "owner_id", "HTTPServer" -> "http_server").
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)

	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// CamelCase converts a snake_case name to lowerCamelCase
func CamelCase(s string) string {
	if !strings.Contains(s, "_") {
		if s == "" {
			return s
		}
		r := []rune(s)
		r[0] = unicode.ToLower(r[0])
		return string(r)
	}
	return inflect.CamelizeDownFirst(s)
}

// TableName returns the default table for an entity type name
func TableName(typeName string) string {
	return inflect.Pluralize(SnakeCase(typeName))
}

// Singular returns the singular form of a relation or table name
func Singular(name string) string {
	return inflect.Singularize(name)
}
