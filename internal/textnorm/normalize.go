// Package textnorm canonicalizes merchant names so that exports from
// different institutions compare equal.
package textnorm

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC compatibility normalization, which folds
// full-width and half-width variants together, and removes all whitespace
// including the ideographic space. Case is preserved.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// NormalizeValue stringifies v before normalizing it.
func NormalizeValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return Normalize(s)
	}
	return Normalize(fmt.Sprint(v))
}
