// Package textutil normalises free text entered by employees and organizers.
package textutil

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeText strips markup and collapses whitespace.
func SanitizeText(value string) string {
	cleaned := strictPolicy.Sanitize(value)
	cleaned = strings.NewReplacer("&amp;", "&", "&#39;", "'", "&#34;", "\"", "&lt;", "<", "&gt;", ">").Replace(cleaned)
	return CollapseSpaces(cleaned)
}

// CollapseSpaces trims value and replaces whitespace runs with a single space.
func CollapseSpaces(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// TitleKey returns the uniqueness key for product titles: NFKC, case folded, single spaced.
func TitleKey(title string) string {
	folded := cases.Fold().String(norm.NFKC.String(title))
	return CollapseSpaces(folded)
}
