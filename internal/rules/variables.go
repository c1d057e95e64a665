package rules

import (
	"regexp"
	"sort"
	"strings"
)

var (
	identPattern  = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\b`)
	stringPattern = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)
	keywordOps    = regexp.MustCompile(`\b(and|or|not)\b`)
)

// reserved words never resolve against the attribute map.
var reserved = map[string]bool{
	"and":   true,
	"or":    true,
	"not":   true,
	"true":  true,
	"false": true,
}

// ExtractVariables returns the free identifiers referenced by a condition,
// sorted and deduplicated. Identifiers inside string literals are ignored.
func ExtractVariables(condition string) []string {
	stripped := stringPattern.ReplaceAllString(condition, `""`)

	seen := make(map[string]bool)
	var vars []string
	for _, id := range identPattern.FindAllString(stripped, -1) {
		if reserved[id] || seen[id] {
			continue
		}
		seen[id] = true
		vars = append(vars, id)
	}
	sort.Strings(vars)
	return vars
}

// MissingVariables returns the identifiers of condition absent from attrs.
func MissingVariables(condition string, attrs map[string]any) []string {
	var missing []string
	for _, v := range ExtractVariables(condition) {
		if _, ok := attrs[v]; !ok {
			missing = append(missing, v)
		}
	}
	return missing
}

// normalize rewrites the keyword operators and/or/not into their symbolic
// forms, leaving string literals untouched.
func normalize(condition string) string {
	var b strings.Builder
	last := 0
	for _, loc := range stringPattern.FindAllStringIndex(condition, -1) {
		b.WriteString(rewriteKeywords(condition[last:loc[0]]))
		b.WriteString(condition[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(rewriteKeywords(condition[last:]))
	return b.String()
}

func rewriteKeywords(s string) string {
	return keywordOps.ReplaceAllStringFunc(s, func(kw string) string {
		switch kw {
		case "and":
			return "&&"
		case "or":
			return "||"
		default:
			return "!"
		}
	})
}
