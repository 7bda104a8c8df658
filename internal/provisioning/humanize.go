package provisioning

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Humanize turns a variable name into a display name: it splits on
// underscores, hyphens, whitespace and lower-to-upper camel-case boundaries,
// then title-cases each token.
//
//	kw_consumption -> Kw Consumption
//	powerFactor    -> Power Factor
func Humanize(name string) string {
	tokens := splitName(name)
	if len(tokens) == 0 {
		return ""
	}
	caser := cases.Title(language.Und)
	for i, tok := range tokens {
		tokens[i] = caser.String(tok)
	}
	return strings.Join(tokens, " ")
}

func splitName(name string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}

	var prev rune
	for _, r := range name {
		switch {
		case r == '_' || r == '-' || unicode.IsSpace(r):
			flush()
		case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
		prev = r
	}
	flush()
	return tokens
}
