package extract

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Value is a record field that may be missing from the source document.
// The zero Value is absent.
type Value struct {
	Text    string
	Present bool
}

// Text returns a present Value holding s.
func Text(s string) Value {
	return Value{Text: s, Present: true}
}

// Or returns the field text, or marker when the field is absent.
func (v Value) Or(marker string) string {
	if !v.Present {
		return marker
	}
	return v.Text
}

var lineBreaks = regexp.MustCompile(`[ \t]*(?:\r\n|\r|\n)+[ \t]*`)

// normalize lower-cases s and folds line breaks into single spaces so
// free-form prose fits one delimited cell.
func normalize(caser cases.Caser, s string) string {
	s = lineBreaks.ReplaceAllString(s, " ")
	return caser.String(strings.TrimSpace(s))
}

func newCaser() cases.Caser {
	return cases.Lower(language.Und)
}
