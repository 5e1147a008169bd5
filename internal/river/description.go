package river

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// MaxBodyLength is the longest river item body, in characters.
const MaxBodyLength = 280

const ellipsis = "..."

// StripHTML returns the text content of an HTML fragment. Script and style
// contents are dropped. Reading stops once MaxBodyLength characters are
// collected, since nothing past that survives ConvertDescription.
func StripHTML(fragment string) string {
	z := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	n := 0
	skip := 0
	for n <= MaxBodyLength {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			if a := tagAtom(z); a == atom.Script || a == atom.Style {
				skip++
			}
		case html.EndTagToken:
			if a := tagAtom(z); (a == atom.Script || a == atom.Style) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := string(z.Text())
			b.WriteString(text)
			n += utf8.RuneCountInString(text)
		}
	}
	return b.String()
}

func tagAtom(z *html.Tokenizer) atom.Atom {
	name, _ := z.TagName()
	return atom.Lookup(name)
}

// ConvertDescription turns an entry description into a plain text body of at
// most MaxBodyLength characters, ending in "..." when truncated.
func ConvertDescription(desc string) string {
	text := strings.TrimSpace(StripHTML(desc))
	runes := []rune(text)
	if len(runes) <= MaxBodyLength {
		return text
	}
	return string(runes[:MaxBodyLength-len(ellipsis)]) + ellipsis
}
