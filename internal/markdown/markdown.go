package markdown

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// FromHTML converts rich-text editor HTML into WhatsApp-flavored markdown:
// bold becomes *text*, italic _text_, list items bullet lines. Unknown tags
// are dropped, their text kept.
func FromHTML(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))

	var b strings.Builder
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "strong", "b":
				b.WriteString("*")
			case "em", "i":
				b.WriteString("_")
			case "li":
				b.WriteString("\n• ")
			case "br":
				b.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "strong", "b":
				b.WriteString("*")
			case "em", "i":
				b.WriteString("_")
			case "p":
				b.WriteString("\n\n")
			}
		case html.TextToken:
			text := string(z.Text())
			if strings.TrimSpace(text) != "" {
				b.WriteString(text)
			}
		}
	}

	out := excessNewlines.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out)
}
