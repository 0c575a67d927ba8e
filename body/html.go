package body

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	skipTags = map[string]bool{
		"script": true,
		"style":  true,
		"head":   true,
		"meta":   true,
	}
	blockTags = map[string]bool{
		"p":   true,
		"div": true,
		"li":  true,
	}

	blankLinesRe = regexp.MustCompile(`\n\s*\n\s*\n+`)
	spacesRe     = regexp.MustCompile(`[ \t]+`)
)

// HTMLToText converts an HTML fragment into plain text. It walks the token stream
// keeping a single current-tag slot instead of an element stack, so overlapping or
// unclosed tags only make the output noisier. Text inside script, style, head and meta
// is dropped while that tag is the current one; a nested tag inside a skipped element
// resets the slot and its text is kept.
func HTMLToText(fragment string) string {
	z := html.NewTokenizer(strings.NewReader(fragment))

	var (
		b          strings.Builder
		current    string
		afterBlock bool
	)

	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or a tokenizer error; either way the stream is done.
			return normalize(b.String())

		case html.StartTagToken:
			name, _ := z.TagName()
			current = string(name)
			if current == "br" {
				if !afterBlock {
					b.WriteByte('\n')
				}
			}
			afterBlock = false

		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "br" && !afterBlock {
				b.WriteByte('\n')
			}
			current = ""
			afterBlock = false

		case html.EndTagToken:
			name, _ := z.TagName()
			afterBlock = false
			if blockTags[string(name)] {
				b.WriteByte('\n')
				afterBlock = true
			}
			current = ""

		case html.TextToken:
			if skipTags[current] {
				continue
			}
			text := z.Text()
			if len(text) == 0 {
				continue
			}
			b.Write(text)
			if strings.TrimSpace(string(text)) != "" {
				afterBlock = false
			}
		}
	}
}

func normalize(text string) string {
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	text = spacesRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
