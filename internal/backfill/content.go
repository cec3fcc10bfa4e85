package backfill

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)
	strict = bluemonday.StrictPolicy()

	linkRe       = regexp.MustCompile(`<a href="([^"]*)"[^>]*>(.*?)</a>`)
	blockEndRe   = regexp.MustCompile(`</(p|h[1-6]|blockquote|pre|ul|ol)>`)
	listItemRe   = regexp.MustCompile(`<li>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// PlainText renders markdown post bodies as the plain text carried in a
// kind 1 note. Paragraph breaks survive, links become "text (url)" unless
// the text already is the url, and all other markup is dropped.
func PlainText(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return strings.TrimSpace(body)
	}

	out := linkRe.ReplaceAllStringFunc(buf.String(), func(m string) string {
		parts := linkRe.FindStringSubmatch(m)
		href, text := parts[1], parts[2]
		if html.UnescapeString(strict.Sanitize(text)) == html.UnescapeString(href) {
			return text
		}
		return text + " (" + href + ")"
	})
	out = blockEndRe.ReplaceAllString(out, "$0\n")
	out = listItemRe.ReplaceAllString(out, "$0- ")

	out = html.UnescapeString(strict.Sanitize(out))
	lines := strings.Split(out, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	out = blankLinesRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}
