package channels

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipElements hold no readable text.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Head:     true,
	atom.Svg:      true,
}

// htmlToText renders an HTML mail body as plain text. Block elements
// become paragraph breaks and links keep their target in parentheses.
func htmlToText(raw string) string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	var b strings.Builder
	writeText(doc, &b)
	return cleanWhitespace(b.String())
}

func writeText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			b.WriteString(t)
			b.WriteString(" ")
		}
		return
	case html.ElementNode:
		if skipElements[n.DataAtom] {
			return
		}
		if isBlock(n.DataAtom) && b.Len() > 0 {
			b.WriteString("\n\n")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(c, b)
	}

	if n.Type != html.ElementNode {
		return
	}
	switch n.DataAtom {
	case atom.A:
		if href := attr(n, "href"); strings.HasPrefix(href, "http") {
			b.WriteString("(" + href + ") ")
		}
	case atom.Br, atom.Li, atom.Tr:
		b.WriteString("\n")
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Blockquote,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Pre, atom.Ul, atom.Ol, atom.Table, atom.Hr:
		return true
	}
	return false
}

// cleanWhitespace collapses runs of spaces within lines and runs of
// blank lines.
func cleanWhitespace(s string) string {
	var out []string
	prevEmpty := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if prevEmpty {
				continue
			}
			prevEmpty = true
		} else {
			prevEmpty = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
