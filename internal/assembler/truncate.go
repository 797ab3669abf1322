package assembler

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// TruncateToWords cuts HTML down to at most maxWords words at block boundaries.
// Whole blocks are kept while they fit; the first overflowing block is
// shortened (lists item by item, containers recursively, other blocks by
// text) and everything after it is dropped. maxWords <= 0 means unbounded.
func TruncateToWords(s string, maxWords int) string {
	if maxWords <= 0 || WordCount(s) <= maxWords {
		return s
	}

	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(s), context)
	if err != nil {
		return WrapParagraph(truncateText(PlainText(s), maxWords))
	}

	out, _ := truncateNodes(nodes, maxWords)
	return strings.TrimSpace(out)
}

// truncateNodes renders nodes within budget and returns the words left over
func truncateNodes(nodes []*html.Node, budget int) (string, int) {
	var b strings.Builder

	for _, n := range nodes {
		rendered := render(n)
		w := WordCount(rendered)
		if w <= budget {
			b.WriteString(rendered)
			budget -= w
			continue
		}

		if budget > 0 {
			b.WriteString(truncateNode(n, budget))
		}
		return b.String(), 0
	}

	return b.String(), budget
}

func truncateNode(n *html.Node, budget int) string {
	if n.Type != html.ElementNode {
		if n.Type == html.TextNode {
			return html.EscapeString(truncateText(PlainText(n.Data), budget))
		}
		return ""
	}

	switch n.DataAtom {
	case atom.Ul, atom.Ol:
		return truncateList(n, budget)
	case atom.Article, atom.Section, atom.Div:
		inner, _ := truncateNodes(children(n), budget)
		if WordCount(inner) == 0 {
			return ""
		}
		return openTag(n) + inner + "</" + n.Data + ">"
	default:
		text := truncateText(PlainText(render(n)), budget)
		if text == "" {
			return ""
		}
		return openTag(n) + html.EscapeString(text) + "</" + n.Data + ">"
	}
}

// truncateList keeps whole items while they fit, then a shortened item
func truncateList(n *html.Node, budget int) string {
	var b strings.Builder
	items := 0

	for _, c := range children(n) {
		rendered := render(c)
		w := WordCount(rendered)
		if w == 0 {
			b.WriteString(rendered)
			continue
		}
		if w <= budget {
			b.WriteString(rendered)
			budget -= w
			items++
			continue
		}
		if budget > 0 {
			if partial := truncateNode(c, budget); partial != "" {
				b.WriteString(partial)
				items++
			}
		}
		break
	}

	if items == 0 {
		return ""
	}
	return openTag(n) + b.String() + "</" + n.Data + ">"
}

// truncateText keeps at most n words, ending at the last sentence
// terminator in the kept span when there is one.
func truncateText(text string, n int) string {
	fields := strings.Fields(text)
	if len(fields) <= n {
		return strings.Join(fields, " ")
	}
	if n <= 0 {
		return ""
	}

	span := strings.Join(fields[:n], " ")
	if i := strings.LastIndexAny(span, ".?!"); i > 0 {
		return span[:i+1]
	}
	return strings.TrimRight(span, " ,;:-–—")
}

func children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		out = append(out, c)
	}
	return out
}

func render(n *html.Node) string {
	var b strings.Builder
	if err := html.Render(&b, n); err != nil {
		return ""
	}
	return b.String()
}

func openTag(n *html.Node) string {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(n.Data)
	for _, a := range n.Attr {
		b.WriteString(" ")
		if a.Namespace != "" {
			b.WriteString(a.Namespace + ":")
		}
		b.WriteString(a.Key)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(a.Val))
		b.WriteString(`"`)
	}
	b.WriteString(">")
	return b.String()
}
