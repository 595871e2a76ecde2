package telegram

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var markdownParser = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
).Parser()

// FormatHTML converts markdown to the HTML subset the Bot API accepts:
// b, i, s, code, pre, a and blockquote. Headings become bold lines,
// list items become bullet lines, everything unsupported degrades to
// plain text. The output is safe to send with ParseMode "HTML".
func FormatHTML(markdown string) string {
	source := []byte(markdown)
	doc := markdownParser.Parse(text.NewReader(source))

	var b strings.Builder
	renderBlocks(&b, doc, source, 0)
	return strings.TrimRight(b.String(), "\n")
}

func renderBlocks(b *strings.Builder, parent ast.Node, source []byte, listDepth int) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			b.WriteString("<b>")
			renderInline(b, node, source)
			b.WriteString("</b>\n\n")
		case *ast.Paragraph:
			renderInline(b, node, source)
			b.WriteString("\n\n")
		case *ast.TextBlock:
			renderInline(b, node, source)
			b.WriteString("\n")
		case *ast.FencedCodeBlock:
			lang := string(node.Language(source))
			writeCodeBlock(b, node, source, lang)
		case *ast.CodeBlock:
			writeCodeBlock(b, node, source, "")
		case *ast.Blockquote:
			var inner strings.Builder
			renderBlocks(&inner, node, source, listDepth)
			b.WriteString("<blockquote>")
			b.WriteString(strings.TrimRight(inner.String(), "\n"))
			b.WriteString("</blockquote>\n\n")
		case *ast.List:
			renderList(b, node, source, listDepth)
			if listDepth == 0 {
				b.WriteString("\n")
			}
		case *ast.ThematicBreak:
			b.WriteString("———\n\n")
		default:
			if n.Type() == ast.TypeBlock {
				renderInline(b, n, source)
				b.WriteString("\n\n")
			}
		}
	}
}

func renderList(b *strings.Builder, list *ast.List, source []byte, depth int) {
	indent := strings.Repeat("  ", depth)
	ordinal := list.Start
	if ordinal == 0 {
		ordinal = 1
	}
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "•"
		if list.IsOrdered() {
			marker = fmt.Sprintf("%d.", ordinal)
			ordinal++
		}
		b.WriteString(indent)
		b.WriteString(marker)
		b.WriteString(" ")

		for child := item.FirstChild(); child != nil; child = child.NextSibling() {
			switch node := child.(type) {
			case *ast.List:
				b.WriteString("\n")
				renderList(b, node, source, depth+1)
			case *ast.FencedCodeBlock:
				b.WriteString("\n")
				writeCodeBlock(b, node, source, string(node.Language(source)))
			default:
				renderInline(b, child, source)
				if child.NextSibling() != nil {
					if _, isList := child.NextSibling().(*ast.List); !isList {
						b.WriteString("\n")
						b.WriteString(indent)
						b.WriteString("  ")
					}
				}
			}
		}
		if last := item.LastChild(); last == nil || last.Type() != ast.TypeBlock || !isListNode(last) {
			b.WriteString("\n")
		}
	}
}

func isListNode(n ast.Node) bool {
	_, ok := n.(*ast.List)
	return ok
}

func writeCodeBlock(b *strings.Builder, n ast.Node, source []byte, lang string) {
	var code strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		code.Write(seg.Value(source))
	}
	if lang != "" {
		fmt.Fprintf(b, `<pre><code class="language-%s">`, escapeHTML(lang))
		b.WriteString(escapeHTML(code.String()))
		b.WriteString("</code></pre>\n\n")
		return
	}
	b.WriteString("<pre>")
	b.WriteString(escapeHTML(code.String()))
	b.WriteString("</pre>\n\n")
}

func renderInline(b *strings.Builder, parent ast.Node, source []byte) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Text:
			b.WriteString(escapeHTML(string(node.Segment.Value(source))))
			if node.HardLineBreak() || node.SoftLineBreak() {
				b.WriteString("\n")
			}
		case *ast.String:
			b.WriteString(escapeHTML(string(node.Value)))
		case *ast.Emphasis:
			tag := "i"
			if node.Level == 2 {
				tag = "b"
			}
			fmt.Fprintf(b, "<%s>", tag)
			renderInline(b, node, source)
			fmt.Fprintf(b, "</%s>", tag)
		case *ast.CodeSpan:
			b.WriteString("<code>")
			for c := node.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					b.WriteString(escapeHTML(string(t.Segment.Value(source))))
				}
			}
			b.WriteString("</code>")
		case *ast.Link:
			fmt.Fprintf(b, `<a href="%s">`, escapeHTML(string(node.Destination)))
			renderInline(b, node, source)
			b.WriteString("</a>")
		case *ast.AutoLink:
			url := string(node.URL(source))
			fmt.Fprintf(b, `<a href="%s">%s</a>`, escapeHTML(url), escapeHTML(url))
		case *ast.Image:
			// No media upload from inline markdown, keep the alt text
			// and the URL so nothing is silently lost.
			renderInline(b, node, source)
			fmt.Fprintf(b, " (%s)", escapeHTML(string(node.Destination)))
		case *extast.Strikethrough:
			b.WriteString("<s>")
			renderInline(b, node, source)
			b.WriteString("</s>")
		case *ast.RawHTML:
			// Raw HTML from the model is untrusted, show it as text.
			var raw strings.Builder
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				raw.Write(seg.Value(source))
			}
			b.WriteString(escapeHTML(raw.String()))
		default:
			if n.Type() == ast.TypeInline {
				renderInline(b, n, source)
			}
		}
	}
}

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
