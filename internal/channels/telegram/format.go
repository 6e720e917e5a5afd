package telegram

import (
	"bytes"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// htmlRenderer emits the HTML subset the Bot API accepts with ParseMode HTML.
type htmlRenderer struct{}

// wrap maps simple node kinds to the tags written around their children.
var wrap = map[ast.NodeKind][2]string{
	ast.KindHeading:        {"<b>", "</b>\n\n"},
	ast.KindBlockquote:     {"<blockquote>", "</blockquote>\n"},
	ast.KindListItem:       {"• ", "\n"},
	ast.KindParagraph:      {"", "\n\n"},
	ast.KindList:           {"", "\n"},
	east.KindStrikethrough: {"<s>", "</s>"},
	ast.KindDocument:       {"", ""},
	east.KindTableHeader:   {"", ""},
	east.KindTableRow:      {"", ""},
	east.KindTableCell:     {"", ""},
	ast.KindTextBlock:      {"", ""},
	ast.KindThematicBreak:  {"\n---\n", ""},
}

func (r *htmlRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	for kind := range wrap {
		reg.Register(kind, r.renderWrapped)
	}
	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindEmphasis, r.renderEmphasis)
	reg.Register(ast.KindCodeSpan, r.renderCodeSpan)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindFencedCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindLink, r.renderLink)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
	reg.Register(ast.KindRawHTML, skip)
	reg.Register(ast.KindHTMLBlock, skip)
	reg.Register(east.KindTable, r.renderTable)
}

func (r *htmlRenderer) renderWrapped(w util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	tags := wrap[n.Kind()]
	if entering {
		_, _ = w.WriteString(tags[0])
	} else {
		_, _ = w.WriteString(tags[1])
	}
	return ast.WalkContinue, nil
}

func skip(util.BufWriter, []byte, ast.Node, bool) (ast.WalkStatus, error) {
	return ast.WalkSkipChildren, nil
}

func (r *htmlRenderer) renderText(w util.BufWriter, source []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		t := n.(*ast.Text)
		_, _ = w.WriteString(escapeHTML(string(t.Segment.Value(source))))
		if t.SoftLineBreak() || t.HardLineBreak() {
			_ = w.WriteByte('\n')
		}
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderString(w util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(escapeHTML(string(n.(*ast.String).Value)))
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderEmphasis(w util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	tag := "i"
	if n.(*ast.Emphasis).Level == 2 {
		tag = "b"
	}
	if entering {
		_, _ = w.WriteString("<" + tag + ">")
	} else {
		_, _ = w.WriteString("</" + tag + ">")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderCodeSpan(w util.BufWriter, source []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	var buf bytes.Buffer
	plainText(&buf, source, n)
	_, _ = w.WriteString("<code>" + escapeHTML(buf.String()) + "</code>")
	return ast.WalkSkipChildren, nil
}

func (r *htmlRenderer) renderCodeBlock(w util.BufWriter, source []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	_, _ = w.WriteString("<pre>")
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		_, _ = w.WriteString(escapeHTML(string(seg.Value(source))))
	}
	_, _ = w.WriteString("</pre>\n")
	return ast.WalkSkipChildren, nil
}

func (r *htmlRenderer) renderLink(w util.BufWriter, _ []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		_, _ = w.WriteString(`<a href="` + escapeHTML(string(n.(*ast.Link).Destination)) + `">`)
	} else {
		_, _ = w.WriteString("</a>")
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) renderAutoLink(w util.BufWriter, source []byte, n ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		url := escapeHTML(string(n.(*ast.AutoLink).URL(source)))
		_, _ = w.WriteString(`<a href="` + url + `">` + url + "</a>")
	}
	return ast.WalkSkipChildren, nil
}

// renderTable lays a GFM table out as aligned preformatted text; the Bot API
// has no table markup. Widths are display widths so emoji columns line up.
func (r *htmlRenderer) renderTable(w util.BufWriter, source []byte, table ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	var rows [][]string
	var widths []int
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			var buf bytes.Buffer
			plainText(&buf, source, cell)
			text := strings.TrimSpace(buf.String())
			if col := len(cells); col >= len(widths) {
				widths = append(widths, 0)
			}
			widths[len(cells)] = max(widths[len(cells)], runewidth.StringWidth(text))
			cells = append(cells, text)
		}
		rows = append(rows, cells)
	}

	var out strings.Builder
	for i, cells := range rows {
		out.WriteString("|")
		for col, text := range cells {
			out.WriteString(" " + runewidth.FillRight(text, widths[col]) + " |")
		}
		out.WriteString("\n")
		if i == 0 {
			out.WriteString("|")
			for _, width := range widths {
				out.WriteString(strings.Repeat("-", width+2) + "|")
			}
			out.WriteString("\n")
		}
	}
	_, _ = w.WriteString("<pre>" + escapeHTML(out.String()) + "</pre>\n")
	return ast.WalkSkipChildren, nil
}

func plainText(buf *bytes.Buffer, source []byte, n ast.Node) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
		case *ast.String:
			buf.Write(t.Value)
		default:
			plainText(buf, source, c)
		}
	}
}

func escapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;").Replace(s)
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Table, extension.Linkify),
	goldmark.WithRenderer(renderer.NewRenderer(
		renderer.WithNodeRenderers(util.Prioritized(&htmlRenderer{}, 100)),
	)),
)

// FormatHTML converts markdown to Telegram HTML. ok is false when conversion
// failed and the input is returned unchanged.
func FormatHTML(md string) (html string, ok bool) {
	if md == "" {
		return "", true
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return md, false
	}
	out := strings.TrimSpace(buf.String())
	if out == "" {
		return md, false
	}
	return out, true
}
