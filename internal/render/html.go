package render

import (
	"html"
	"strconv"
	"strings"

	"nvim-previewer/internal/doctree"
)

var htmlEscape = html.EscapeString

// htmlEmitter writes one string per top-level block. Every string is exactly
// one element so the client can splice blocks by child index.
type htmlEmitter struct {
	baseDir     string
	footnotes   map[string]*doctree.Footnote
	highlighter *highlighter
}

func (e *htmlEmitter) document(root *doctree.Root) []string {
	blocks := make([]string, 0, len(root.Children))
	for _, n := range root.Children {
		var b strings.Builder
		e.block(&b, n)
		blocks = append(blocks, b.String())
	}
	return blocks
}

func (e *htmlEmitter) block(b *strings.Builder, n doctree.Node) {
	switch v := n.(type) {
	case *doctree.Heading:
		tag := "h" + strconv.Itoa(clamp(v.Level, 1, 6))
		b.WriteString("<" + tag + ` id="` + htmlEscape(v.Anchor) + `">`)
		e.spans(b, v.Text)
		b.WriteString("</" + tag + ">")

	case *doctree.Paragraph:
		b.WriteString("<p>")
		e.spans(b, v.Spans)
		b.WriteString("</p>")

	case *doctree.List:
		tag := "ul"
		if v.Ordered {
			tag = "ol"
		}
		b.WriteString("<" + tag + ">")
		for _, item := range v.Items {
			e.listItem(b, item, v.Tight)
		}
		b.WriteString("</" + tag + ">")

	case *doctree.CodeBlock:
		b.WriteString(`<div class="code-block"`)
		if v.Language != "" {
			b.WriteString(` data-lang="` + htmlEscape(v.Language) + `"`)
		}
		b.WriteString(">")
		b.WriteString(e.highlighter.highlight(v.Language, v.Text))
		b.WriteString("</div>")

	case *doctree.Math:
		if v.Inline {
			b.WriteString(`<p><span class="math inline">\(` + htmlEscape(v.Text) + `\)</span></p>`)
		} else {
			b.WriteString(`<div class="math display">\[` + htmlEscape(v.Text) + `\]</div>`)
		}

	case *doctree.Image:
		b.WriteString("<figure>")
		e.image(b, v.Source, v.Alt, v.Title)
		if v.Alt != "" {
			b.WriteString("<figcaption>" + htmlEscape(v.Alt) + "</figcaption>")
		}
		b.WriteString("</figure>")

	case *doctree.Table:
		e.table(b, v)

	case *doctree.Blockquote:
		if v.Callout != "" {
			attrs := `class="callout callout-` + htmlEscape(v.Callout) + `"`
			wrap, title := "div", "p"
			if v.Foldable {
				wrap, title = "details", "summary"
				if !v.Folded {
					attrs += " open"
				}
			}
			b.WriteString("<" + wrap + " " + attrs + ">")
			b.WriteString("<" + title + ` class="callout-title">`)
			if len(v.Title) > 0 {
				e.spans(b, v.Title)
			} else {
				b.WriteString(htmlEscape(calloutLabel(v.Callout)))
			}
			b.WriteString("</" + title + ">")
			e.children(b, v.Children)
			b.WriteString("</" + wrap + ">")
			return
		}
		b.WriteString("<blockquote>")
		e.children(b, v.Children)
		b.WriteString("</blockquote>")

	case *doctree.Footnote:
		id := footnoteSlug(v.ID)
		b.WriteString(`<div class="footnote" id="fn-` + id + `">`)
		b.WriteString(`<span class="footnote-index">` + strconv.Itoa(v.Index) + ".</span>")
		e.children(b, v.Children)
		b.WriteString(` <a class="footnote-backref" href="#fnref-` + id + `">&#8617;</a>`)
		b.WriteString("</div>")

	case *doctree.ThematicBreak:
		b.WriteString("<hr>")

	case *doctree.HTMLBlock:
		b.WriteString(`<div class="md-html">` + v.Raw + "</div>")

	case *doctree.ListItem:
		e.listItem(b, v, false)
	}
}

func (e *htmlEmitter) children(b *strings.Builder, nodes []doctree.Node) {
	for _, c := range nodes {
		e.block(b, c)
	}
}

func (e *htmlEmitter) listItem(b *strings.Builder, item *doctree.ListItem, tight bool) {
	if item.Task {
		b.WriteString(`<li class="task-list-item"><input type="checkbox" disabled`)
		if item.Checked {
			b.WriteString(" checked")
		}
		b.WriteString("> ")
	} else {
		b.WriteString("<li>")
	}
	for _, c := range item.Children {
		if p, ok := c.(*doctree.Paragraph); ok && tight {
			e.spans(b, p.Spans)
			continue
		}
		e.block(b, c)
	}
	b.WriteString("</li>")
}

func (e *htmlEmitter) table(b *strings.Builder, t *doctree.Table) {
	cols := t.Columns()
	b.WriteString("<table>")
	rows := t.Rows
	if t.Header && len(rows) > 0 {
		b.WriteString("<thead>")
		e.row(b, t, rows[0], cols, "th")
		b.WriteString("</thead>")
		rows = rows[1:]
	}
	if len(rows) > 0 {
		b.WriteString("<tbody>")
		for _, row := range rows {
			e.row(b, t, row, cols, "td")
		}
		b.WriteString("</tbody>")
	}
	b.WriteString("</table>")
}

// row pads short rows with empty cells up to cols.
func (e *htmlEmitter) row(b *strings.Builder, t *doctree.Table, row []doctree.Cell, cols int, tag string) {
	b.WriteString("<tr>")
	for i := 0; i < cols; i++ {
		b.WriteString("<" + tag)
		if i < len(t.Align) {
			switch t.Align[i] {
			case doctree.AlignLeft:
				b.WriteString(` style="text-align:left"`)
			case doctree.AlignCenter:
				b.WriteString(` style="text-align:center"`)
			case doctree.AlignRight:
				b.WriteString(` style="text-align:right"`)
			}
		}
		b.WriteString(">")
		if i < len(row) {
			e.spans(b, row[i].Spans)
		}
		b.WriteString("</" + tag + ">")
	}
	b.WriteString("</tr>")
}

func (e *htmlEmitter) spans(b *strings.Builder, spans []doctree.Span) {
	for i := range spans {
		e.span(b, &spans[i])
	}
}

func (e *htmlEmitter) span(b *strings.Builder, s *doctree.Span) {
	switch s.Kind {
	case doctree.SpanText:
		b.WriteString(htmlEscape(s.Text))
	case doctree.SpanEmphasis:
		e.wrap(b, "em", s.Children)
	case doctree.SpanStrong:
		e.wrap(b, "strong", s.Children)
	case doctree.SpanStrike:
		e.wrap(b, "del", s.Children)
	case doctree.SpanCode:
		b.WriteString("<code>" + htmlEscape(s.Text) + "</code>")
	case doctree.SpanLink:
		b.WriteString(`<a href="` + htmlEscape(s.Dest) + `"`)
		if s.Title != "" {
			b.WriteString(` title="` + htmlEscape(s.Title) + `"`)
		}
		b.WriteString(">")
		e.spans(b, s.Children)
		b.WriteString("</a>")
	case doctree.SpanImage:
		e.image(b, s.Dest, s.Text, s.Title)
	case doctree.SpanMath:
		b.WriteString(`<span class="math inline">\(` + htmlEscape(s.Text) + `\)</span>`)
	case doctree.SpanFootnoteRef:
		id := footnoteSlug(s.Text)
		label := s.Text
		if fn, ok := e.footnotes[s.Text]; ok {
			label = strconv.Itoa(fn.Index)
		}
		b.WriteString(`<sup class="footnote-ref" id="fnref-` + id + `"><a href="#fn-` + id + `">` + htmlEscape(label) + "</a></sup>")
	case doctree.SpanRawHTML:
		b.WriteString(s.Text)
	case doctree.SpanSoftBreak:
		b.WriteString("\n")
	case doctree.SpanHardBreak:
		b.WriteString("<br>\n")
	}
}

func (e *htmlEmitter) wrap(b *strings.Builder, tag string, children []doctree.Span) {
	b.WriteString("<" + tag + ">")
	e.spans(b, children)
	b.WriteString("</" + tag + ">")
}

// image writes an <img>. Local destinations are served through AssetPrefix.
func (e *htmlEmitter) image(b *strings.Builder, dest, alt, title string) {
	src := dest
	if abs, local := resolveLocal(dest, e.baseDir); local {
		src = AssetURL(abs)
	}
	b.WriteString(`<img src="` + htmlEscape(src) + `" alt="` + htmlEscape(alt) + `"`)
	if title != "" {
		b.WriteString(` title="` + htmlEscape(title) + `"`)
	}
	b.WriteString(` loading="lazy">`)
}

func footnoteSlug(id string) string {
	return doctree.Slug(id)
}

func calloutLabel(kind string) string {
	if kind == "" {
		return ""
	}
	return strings.ToUpper(kind[:1]) + kind[1:]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
