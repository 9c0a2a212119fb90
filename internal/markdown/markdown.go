// Package markdown adapts goldmark's AST into the previewer's structural tree.
package markdown

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extensionast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
	alertcallouts "github.com/zmtcreative/gm-alert-callouts"

	"nvim-previewer/internal/doctree"
	"nvim-previewer/internal/errs"
)

// Parser wraps a goldmark parser configured with the extensions the
// previewer understands. It is safe for concurrent use.
type Parser struct {
	md goldmark.Markdown
}

func NewParser() *Parser {
	md := goldmark.New(
		goldmark.WithExtensions(
			// Hybrid mode accepts any alert kind plus the +/- fold markers.
			alertcallouts.NewAlertCallouts(alertcallouts.UseHybridIcons()),
			extension.GFM,
			extension.Footnote,
			Math,
		),
	)
	return &Parser{md: md}
}

// Parse builds the structural tree for source. Headings receive unique
// anchors in document order.
func (p *Parser) Parse(source []byte) (root *doctree.Root, err error) {
	if !utf8.Valid(source) {
		return nil, errs.Parse("parse markdown", "", fmt.Errorf("source is not valid UTF-8"))
	}
	defer func() {
		if r := recover(); r != nil {
			root = nil
			err = errs.Parse("parse markdown", "", fmt.Errorf("parser panic: %v", r))
		}
	}()

	doc := p.md.Parser().Parse(text.NewReader(source))
	c := &converter{
		source:    source,
		anchors:   doctree.NewAnchors(),
		footnotes: footnoteIDs(doc),
	}
	return &doctree.Root{Children: c.blocks(doc)}, nil
}

type converter struct {
	source    []byte
	anchors   *doctree.Anchors
	footnotes map[int]string
}

// footnoteIDs maps goldmark's footnote indexes to their labels so references,
// which only carry the index, can name the definition they point at.
func footnoteIDs(doc ast.Node) map[int]string {
	ids := make(map[int]string)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if fn, ok := n.(*extensionast.Footnote); ok {
			ids[fn.Index] = string(fn.Ref)
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return ids
}

func (c *converter) blocks(parent ast.Node) []doctree.Node {
	var out []doctree.Node
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		out = append(out, c.block(n)...)
	}
	return out
}

func (c *converter) block(n ast.Node) []doctree.Node {
	if n.Kind().String() == kindAlerts {
		return []doctree.Node{c.callout(n)}
	}
	switch v := n.(type) {
	case *ast.Heading:
		spans := c.spans(v)
		return []doctree.Node{&doctree.Heading{
			Level:  v.Level,
			Text:   spans,
			Anchor: c.anchors.Next(doctree.PlainText(spans)),
		}}
	case *ast.Paragraph, *ast.TextBlock:
		return c.paragraph(v)
	case *ast.List:
		return []doctree.Node{c.list(v)}
	case *ast.FencedCodeBlock:
		return []doctree.Node{&doctree.CodeBlock{
			Language: string(v.Language(c.source)),
			Text:     c.lines(v),
		}}
	case *ast.CodeBlock:
		return []doctree.Node{&doctree.CodeBlock{Text: c.lines(v)}}
	case *ast.Blockquote:
		return []doctree.Node{&doctree.Blockquote{Children: c.blocks(v)}}
	case *ast.ThematicBreak:
		return []doctree.Node{&doctree.ThematicBreak{}}
	case *ast.HTMLBlock:
		raw := c.lines(v)
		if v.HasClosure() {
			raw += string(v.ClosureLine.Value(c.source))
		}
		return []doctree.Node{&doctree.HTMLBlock{Raw: strings.TrimRight(raw, "\n")}}
	case *extensionast.Table:
		return []doctree.Node{c.table(v)}
	case *extensionast.FootnoteList:
		var out []doctree.Node
		for fn := v.FirstChild(); fn != nil; fn = fn.NextSibling() {
			if f, ok := fn.(*extensionast.Footnote); ok {
				out = append(out, &doctree.Footnote{
					ID:       string(f.Ref),
					Index:    f.Index,
					Children: c.blocks(f),
				})
			}
		}
		return out
	case *ast.Document:
		return c.blocks(v)
	}
	// Unknown containers keep their content rather than dropping it.
	if n.HasChildren() {
		if n.Type() == ast.TypeBlock {
			return c.blocks(n)
		}
		return []doctree.Node{&doctree.Paragraph{Spans: c.spans(n)}}
	}
	return nil
}

// paragraph splits a paragraph around display math and promotes a paragraph
// holding a single image to an Image block.
func (c *converter) paragraph(n ast.Node) []doctree.Node {
	var out []doctree.Node
	var run []doctree.Span
	flush := func() {
		trimmed := trimBreaks(mergeText(run))
		if len(trimmed) > 0 {
			out = append(out, &doctree.Paragraph{Spans: trimmed})
		}
		run = nil
	}
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		if m, ok := child.(*MathNode); ok && m.Display {
			flush()
			out = append(out, &doctree.Math{Text: strings.TrimSpace(string(m.Raw))})
			continue
		}
		run = append(run, c.span(child)...)
	}
	flush()

	if len(out) == 1 {
		if p, ok := out[0].(*doctree.Paragraph); ok && len(p.Spans) == 1 && p.Spans[0].Kind == doctree.SpanImage {
			img := p.Spans[0]
			return []doctree.Node{&doctree.Image{Source: img.Dest, Alt: img.Text, Title: img.Title}}
		}
	}
	return out
}

func trimBreaks(spans []doctree.Span) []doctree.Span {
	isBreak := func(s doctree.Span) bool {
		return s.Kind == doctree.SpanSoftBreak || s.Kind == doctree.SpanHardBreak ||
			(s.Kind == doctree.SpanText && strings.TrimSpace(s.Text) == "")
	}
	for len(spans) > 0 && isBreak(spans[0]) {
		spans = spans[1:]
	}
	for len(spans) > 0 && isBreak(spans[len(spans)-1]) {
		spans = spans[:len(spans)-1]
	}
	return spans
}

func (c *converter) list(v *ast.List) *doctree.List {
	list := &doctree.List{Ordered: v.IsOrdered(), Tight: v.IsTight}
	for item := v.FirstChild(); item != nil; item = item.NextSibling() {
		li := &doctree.ListItem{}
		if first := item.FirstChild(); first != nil {
			if box, ok := first.FirstChild().(*extensionast.TaskCheckBox); ok {
				li.Task = true
				li.Checked = box.IsChecked
			}
		}
		li.Children = c.blocks(item)
		list.Items = append(list.Items, li)
	}
	return list
}

// Node kinds registered by gm-alert-callouts. Its node types are internal,
// so alerts are recognized by kind name.
const (
	kindAlerts       = "Alerts"
	kindAlertsHeader = "AlertsHeader"
	kindAlertsBody   = "AlertsBody"
)

// callout converts an alert block: its header holds the optional custom
// title, its body the quoted blocks.
func (c *converter) callout(n ast.Node) *doctree.Blockquote {
	q := &doctree.Blockquote{
		Callout:  strings.ToLower(attrString(n, "kind")),
		Foldable: attrBool(n, "shouldfold"),
		Folded:   attrBool(n, "closed"),
	}
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.Kind().String() {
		case kindAlertsHeader:
			for t := child.FirstChild(); t != nil; t = t.NextSibling() {
				q.Title = append(q.Title, trimBreaks(c.spans(t))...)
			}
		case kindAlertsBody:
			q.Children = append(q.Children, c.blocks(child)...)
		default:
			q.Children = append(q.Children, c.block(child)...)
		}
	}
	return q
}

func attrString(n ast.Node, name string) string {
	v, ok := n.AttributeString(name)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	}
	return ""
}

func attrBool(n ast.Node, name string) bool {
	v, ok := n.AttributeString(name)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (c *converter) table(v *extensionast.Table) *doctree.Table {
	t := &doctree.Table{}
	for _, a := range v.Alignments {
		switch a {
		case extensionast.AlignLeft:
			t.Align = append(t.Align, doctree.AlignLeft)
		case extensionast.AlignCenter:
			t.Align = append(t.Align, doctree.AlignCenter)
		case extensionast.AlignRight:
			t.Align = append(t.Align, doctree.AlignRight)
		default:
			t.Align = append(t.Align, doctree.AlignNone)
		}
	}
	for row := v.FirstChild(); row != nil; row = row.NextSibling() {
		if _, ok := row.(*extensionast.TableHeader); ok {
			t.Header = true
		}
		var cells []doctree.Cell
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, doctree.Cell{Spans: c.spans(cell)})
		}
		t.Rows = append(t.Rows, cells)
	}
	return t
}

func (c *converter) lines(n ast.Node) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(c.source))
	}
	return buf.String()
}

func (c *converter) spans(parent ast.Node) []doctree.Span {
	var out []doctree.Span
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		out = append(out, c.span(n)...)
	}
	return mergeText(out)
}

func (c *converter) span(n ast.Node) []doctree.Span {
	switch v := n.(type) {
	case *ast.Text:
		value := v.Segment.Value(c.source)
		if !v.IsRaw() {
			value = unescape(value)
		}
		out := []doctree.Span{{Kind: doctree.SpanText, Text: string(value)}}
		switch {
		case v.HardLineBreak():
			out = append(out, doctree.Span{Kind: doctree.SpanHardBreak})
		case v.SoftLineBreak():
			out = append(out, doctree.Span{Kind: doctree.SpanSoftBreak})
		}
		return out
	case *ast.String:
		return []doctree.Span{{Kind: doctree.SpanText, Text: string(v.Value)}}
	case *ast.CodeSpan:
		var buf bytes.Buffer
		for t := v.FirstChild(); t != nil; t = t.NextSibling() {
			if txt, ok := t.(*ast.Text); ok {
				buf.Write(txt.Segment.Value(c.source))
			}
		}
		return []doctree.Span{{Kind: doctree.SpanCode, Text: buf.String()}}
	case *ast.Emphasis:
		kind := doctree.SpanEmphasis
		if v.Level >= 2 {
			kind = doctree.SpanStrong
		}
		return []doctree.Span{{Kind: kind, Children: c.spans(v)}}
	case *extensionast.Strikethrough:
		return []doctree.Span{{Kind: doctree.SpanStrike, Children: c.spans(v)}}
	case *ast.Link:
		return []doctree.Span{{
			Kind:     doctree.SpanLink,
			Dest:     string(v.Destination),
			Title:    string(v.Title),
			Children: c.spans(v),
		}}
	case *ast.AutoLink:
		dest := string(v.URL(c.source))
		if v.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(strings.ToLower(dest), "mailto:") {
			dest = "mailto:" + dest
		}
		return []doctree.Span{{
			Kind:     doctree.SpanLink,
			Dest:     dest,
			Children: []doctree.Span{{Kind: doctree.SpanText, Text: string(v.Label(c.source))}},
		}}
	case *ast.Image:
		return []doctree.Span{{
			Kind:  doctree.SpanImage,
			Dest:  string(v.Destination),
			Title: string(v.Title),
			Text:  doctree.PlainText(c.spans(v)),
		}}
	case *MathNode:
		return []doctree.Span{{Kind: doctree.SpanMath, Text: strings.TrimSpace(string(v.Raw))}}
	case *ast.RawHTML:
		var buf bytes.Buffer
		for i := 0; i < v.Segments.Len(); i++ {
			seg := v.Segments.At(i)
			buf.Write(seg.Value(c.source))
		}
		return []doctree.Span{{Kind: doctree.SpanRawHTML, Text: buf.String()}}
	case *extensionast.FootnoteLink:
		return []doctree.Span{{Kind: doctree.SpanFootnoteRef, Text: c.footnotes[v.Index]}}
	case *extensionast.FootnoteBacklink, *extensionast.TaskCheckBox:
		return nil
	}
	if n.HasChildren() {
		return c.spans(n)
	}
	return nil
}

func unescape(b []byte) []byte {
	b = util.UnescapePunctuations(b)
	b = util.ResolveNumericReferences(b)
	return util.ResolveEntityNames(b)
}

// mergeText joins adjacent text spans so equal documents always produce
// equal span slices regardless of how the tokenizer split the text.
func mergeText(spans []doctree.Span) []doctree.Span {
	out := spans[:0:0]
	for _, s := range spans {
		if s.Kind == doctree.SpanText && len(out) > 0 && out[len(out)-1].Kind == doctree.SpanText {
			out[len(out)-1].Text += s.Text
			continue
		}
		out = append(out, s)
	}
	return out
}
