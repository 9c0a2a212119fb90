// Package doctree is the in-process structural tree a markdown source is
// organized into before it is compiled to a target format.
//
// The tree is a closed set of block node types under a Root. Inline content
// lives in Span slices. A tree is never mutated once the parse that built it
// has returned; a recompile produces a new Document.
package doctree

// Node is a block-level structural node.
type Node interface {
	node()
}

// Root is the top of a document tree.
type Root struct {
	Children []Node
}

// Heading is an ATX or setext heading. Anchor is unique within its document.
type Heading struct {
	Level  int
	Text   []Span
	Anchor string
}

// Paragraph is a run of inline content.
type Paragraph struct {
	Spans []Span
}

// List is an ordered or bullet list. Source start numbers are not kept:
// ordered lists always number from 1.
type List struct {
	Ordered bool
	Tight   bool
	Items   []*ListItem
}

// ListItem is one entry of a List. Task is set for GFM task list items.
type ListItem struct {
	Task     bool
	Checked  bool
	Children []Node
}

// CodeBlock is a fenced or indented code block.
type CodeBlock struct {
	Language string
	Text     string
}

// Math is a math fragment kept as raw delimited text. Inline math also
// appears as a SpanMath inside paragraphs; a Math node is display math.
type Math struct {
	Text   string
	Inline bool
}

// Image is an image that stands alone as a block. Source is the destination
// exactly as written in the markdown.
type Image struct {
	Source string
	Alt    string
	Title  string
}

// Alignment of a table column.
type Alignment int

const (
	AlignNone Alignment = iota
	AlignLeft
	AlignCenter
	AlignRight
)

// Cell is the inline content of one table cell.
type Cell struct {
	Spans []Span
}

// Table holds rows of cells. When Header is set the first row is the header
// row. Rows may have different lengths; compilers pad them.
type Table struct {
	Header bool
	Align  []Alignment
	Rows   [][]Cell
}

// Columns returns the largest cell count of any row.
func (t *Table) Columns() int {
	n := len(t.Align)
	for _, row := range t.Rows {
		if len(row) > n {
			n = len(row)
		}
	}
	return n
}

// Blockquote groups child blocks. Callout is set for alerts ("note",
// "warning", or any custom kind). Foldable alerts were written with a + or -
// marker; Folded means they start collapsed.
type Blockquote struct {
	Callout  string
	Title    []Span
	Foldable bool
	Folded   bool
	Children []Node
}

// Footnote is a footnote definition. Index is its 1-based reference order.
type Footnote struct {
	ID       string
	Index    int
	Children []Node
}

// ThematicBreak is a horizontal rule.
type ThematicBreak struct{}

// HTMLBlock is raw HTML passed through to the HTML target.
type HTMLBlock struct {
	Raw string
}

func (*Root) node()          {}
func (*Heading) node()       {}
func (*Paragraph) node()     {}
func (*List) node()          {}
func (*ListItem) node()      {}
func (*CodeBlock) node()     {}
func (*Math) node()          {}
func (*Image) node()         {}
func (*Table) node()         {}
func (*Blockquote) node()    {}
func (*Footnote) node()      {}
func (*ThematicBreak) node() {}
func (*HTMLBlock) node()     {}

// SpanKind identifies an inline span.
type SpanKind int

const (
	SpanText SpanKind = iota
	SpanEmphasis
	SpanStrong
	SpanStrike
	SpanCode
	SpanLink
	SpanImage
	SpanMath
	SpanFootnoteRef
	SpanRawHTML
	SpanSoftBreak
	SpanHardBreak
)

// Span is inline content. Text holds literal text for text, code, math and
// raw HTML spans, the alt text for images and the footnote id for references.
// Dest is the link or image destination.
type Span struct {
	Kind     SpanKind
	Text     string
	Dest     string
	Title    string
	Children []Span
}

// PlainText flattens spans into their visible text.
func PlainText(spans []Span) string {
	var b []byte
	var walk func([]Span)
	walk = func(spans []Span) {
		for _, s := range spans {
			switch s.Kind {
			case SpanText, SpanCode, SpanMath, SpanImage:
				b = append(b, s.Text...)
			case SpanSoftBreak, SpanHardBreak:
				b = append(b, ' ')
			case SpanRawHTML, SpanFootnoteRef:
			default:
				walk(s.Children)
			}
		}
	}
	walk(spans)
	return string(b)
}

// Walk visits n and its descendants depth first in document order. Returning
// false from fn skips the children of the visited node.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range children(n) {
		Walk(c, fn)
	}
}

func children(n Node) []Node {
	switch v := n.(type) {
	case *Root:
		return v.Children
	case *List:
		out := make([]Node, len(v.Items))
		for i, item := range v.Items {
			out[i] = item
		}
		return out
	case *ListItem:
		return v.Children
	case *Blockquote:
		return v.Children
	case *Footnote:
		return v.Children
	}
	return nil
}
