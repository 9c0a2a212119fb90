package markdown

import (
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// KindMath is the goldmark node kind of a $...$ or $$...$$ fragment.
var KindMath = ast.NewNodeKind("Math")

// MathNode holds math source exactly as written between its delimiters.
type MathNode struct {
	ast.BaseInline
	Display bool
	Raw     []byte
}

func (n *MathNode) Kind() ast.NodeKind {
	return KindMath
}

func (n *MathNode) Dump(source []byte, level int) {
	display := "false"
	if n.Display {
		display = "true"
	}
	ast.DumpHelper(n, source, level, map[string]string{
		"Display": display,
		"Raw":     string(n.Raw),
	}, nil)
}

// mathParser recognizes $inline$ on a single line and $$display$$ across
// lines. Backslash escapes inside math are skipped over, never interpreted.
type mathParser struct{}

func (p *mathParser) Trigger() []byte {
	return []byte{'$'}
}

func (p *mathParser) Parse(parent ast.Node, block text.Reader, pc parser.Context) ast.Node {
	line, _ := block.PeekLine()
	opener := 0
	for opener < len(line) && line[opener] == '$' {
		opener++
	}
	if opener > 2 {
		return nil
	}
	display := opener == 2
	if !display && (len(line) < 2 || util.IsSpace(line[1])) {
		return nil
	}

	l, pos := block.Position()
	block.Advance(opener)

	var raw []byte
	for {
		line, _ := block.PeekLine()
		if line == nil {
			block.SetPosition(l, pos)
			return nil
		}
		for i := 0; i < len(line); i++ {
			switch line[i] {
			case '\\':
				i++
			case '$':
				j := i
				for j < len(line) && line[j] == '$' {
					j++
				}
				closes := j-i == opener
				if closes && !display && (i == 0 || util.IsSpace(line[i-1])) {
					closes = false
				}
				if closes {
					raw = append(raw, line[:i]...)
					block.Advance(j)
					return &MathNode{Display: display, Raw: raw}
				}
				i = j - 1
			}
		}
		if !display {
			block.SetPosition(l, pos)
			return nil
		}
		raw = append(raw, line...)
		block.AdvanceLine()
	}
}

type mathExtension struct{}

// Math adds $...$ and $$...$$ fragments to a goldmark parser.
var Math goldmark.Extender = &mathExtension{}

func (e *mathExtension) Extend(m goldmark.Markdown) {
	m.Parser().AddOptions(parser.WithInlineParsers(
		util.Prioritized(&mathParser{}, 150),
	))
}
