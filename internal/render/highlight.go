package render

import (
	"html"
	"io"
	"strings"

	"github.com/alecthomas/chroma"
	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/alecthomas/chroma/lexers"
	"github.com/alecthomas/chroma/styles"

	"nvim-previewer/internal/doctree"
)

// Chroma style per preview theme. Highlighted markup uses CSS classes, so
// the theme only decides which stylesheet the page links.
var themeStyles = map[doctree.Theme]string{
	doctree.ThemeDefault: "github",
	doctree.ThemeAlt:     "monokai",
}

type highlighter struct {
	formatter *chromahtml.Formatter
}

func newHighlighter() *highlighter {
	return &highlighter{
		formatter: chromahtml.New(chromahtml.WithClasses(true)),
	}
}

// highlight returns code as a <pre> element. Unknown languages fall back to
// plain text; a tokenizer failure falls back to escaped text.
func (h *highlighter) highlight(language, code string) string {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	it, err := lexer.Tokenise(nil, code)
	if err == nil {
		var buf strings.Builder
		if err = h.formatter.Format(&buf, styles.Fallback, it); err == nil {
			return buf.String()
		}
	}
	return `<pre class="chroma"><code>` + html.EscapeString(code) + `</code></pre>`
}

// WriteThemeCSS writes the highlighting stylesheet for theme.
func WriteThemeCSS(w io.Writer, theme doctree.Theme) error {
	name, ok := themeStyles[theme]
	if !ok {
		name = themeStyles[doctree.ThemeDefault]
	}
	return chromahtml.New(chromahtml.WithClasses(true)).WriteCSS(w, styles.Get(name))
}
