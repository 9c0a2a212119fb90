package render

import (
	"path/filepath"
	"strings"

	"nvim-previewer/internal/doctree"
)

const latexPreamble = `\documentclass[11pt]{article}
\usepackage{amsmath}
\usepackage{amssymb}
\usepackage{graphicx}
\usepackage[normalem]{ulem}
\usepackage[margin=1in]{geometry}
\usepackage{hyperref}
\setlength{\parindent}{0pt}
\setlength{\parskip}{0.6em}
`

var latexEscaper = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	`{`, `\{`,
	`}`, `\}`,
	`$`, `\$`,
	`&`, `\&`,
	`#`, `\#`,
	`^`, `\textasciicircum{}`,
	`_`, `\_`,
	`%`, `\%`,
	`~`, `\textasciitilde{}`,
)

// latexURLEscaper covers the characters \href and \includegraphics still
// treat specially inside their arguments.
var latexURLEscaper = strings.NewReplacer(
	`\`, `/`,
	`#`, `\#`,
	`%`, `\%`,
	`{`, `%7B`,
	`}`, `%7D`,
)

func latexEscape(s string) string {
	return latexEscaper.Replace(s)
}

var sectionCommands = []string{
	`\section`,
	`\subsection`,
	`\subsubsection`,
	`\paragraph`,
	`\subparagraph`,
	`\subparagraph`,
}

// latexEmitter produces a standalone xelatex document. Footnotes are
// inlined at their reference; raw HTML is dropped.
type latexEmitter struct {
	baseDir      string
	footnotes    map[string]*doctree.Footnote
	resolveImage func(abs string) string
}

func (e *latexEmitter) document(doc *doctree.Document) string {
	var b strings.Builder
	b.WriteString(latexPreamble)
	b.WriteString(`\begin{document}` + "\n")
	for _, n := range doc.Tree.Children {
		e.block(&b, n)
	}
	b.WriteString(`\end{document}` + "\n")
	return b.String()
}

func (e *latexEmitter) block(b *strings.Builder, n doctree.Node) {
	switch v := n.(type) {
	case *doctree.Heading:
		b.WriteString(sectionCommands[clamp(v.Level, 1, 6)-1] + "{")
		e.spans(b, v.Text)
		b.WriteString(`}\label{` + v.Anchor + "}\n\n")

	case *doctree.Paragraph:
		e.spans(b, v.Spans)
		b.WriteString("\n\n")

	case *doctree.List:
		env := "itemize"
		if v.Ordered {
			env = "enumerate"
		}
		b.WriteString(`\begin{` + env + "}\n")
		for _, item := range v.Items {
			e.listItem(b, item)
		}
		b.WriteString(`\end{` + env + "}\n\n")

	case *doctree.ListItem:
		e.listItem(b, v)

	case *doctree.CodeBlock:
		text := strings.ReplaceAll(v.Text, `\end{verbatim}`, `\end {verbatim}`)
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		b.WriteString(`\begin{verbatim}` + "\n" + text + `\end{verbatim}` + "\n\n")

	case *doctree.Math:
		if v.Inline {
			b.WriteString("$" + v.Text + "$\n\n")
		} else {
			b.WriteString(`\[` + "\n" + v.Text + "\n" + `\]` + "\n\n")
		}

	case *doctree.Image:
		path, local := e.imagePath(v.Source)
		if !local {
			b.WriteString(`\href{` + latexURLEscaper.Replace(path) + "}{" + latexEscape(altOr(v.Alt, path)) + "}\n\n")
			return
		}
		b.WriteString(`\begin{figure}[h]` + "\n")
		b.WriteString(`\centering` + "\n")
		b.WriteString(`\includegraphics[width=0.8\linewidth]{` + latexURLEscaper.Replace(path) + "}\n")
		if v.Alt != "" {
			b.WriteString(`\caption{` + latexEscape(v.Alt) + "}\n")
		}
		b.WriteString(`\end{figure}` + "\n\n")

	case *doctree.Table:
		e.table(b, v)

	case *doctree.Blockquote:
		b.WriteString(`\begin{quote}` + "\n")
		if v.Callout != "" {
			b.WriteString(`\textbf{` + latexEscape(calloutLabel(v.Callout)) + ":}")
			if len(v.Title) > 0 {
				b.WriteString(" ")
				e.spans(b, v.Title)
			}
			b.WriteString("\n\n")
		}
		for _, c := range v.Children {
			e.block(b, c)
		}
		b.WriteString(`\end{quote}` + "\n\n")

	case *doctree.ThematicBreak:
		b.WriteString(`\noindent\rule{\linewidth}{0.4pt}` + "\n\n")

	case *doctree.Footnote, *doctree.HTMLBlock:
	}
}

func (e *latexEmitter) listItem(b *strings.Builder, item *doctree.ListItem) {
	switch {
	case item.Task && item.Checked:
		b.WriteString(`\item[$\boxtimes$] `)
	case item.Task:
		b.WriteString(`\item[$\square$] `)
	default:
		b.WriteString(`\item `)
	}
	var body strings.Builder
	for _, c := range item.Children {
		e.block(&body, c)
	}
	b.WriteString(strings.TrimRight(body.String(), "\n"))
	b.WriteString("\n")
}

func (e *latexEmitter) table(b *strings.Builder, t *doctree.Table) {
	cols := t.Columns()
	if cols == 0 {
		return
	}
	align := make([]string, cols)
	for i := range align {
		align[i] = "l"
		if i < len(t.Align) {
			switch t.Align[i] {
			case doctree.AlignCenter:
				align[i] = "c"
			case doctree.AlignRight:
				align[i] = "r"
			}
		}
	}
	b.WriteString(`\begin{center}` + "\n")
	b.WriteString(`\begin{tabular}{|` + strings.Join(align, "|") + "|}\n")
	b.WriteString(`\hline` + "\n")
	for r, row := range t.Rows {
		for i := 0; i < cols; i++ {
			if i > 0 {
				b.WriteString(" & ")
			}
			if i < len(row) {
				if t.Header && r == 0 {
					b.WriteString(`\textbf{`)
					e.spans(b, row[i].Spans)
					b.WriteString("}")
				} else {
					e.spans(b, row[i].Spans)
				}
			}
		}
		b.WriteString(` \\` + "\n")
		if t.Header && r == 0 {
			b.WriteString(`\hline` + "\n")
		}
	}
	b.WriteString(`\hline` + "\n")
	b.WriteString(`\end{tabular}` + "\n")
	b.WriteString(`\end{center}` + "\n\n")
}

func (e *latexEmitter) spans(b *strings.Builder, spans []doctree.Span) {
	for i := range spans {
		e.span(b, &spans[i])
	}
}

func (e *latexEmitter) span(b *strings.Builder, s *doctree.Span) {
	switch s.Kind {
	case doctree.SpanText:
		b.WriteString(latexEscape(s.Text))
	case doctree.SpanEmphasis:
		e.command(b, `\emph`, s.Children)
	case doctree.SpanStrong:
		e.command(b, `\textbf`, s.Children)
	case doctree.SpanStrike:
		e.command(b, `\sout`, s.Children)
	case doctree.SpanCode:
		b.WriteString(`\texttt{` + latexEscape(s.Text) + "}")
	case doctree.SpanLink:
		if strings.HasPrefix(s.Dest, "#") {
			b.WriteString(`\hyperref[` + doctree.Slug(s.Dest[1:]) + "]{")
		} else {
			b.WriteString(`\href{` + latexURLEscaper.Replace(s.Dest) + "}{")
		}
		e.spans(b, s.Children)
		b.WriteString("}")
	case doctree.SpanImage:
		path, local := e.imagePath(s.Dest)
		if local {
			b.WriteString(`\includegraphics[height=1em]{` + latexURLEscaper.Replace(path) + "}")
		} else {
			b.WriteString(`\href{` + latexURLEscaper.Replace(path) + "}{" + latexEscape(altOr(s.Text, path)) + "}")
		}
	case doctree.SpanMath:
		b.WriteString("$" + s.Text + "$")
	case doctree.SpanFootnoteRef:
		fn, ok := e.footnotes[s.Text]
		if !ok {
			return
		}
		var body strings.Builder
		for _, c := range fn.Children {
			e.block(&body, c)
		}
		b.WriteString(`\footnote{` + strings.TrimSpace(body.String()) + "}")
	case doctree.SpanSoftBreak:
		b.WriteString("\n")
	case doctree.SpanHardBreak:
		b.WriteString(`\\` + "\n")
	case doctree.SpanRawHTML:
	}
}

func (e *latexEmitter) command(b *strings.Builder, cmd string, children []doctree.Span) {
	b.WriteString(cmd + "{")
	e.spans(b, children)
	b.WriteString("}")
}

func (e *latexEmitter) imagePath(dest string) (string, bool) {
	abs, local := resolveLocal(dest, e.baseDir)
	if !local {
		return abs, false
	}
	if e.resolveImage != nil {
		abs = e.resolveImage(abs)
	}
	return filepath.ToSlash(abs), true
}

func altOr(alt, fallback string) string {
	if alt != "" {
		return alt
	}
	return fallback
}
