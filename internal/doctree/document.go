package doctree

import (
	"crypto/sha256"
	"encoding/hex"
)

// Theme selects the stylesheet family a document is rendered with.
type Theme string

const (
	ThemeDefault Theme = "light"
	ThemeAlt     Theme = "dark"
)

// Valid reports whether t is a known theme.
func (t Theme) Valid() bool {
	return t == ThemeDefault || t == ThemeAlt
}

// Document is one successful parse of a source file.
type Document struct {
	SourcePath  string
	ContentHash string
	Tree        *Root
	Theme       Theme
}

// ContentHash returns the hex sha256 of b.
func ContentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Footnotes indexes the footnote definitions of a document by id.
func (d *Document) Footnotes() map[string]*Footnote {
	out := make(map[string]*Footnote)
	Walk(d.Tree, func(n Node) bool {
		if fn, ok := n.(*Footnote); ok {
			out[fn.ID] = fn
		}
		return true
	})
	return out
}
