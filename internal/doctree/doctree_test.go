package doctree

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Title", "title"},
		{"Hello, World", "hello-world"},
		{"  leading and trailing  ", "leading-and-trailing"},
		{"snake_case and-dash", "snake-case-and-dash"},
		{"Crème Brûlée", "creme-brulee"},
		{"!!!", "section"},
		{"", "section"},
		{"Version 2.0", "version-20"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slug(tt.in))
		})
	}
}

func TestAnchorsDeduplicate(t *testing.T) {
	a := NewAnchors()
	assert.Equal(t, "intro", a.Next("Intro"))
	assert.Equal(t, "intro-1", a.Next("Intro"))
	assert.Equal(t, "intro-2", a.Next("intro"))
	// A heading whose slug is already a generated suffix must not collide.
	b := NewAnchors()
	assert.Equal(t, "a-1", b.Next("a 1"))
	assert.Equal(t, "a", b.Next("a"))
	assert.Equal(t, "a-2", b.Next("a"))
}

func TestAnchorsUniqueProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(4242)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)
	properties.Property("anchors within a document are unique", prop.ForAll(
		func(titles []string) bool {
			a := NewAnchors()
			seen := make(map[string]bool)
			for _, title := range titles {
				anchor := a.Next(title)
				if seen[anchor] {
					return false
				}
				seen[anchor] = true
			}
			return true
		},
		gen.SliceOf(gen.OneConstOf("Intro", "intro", "Intro 1", "intro-1", "Setup", "!", "")),
	))
	properties.Property("anchors are stable for identical input", prop.ForAll(
		func(titles []string) bool {
			first, second := NewAnchors(), NewAnchors()
			for _, title := range titles {
				if first.Next(title) != second.Next(title) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))
	properties.TestingRun(t)
}

func TestPlainText(t *testing.T) {
	spans := []Span{
		{Kind: SpanText, Text: "Use "},
		{Kind: SpanCode, Text: "go test"},
		{Kind: SpanSoftBreak},
		{Kind: SpanStrong, Children: []Span{{Kind: SpanText, Text: "now"}}},
		{Kind: SpanFootnoteRef, Text: "1"},
	}
	assert.Equal(t, "Use go test now", PlainText(spans))
}

func TestTableColumns(t *testing.T) {
	tbl := &Table{Rows: [][]Cell{make([]Cell, 2), make([]Cell, 4), make([]Cell, 3)}}
	assert.Equal(t, 4, tbl.Columns())
}
