package doctree

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Slug derives an anchor from heading text: accents are folded away, case is
// folded, letters and digits are kept and runs of spaces, dashes and
// underscores become a single dash. Empty results become "section".
func Slug(text string) string {
	// Transformers carry state, so each call builds its own chain.
	fold := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, text)
	if err != nil {
		folded = text
	}
	folded = cases.Fold().String(folded)

	var b strings.Builder
	dash := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_':
			dash = true
		}
	}
	if b.Len() == 0 {
		return "section"
	}
	return b.String()
}

// Anchors hands out unique anchors for one document. Collisions get numeric
// suffixes in document order: intro, intro-1, intro-2.
type Anchors struct {
	seen map[string]int
}

func NewAnchors() *Anchors {
	return &Anchors{seen: make(map[string]int)}
}

// Next returns the anchor for the next heading with the given text.
func (a *Anchors) Next(text string) string {
	base := Slug(text)
	n, ok := a.seen[base]
	if !ok {
		a.seen[base] = 0
		return base
	}
	for {
		n++
		candidate := base + "-" + strconv.Itoa(n)
		if _, taken := a.seen[candidate]; !taken {
			a.seen[base] = n
			a.seen[candidate] = 0
			return candidate
		}
	}
}
