// Package patch computes the smallest block splice that turns one compiled
// output into the next.
package patch

import (
	"fmt"

	"nvim-previewer/internal/doctree"
	"nvim-previewer/internal/render"
)

// Kind distinguishes splice patches from full replacements.
type Kind string

const (
	KindFull   Kind = "full"
	KindSplice Kind = "splice"
)

// Patch moves a viewer from BaseVersion to Version. A full patch carries
// every block and has no meaningful base.
type Patch struct {
	Kind        Kind
	Format      render.Format
	Theme       doctree.Theme
	BaseVersion uint64
	Version     uint64

	// Full
	Blocks []string

	// Splice: replace Delete blocks at Start with Insert.
	Start  int
	Delete int
	Insert []string
}

// Full returns a patch carrying all of out.
func Full(out *render.Output) *Patch {
	return &Patch{
		Kind:    KindFull,
		Format:  out.Format,
		Theme:   out.Theme,
		Version: out.Version,
		Blocks:  out.Blocks,
	}
}

// Compute diffs base against next. It returns nil when the outputs have the
// same hash. A full patch is returned when there is no base, when format or
// theme changed, or when a splice would not be smaller.
func Compute(base, next *render.Output) *Patch {
	if base != nil && base.Hash == next.Hash {
		return nil
	}
	if base == nil || base.Format != next.Format || base.Theme != next.Theme {
		return Full(next)
	}

	old, cur := base.Blocks, next.Blocks
	prefix := 0
	for prefix < len(old) && prefix < len(cur) && old[prefix] == cur[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(old)-prefix && suffix < len(cur)-prefix &&
		old[len(old)-1-suffix] == cur[len(cur)-1-suffix] {
		suffix++
	}

	insert := cur[prefix : len(cur)-suffix]
	if len(cur) > 0 && len(insert) >= len(cur) {
		return Full(next)
	}
	return &Patch{
		Kind:        KindSplice,
		Format:      next.Format,
		Theme:       next.Theme,
		BaseVersion: base.Version,
		Version:     next.Version,
		Start:       prefix,
		Delete:      len(old) - prefix - suffix,
		Insert:      append([]string(nil), insert...),
	}
}

// Empty returns a splice that changes nothing, moving a viewer from base's
// version to next's when the content is identical.
func Empty(base, next *render.Output) *Patch {
	return &Patch{
		Kind:        KindSplice,
		Format:      next.Format,
		Theme:       next.Theme,
		BaseVersion: base.Version,
		Version:     next.Version,
		Start:       len(base.Blocks),
	}
}

// Apply returns the blocks that result from applying p to blocks.
func Apply(blocks []string, p *Patch) ([]string, error) {
	if p.Kind == KindFull {
		return append([]string(nil), p.Blocks...), nil
	}
	if p.Start < 0 || p.Delete < 0 || p.Start+p.Delete > len(blocks) {
		return nil, fmt.Errorf("splice [%d,+%d) out of range for %d blocks", p.Start, p.Delete, len(blocks))
	}
	out := make([]string, 0, len(blocks)-p.Delete+len(p.Insert))
	out = append(out, blocks[:p.Start]...)
	out = append(out, p.Insert...)
	out = append(out, blocks[p.Start+p.Delete:]...)
	return out, nil
}
