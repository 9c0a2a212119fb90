package render

import (
	"crypto/sha256"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"nvim-previewer/internal/doctree"
	"nvim-previewer/internal/errs"
	"nvim-previewer/internal/markdown"
)

// AssetPrefix is the URL prefix the preview server serves local files under.
const AssetPrefix = "/@mdfs/"

// Format is a compile target.
type Format string

const (
	FormatHTML   Format = "html"
	FormatExport Format = "export"
)

// ParseFormat maps a query value to a Format. Unknown values yield HTML.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "export", "latex", "tex":
		return FormatExport
	default:
		return FormatHTML
	}
}

// Output is one compiled artifact. Blocks are the diff units: top-level
// elements for HTML, lines for export source.
type Output struct {
	Version uint64
	Format  Format
	Theme   doctree.Theme
	Blocks  []string
	Hash    string
}

// Bytes returns the blocks joined by newlines.
func (o *Output) Bytes() []byte {
	return []byte(strings.Join(o.Blocks, "\n"))
}

// WithVersion returns a copy of o stamped with version v.
func (o *Output) WithVersion(v uint64) *Output {
	cp := *o
	cp.Version = v
	return &cp
}

func newOutput(format Format, theme doctree.Theme, blocks []string) *Output {
	h := sha256.New()
	h.Write([]byte(format))
	h.Write([]byte{0})
	h.Write([]byte(theme))
	h.Write([]byte{0})
	for _, b := range blocks {
		h.Write([]byte(b))
		h.Write([]byte{'\n'})
	}
	return &Output{
		Format: format,
		Theme:  theme,
		Blocks: blocks,
		Hash:   hex.EncodeToString(h.Sum(nil)),
	}
}

// Option adjusts a single Compile call.
type Option func(*compileOptions)

type compileOptions struct {
	resolveImage func(abs string) string
}

// WithImageResolver remaps absolute local image paths in export source, for
// example to point svg images at converted pdf files.
func WithImageResolver(fn func(abs string) string) Option {
	return func(o *compileOptions) {
		o.resolveImage = fn
	}
}

// Compiler turns markdown into structural trees and trees into outputs. It
// holds no per-document state and is safe for concurrent use.
type Compiler struct {
	parser      *markdown.Parser
	highlighter *highlighter
}

func NewCompiler() *Compiler {
	return &Compiler{
		parser:      markdown.NewParser(),
		highlighter: newHighlighter(),
	}
}

// Parse builds the Document for a source file.
func (c *Compiler) Parse(path string, source []byte, theme doctree.Theme) (*doctree.Document, error) {
	root, err := c.parser.Parse(source)
	if err != nil {
		var e *errs.Error
		if ok := asError(err, &e); ok && e.Path == "" {
			e.Path = path
		}
		return nil, err
	}
	if !theme.Valid() {
		theme = doctree.ThemeDefault
	}
	return &doctree.Document{
		SourcePath:  path,
		ContentHash: doctree.ContentHash(source),
		Tree:        root,
		Theme:       theme,
	}, nil
}

// Compile emits doc in the requested format. Identical documents always
// produce byte-identical outputs.
func (c *Compiler) Compile(doc *doctree.Document, format Format, opts ...Option) (out *Output, err error) {
	var o compileOptions
	for _, opt := range opts {
		opt(&o)
	}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = errs.Compile("compile "+string(format), doc.SourcePath, fmt.Errorf("%v", r))
		}
	}()

	switch format {
	case FormatHTML:
		e := &htmlEmitter{
			baseDir:     sourceDir(doc.SourcePath),
			footnotes:   doc.Footnotes(),
			highlighter: c.highlighter,
		}
		return newOutput(format, doc.Theme, e.document(doc.Tree)), nil
	case FormatExport:
		e := &latexEmitter{
			baseDir:      sourceDir(doc.SourcePath),
			footnotes:    doc.Footnotes(),
			resolveImage: o.resolveImage,
		}
		text := e.document(doc)
		return newOutput(format, "", strings.Split(strings.TrimSuffix(text, "\n"), "\n")), nil
	}
	return nil, errs.Newf(errs.KindCompile, "compile", doc.SourcePath, "unknown format %q", format)
}

// Render is Parse followed by Compile.
func (c *Compiler) Render(source []byte, path string, theme doctree.Theme, format Format) (*Output, error) {
	doc, err := c.Parse(path, source, theme)
	if err != nil {
		return nil, err
	}
	return c.Compile(doc, format)
}

//go:embed page.html
var pageTemplate string

// Page is the data substituted into the page shell.
type Page struct {
	Title     string
	SessionID string
	Theme     doctree.Theme
	Version   uint64
	Content   string
	Banner    string
}

// RenderPage returns the full HTML document for the initial load of a
// session. The embedded client script opens the push channel.
func RenderPage(p Page) string {
	bannerAttr := "hidden"
	if p.Banner != "" {
		bannerAttr = ""
	}
	r := strings.NewReplacer(
		"{{TITLE}}", htmlEscape(p.Title),
		"{{SESSION}}", htmlEscape(p.SessionID),
		"{{THEME}}", htmlEscape(string(p.Theme)),
		"{{VERSION}}", strconv.FormatUint(p.Version, 10),
		"{{BANNER_ATTR}}", bannerAttr,
		"{{BANNER}}", htmlEscape(p.Banner),
		"{{CONTENT}}", p.Content,
	)
	return r.Replace(pageTemplate)
}

func sourceDir(sourcePath string) string {
	if sourcePath == "" {
		return ""
	}
	return filepath.Dir(sourcePath)
}

// resolveLocal classifies an image destination. Remote and already rewritten
// destinations are returned with local=false; local ones are returned as a
// cleaned absolute path.
func resolveLocal(dest, baseDir string) (path string, local bool) {
	raw := strings.TrimSpace(dest)
	if raw == "" {
		return raw, false
	}

	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:") ||
		strings.HasPrefix(lower, "blob:") ||
		strings.HasPrefix(lower, "//") ||
		strings.HasPrefix(lower, "#") ||
		strings.HasPrefix(lower, AssetPrefix) {
		return raw, false
	}
	if strings.HasPrefix(lower, "file://") {
		raw = raw[len("file://"):]
	}

	if filepath.IsAbs(raw) {
		return filepath.Clean(raw), true
	}
	if baseDir == "" {
		return raw, false
	}
	return filepath.Clean(filepath.Join(baseDir, raw)), true
}

// AssetURL returns the preview server URL for a local absolute path.
func AssetURL(abs string) string {
	return AssetPrefix + base64.RawURLEncoding.EncodeToString([]byte(filepath.Clean(abs)))
}

// DecodeAssetID reverses AssetURL for the id part after AssetPrefix.
func DecodeAssetID(id string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return "", err
	}
	return filepath.Clean(string(decoded)), nil
}

func asError(err error, target **errs.Error) bool {
	e, ok := err.(*errs.Error)
	if ok {
		*target = e
	}
	return ok
}
