package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"nvim-previewer/internal/doctree"
	"nvim-previewer/internal/errs"
	"nvim-previewer/internal/render"
	"nvim-previewer/internal/watcher"
)

// Session is the live render state of one source file.
type Session struct {
	ID   string
	Path string

	registry *Registry
	logger   *slog.Logger

	// compileMu serializes compiles; generation marks superseded ones.
	compileMu  sync.Mutex
	generation atomic.Uint64

	mu       sync.RWMutex
	doc      *doctree.Document
	outputs  map[render.Format]*render.Output
	version  uint64
	theme    doctree.Theme
	banner   string
	notifier *watcher.Notifier
	lost     bool

	// lostNotice outlives compile banners; it is shown whenever no parse
	// error is.
	lostNotice string
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	ID       string
	Path     string
	Document *doctree.Document
	Outputs  map[render.Format]*render.Output
	Version  uint64
	Theme    doctree.Theme
	Banner   string
	Degraded bool
}

// Snapshot returns the current document, outputs and banner.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outputs := make(map[render.Format]*render.Output, len(s.outputs))
	for f, o := range s.outputs {
		outputs[f] = o
	}
	return Snapshot{
		ID:       s.ID,
		Path:     s.Path,
		Document: s.doc,
		Outputs:  outputs,
		Version:  s.version,
		Theme:    s.theme,
		Banner:   s.notice(),
		Degraded: s.lost,
	}
}

// Theme returns the theme the next compile uses.
func (s *Session) Theme() doctree.Theme {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.theme
}

// SetTheme changes the theme the next compile uses.
func (s *Session) SetTheme(t doctree.Theme) {
	if !t.Valid() {
		return
	}
	s.mu.Lock()
	s.theme = t
	s.mu.Unlock()
}

// Version returns the latest published version.
func (s *Session) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Degraded reports whether live reload stopped working for this session.
func (s *Session) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lost
}

// Output returns the latest output for format, compiling it from the current
// document if no viewer asked for that format before.
func (s *Session) Output(format render.Format) (*render.Output, error) {
	s.mu.RLock()
	out, ok := s.outputs[format]
	s.mu.RUnlock()
	if ok {
		return out, nil
	}

	s.compileMu.Lock()
	defer s.compileMu.Unlock()

	s.mu.RLock()
	out, ok = s.outputs[format]
	doc, version := s.doc, s.version
	s.mu.RUnlock()
	if ok {
		return out, nil
	}

	compiled, err := s.registry.compiler.Compile(doc, format)
	if err != nil {
		return nil, err
	}
	compiled = compiled.WithVersion(version)

	s.mu.Lock()
	s.outputs[format] = compiled
	s.mu.Unlock()
	return compiled, nil
}

// Trigger queues an asynchronous recompile.
func (s *Session) Trigger() {
	gen := s.generation.Add(1)
	go func() {
		if err := s.recompile(context.Background(), gen); err != nil {
			s.logger.Warn("recompile failed", "error", err)
		}
	}()
}

// Refresh recompiles synchronously. A compile superseded by a later request
// returns nil without publishing.
func (s *Session) Refresh(ctx context.Context) error {
	return s.recompile(ctx, s.generation.Add(1))
}

func (s *Session) initial(ctx context.Context, source []byte) error {
	s.version = 1
	doc, err := s.registry.compiler.Parse(s.Path, source, s.theme)
	if err != nil {
		// Readable but unparsable: start empty and explain why.
		s.banner = err.Error()
		doc = &doctree.Document{
			SourcePath: s.Path,
			Tree:       &doctree.Root{},
			Theme:      s.theme,
		}
	}
	s.doc = doc
	for _, f := range s.formats() {
		out, err := s.registry.compiler.Compile(doc, f)
		if err != nil {
			return err
		}
		s.outputs[f] = out.WithVersion(s.version)
	}
	return ctx.Err()
}

func (s *Session) formats() []render.Format {
	out := []render.Format{render.FormatHTML}
	for _, f := range s.registry.currentPublisher().Formats(s.ID) {
		if f != render.FormatHTML {
			out = append(out, f)
		}
	}
	return out
}

func (s *Session) recompile(ctx context.Context, gen uint64) error {
	s.compileMu.Lock()
	defer s.compileMu.Unlock()

	if s.generation.Load() != gen {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	source, err := os.ReadFile(s.Path)
	if err != nil {
		return s.fail(gen, errs.IO("read source", s.Path, err))
	}
	doc, err := s.registry.compiler.Parse(s.Path, source, s.Theme())
	if err != nil {
		return s.fail(gen, err)
	}

	formats := s.formats()
	compiled := make([]*render.Output, 0, len(formats))
	for _, f := range formats {
		out, err := s.registry.compiler.Compile(doc, f)
		if err != nil {
			return s.fail(gen, err)
		}
		compiled = append(compiled, out)
	}

	if s.generation.Load() != gen {
		s.logger.Debug("discarding superseded compile", "generation", gen)
		return nil
	}

	s.mu.Lock()
	changed := s.banner != ""
	for _, out := range compiled {
		prev, ok := s.outputs[out.Format]
		if !ok || prev.Hash != out.Hash {
			changed = true
		}
	}
	s.doc = doc
	// Outputs nobody watches would go stale; Output recompiles them on demand.
	for f := range s.outputs {
		if !containsFormat(formats, f) {
			delete(s.outputs, f)
		}
	}
	if !changed {
		s.mu.Unlock()
		return nil
	}
	// Every watched format moves to the new version, so each viewer sees
	// consecutive versions.
	s.version++
	for i, out := range compiled {
		compiled[i] = out.WithVersion(s.version)
		s.outputs[out.Format] = compiled[i]
	}
	s.banner = ""
	version := s.version
	notice := s.lostNotice
	s.mu.Unlock()

	pub := s.registry.currentPublisher()
	for _, out := range compiled {
		pub.Publish(s.ID, out)
	}
	if notice != "" {
		// A publish clears the viewer banner.
		pub.Banner(s.ID, version, notice)
	}
	s.logger.Debug("published", "version", version, "formats", len(compiled))
	return nil
}

// fail keeps the last good outputs and publishes an error banner.
func (s *Session) fail(gen uint64, err error) error {
	if s.generation.Load() != gen {
		return nil
	}
	s.mu.Lock()
	s.banner = err.Error()
	version := s.version
	s.mu.Unlock()
	s.registry.currentPublisher().Banner(s.ID, version, err.Error())
	return err
}

func (s *Session) degraded(cause error) {
	notice := "live reload unavailable: " + cause.Error()
	s.mu.Lock()
	s.lost = true
	s.lostNotice = notice
	version := s.version
	s.mu.Unlock()
	s.registry.currentPublisher().Banner(s.ID, version, notice)
}

// notice is the banner a page should show. Callers hold s.mu.
func (s *Session) notice() string {
	if s.banner != "" {
		return s.banner
	}
	return s.lostNotice
}

func (s *Session) stopWatch() {
	s.mu.Lock()
	n := s.notifier
	s.notifier = nil
	s.mu.Unlock()
	if n != nil {
		n.Stop()
	}
}

func containsFormat(formats []render.Format, f render.Format) bool {
	for _, v := range formats {
		if v == f {
			return true
		}
	}
	return false
}
