// Package session binds source files to their live render state.
package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nvim-previewer/internal/doctree"
	"nvim-previewer/internal/errs"
	"nvim-previewer/internal/render"
	"nvim-previewer/internal/watcher"
)

// Publisher receives new outputs and banners for delivery to viewers.
// Implementations must not block.
type Publisher interface {
	Publish(sessionID string, out *render.Output)
	Banner(sessionID string, version uint64, message string)
	// Formats lists the formats at least one viewer of the session wants.
	Formats(sessionID string) []render.Format
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, *render.Output) {}
func (nopPublisher) Banner(string, uint64, string)  {}
func (nopPublisher) Formats(string) []render.Format { return nil }

// Options configures a Registry.
type Options struct {
	Compiler  *render.Compiler
	Publisher Publisher
	Logger    *slog.Logger
	// BaseURL is the preview server root, e.g. http://127.0.0.1:3008.
	BaseURL string
	// Debounce is the change notifier window.
	Debounce time.Duration
	// DisableWatch skips starting change notifiers.
	DisableWatch bool
}

// Registry is the table of live sessions. Lookups run concurrently; session
// creation is single-flight per path.
type Registry struct {
	opts      Options
	logger    *slog.Logger
	compiler  *render.Compiler
	publisher Publisher

	mu      sync.RWMutex
	byPath  map[string]*Session
	byID    map[string]*Session
	pending map[string]chan struct{}
	closed  bool
}

func NewRegistry(opts Options) *Registry {
	if opts.Compiler == nil {
		opts.Compiler = render.NewCompiler()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = watcher.DefaultDelay
	}
	r := &Registry{
		opts:      opts,
		logger:    opts.Logger.With("component", "session"),
		compiler:  opts.Compiler,
		publisher: nopPublisher{},
		byPath:    make(map[string]*Session),
		byID:      make(map[string]*Session),
		pending:   make(map[string]chan struct{}),
	}
	if opts.Publisher != nil {
		r.publisher = opts.Publisher
	}
	return r
}

// SetPublisher installs p. It must be called before the first Open.
func (r *Registry) SetPublisher(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publisher = p
}

// SetBaseURL sets the root used by ViewerURL.
func (r *Registry) SetBaseURL(base string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opts.BaseURL = strings.TrimRight(base, "/")
}

// SessionID returns the stable id of a source path.
func SessionID(absPath string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(absPath))).String()
}

// Open returns the session for path, creating it when needed. Creating reads
// the file (an unreadable file yields an errs.KindIO error and no session),
// compiles version 1 and starts the change notifier. Reusing updates the
// theme and queues a recompile.
func (r *Registry) Open(ctx context.Context, path string, theme doctree.Theme) (*Session, bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false, errs.IO("open session", path, err)
	}
	abs = filepath.Clean(abs)
	if !theme.Valid() {
		theme = doctree.ThemeDefault
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, false, errs.Newf(errs.KindNotFound, "open session", abs, "registry closed")
		}
		if s, ok := r.byPath[abs]; ok {
			r.mu.Unlock()
			s.SetTheme(theme)
			s.Trigger()
			return s, false, nil
		}
		wait, busy := r.pending[abs]
		if !busy {
			done := make(chan struct{})
			r.pending[abs] = done
			r.mu.Unlock()

			s, err := r.create(ctx, abs, theme)

			r.mu.Lock()
			delete(r.pending, abs)
			if err == nil {
				r.byPath[abs] = s
				r.byID[s.ID] = s
			}
			r.mu.Unlock()
			close(done)

			if err != nil {
				return nil, false, err
			}
			r.startWatch(s)
			r.logger.Info("session created", "id", s.ID, "path", abs, "theme", theme)
			return s, true, nil
		}
		r.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

func (r *Registry) create(ctx context.Context, abs string, theme doctree.Theme) (*Session, error) {
	source, err := os.ReadFile(abs)
	if err != nil {
		return nil, errs.IO("read source", abs, err)
	}
	s := &Session{
		ID:       SessionID(abs),
		Path:     abs,
		registry: r,
		logger:   r.logger.With("session", SessionID(abs)),
		theme:    theme,
		outputs:  make(map[render.Format]*render.Output),
	}
	if err := s.initial(ctx, source); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Registry) startWatch(s *Session) {
	if r.opts.DisableWatch {
		return
	}
	n := watcher.New(s.Path, s.Refresh,
		watcher.WithDelay(r.opts.Debounce),
		watcher.WithLogger(r.opts.Logger),
		watcher.WithDegradedHook(s.degraded),
	)
	if err := n.Start(context.Background()); err != nil {
		s.logger.Error("starting change notifier", "error", err)
		s.degraded(err)
		return
	}
	s.mu.Lock()
	s.notifier = n
	s.mu.Unlock()
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Lookup returns the session for a source path.
func (r *Registry) Lookup(path string) (*Session, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPath[filepath.Clean(abs)]
	return s, ok
}

// List returns all sessions ordered by path.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.byPath))
	for _, s := range r.byPath {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ViewerURL returns the address a browser should open for session id.
func (r *Registry) ViewerURL(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.byID[id]; !ok {
		return "", errs.Newf(errs.KindNotFound, "viewer url", "", "unknown session %s", id)
	}
	return r.opts.BaseURL + "/session/" + id, nil
}

// Close stops every change notifier. Sessions stay readable.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.byPath))
	for _, s := range r.byPath {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.stopWatch()
	}
}

func (r *Registry) currentPublisher() Publisher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.publisher
}
