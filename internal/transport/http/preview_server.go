// Package httpserver handles all message traffic between sessions and the
// browser viewers.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"nvim-previewer/internal/contracts"
	"nvim-previewer/internal/doctree"
	"nvim-previewer/internal/errs"
	"nvim-previewer/internal/export"
	"nvim-previewer/internal/render"
	"nvim-previewer/internal/session"
)

// Sessions is the view of the session registry the server needs.
type Sessions interface {
	Get(id string) (*session.Session, bool)
	List() []*session.Session
}

// Exporter accepts export jobs. *export.Pipeline satisfies it.
type Exporter interface {
	Submit(ctx context.Context, sessionID string, mode export.Mode) (string, error)
	Status(id string) (export.Snapshot, bool)
	Acknowledge(id string)
}

// Config configures a PreviewServer.
type Config struct {
	// Addr is the listen address, e.g. 127.0.0.1:3008.
	Addr string
	// CSSFile and JSFile replace the embedded stylesheet and client script.
	CSSFile string
	JSFile  string
	// QueueSize is the per viewer send buffer.
	QueueSize int
	Logger    *slog.Logger
}

// PreviewServer serves session pages and pushes patches to viewers. It
// implements session.Publisher.
type PreviewServer struct {
	cfg      Config
	sessions Sessions
	logger   *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader

	exportMu sync.RWMutex
	exporter Exporter

	mu       sync.Mutex
	hubs     map[string]*hub
	listener net.Listener
	server   *http.Server

	done     chan struct{}
	stopOnce sync.Once
}

// NewPreviewServer creates a preview server over sessions. Call Listen and
// Serve to accept connections, or use it as an http.Handler.
func NewPreviewServer(cfg Config, sessions Sessions) *PreviewServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	s := &PreviewServer{
		cfg:      cfg,
		sessions: sessions,
		logger:   cfg.Logger.With("component", "preview-server"),
		hubs:     make(map[string]*hub),
		done:     make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

// SetExporter installs the export pipeline behind the export routes.
func (s *PreviewServer) SetExporter(e Exporter) {
	s.exportMu.Lock()
	defer s.exportMu.Unlock()
	s.exporter = e
}

func (s *PreviewServer) currentExporter() Exporter {
	s.exportMu.RLock()
	defer s.exportMu.RUnlock()
	return s.exporter
}

func (s *PreviewServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *PreviewServer) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.logger))

	r.Get("/", s.handleIndex)
	r.Get("/session/{id}", s.handleSession)
	r.Get("/session/{id}/events", s.handleEvents)
	r.Get("/session/{id}/export", s.handleExport)
	r.Post("/session/{id}/export", s.handleExport)
	r.Get("/session/{id}/artifact", s.handleArtifact)
	r.Get("/jobs/{jobID}", s.handleJob)
	r.Get(render.AssetPrefix+"*", s.handleAsset)
	r.Head(render.AssetPrefix+"*", s.handleAsset)
	r.Get("/static/*", s.handleStatic)

	s.router = r
}

// Listen binds the configured address. A bind failure is returned as a
// transport error and is fatal to the caller.
func (s *PreviewServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errs.New(errs.KindTransport, "listen", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	return nil
}

// Serve accepts connections until ctx is done or Close is called.
func (s *PreviewServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln, srv := s.listener, s.server
	s.mu.Unlock()
	if ln == nil {
		return errs.Newf(errs.KindTransport, "serve", s.cfg.Addr, "not listening")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errs.New(errs.KindTransport, "serve", s.cfg.Addr, err)
	case <-ctx.Done():
		return s.Close()
	}
}

// URL returns the browser URL for the preview server.
func (s *PreviewServer) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return "http://" + s.listener.Addr().String()
	}
	return "http://" + s.cfg.Addr
}

// Close tells every viewer the session is gone and shuts the server down.
func (s *PreviewServer) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		srv := s.server
		hubs := make([]*hub, 0, len(s.hubs))
		for _, h := range s.hubs {
			hubs = append(hubs, h)
		}
		s.mu.Unlock()

		for _, h := range hubs {
			<-h.stopped
		}
		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err = srv.Shutdown(ctx)
		}
	})
	return err
}

// hub returns the hub of sessionID, creating it. It returns nil once the
// server is closed.
func (s *PreviewServer) hub(sessionID string) *hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	default:
	}
	h, ok := s.hubs[sessionID]
	if !ok {
		h = newHub(sessionID, s.done, s.logger)
		s.hubs[sessionID] = h
	}
	return h
}

func (s *PreviewServer) existingHub(sessionID string) *hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hubs[sessionID]
}

// Publish implements session.Publisher.
func (s *PreviewServer) Publish(sessionID string, out *render.Output) {
	if h := s.hub(sessionID); h != nil {
		h.deliverOutput(out)
	}
}

// Banner implements session.Publisher.
func (s *PreviewServer) Banner(sessionID string, version uint64, message string) {
	if h := s.hub(sessionID); h != nil {
		h.deliverBanner(contracts.BannerMessage{
			Type:            contracts.MessageTypeBanner,
			DocumentVersion: version,
			Message:         message,
		})
	}
}

// Formats implements session.Publisher.
func (s *PreviewServer) Formats(sessionID string) []render.Format {
	if h := s.existingHub(sessionID); h != nil {
		return h.formats()
	}
	return nil
}

func (s *PreviewServer) summaries() []contracts.SessionSummary {
	base := s.URL()
	list := s.sessions.List()
	out := make([]contracts.SessionSummary, 0, len(list))
	for _, sess := range list {
		snap := sess.Snapshot()
		out = append(out, contracts.SessionSummary{
			ID:       snap.ID,
			Path:     snap.Path,
			Theme:    string(snap.Theme),
			Version:  snap.Version,
			URL:      base + "/session/" + snap.ID,
			Degraded: snap.Degraded,
		})
	}
	return out
}

// handleIndex lists the live sessions.
func (s *PreviewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	list := s.summaries()
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, list)
		return
	}

	var b strings.Builder
	b.WriteString("<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>Previews</title>")
	b.WriteString("<link rel=\"stylesheet\" href=\"/static/style.css\"></head><body><main class=\"markdown-body\"><h1>Previews</h1><ul>")
	for _, sum := range list {
		b.WriteString("<li><a href=\"/session/" + html.EscapeString(sum.ID) + "\">")
		b.WriteString(html.EscapeString(sum.Path))
		b.WriteString("</a>")
		if sum.Degraded {
			b.WriteString(" (live reload unavailable)")
		}
		b.WriteString("</li>")
	}
	b.WriteString("</ul></main></body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}

// handleSession serves the initial page, or the export source as text.
func (s *PreviewServer) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	format := render.ParseFormat(r.URL.Query().Get("format"))
	out, err := sess.Output(format)
	if err != nil {
		s.logger.Warn("rendering session page", "session", sess.ID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if format == render.FormatExport {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(out.Bytes())
		return
	}

	snap := sess.Snapshot()
	page := render.RenderPage(render.Page{
		Title:     filepath.Base(snap.Path),
		SessionID: sess.ID,
		Theme:     out.Theme,
		Version:   out.Version,
		Content:   strings.Join(out.Blocks, "\n"),
		Banner:    snap.Banner,
	})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(page))
}

// handleEvents upgrades to the viewer push channel.
func (s *PreviewServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	h := s.hub(sess.ID)
	if h == nil {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	format := render.ParseFormat(q.Get("format"))
	since, _ := strconv.ParseUint(q.Get("since"), 10, 64)

	h.acquire(format)
	defer h.release(format)

	out, err := sess.Output(format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "session", sess.ID, "error", err)
		return
	}

	v := newViewer(conn, format, since, out, s.cfg.QueueSize)
	if !h.join(v) {
		_ = conn.Close()
		return
	}
	go v.writePump(h.logger)
	v.readPump(h)
	h.leave(v)
}

// handleExport submits an export job and returns its snapshot.
func (s *PreviewServer) handleExport(w http.ResponseWriter, r *http.Request) {
	exp := s.currentExporter()
	if exp == nil {
		jsonError(w, "export unavailable", http.StatusServiceUnavailable)
		return
	}
	mode, err := export.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := exp.Submit(r.Context(), chi.URLParam(r, "id"), mode)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	snap, _ := exp.Status(id)
	writeJSON(w, http.StatusAccepted, snap)
}

// handleJob reports a job. Reading a terminal status acknowledges it.
func (s *PreviewServer) handleJob(w http.ResponseWriter, r *http.Request) {
	exp := s.currentExporter()
	if exp == nil {
		jsonError(w, "export unavailable", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "jobID")
	snap, ok := exp.Status(id)
	if !ok {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	if snap.Terminal() {
		exp.Acknowledge(id)
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleArtifact serves the exported PDF of a session.
func (s *PreviewServer) handleArtifact(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	artifact := strings.TrimSuffix(sess.Path, filepath.Ext(sess.Path)) + ".pdf"
	if info, err := os.Stat(artifact); err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	http.ServeFile(w, r, artifact)
}

// handleAsset serves local markdown assets via encoded absolute paths.
func (s *PreviewServer) handleAsset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	assetPath, err := render.DecodeAssetID(id)
	if err != nil || assetPath == "." || !filepath.IsAbs(assetPath) {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(assetPath)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, assetPath)
}

// handleThemeCSS serves the highlighting stylesheet of a theme.
func (s *PreviewServer) handleThemeCSS(w http.ResponseWriter, r *http.Request, theme doctree.Theme) {
	if !theme.Valid() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	if err := render.WriteThemeCSS(w, theme); err != nil {
		s.logger.Warn("writing theme stylesheet", "theme", theme, "error", err)
	}
}

// handleStatic serves the stylesheet and client script, preferring the
// configured override files, and the per theme highlighting stylesheets.
func (s *PreviewServer) handleStatic(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if strings.HasPrefix(name, "chroma-") && strings.HasSuffix(name, ".css") {
		s.handleThemeCSS(w, r, doctree.Theme(strings.TrimSuffix(strings.TrimPrefix(name, "chroma-"), ".css")))
		return
	}
	override := ""
	switch name {
	case "style.css":
		override = s.cfg.CSSFile
	case "client.js":
		override = s.cfg.JSFile
	}
	if override != "" {
		http.ServeFile(w, r, override)
		return
	}
	http.ServeFileFS(w, r, render.Static(), name)
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}
