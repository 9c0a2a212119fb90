package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"nvim-previewer/internal/config"
	"nvim-previewer/internal/doctree"
	"nvim-previewer/internal/export"
	"nvim-previewer/internal/host"
	"nvim-previewer/internal/render"
	"nvim-previewer/internal/session"
	httptransport "nvim-previewer/internal/transport/http"
)

// Notifier shows short messages to the editor user.
type Notifier interface {
	Echo(msg string)
	EchoError(msg string)
}

type logNotifier struct{ logger *slog.Logger }

func (n logNotifier) Echo(msg string)      { n.logger.Info(msg) }
func (n logNotifier) EchoError(msg string) { n.logger.Error(msg) }

// Options configures a LivePreview. Only Config is required.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Opener   Opener
	Notifier Notifier
	// DisableWatch skips file change notifiers.
	DisableWatch bool
}

// LivePreview is a coordinator between the control channel, the session
// registry, the preview server and the export pipeline.
type LivePreview struct {
	cfg      *config.Config
	logger   *slog.Logger
	opener   Opener
	notifier Notifier

	registry *session.Registry
	server   *httptransport.PreviewServer
	pipeline *export.Pipeline

	closeOnce sync.Once
}

func NewLivePreview(opts Options) *LivePreview {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	compiler := render.NewCompiler()

	registry := session.NewRegistry(session.Options{
		Compiler:     compiler,
		Logger:       logger,
		Debounce:     cfg.Debounce,
		DisableWatch: opts.DisableWatch,
	})
	server := httptransport.NewPreviewServer(httptransport.Config{
		Addr:    cfg.Addr(),
		CSSFile: cfg.CSSFile,
		JSFile:  cfg.JSFile,
		Logger:  logger,
	}, registry)
	registry.SetPublisher(server)

	pipeline := export.NewPipeline(registry, compiler, export.Toolchain{
		Typesetter: cfg.Typesetter,
		Converter:  cfg.Converter,
		Timeout:    cfg.ExportTimeout,
	}, logger)
	server.SetExporter(pipeline)

	a := &LivePreview{
		cfg:      cfg,
		logger:   logger.With("component", "app"),
		opener:   opts.Opener,
		notifier: opts.Notifier,
		registry: registry,
		server:   server,
		pipeline: pipeline,
	}
	if a.opener == nil {
		a.opener = NewBrowserOpener(cfg.Browser)
	}
	if a.notifier == nil {
		a.notifier = logNotifier{logger: a.logger}
	}
	pipeline.OnDone = a.exportDone
	return a
}

// URL returns the preview server root.
func (a *LivePreview) URL() string {
	return a.server.URL()
}

// Registry exposes the session table.
func (a *LivePreview) Registry() *session.Registry {
	return a.registry
}

// Run binds the preview server and serves notifications from ch until ch
// ends or ctx is done. Only a bind failure is returned as fatal.
func (a *LivePreview) Run(ctx context.Context, ch host.Channel) error {
	if err := a.server.Listen(); err != nil {
		a.notifier.EchoError(fmt.Sprintf("preview server failed to start: %v", err))
		return err
	}
	a.registry.SetBaseURL(a.server.URL())
	a.logger.Info("server started",
		"url", a.server.URL(),
		"browser", a.cfg.Browser,
		"css_file", a.cfg.CSSFile,
		"js_file", a.cfg.JSFile,
		"config_file", a.cfg.File,
	)

	dispatcher := host.NewDispatcher(a, a.logger)
	dispatcher.Report = func(err error) {
		a.notifier.EchoError(err.Error())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Serve(gctx)
	})
	g.Go(func() error {
		// The editor going away ends the process.
		defer cancel()
		err := ch.Run(gctx, dispatcher.Dispatch)
		if err != nil && gctx.Err() == nil {
			a.logger.Warn("control channel ended", "error", err)
		}
		return nil
	})

	err := g.Wait()
	dispatcher.Close()
	a.Close()
	a.logger.Info("stopped")
	return err
}

// Close stops exports, viewers and change notifiers.
func (a *LivePreview) Close() {
	a.closeOnce.Do(func() {
		a.pipeline.Close()
		if err := a.server.Close(); err != nil {
			a.logger.Warn("closing preview server", "error", err)
		}
		a.registry.Close()
	})
}

// Preview opens or reuses the session of path and points the browser at it.
func (a *LivePreview) Preview(ctx context.Context, path string, theme doctree.Theme) error {
	s, created, err := a.registry.Open(ctx, path, theme)
	if err != nil {
		return fmt.Errorf("preview %s: %w", path, err)
	}
	url, err := a.registry.ViewerURL(s.ID)
	if err != nil {
		return err
	}
	if created {
		a.logger.Info("previewing", "path", s.Path, "url", url, "theme", theme)
	}
	if err := a.opener.Open(url); err != nil {
		a.logger.Warn("browser failed", "url", url, "error", err)
		a.notifier.EchoError(fmt.Sprintf("failed to start browser: %v (open %s manually)", err, url))
	}
	return nil
}

// Export queues an export job for path, opening its session if needed.
func (a *LivePreview) Export(ctx context.Context, path string, mode export.Mode) error {
	s, ok := a.registry.Lookup(path)
	if !ok {
		var err error
		s, _, err = a.registry.Open(ctx, path, doctree.ThemeDefault)
		if err != nil {
			return fmt.Errorf("export %s: %w", path, err)
		}
	}
	id, err := a.pipeline.Submit(ctx, s.ID, mode)
	if err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	a.logger.Debug("export queued", "job", id, "path", s.Path, "mode", mode)
	return nil
}

func (a *LivePreview) exportDone(snap export.Snapshot) {
	switch {
	case snap.State == export.StateFailed:
		msg := fmt.Sprintf("export failed: %s", snap.Reason)
		if snap.Detail != "" {
			msg += ": " + snap.Detail
		}
		a.notifier.EchoError(msg)
	case snap.ArtifactFile != "":
		a.notifier.Echo(fmt.Sprintf("exported %s (%d pages)", snap.ArtifactFile, snap.Pages))
	default:
		a.notifier.Echo("exported " + snap.SourceFile)
	}
}
