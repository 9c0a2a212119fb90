package host

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"nvim-previewer/internal/doctree"
	"nvim-previewer/internal/export"
)

// Handler performs the work behind notifications.
type Handler interface {
	Preview(ctx context.Context, path string, theme doctree.Theme) error
	Export(ctx context.Context, path string, mode export.Mode) error
}

type task func(ctx context.Context) error

// keyQueue holds at most one waiting task; a newer notification for the same
// key replaces it.
type keyQueue struct {
	pending task
	running bool
}

// Dispatcher coalesces notifications by target. Tasks for one key run one at
// a time, latest wins; distinct keys run in parallel.
type Dispatcher struct {
	handler Handler
	logger  *slog.Logger

	// Report, if set, receives handler failures for out-of-band display.
	Report func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*keyQueue
	wg     sync.WaitGroup
}

func NewDispatcher(handler Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler: handler,
		logger:  logger.With("component", "dispatch"),
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[string]*keyQueue),
	}
}

// Dispatch routes n without blocking. Unknown kinds and malformed arguments
// are logged and dropped.
func (d *Dispatcher) Dispatch(n Notification) {
	key, t, err := d.route(n)
	if err != nil {
		d.logger.Warn("dropping notification", "kind", n.Kind, "args", n.Args, "error", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[key]
	if !ok {
		q = &keyQueue{}
		d.queues[key] = q
	}
	if q.pending != nil {
		d.logger.Debug("coalesced notification", "key", key)
	}
	q.pending = t
	if !q.running {
		q.running = true
		d.wg.Add(1)
		go d.drain(key, q)
	}
}

func (d *Dispatcher) drain(key string, q *keyQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		t := q.pending
		q.pending = nil
		if t == nil {
			q.running = false
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		if err := t(d.ctx); err != nil {
			d.logger.Error("notification failed", "key", key, "error", err)
			if d.Report != nil {
				d.Report(err)
			}
		}
	}
}

func (d *Dispatcher) route(n Notification) (string, task, error) {
	switch n.Kind {
	case KindPreview, KindPreviewAlt:
		path, err := pathArg(n.Args)
		if err != nil {
			return "", nil, err
		}
		theme := doctree.ThemeDefault
		if n.Kind == KindPreviewAlt {
			theme = doctree.ThemeAlt
		}
		return "preview:" + path, func(ctx context.Context) error {
			return d.handler.Preview(ctx, path, theme)
		}, nil

	case KindExport:
		path, err := pathArg(n.Args)
		if err != nil {
			return "", nil, err
		}
		mode := export.ModeArtifact
		if len(n.Args) > 1 {
			if mode, err = export.ParseMode(n.Args[1]); err != nil {
				return "", nil, err
			}
		}
		return "export:" + path, func(ctx context.Context) error {
			return d.handler.Export(ctx, path, mode)
		}, nil
	}
	return "", nil, fmt.Errorf("unknown notification kind %q", n.Kind)
}

func pathArg(args []string) (string, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("missing path argument")
	}
	return filepath.Clean(args[0]), nil
}

// Wait blocks until every queued task ran.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels running tasks and waits for them.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
