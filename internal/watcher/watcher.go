// Package watcher turns file system events for one source file into
// debounced recompiles.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDelay is the debounce window used when none is configured.
const DefaultDelay = 150 * time.Millisecond

// State is the notifier's position in its Idle -> Debouncing -> Compiling
// cycle.
type State int32

const (
	StateIdle State = iota
	StateDebouncing
	StateCompiling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateCompiling:
		return "compiling"
	default:
		return "unknown"
	}
}

// Handler recompiles the watched file. It is never called concurrently with
// itself.
type Handler func(ctx context.Context) error

// Notifier watches a single file. Signals that arrive while Debouncing reset
// the window; signals that arrive while Compiling schedule exactly one more
// compile after the current one finishes.
type Notifier struct {
	path    string
	dir     string
	delay   time.Duration
	handler Handler
	logger  *slog.Logger

	onDegraded func(error)

	signals  chan struct{}
	state    atomic.Int32
	degraded atomic.Bool

	fsw      *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithDelay sets the debounce window.
func WithDelay(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.delay = d
		}
	}
}

// WithLogger sets the logger for handler and watcher errors.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = l
	}
}

// WithDegradedHook registers fn to run once when the file system watch is
// lost for good.
func WithDegradedHook(fn func(error)) Option {
	return func(n *Notifier) {
		n.onDegraded = fn
	}
}

// New returns a Notifier for path. Call Start to begin watching.
func New(path string, handler Handler, opts ...Option) *Notifier {
	clean := filepath.Clean(path)
	n := &Notifier{
		path:    clean,
		dir:     filepath.Dir(clean),
		delay:   DefaultDelay,
		handler: handler,
		logger:  slog.Default(),
		signals: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "watcher", "path", clean)
	return n
}

// Start watches the parent directory of the file, so editors that save by
// rename keep being observed.
func (n *Notifier) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(n.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watching %s: %w", n.dir, err)
	}
	n.fsw = fsw

	ctx, n.cancel = context.WithCancel(ctx)
	go n.loop(ctx)
	return nil
}

// Signal requests a recompile as if the file had changed.
func (n *Notifier) Signal() {
	select {
	case n.signals <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (n *Notifier) State() State {
	return State(n.state.Load())
}

// Degraded reports whether file system events are no longer delivered.
func (n *Notifier) Degraded() bool {
	return n.degraded.Load()
}

// Stop ends the watch and waits for an in-flight compile to return.
func (n *Notifier) Stop() {
	n.stopOnce.Do(func() {
		if n.cancel == nil {
			close(n.done)
			return
		}
		n.cancel()
		<-n.done
	})
}

func (n *Notifier) loop(ctx context.Context) {
	defer close(n.done)
	defer func() { _ = n.fsw.Close() }()

	timer := time.NewTimer(n.delay)
	timer.Stop()
	defer timer.Stop()

	var (
		wake     <-chan time.Time
		dirty    bool
		rearmed  bool
		compiled = make(chan error, 1)
		events   = n.fsw.Events
		errs     = n.fsw.Errors
	)

	signal := func() {
		switch n.State() {
		case StateIdle, StateDebouncing:
			n.state.Store(int32(StateDebouncing))
			timer.Reset(n.delay)
			wake = timer.C
		case StateCompiling:
			dirty = true
		}
	}

	for {
		select {
		case <-ctx.Done():
			if n.State() == StateCompiling {
				<-compiled
			}
			n.state.Store(int32(StateIdle))
			return

		case ev, ok := <-events:
			if !ok {
				events, errs = nil, nil
				n.degrade(errors.New("event stream closed"))
				continue
			}
			if n.relevant(ev) {
				signal()
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			n.logger.Warn("watch error", "error", err)
			if rearmed || n.rearm() != nil {
				events, errs = nil, nil
				n.degrade(err)
				continue
			}
			rearmed = true

		case <-n.signals:
			signal()

		case <-wake:
			wake = nil
			n.state.Store(int32(StateCompiling))
			go func() {
				compiled <- n.handler(ctx)
			}()

		case err := <-compiled:
			if err != nil {
				n.logger.Error("recompile failed", "error", err)
			}
			n.state.Store(int32(StateIdle))
			if dirty {
				dirty = false
				signal()
			}
		}
	}
}

func (n *Notifier) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	return filepath.Clean(ev.Name) == n.path
}

func (n *Notifier) rearm() error {
	_ = n.fsw.Remove(n.dir)
	if err := n.fsw.Add(n.dir); err != nil {
		n.logger.Warn("re-arming watch failed", "error", err)
		return err
	}
	n.logger.Info("watch re-armed")
	return nil
}

func (n *Notifier) degrade(cause error) {
	if n.degraded.Swap(true) {
		return
	}
	n.logger.Error("file watch degraded; manual refresh only", "error", cause)
	if n.onDegraded != nil {
		n.onDegraded(cause)
	}
}
