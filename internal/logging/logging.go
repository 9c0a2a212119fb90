// Package logging writes structured logs to a per-day file. Stdout carries
// the editor RPC stream, so nothing is ever logged there.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const filePrefix = "nvim-previewer"

// FileName returns the log file name for day t.
func FileName(t time.Time) string {
	return fmt.Sprintf("%s.%s.log", filePrefix, t.Format("2006-01-02"))
}

// DailyWriter appends to <dir>/nvim-previewer.YYYY-MM-DD.log and switches
// files when the date changes. Old files are left alone.
type DailyWriter struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewDailyWriter creates dir if needed and opens today's file.
func NewDailyWriter(dir string) (*DailyWriter, error) {
	return newDailyWriter(dir, time.Now)
}

func newDailyWriter(dir string, now func() time.Time) (*DailyWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &DailyWriter{dir: dir, now: now}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(now()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *DailyWriter) rotate(t time.Time) error {
	day := t.Format("2006-01-02")
	if w.file != nil && day == w.day {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(w.dir, FileName(t)), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if w.file != nil {
		_ = w.file.Close()
	}
	w.file = f
	w.day = day
	return nil
}

func (w *DailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(w.now()); err != nil {
		return 0, err
	}
	return w.file.Write(p)
}

func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// New returns a text slog logger over a DailyWriter in dir and points the
// standard library logger at the same file. The caller closes the writer.
func New(dir string, level slog.Level) (*slog.Logger, io.Closer, error) {
	w, err := NewDailyWriter(dir)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	log.SetOutput(w)
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[nvim-previewer] ")
	return logger, w, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
