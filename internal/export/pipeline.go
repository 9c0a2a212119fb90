// Package export turns a session's document into LaTeX source and, on
// request, a typeset PDF.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pdflib "github.com/ledongthuc/pdf"

	"nvim-previewer/internal/errs"
	"nvim-previewer/internal/render"
	"nvim-previewer/internal/session"
)

const (
	texName = "output.tex"
	pdfName = "output.pdf"
	// detailLimit caps the tool output kept on a failed job.
	detailLimit = 2048
)

// Sessions resolves session ids. *session.Registry satisfies it.
type Sessions interface {
	Get(id string) (*session.Session, bool)
}

// Toolchain names the external programs. Typesetter is run in a scratch
// directory with the source file name appended; Converter gets the svg
// path, then "-f pdf -o <out>".
type Toolchain struct {
	Typesetter []string
	Converter  []string
	Timeout    time.Duration
}

// DefaultToolchain is xelatex plus rsvg-convert with a one minute bound.
func DefaultToolchain() Toolchain {
	return Toolchain{
		Typesetter: []string{"xelatex", "-interaction=nonstopmode", "-halt-on-error"},
		Converter:  []string{"rsvg-convert"},
		Timeout:    60 * time.Second,
	}
}

// Pipeline runs export jobs off the preview path. It only reads session
// snapshots.
type Pipeline struct {
	sessions Sessions
	compiler *render.Compiler
	tool     Toolchain
	store    *JobStore
	logger   *slog.Logger

	// OnDone, if set, is called once per job when it reaches a terminal state.
	OnDone func(Snapshot)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPipeline(sessions Sessions, compiler *render.Compiler, tool Toolchain, logger *slog.Logger) *Pipeline {
	if compiler == nil {
		compiler = render.NewCompiler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tool.Timeout <= 0 {
		tool.Timeout = DefaultToolchain().Timeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		sessions: sessions,
		compiler: compiler,
		tool:     tool,
		store:    NewJobStore(time.Hour),
		logger:   logger.With("component", "export"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit queues an export of session sessionID and returns the job id. An
// unknown session yields a job that is already Failed(SessionNotFound).
func (p *Pipeline) Submit(ctx context.Context, sessionID string, mode Mode) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.store.Cleanup()

	job := newJob(uuid.NewString(), sessionID, mode)
	p.store.Put(job)

	s, ok := p.sessions.Get(sessionID)
	if !ok {
		job.fail(ReasonSessionNotFound, "no session "+sessionID)
		p.done(job)
		return job.ID, nil
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(job, s)
	}()
	return job.ID, nil
}

// Status returns the job's current snapshot.
func (p *Pipeline) Status(id string) (Snapshot, bool) {
	job := p.store.Get(id)
	if job == nil {
		return Snapshot{}, false
	}
	return job.Snapshot(), true
}

// Acknowledge drops a terminal job; the requester has seen its outcome.
func (p *Pipeline) Acknowledge(id string) {
	job := p.store.Get(id)
	if job == nil || !job.Snapshot().Terminal() {
		return
	}
	p.store.Delete(id)
}

// Wait blocks until every submitted job finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close cancels running toolchain invocations and waits for jobs to end.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) done(job *Job) {
	snap := job.Snapshot()
	log := p.logger.With("job", snap.ID, "session", snap.SessionID, "mode", snap.Mode)
	if snap.State == StateFailed {
		log.Warn("export failed", "reason", snap.Reason, "detail", snap.Detail)
	} else {
		log.Info("export finished", "source", snap.SourceFile, "artifact", snap.ArtifactFile, "pages", snap.Pages)
	}
	if p.OnDone != nil {
		p.OnDone(snap)
	}
}

// failure is a job-terminating error with its reason.
type failure struct {
	reason Reason
	err    error
}

func (f *failure) Error() string { return f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

func fail(reason Reason, err error) error {
	return &failure{reason: reason, err: err}
}

func (p *Pipeline) run(job *Job, s *session.Session) {
	defer p.done(job)
	job.setState(StateCompiling)

	snap := s.Snapshot()
	base := strings.TrimSuffix(snap.Path, filepath.Ext(snap.Path))

	var (
		sourceFile, artifactFile string
		pages                    int
		err                      error
	)
	switch job.Mode {
	case ModeSource:
		sourceFile = base + ".tex"
		err = p.writeSource(snap, sourceFile)
	default:
		artifactFile = base + ".pdf"
		pages, err = p.typeset(snap, artifactFile)
		if err == nil {
			// The source beside the document references images by their
			// original paths, not the workdir conversions.
			sourceFile = base + ".tex"
			err = p.writeSource(snap, sourceFile)
		}
	}

	if err != nil {
		var f *failure
		if errors.As(err, &f) {
			job.fail(f.reason, f.Error())
		} else {
			job.fail(ReasonWriteFailed, err.Error())
		}
		return
	}
	job.succeed(sourceFile, artifactFile, pages)
}

func (p *Pipeline) writeSource(snap session.Snapshot, dest string) error {
	out, err := p.compiler.Compile(snap.Document, render.FormatExport)
	if err != nil {
		return fail(ReasonWriteFailed, err)
	}
	if err := os.WriteFile(dest, out.Bytes(), 0o644); err != nil {
		return fail(ReasonWriteFailed, errs.IO("write export source", dest, err))
	}
	return nil
}

func (p *Pipeline) typeset(snap session.Snapshot, dest string) (int, error) {
	if _, err := p.lookPath(p.tool.Typesetter); err != nil {
		return 0, err
	}

	workdir, err := os.MkdirTemp("", "nvim-previewer-export-*")
	if err != nil {
		return 0, fail(ReasonWriteFailed, errs.IO("create work dir", "", err))
	}
	defer os.RemoveAll(workdir)

	// svg images are converted to pdf in the work dir since the typesetter
	// cannot embed svg.
	var convErr error
	converted := make(map[string]string)
	resolve := func(abs string) string {
		if !strings.EqualFold(filepath.Ext(abs), ".svg") || convErr != nil {
			return abs
		}
		if out, ok := converted[abs]; ok {
			return out
		}
		out := filepath.Join(workdir, fmt.Sprintf("image-%d.pdf", len(converted)+1))
		args := append(append([]string(nil), p.tool.Converter...), abs, "-f", "pdf", "-o", out)
		if err := p.invoke(workdir, args); err != nil {
			convErr = err
			return abs
		}
		converted[abs] = out
		return out
	}

	out, err := p.compiler.Compile(snap.Document, render.FormatExport, render.WithImageResolver(resolve))
	if err != nil {
		return 0, fail(ReasonWriteFailed, err)
	}
	if convErr != nil {
		return 0, convErr
	}

	texFile := filepath.Join(workdir, texName)
	if err := os.WriteFile(texFile, out.Bytes(), 0o644); err != nil {
		return 0, fail(ReasonWriteFailed, errs.IO("write export source", texFile, err))
	}

	args := append(append([]string(nil), p.tool.Typesetter...), texName)
	if err := p.invoke(workdir, args); err != nil {
		return 0, err
	}

	pdfFile := filepath.Join(workdir, pdfName)
	pages, err := validatePDF(pdfFile)
	if err != nil {
		return 0, fail(ReasonInvalidArtifact, err)
	}
	if err := copyFile(pdfFile, dest); err != nil {
		return 0, fail(ReasonWriteFailed, errs.IO("write artifact", dest, err))
	}
	return pages, nil
}

func (p *Pipeline) lookPath(argv []string) (string, error) {
	if len(argv) == 0 || argv[0] == "" {
		return "", fail(ReasonMissingToolchain, errs.Newf(errs.KindToolchain, "lookup", "", "no program configured"))
	}
	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return "", fail(ReasonMissingToolchain, errs.New(errs.KindToolchain, "lookup", argv[0], err))
	}
	return bin, nil
}

// invoke runs argv in dir, bounded by the toolchain timeout.
func (p *Pipeline) invoke(dir string, argv []string) error {
	bin, err := p.lookPath(argv)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.tool.Timeout)
	defer cancel()

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = 2 * time.Second

	p.logger.Debug("running toolchain", "argv", argv, "dir", dir)
	err = cmd.Run()
	switch {
	case err == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fail(ReasonTimeout, errs.Newf(errs.KindTimeout, argv[0], "", "no result after %s", p.tool.Timeout))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fail(ReasonNonZeroExit, errs.Newf(errs.KindToolchain, argv[0], "", "exit status %d: %s",
			exitErr.ExitCode(), tail(output.String(), detailLimit)))
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return fail(ReasonMissingToolchain, errs.New(errs.KindToolchain, argv[0], "", err))
	}
	return fail(ReasonNonZeroExit, errs.New(errs.KindToolchain, argv[0], "", err))
}

// validatePDF opens path as a PDF and returns its page count.
func validatePDF(path string) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = 0, fmt.Errorf("malformed %s: %v", filepath.Base(path), r)
		}
	}()
	f, reader, err := pdflib.Open(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	pages = reader.NumPage()
	if pages < 1 {
		return 0, fmt.Errorf("%s has no pages", filepath.Base(path))
	}
	return pages, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
