package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvim-previewer/internal/config"
	"nvim-previewer/internal/errs"
	"nvim-previewer/internal/host"
	"nvim-previewer/internal/logging"
)

type fakeOpener struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (f *fakeOpener) Open(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return f.err
}

func (f *fakeOpener) opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (f *fakeNotifier) Echo(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos = append(f.infos, msg)
}

func (f *fakeNotifier) EchoError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, msg)
}

func (f *fakeNotifier) has(errorsOnly bool, substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.infos
	if errorsOnly {
		list = f.errors
	}
	for _, m := range list {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func testConfig(port int) *config.Config {
	return &config.Config{
		Host:          "127.0.0.1",
		Port:          port,
		Debounce:      20 * time.Millisecond,
		ExportTimeout: 5 * time.Second,
		Typesetter:    []string{"nvim-previewer-missing-typesetter"},
		Converter:     []string{"nvim-previewer-missing-converter"},
	}
}

type running struct {
	app      *LivePreview
	opener   *fakeOpener
	notifier *fakeNotifier
	control  *io.PipeWriter
	done     chan error
}

func start(t *testing.T, opener *fakeOpener) *running {
	t.Helper()
	if opener == nil {
		opener = &fakeOpener{}
	}
	notifier := &fakeNotifier{}
	a := NewLivePreview(Options{
		Config:       testConfig(0),
		Logger:       logging.Discard(),
		Opener:       opener,
		Notifier:     notifier,
		DisableWatch: true,
	})
	pr, pw := io.Pipe()
	r := &running{app: a, opener: opener, notifier: notifier, control: pw, done: make(chan error, 1)}
	go func() { r.done <- a.Run(context.Background(), host.NewLineChannel(pr, logging.Discard())) }()
	t.Cleanup(func() {
		pw.Close()
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return")
		}
	})
	return r
}

func (r *running) send(t *testing.T, kind string, args ...string) {
	t.Helper()
	line, err := json.Marshal(host.Notification{Kind: kind, Args: args})
	require.NoError(t, err)
	_, err = r.control.Write(append(line, '\n'))
	require.NoError(t, err)
}

func writeSource(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestPreviewOpensBrowserAndServesSession(t *testing.T) {
	r := start(t, nil)
	path := writeSource(t, "# Hello\n\nworld\n")

	r.send(t, host.KindPreview, path)
	require.Eventually(t, func() bool { return len(r.opener.opened()) == 1 }, 5*time.Second, 10*time.Millisecond)

	url := r.opener.opened()[0]
	assert.True(t, strings.HasPrefix(url, r.app.URL()+"/session/"))

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Hello</h1>")

	r.send(t, host.KindPreviewAlt, path)
	require.Eventually(t, func() bool { return len(r.opener.opened()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, url, r.opener.opened()[1], "reuse keeps the session address")
	assert.Len(t, r.app.Registry().List(), 1)
}

func TestBrowserFailureIsReported(t *testing.T) {
	r := start(t, &fakeOpener{err: errors.New("no display")})
	path := writeSource(t, "text\n")

	r.send(t, host.KindPreview, path)
	require.Eventually(t, func() bool { return r.notifier.has(true, "failed to start browser") }, 5*time.Second, 10*time.Millisecond)
	_, ok := r.app.Registry().Lookup(path)
	assert.True(t, ok, "the session survives a browser failure")
}

func TestPreviewOfMissingFileIsReported(t *testing.T) {
	r := start(t, nil)
	missing := filepath.Join(t.TempDir(), "gone.md")

	r.send(t, host.KindPreview, missing)
	require.Eventually(t, func() bool { return r.notifier.has(true, "gone.md") }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, r.opener.opened())

	// The channel keeps working.
	path := writeSource(t, "ok\n")
	r.send(t, host.KindPreview, path)
	require.Eventually(t, func() bool { return len(r.opener.opened()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestExportSourceEchoesResult(t *testing.T) {
	r := start(t, nil)
	path := writeSource(t, "# Title\n\n100% done\n")

	r.send(t, host.KindExport, path, "source")
	tex := strings.TrimSuffix(path, ".md") + ".tex"
	require.Eventually(t, func() bool { return r.notifier.has(false, "exported "+tex) }, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(tex)
	require.NoError(t, err)
	assert.Contains(t, string(data), `\section{Title}`)
	assert.Contains(t, string(data), `100\% done`)
	assert.Empty(t, r.opener.opened(), "export does not open a browser")
}

func TestExportFailureEchoesReason(t *testing.T) {
	r := start(t, nil)
	path := writeSource(t, "body\n")

	r.send(t, host.KindExport, path, "pdf")
	require.Eventually(t, func() bool { return r.notifier.has(true, "MissingToolchain") }, 5*time.Second, 10*time.Millisecond)
	_, err := os.Stat(strings.TrimSuffix(path, ".md") + ".pdf")
	assert.True(t, os.IsNotExist(err))
}

func TestRunFailsWhenPortIsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	notifier := &fakeNotifier{}
	a := NewLivePreview(Options{
		Config:       testConfig(port),
		Logger:       logging.Discard(),
		Opener:       &fakeOpener{},
		Notifier:     notifier,
		DisableWatch: true,
	})
	err = a.Run(context.Background(), host.NewLineChannel(strings.NewReader(""), nil))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTransport))
	assert.True(t, notifier.has(true, "preview server failed to start"))
}

func TestRunStopsWhenContextIsCancelled(t *testing.T) {
	a := NewLivePreview(Options{
		Config:       testConfig(0),
		Logger:       logging.Discard(),
		Opener:       &fakeOpener{},
		Notifier:     &fakeNotifier{},
		DisableWatch: true,
	})
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, host.NewLineChannel(pr, nil)) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(a.URL() + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBrowserOpenerCommand(t *testing.T) {
	const url = "http://127.0.0.1:3008/session/x"
	tests := []struct {
		name    string
		command string
		goos    string
		want    []string
		wantErr bool
	}{
		{name: "configured", command: "firefox --new-window", goos: "linux", want: []string{"firefox", "--new-window", url}},
		{name: "linux default", goos: "linux", want: []string{"xdg-open", url}},
		{name: "darwin default", goos: "darwin", want: []string{"open", url}},
		{name: "windows default", goos: "windows", want: []string{"rundll32", "url.dll,FileProtocolHandler", url}},
		{name: "unknown platform", goos: "plan9", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBrowserOpener(tt.command)
			b.goos = tt.goos
			got, err := b.Command(url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBrowserOpenerReportsMissingProgram(t *testing.T) {
	err := NewBrowserOpener("nvim-previewer-no-such-browser").Open("http://127.0.0.1/")
	assert.Error(t, err)
}
