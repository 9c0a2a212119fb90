package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvim-previewer/internal/contracts"
	"nvim-previewer/internal/doctree"
	"nvim-previewer/internal/export"
	"nvim-previewer/internal/render"
	"nvim-previewer/internal/session"
)

type fixture struct {
	server   *PreviewServer
	registry *session.Registry
	http     *httptest.Server
	session  *session.Session
}

func newFixture(t *testing.T, body string) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	reg := session.NewRegistry(session.Options{DisableWatch: true, Logger: discardLogger()})
	srv := NewPreviewServer(Config{Logger: discardLogger()}, reg)
	reg.SetPublisher(srv)

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
		reg.Close()
	})
	reg.SetBaseURL(ts.URL)

	s, _, err := reg.Open(context.Background(), path, doctree.ThemeDefault)
	require.NoError(t, err)
	return &fixture{server: srv, registry: reg, http: ts, session: s}
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/session/" + f.session.ID + "/events?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) get(t *testing.T, path string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.http.URL+path, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (f *fixture) edit(t *testing.T, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.session.Path, []byte(body), 0o644))
	require.NoError(t, f.session.Refresh(context.Background()))
}

func readPatch(t *testing.T, conn *websocket.Conn) contracts.PatchMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg contracts.PatchMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, contracts.MessageTypePatch, msg.Type)
	return msg
}

func TestViewerGetsFullThenSplice(t *testing.T) {
	f := newFixture(t, docV1)
	conn := f.dial(t, "format=html")

	first := readPatch(t, conn)
	assert.Equal(t, "full", first.PatchKind)
	assert.Equal(t, uint64(1), first.DocumentVersion)
	assert.Equal(t, "light", first.Payload.Theme)
	require.Len(t, first.Payload.Blocks, 3)

	f.edit(t, docV2)
	second := readPatch(t, conn)
	assert.Equal(t, "splice", second.PatchKind)
	assert.Equal(t, uint64(1), second.BaseVersion)
	assert.Equal(t, uint64(2), second.DocumentVersion)
	assert.Equal(t, []string{"<p>changed</p>"}, second.Payload.Insert)
}

func TestViewerResyncGetsFullDocument(t *testing.T) {
	f := newFixture(t, docV1)
	conn := f.dial(t, "format=html&since=1")
	assert.Equal(t, "full", readPatch(t, conn).PatchKind)

	require.NoError(t, conn.WriteJSON(contracts.IncomingMessage{Type: contracts.MessageTypeResync}))
	msg := readPatch(t, conn)
	assert.Equal(t, "full", msg.PatchKind)
	assert.Equal(t, uint64(1), msg.DocumentVersion)
}

func TestReconnectAfterRestartGetsCurrentDocument(t *testing.T) {
	// A page left open across a restart reconnects with the version it
	// last showed, which the fresh session reuses for other content.
	f := newFixture(t, "# Fresh start\n\nnew process\n")
	conn := f.dial(t, "format=html&since=1")

	msg := readPatch(t, conn)
	assert.Equal(t, "full", msg.PatchKind)
	assert.Equal(t, uint64(1), msg.DocumentVersion)
	require.NotEmpty(t, msg.Payload.Blocks)
	assert.Contains(t, msg.Payload.Blocks[0], "Fresh start")
}

func TestTwoViewersSeeSameSequence(t *testing.T) {
	f := newFixture(t, docV1)
	a := f.dial(t, "format=html")
	b := f.dial(t, "format=html")
	readPatch(t, a)
	readPatch(t, b)

	f.edit(t, docV2)
	f.edit(t, docV3)

	for i := 0; i < 2; i++ {
		pa, pb := readPatch(t, a), readPatch(t, b)
		assert.Equal(t, pa, pb)
		assert.Equal(t, uint64(i+2), pa.DocumentVersion)
	}
}

func TestExportViewerFollowsEdits(t *testing.T) {
	f := newFixture(t, "# Notes\n\n100% done\n")
	conn := f.dial(t, "format=export")

	first := readPatch(t, conn)
	assert.Equal(t, "export", first.Format)
	assert.Contains(t, strings.Join(first.Payload.Blocks, "\n"), `100\% done`)
	assert.Contains(t, f.server.Formats(f.session.ID), render.FormatExport)

	f.edit(t, "# Notes\n\n50% done\n")
	next := readPatch(t, conn)
	assert.Equal(t, "export", next.Format)
	assert.Equal(t, uint64(2), next.DocumentVersion)
}

func TestBannerOnParseFailureKeepsDocument(t *testing.T) {
	f := newFixture(t, docV1)
	conn := f.dial(t, "format=html")
	readPatch(t, conn)

	require.NoError(t, os.Remove(f.session.Path))
	require.Error(t, f.session.Refresh(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg contracts.BannerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, contracts.MessageTypeBanner, msg.Type)
	assert.Equal(t, uint64(1), msg.DocumentVersion)
	assert.NotEmpty(t, msg.Message)
}

func TestCloseSendsClosedMessage(t *testing.T) {
	f := newFixture(t, docV1)
	conn := f.dial(t, "format=html")
	readPatch(t, conn)

	require.NoError(t, f.server.Close())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg contracts.ClosedMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, contracts.MessageTypeClosed, msg.Type)
}

func TestSessionPage(t *testing.T) {
	f := newFixture(t, docV1)

	resp, body := f.get(t, "/session/"+f.session.ID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, `<h1 id="title">Title</h1>`)
	assert.Contains(t, body, `data-session="`+f.session.ID+`"`)
	assert.Contains(t, body, `data-version="1"`)
	assert.Contains(t, body, "<title>notes.md")

	resp, body = f.get(t, "/session/"+f.session.ID+"?format=export")
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, body, `\section{Title}`)

	resp, _ = f.get(t, "/session/unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIndexListsSessions(t *testing.T) {
	f := newFixture(t, docV1)

	resp, body := f.get(t, "/", "Accept", "application/json")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list []contracts.SessionSummary
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list, 1)
	assert.Equal(t, f.session.ID, list[0].ID)
	assert.Equal(t, f.session.Path, list[0].Path)

	_, body = f.get(t, "/")
	assert.Contains(t, body, "/session/"+f.session.ID)
}

func TestAssetsAndStatic(t *testing.T) {
	f := newFixture(t, docV1)
	img := filepath.Join(filepath.Dir(f.session.Path), "pic.png")
	require.NoError(t, os.WriteFile(img, []byte("png-bytes"), 0o644))

	resp, body := f.get(t, render.AssetURL(img))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "png-bytes", body)

	resp, _ = f.get(t, render.AssetURL(filepath.Dir(img)))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.get(t, render.AssetPrefix+"!!!")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.get(t, "/static/client.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "WebSocket")

	resp, body = f.get(t, "/static/chroma-dark.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/css")
	assert.Contains(t, body, ".chroma")

	resp, _ = f.get(t, "/static/chroma-sepia.css")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStaticOverrideFile(t *testing.T) {
	dir := t.TempDir()
	css := filepath.Join(dir, "custom.css")
	require.NoError(t, os.WriteFile(css, []byte("body{color:red}"), 0o644))

	reg := session.NewRegistry(session.Options{DisableWatch: true})
	srv := NewPreviewServer(Config{CSSFile: css, Logger: discardLogger()}, reg)
	defer srv.Close()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/style.css", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{color:red}", rec.Body.String())
}

type fakeExporter struct {
	mu    sync.Mutex
	jobs  map[string]export.Snapshot
	acked []string
}

func (e *fakeExporter) Submit(_ context.Context, sessionID string, mode export.Mode) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := "job-1"
	e.jobs[id] = export.Snapshot{ID: id, SessionID: sessionID, Mode: mode, State: export.StateSucceeded}
	return id, nil
}

func (e *fakeExporter) Status(id string) (export.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, ok := e.jobs[id]
	return snap, ok
}

func (e *fakeExporter) Acknowledge(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.jobs, id)
	e.acked = append(e.acked, id)
}

func TestExportEndpoints(t *testing.T) {
	f := newFixture(t, docV1)

	resp, _ := f.get(t, "/session/"+f.session.ID+"/export")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	exp := &fakeExporter{jobs: make(map[string]export.Snapshot)}
	f.server.SetExporter(exp)

	res, err := http.Post(f.http.URL+"/session/"+f.session.ID+"/export?mode=source", "", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	var snap export.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	assert.Equal(t, "job-1", snap.ID)
	assert.Equal(t, export.ModeSource, snap.Mode)
	assert.Equal(t, f.session.ID, snap.SessionID)

	resp, _ = f.get(t, "/session/"+f.session.ID+"/export?mode=docx")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.get(t, "/jobs/job-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"state":"succeeded"`)
	assert.Equal(t, []string{"job-1"}, exp.acked)

	resp, _ = f.get(t, "/jobs/job-1")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArtifactRoute(t *testing.T) {
	f := newFixture(t, docV1)

	resp, _ := f.get(t, "/session/"+f.session.ID+"/artifact")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	pdf := strings.TrimSuffix(f.session.Path, ".md") + ".pdf"
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.4"), 0o644))
	resp, body := f.get(t, "/session/"+f.session.ID+"/artifact")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "%PDF-1.4", body)
}

func TestListenReportsBindFailure(t *testing.T) {
	reg := session.NewRegistry(session.Options{DisableWatch: true})
	first := NewPreviewServer(Config{Addr: "127.0.0.1:0", Logger: discardLogger()}, reg)
	require.NoError(t, first.Listen())
	defer first.Close()

	addr := strings.TrimPrefix(first.URL(), "http://")
	second := NewPreviewServer(Config{Addr: addr, Logger: discardLogger()}, reg)
	err := second.Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport")
}
