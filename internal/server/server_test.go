package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/staticserve/internal/config"
	"github.com/Kush-Singh-26/staticserve/internal/digest"
	"github.com/Kush-Singh-26/staticserve/internal/testutil"
)

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Root = root
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Debounce = 20 * time.Millisecond
	return cfg
}

// startServer binds and serves in the background until the test ends.
func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	s.Out = io.Discard
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve() did not return after cancel")
		}
	})
	return s
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body failed: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServer_ServesStaticDir(t *testing.T) {
	dir := testutil.WriteTree(t, t.TempDir(), map[string]string{
		"static/index.html": "<h1>hi</h1>",
		"outside.txt":       "outside",
	})
	s := startServer(t, testConfig(t, config.ResolveRoot(dir)))

	status, body := get(t, s.URL()+"/")
	if status != http.StatusOK || !strings.Contains(body, "<h1>hi</h1>") {
		t.Errorf("GET / = %d %q, want static/index.html", status, body)
	}

	status, _ = get(t, s.URL()+"/outside.txt")
	if status != http.StatusNotFound {
		t.Errorf("GET /outside.txt = %d, want 404 when static/ is the root", status)
	}
}

func TestServer_ServesWorkingDirWithoutStatic(t *testing.T) {
	dir := testutil.WriteTree(t, t.TempDir(), map[string]string{
		"hello.txt": "hello",
	})
	s := startServer(t, testConfig(t, config.ResolveRoot(dir)))

	status, body := get(t, s.URL()+"/hello.txt")
	if status != http.StatusOK || body != "hello" {
		t.Errorf("GET /hello.txt = %d %q", status, body)
	}

	status, _ = get(t, s.URL()+"/nope")
	if status != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", status)
	}
}

func TestServer_RawTraversalRequest(t *testing.T) {
	dir := testutil.WriteTree(t, t.TempDir(), map[string]string{
		"secret.txt":        "top secret",
		"static/index.html": "<h1>hi</h1>",
	})
	s := startServer(t, testConfig(t, config.ResolveRoot(dir)))

	// Write the request line by hand so no client cleans the path first.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_, _ = fmt.Fprintf(conn, "GET /../secret.txt HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n")

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK || bytes.Contains(body, []byte("top secret")) {
		t.Errorf("traversal returned %d %q", resp.StatusCode, body)
	}
}

func TestServer_PortFromEnv(t *testing.T) {
	// Find a free port, release it, and hand it to the server through PORT.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	dir := testutil.WriteTree(t, t.TempDir(), map[string]string{"index.html": "<h1>hi</h1>"})
	t.Setenv(config.PortEnv, fmt.Sprint(port))
	cfg, err := config.Load(dir, []string{"-host", "127.0.0.1"})
	if err != nil {
		t.Fatalf("config.Load() failed: %v", err)
	}

	s := startServer(t, cfg)
	if s.Port() != port {
		t.Errorf("Port() = %d, want %d", s.Port(), port)
	}
	status, body := get(t, fmt.Sprintf("http://localhost:%d/", port))
	if status != http.StatusOK || !strings.Contains(body, "<h1>hi</h1>") {
		t.Errorf("GET / = %d %q", status, body)
	}
}

func TestServer_Port9191(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:9191")
	if err != nil {
		t.Skipf("port 9191 unavailable: %v", err)
	}
	_ = probe.Close()

	dir := testutil.WriteTree(t, t.TempDir(), map[string]string{"index.html": "<h1>hi</h1>"})
	cfg := testConfig(t, dir)
	cfg.Host = config.DefaultHost
	cfg.Port = 9191
	startServer(t, cfg)

	status, body := get(t, "http://localhost:9191/")
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if !strings.Contains(body, "<h1>hi</h1>") {
		t.Errorf("body = %q, want <h1>hi</h1>", body)
	}
}

func TestServer_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() { _ = busy.Close() }()

	cfg := testConfig(t, t.TempDir())
	cfg.Port = busy.Addr().(*net.TCPAddr).Port

	s, err := New(cfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	err = s.Listen()
	if !errors.Is(err, ErrBind) {
		t.Errorf("Listen() = %v, want ErrBind", err)
	}

	if err := s.Serve(context.Background()); err == nil {
		t.Error("Serve() without a listener should fail")
	}
}

func TestServer_RunBindFailureClosesWatcher(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() { _ = busy.Close() }()

	cfg := testConfig(t, t.TempDir())
	cfg.Port = busy.Addr().(*net.TCPAddr).Port
	cfg.LiveReload = true

	s, err := New(cfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	s.Out = io.Discard
	hub := s.hub
	if hub == nil {
		t.Fatal("live reload hub should be created")
	}

	if err := s.Run(context.Background()); !errors.Is(err, ErrBind) {
		t.Fatalf("Run() = %v, want ErrBind", err)
	}
	if s.hub != nil {
		t.Error("hub should be released after a failed bind")
	}
	select {
	case <-hub.done:
	default:
		t.Error("watcher should be closed after a failed bind")
	}
}

func TestServer_HidesCacheInsideRoot(t *testing.T) {
	dir := testutil.WriteTree(t, t.TempDir(), map[string]string{"index.html": "<h1>hi</h1>"})
	cfg := testConfig(t, dir)
	cfg.CacheDir = filepath.Join(dir, "cache")

	index, err := digest.Open(cfg.CacheDir)
	if err != nil {
		t.Fatalf("digest.Open() failed: %v", err)
	}
	defer func() { _ = index.Close() }()

	s, err := New(cfg, index, discardLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	for _, p := range []string{"/cache/", "/cache/" + digest.DBFileName} {
		if rec := do(s.Handler(), http.MethodGet, p, nil); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", p, rec.Code)
		}
	}
}

func TestServer_RunAnnouncesAndStops(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	s, err := New(cfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	var out bytes.Buffer
	s.Out = &out

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, fmt.Sprintf("Server running at http://localhost:%d", s.Port())) {
		t.Errorf("output should announce the URL:\n%s", text)
	}
	if !strings.Contains(text, "Server stopped") {
		t.Errorf("output should report the stop:\n%s", text)
	}
}

func TestServer_GzipAndMetrics(t *testing.T) {
	dir := testutil.WriteTree(t, t.TempDir(), map[string]string{
		"big.html": strings.Repeat("<p>lorem ipsum</p>\n", 500),
	})
	cfg := testConfig(t, dir)
	cfg.Gzip = true
	s := startServer(t, cfg)

	req, _ := http.NewRequest(http.MethodGet, s.URL()+"/big.html", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", resp.Header.Get("Content-Encoding"))
	}
	// The counters are recorded after the handler returns, which can race the
	// client finishing its read.
	deadline := time.Now().Add(2 * time.Second)
	for s.Metrics().Snapshot().Requests < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.Metrics().Snapshot().Requests; got != 1 {
		t.Errorf("Requests = %d, want 1", got)
	}
}

func TestServer_PersistentDigestIndex(t *testing.T) {
	dir := testutil.WriteTree(t, t.TempDir(), map[string]string{"a.css": "body{}"})
	cacheDir := t.TempDir()
	index, err := digest.Open(cacheDir)
	if err != nil {
		t.Fatalf("digest.Open() failed: %v", err)
	}
	defer func() { _ = index.Close() }()
	testutil.AssertFileExists(t, afero.NewOsFs(), filepath.Join(cacheDir, digest.DBFileName))

	s, err := New(testConfig(t, dir), index, discardLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	s.Out = io.Discard

	rec := do(s.Handler(), http.MethodGet, "/a.css", nil)
	if rec.Header().Get("ETag") == "" {
		t.Fatal("response should carry an ETag")
	}
	if _, ok := index.Lookup("a.css"); !ok {
		t.Error("digest should be recorded in the shared index")
	}
}

func TestServer_LiveReload(t *testing.T) {
	dir := testutil.WriteTree(t, t.TempDir(), map[string]string{
		"index.html": "<html><body>v1</body></html>",
	})
	cfg := testConfig(t, dir)
	cfg.LiveReload = true
	s := startServer(t, cfg)

	if s.hub == nil {
		t.Fatal("live reload hub should be running")
	}

	_, page := get(t, s.URL()+"/")
	if !strings.Contains(page, ReloadPath) {
		t.Errorf("page should include the reload script:\n%s", page)
	}

	resp, err := http.Get(s.URL() + ReloadPath)
	if err != nil {
		t.Fatalf("GET %s failed: %v", ReloadPath, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := make(chan string, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "data: ") {
				events <- strings.TrimPrefix(line, "data: ")
			}
		}
		close(events)
	}()

	expect := func(want string) {
		t.Helper()
		select {
		case got, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed, want %q", want)
			}
			if got != want {
				t.Fatalf("event = %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	expect("connected")
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html><body>v2</body></html>"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	expect("reload")
}
