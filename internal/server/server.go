// Package server binds the listening socket and serves the document root
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Kush-Singh-26/staticserve/internal/config"
	"github.com/Kush-Singh-26/staticserve/internal/digest"
	"github.com/Kush-Singh-26/staticserve/internal/metrics"
)

// ErrBind is returned when the listening socket cannot be bound.
var ErrBind = errors.New("bind failed")

// Server is one static file server process.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	index   *digest.Index
	metrics *metrics.ServeMetrics
	hub     *reloadHub
	handler http.Handler

	httpServer *http.Server
	listener   net.Listener

	// Out receives the user-facing lifecycle lines.
	Out io.Writer
}

// New wires the handler chain for cfg. index may be nil for an in-memory
// digest index.
func New(cfg *config.Config, index *digest.Index, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if index == nil {
		index = digest.NewMemory()
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		index:   index,
		metrics: metrics.NewServeMetrics(),
		Out:     os.Stdout,
	}

	files := http.Handler(NewHandler(RootFs(cfg.Root), HandlerOptions{
		Index:      index,
		Hide:       cfg.Hide,
		Private:    PrivatePaths(cfg.Root, cfg.CacheDir, filepath.Join(cfg.Root, config.DefaultCacheDir)),
		Minify:     cfg.Minify,
		LiveReload: cfg.LiveReload,
		Logger:     logger,
	}))

	if cfg.Gzip {
		gz, err := withGzip(files)
		if err != nil {
			return nil, fmt.Errorf("failed to set up gzip: %w", err)
		}
		files = gz
	}

	if cfg.LiveReload {
		hub, err := newReloadHub(cfg.Root, cfg.Debounce, index, logger)
		if err != nil {
			logger.Warn("Live reload disabled", "error", err)
		} else {
			s.hub = hub
		}
	}

	hub := s.hub
	dispatch := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hub != nil && r.URL.Path == ReloadPath {
			hub.ServeHTTP(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})

	s.handler = withLogging(dispatch, s.metrics, logger)
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

// Handler returns the full handler chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Metrics returns the request counters.
func (s *Server) Metrics() *metrics.ServeMetrics {
	return s.metrics
}

// Listen binds the TCP socket. Errors wrap ErrBind.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBind, s.cfg.Addr(), err)
	}
	s.listener = ln
	return nil
}

// Port returns the bound port, which differs from the configured one when
// that was 0.
func (s *Server) Port() int {
	if s.listener == nil {
		return s.cfg.Port
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.cfg.Port
}

// URL is the address users can open in a browser.
func (s *Server) URL() string {
	return fmt.Sprintf("http://localhost:%d", s.Port())
}

// Serve accepts connections until ctx is cancelled, then shuts down
// gracefully within the configured timeout. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	if s.hub != nil {
		s.hub.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		s.closeHub()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	_, _ = fmt.Fprintln(s.Out, "\n🛑 Shutting down server...")
	// Close the hub first so open SSE streams see their watcher go away.
	s.closeHub()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown error", "error", err)
		_ = s.httpServer.Close()
	}
	<-errCh
	return nil
}

// Run binds, announces the URL and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		s.closeHub()
		return err
	}

	_, _ = fmt.Fprintf(s.Out, "🌍 Server running at %s\n", s.URL())
	s.logger.Info("Serving",
		"root", s.cfg.Root,
		"addr", s.listener.Addr().String(),
		"persistentIndex", s.index.Persistent(),
	)
	if s.hub != nil {
		_, _ = fmt.Fprintf(s.Out, "   (Auto-reload enabled via %s)\n", ReloadPath)
	}

	if err := s.Serve(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(s.Out, s.metrics.String())
	_, _ = fmt.Fprintln(s.Out, "✅ Server stopped.")
	return nil
}

func (s *Server) closeHub() {
	if s.hub == nil {
		return
	}
	if err := s.hub.Close(); err != nil {
		s.logger.Warn("Failed to close file watcher", "error", err)
	}
	s.hub = nil
}
