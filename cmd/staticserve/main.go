package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/Kush-Singh-26/staticserve/internal/config"
	"github.com/Kush-Singh-26/staticserve/internal/digest"
	"github.com/Kush-Singh-26/staticserve/internal/server"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	command := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
		args = args[1:]
	}

	wd, err := os.Getwd()
	if err != nil {
		fail(stderr, "Failed to get working directory: %v", err)
		return exitError
	}

	switch command {
	case "serve":
		return serve(ctx, wd, args, stdout, stderr)
	case "index":
		return index(ctx, wd, args, stdout, stderr)
	case "help":
		printUsage(stdout)
		return exitOK
	default:
		fail(stderr, "Unknown command: %s", command)
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: staticserve [command] [flags]")
	_, _ = fmt.Fprintln(w, "\nCommands:")
	_, _ = fmt.Fprintln(w, "  serve          Serve the document root (default)")
	_, _ = fmt.Fprintln(w, "  index          Pre-compute content digests into the cache")
	_, _ = fmt.Fprintln(w, "  help           Show this help message")
	_, _ = fmt.Fprintln(w, "\nFlags:")
	_, _ = fmt.Fprintln(w, "  -config <file>      Config file (default ./"+config.DefaultFileName+")")
	_, _ = fmt.Fprintln(w, "  -host <addr>        Bind address (default "+config.DefaultHost+")")
	_, _ = fmt.Fprintln(w, "  -port <n>           Bind port (default $"+config.PortEnv+" or 8000)")
	_, _ = fmt.Fprintln(w, "  -root <dir>         Document root (default ./static or .)")
	_, _ = fmt.Fprintln(w, "  -gzip               Compress responses")
	_, _ = fmt.Fprintln(w, "  -minify             Minify HTML, CSS and JS")
	_, _ = fmt.Fprintln(w, "  -livereload         Reload browsers on file changes")
	_, _ = fmt.Fprintln(w, "  -cache <dir>        Persist the digest index")
	_, _ = fmt.Fprintln(w, "  -log-level <level>  debug, info, warn or error")
}

func fail(stderr io.Writer, format string, a ...any) {
	_, _ = color.New(color.FgRed).Fprintf(stderr, "❌ "+format+"\n", a...)
}

// setup resolves the configuration and the logger shared by every command.
// A nil config means the command is done and code is the exit status.
func setup(wd string, args []string, stderr io.Writer) (*config.Config, *slog.Logger, int) {
	cfg, err := config.Load(wd, args)
	if err != nil {
		switch {
		case errors.Is(err, flag.ErrHelp):
			printUsage(stderr)
			return nil, nil, exitOK
		case errors.Is(err, config.ErrUsage):
			fail(stderr, "%v", err)
			return nil, nil, exitUsage
		default:
			fail(stderr, "Configuration error: %v", err)
			return nil, nil, exitError
		}
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		fail(stderr, "Configuration error: %v", err)
		return nil, nil, exitError
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, exitOK
}

func serve(ctx context.Context, wd string, args []string, stdout, stderr io.Writer) int {
	cfg, logger, code := setup(wd, args, stderr)
	if cfg == nil {
		return code
	}

	idx := digest.NewMemory()
	if cfg.CacheDir != "" {
		var err error
		idx, err = digest.Open(cfg.CacheDir)
		if err != nil {
			fail(stderr, "Failed to open digest index: %v", err)
			return exitError
		}
		defer func() { _ = idx.Close() }()
	}

	srv, err := server.New(cfg, idx, logger)
	if err != nil {
		fail(stderr, "%v", err)
		return exitError
	}
	srv.Out = stdout

	if err := srv.Run(ctx); err != nil {
		if errors.Is(err, server.ErrBind) {
			fail(stderr, "Failed to start server: %v", err)
		} else {
			fail(stderr, "Server error: %v", err)
		}
		return exitError
	}
	return exitOK
}

func index(ctx context.Context, wd string, args []string, stdout, stderr io.Writer) int {
	cfg, logger, code := setup(wd, args, stderr)
	if cfg == nil {
		return code
	}

	dir := cfg.CacheDir
	if dir == "" {
		dir = filepath.Join(wd, config.DefaultCacheDir)
	}

	idx, err := digest.Open(dir)
	if err != nil {
		fail(stderr, "Failed to open digest index: %v", err)
		return exitError
	}
	defer func() { _ = idx.Close() }()

	_, _ = fmt.Fprintf(stdout, "🔍 Indexing %s...\n", cfg.Root)

	// The cache is never indexed when it lives inside the root.
	skip := server.HiddenFunc(cfg.Hide, server.PrivatePaths(cfg.Root, dir))

	res, err := idx.Warm(ctx, server.RootFs(cfg.Root), 0, skip)
	if err != nil {
		fail(stderr, "Indexing failed: %v", err)
		return exitError
	}
	for _, e := range res.Errors {
		logger.Warn("Failed to hash file", "error", e)
	}

	stats := idx.Stats()
	_, _ = fmt.Fprintln(stdout, "════════════════════════════════════════")
	_, _ = fmt.Fprintf(stdout, "Files:      %d (%s)\n", res.Files, humanize.Bytes(uint64(res.Bytes)))
	_, _ = fmt.Fprintf(stdout, "Skipped:    %d\n", res.Skipped)
	_, _ = fmt.Fprintf(stdout, "Errors:     %d\n", len(res.Errors))
	_, _ = fmt.Fprintf(stdout, "Entries:    %d\n", stats.Entries)
	_, _ = fmt.Fprintf(stdout, "Reused:     %d (%.1f%%)\n", stats.Hits, stats.HitRate())
	_, _ = fmt.Fprintf(stdout, "Workers:    %d\n", res.Workers)
	_, _ = fmt.Fprintf(stdout, "Duration:   %v\n", res.Duration)
	_, _ = fmt.Fprintf(stdout, "Database:   %s\n", filepath.Join(dir, digest.DBFileName))

	if len(res.Errors) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n⚠️  %d files could not be hashed\n", len(res.Errors))
		return exitError
	}
	_, _ = fmt.Fprintln(stdout, "\n✅ Index complete")
	return exitOK
}
