// Package config resolves the server configuration from defaults, the
// optional staticserve.yaml file, the PORT environment variable and flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort     = 8000
	DefaultHost     = "0.0.0.0"
	DefaultFileName = "staticserve.yaml"
	StaticDirName   = "static"
	PortEnv         = "PORT"
	// DefaultCacheDir holds the digest index built by the index command
	// when no cacheDir is configured.
	DefaultCacheDir = ".staticserve-cache"
)

var (
	ErrInvalidPort   = errors.New("invalid port")
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUsage wraps flag parsing failures, including flag.ErrHelp.
	ErrUsage         = errors.New("usage error")
)

// Config is the resolved configuration of one server process.
// It is immutable once Load returns.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Root is the document root. Empty in the file means "resolve":
	// ./static if it is a directory, otherwise the working directory.
	Root string `yaml:"root"`

	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	Debounce        time.Duration `yaml:"debounce"`

	Gzip       bool `yaml:"gzip"`
	Minify     bool `yaml:"minify"`
	LiveReload bool `yaml:"liveReload"`

	// CacheDir enables the persistent digest index. Empty keeps it in memory.
	CacheDir string   `yaml:"cacheDir"`
	Hide     []string `yaml:"hide"`
	LogLevel string   `yaml:"logLevel"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		ShutdownTimeout: 5 * time.Second,
		Debounce:        300 * time.Millisecond,
		LogLevel:        "info",
	}
}

// Addr returns the host:port pair to bind.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load builds the configuration for the serve command. workDir is the
// directory the process was started in; args are the command's flags.
func Load(workDir string, args []string) (*Config, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to the config file (default ./"+DefaultFileName+")")
	host := fs.String("host", "", "The host/IP to bind to")
	port := fs.String("port", "", "The port to listen on (overrides $PORT)")
	root := fs.String("root", "", "Directory to serve")
	gzip := fs.Bool("gzip", false, "Enable gzip compression")
	minify := fs.Bool("minify", false, "Minify HTML, CSS and JS responses")
	liveReload := fs.Bool("livereload", false, "Reload browsers when files change")
	cacheDir := fs.String("cache", "", "Directory for the persistent digest index")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUsage, err)
	}

	cfg := Default()

	path := *configPath
	explicit := path != ""
	if !explicit {
		path = filepath.Join(workDir, DefaultFileName)
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv(PortEnv); ok {
		p, err := ParsePort(v)
		if err != nil {
			return nil, fmt.Errorf("%s=%q: %w", PortEnv, v, err)
		}
		cfg.Port = p
	}

	// Flags only override when explicitly set.
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			p, err := ParsePort(*port)
			if err != nil {
				flagErr = fmt.Errorf("-port=%q: %w", *port, err)
				return
			}
			cfg.Port = p
		case "root":
			cfg.Root = *root
		case "gzip":
			cfg.Gzip = *gzip
		case "minify":
			cfg.Minify = *minify
		case "livereload":
			cfg.LiveReload = *liveReload
		case "cache":
			cfg.CacheDir = *cacheDir
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if flagErr != nil {
		return nil, flagErr
	}

	if cfg.Root == "" {
		cfg.Root = ResolveRoot(workDir)
	} else if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(workDir, cfg.Root)
	}
	if cfg.CacheDir != "" && !filepath.IsAbs(cfg.CacheDir) {
		cfg.CacheDir = filepath.Join(workDir, cfg.CacheDir)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// validate rejects values that cannot work and clamps the tunables.
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d out of range", ErrInvalidPort, c.Port)
	}

	info, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("%w: document root: %v", ErrInvalidConfig, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: document root %s is not a directory", ErrInvalidConfig, c.Root)
	}

	for _, p := range c.Hide {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: bad hide pattern %q", ErrInvalidConfig, p)
		}
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.ShutdownTimeout < 1*time.Second {
		c.ShutdownTimeout = 1 * time.Second
	}
	if c.ShutdownTimeout > 60*time.Second {
		c.ShutdownTimeout = 60 * time.Second
	}
	if c.Debounce < 10*time.Millisecond {
		c.Debounce = 10 * time.Millisecond
	}
	if c.Debounce > 5*time.Second {
		c.Debounce = 5 * time.Second
	}
	return nil
}

// ParsePort parses a decimal port number in 0..65535.
func ParsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: not an integer", ErrInvalidPort)
	}
	if p < 0 || p > 65535 {
		return 0, fmt.Errorf("%w: %d out of range", ErrInvalidPort, p)
	}
	return p, nil
}

// ResolveRoot returns workDir/static when it is a directory, else workDir.
func ResolveRoot(workDir string) string {
	static := filepath.Join(workDir, StaticDirName)
	if info, err := os.Stat(static); err == nil && info.IsDir() {
		return static
	}
	return workDir
}

// ParseLevel maps a config log level to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
	}
	return l, nil
}
