package server

import (
	"bytes"
	"errors"
	"html/template"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/Kush-Singh-26/staticserve/internal/digest"
)

const notFoundPage = "/404.html"

// HandlerOptions tunes a Handler. The zero value serves files unchanged.
type HandlerOptions struct {
	// Index caches content digests for ETags. nil uses a private in-memory index.
	Index *digest.Index
	// Hide lists doublestar patterns of paths that are never served or listed.
	Hide []string
	// Private lists slash-separated paths, relative to the root, that are
	// hidden along with everything below them. Used for the digest cache.
	Private []string
	// Minify enables on-the-fly minification of HTML, CSS and JS.
	Minify bool
	// LiveReload injects the reload script into HTML responses.
	LiveReload bool
	Logger     *slog.Logger
}

// Handler serves files and directory listings from a filesystem rooted at
// the document root. Every path it opens is relative to that root.
type Handler struct {
	fs       afero.Fs
	index    *digest.Index
	hider    hider
	minifier *minifier
	reload   bool
	logger   *slog.Logger
}

// NewHandler serves fsys, whose "/" is the document root.
func NewHandler(fsys afero.Fs, opts HandlerOptions) *Handler {
	h := &Handler{
		fs:     fsys,
		index:  opts.Index,
		hider:  hider{patterns: opts.Hide, private: opts.Private},
		reload: opts.LiveReload,
		logger: opts.Logger,
	}
	if h.index == nil {
		h.index = digest.NewMemory()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if opts.Minify {
		h.minifier = newMinifier()
	}
	return h
}

// RootFs returns a read-only filesystem jailed to root.
func RootFs(root string) afero.Fs {
	return afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), root))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "405 - Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	name := normalizeRequestPath(r.URL.Path)

	if _, err := validatePath("/", name); err != nil {
		h.logger.Debug("Rejected path", "path", r.URL.Path, "error", err)
		http.Error(w, "403 - Forbidden: Invalid path", http.StatusForbidden)
		return
	}

	if h.hider.hidden(name) {
		h.notFound(w, r)
		return
	}

	info, err := h.fs.Stat(name)
	if err != nil {
		h.statError(w, r, name, err)
		return
	}

	if !info.IsDir() {
		h.serveFile(w, r, name, info)
		return
	}

	// Directory URLs end in a slash so relative links in the page resolve.
	if !strings.HasSuffix(r.URL.Path, "/") {
		localRedirect(w, r, name+"/")
		return
	}

	index := path.Join(name, "index.html")
	// A hidden index.html falls through to the listing, which omits it too.
	if ii, err := h.fs.Stat(index); err == nil && !ii.IsDir() && !h.hider.hidden(index) {
		h.serveFile(w, r, index, ii)
		return
	}
	h.serveListing(w, r, name)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, name string, info fs.FileInfo) {
	f, err := h.fs.Open(name)
	if err != nil {
		h.statError(w, r, name, err)
		return
	}
	defer func() { _ = f.Close() }()

	ctype := contentType(name)
	w.Header().Set("Content-Type", ctype)
	setCacheHeaders(w, path.Base(name), ctype)

	var content io.ReadSeeker = f
	etagSuffix := ""
	if h.transforms(ctype) {
		data, err := io.ReadAll(f)
		if err != nil {
			h.logger.Warn("Failed to read file", "path", name, "error", err)
			http.Error(w, "500 - Internal Server Error", http.StatusInternalServerError)
			return
		}
		content = bytes.NewReader(h.transform(name, ctype, data))
		etagSuffix = "-t"
	}

	if sum, err := h.index.Digest(h.fs, name, info); err == nil {
		w.Header().Set("ETag", `"`+sum[:32]+etagSuffix+`"`)
	} else {
		h.logger.Warn("Failed to compute digest", "path", name, "error", err)
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), content)
}

func (h *Handler) transforms(ctype string) bool {
	mt := mediaType(ctype)
	if h.minifier != nil && h.minifier.supports(mt) {
		return true
	}
	return h.reload && mt == "text/html"
}

func (h *Handler) transform(name, ctype string, data []byte) []byte {
	mt := mediaType(ctype)
	if h.minifier != nil && h.minifier.supports(mt) {
		out, err := h.minifier.bytes(mt, data)
		if err != nil {
			h.logger.Debug("Minify failed, serving original", "path", name, "error", err)
		}
		data = out
	}
	if h.reload && mt == "text/html" {
		data = injectReloadScript(data)
	}
	return data
}

func (h *Handler) serveListing(w http.ResponseWriter, r *http.Request, name string) {
	infos, err := afero.ReadDir(h.fs, name)
	if err != nil {
		h.statError(w, r, name, err)
		return
	}

	page := buildListing(name, infos, h.hider)
	if h.reload {
		page.Reload = template.HTML(reloadScript)
	}

	var buf bytes.Buffer
	if err := listingTemplate.Execute(&buf, page); err != nil {
		h.logger.Warn("Failed to render listing", "path", name, "error", err)
		http.Error(w, "500 - Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	setNoCache(w)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) statError(w http.ResponseWriter, r *http.Request, name string, err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		h.notFound(w, r)
	case errors.Is(err, fs.ErrPermission):
		h.logger.Debug("Permission denied", "path", name, "error", err)
		http.Error(w, "403 - Forbidden", http.StatusForbidden)
	default:
		h.logger.Warn("Failed to stat path", "path", name, "error", err)
		http.Error(w, "500 - Internal Server Error", http.StatusInternalServerError)
	}
}

// notFound answers 404, using the site's /404.html as the body when present.
func (h *Handler) notFound(w http.ResponseWriter, r *http.Request) {
	if content, err := afero.ReadFile(h.fs, notFoundPage); err == nil {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		setNoCache(w)
		w.WriteHeader(http.StatusNotFound)
		if r.Method != http.MethodHead {
			if h.reload {
				content = injectReloadScript(content)
			}
			_, _ = w.Write(content)
		}
		return
	}
	http.Error(w, "404 - Page Not Found", http.StatusNotFound)
}

// setCacheHeaders adds cache headers: long-lived for hashed assets, none for HTML.
func setCacheHeaders(w http.ResponseWriter, filename, ctype string) {
	switch {
	case isHashedAsset(filename):
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	case mediaType(ctype) == "text/html":
		setNoCache(w)
	default:
		w.Header().Set("Cache-Control", "public, max-age=60")
	}
}

func setNoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

// localRedirect gives a Moved Permanently response, keeping the query.
func localRedirect(w http.ResponseWriter, r *http.Request, newPath string) {
	if q := r.URL.RawQuery; q != "" {
		newPath += "?" + q
	}
	w.Header().Set("Location", newPath)
	w.WriteHeader(http.StatusMovedPermanently)
}

var _ http.Handler = (*Handler)(nil)
