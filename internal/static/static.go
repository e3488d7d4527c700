// Package static serves the event site's files: long-lived cache headers,
// ETags, explicit script/style content types and an index.html fallback for
// client-side routes.
package static

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

type Config struct {
	Root        string
	MaxAge      time.Duration
	SPAFallback bool
}

var contentTypes = map[string]string{
	".css": "text/css; charset=utf-8",
	".js":  "application/javascript; charset=utf-8",
}

type Server struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("static root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("static root %s is not a directory", root)
	}
	cfg.Root = root
	return &Server{cfg: cfg, log: log}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Cleaning a rooted path drops every ".." so the result stays under Root.
	urlPath := path.Clean("/" + r.URL.Path)
	name, fi, err := s.resolve(urlPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		s.log.Warn("static lookup failed", zap.String("path", urlPath), zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	f, err := os.Open(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("Cache-Control", "public, max-age="+strconv.Itoa(int(s.cfg.MaxAge/time.Second)))
	h.Set("ETag", etag(fi))
	if ct, ok := contentTypes[filepath.Ext(name)]; ok {
		h.Set("Content-Type", ct)
	}
	s.log.Debug("static", zap.String("path", urlPath), zap.String("file", name))

	// ServeContent answers If-None-Match with 304 using the ETag set above.
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

// resolve maps a cleaned URL path to a regular file. Directories resolve to
// their index.html; missing extensionless paths fall back to the root
// index.html when SPAFallback is set.
func (s *Server) resolve(urlPath string) (string, fs.FileInfo, error) {
	name := filepath.Join(s.cfg.Root, filepath.FromSlash(urlPath))
	fi, err := os.Stat(name)
	if err == nil && fi.IsDir() {
		name = filepath.Join(name, "index.html")
		fi, err = os.Stat(name)
	}
	if err == nil {
		if !fi.Mode().IsRegular() {
			return "", nil, fs.ErrNotExist
		}
		return name, fi, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || !s.cfg.SPAFallback || path.Ext(urlPath) != "" {
		return "", nil, err
	}

	name = filepath.Join(s.cfg.Root, "index.html")
	fi, err = os.Stat(name)
	if err != nil {
		return "", nil, err
	}
	return name, fi, nil
}

func etag(fi fs.FileInfo) string {
	sum := xxhash.Sum64String(strconv.FormatInt(fi.Size(), 10) + "-" + strconv.FormatInt(fi.ModTime().UnixNano(), 10))
	return `"` + strconv.FormatUint(sum, 16) + `"`
}
