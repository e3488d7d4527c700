package static

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSite(t *testing.T, spa bool) *Server {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"index.html":         "<h1>UK Tamil Awards</h1>",
		"styles.css":         "body{margin:0}",
		"script.js":          "console.log(1)",
		"images/logo.png":    "PNG",
		"gallery/index.html": "<h1>gallery</h1>",
	}
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	s, err := New(Config{Root: root, MaxAge: 24 * time.Hour, SPAFallback: spa}, nil)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServeFileHeaders(t *testing.T) {
	s := newSite(t, true)

	rec := get(t, s, "/styles.css", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body{margin:0}", rec.Body.String())
	assert.Equal(t, "text/css; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=86400", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	rec = get(t, s, "/script.js", nil)
	assert.Equal(t, "application/javascript; charset=utf-8", rec.Header().Get("Content-Type"))
}

func TestETagNotModified(t *testing.T) {
	s := newSite(t, true)

	first := get(t, s, "/images/logo.png", nil)
	require.Equal(t, http.StatusOK, first.Code)
	tag := first.Header().Get("ETag")

	second := get(t, s, "/images/logo.png", map[string]string{"If-None-Match": tag})
	assert.Equal(t, http.StatusNotModified, second.Code)
	assert.Empty(t, second.Body.String())
}

func TestSPAFallback(t *testing.T) {
	s := newSite(t, true)

	rec := get(t, s, "/nominees/2025", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>UK Tamil Awards</h1>", rec.Body.String())

	// missing files with an extension are real 404s
	rec = get(t, s, "/missing.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNoFallback(t *testing.T) {
	s := newSite(t, false)
	rec := get(t, s, "/nominees", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDirectoryIndex(t *testing.T) {
	s := newSite(t, false)
	rec := get(t, s, "/gallery/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<h1>gallery</h1>", rec.Body.String())
}

func TestTraversalStaysInRoot(t *testing.T) {
	s := newSite(t, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.URL.Path = "/../../etc/passwd"
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newSite(t, true)
	req := httptest.NewRequest(http.MethodPost, "/index.html", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(Config{Root: filepath.Join(t.TempDir(), "nope")}, nil)
	require.Error(t, err)
}
