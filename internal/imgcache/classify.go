package imgcache

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// classifier decides which requests are image fetches. Browsers announce the
// request destination in Sec-Fetch-Dest; the extension and Accept checks
// cover clients that do not send it.
type classifier struct {
	exts   map[string]struct{}
	accept bool
}

func newClassifier(exts []string, accept bool) classifier {
	m := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		m[strings.ToLower(e)] = struct{}{}
	}
	return classifier{exts: m, accept: accept}
}

func (c classifier) IsImage(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "image") {
		return true
	}
	if ext := strings.ToLower(path.Ext(r.URL.Path)); ext != "" {
		if _, ok := c.exts[ext]; ok {
			return true
		}
	}
	if c.accept {
		return acceptsImageFirst(r.Header.Get("Accept"))
	}
	return false
}

// acceptsImageFirst reports whether the first media range of an Accept header
// is an image type. Browsers list image/avif,image/webp,... first for <img>.
func acceptsImageFirst(accept string) bool {
	first, _, _ := strings.Cut(accept, ",")
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(first))
	if err != nil {
		return false
	}
	return strings.HasPrefix(mt, "image/")
}
