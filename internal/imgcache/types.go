package imgcache

import (
	"bytes"
	"net/http"
	"strings"
)

type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds

	// Hash is the xxhash of Body; resync skips the write when it is unchanged.
	Hash uint64
}

func (e Entry) clone() Entry {
	out := e
	out.Header = e.Header.Clone()
	out.Body = bytes.Clone(e.Body)
	return out
}

// RequestKey is the cache identity of a request: method and request URI.
func RequestKey(method, uri string) string {
	return method + " " + uri
}

func splitRequestKey(key string) (method, uri string, ok bool) {
	method, uri, ok = strings.Cut(key, " ")
	if !ok || method == "" || !strings.HasPrefix(uri, "/") {
		return "", "", false
	}
	return method, uri, true
}

// Disposition describes how a request was answered. It is reported to
// clients in the X-Imgcache header.
type Disposition string

const (
	DispositionHit            Disposition = "hit"
	DispositionMiss           Disposition = "miss"
	DispositionBypass         Disposition = "bypass"
	DispositionIgnoreByStatus Disposition = "ignore-by-status"
	DispositionPlaceholder    Disposition = "placeholder"
	DispositionBadGateway     Disposition = "bad-gateway"
)
