package imgcache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher is the network side of the proxy. A returned error means the
// request never produced a response; any HTTP status is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (Entry, error)
}

type originFetcher struct {
	origin string
	client *http.Client
}

// NewOriginFetcher forwards requests to origin (scheme://host[:port]) with
// the inbound method, request URI, headers and body.
func NewOriginFetcher(origin string, timeout time.Duration) Fetcher {
	return &originFetcher{
		origin: strings.TrimRight(origin, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (f *originFetcher) Fetch(ctx context.Context, r *http.Request) (Entry, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, f.origin+r.URL.RequestURI(), body)
	if err != nil {
		return Entry{}, err
	}
	req.Header = outboundHeader(r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if r.ContentLength > 0 {
		req.ContentLength = r.ContentLength
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, err
	}

	ent := Entry{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   b,
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func (f *originFetcher) CloseIdleConnections() {
	f.client.CloseIdleConnections()
}

// hopByHopHeaders describe one connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// outboundHeader is what the origin sees of an inbound request header: Host
// and the hop-by-hop fields are dropped, together with any field the client
// named in Connection.
func outboundHeader(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, v := range in.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	out.Del("Host")
	return out
}
