package imgcache

import "net/http"

const placeholderSVG = `<svg width="400" height="300" xmlns="http://www.w3.org/2000/svg">` +
	`<rect width="100%" height="100%" fill="#f0f0f0"/>` +
	`<text x="50%" y="50%" text-anchor="middle" dy=".3em" fill="#666">Image not available</text>` +
	`</svg>`

// placeholderEntry is served when an image fetch fails at the transport
// level. It is built fresh for every response and never stored.
func placeholderEntry() Entry {
	h := make(http.Header)
	h.Set("Content-Type", "image/svg+xml")
	h.Set("Cache-Control", "no-store")
	return Entry{
		Status: http.StatusOK,
		Header: h,
		Body:   []byte(placeholderSVG),
	}
}

func badGatewayEntry() Entry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	return Entry{
		Status: http.StatusBadGateway,
		Header: h,
		Body:   []byte("bad gateway\n"),
	}
}
