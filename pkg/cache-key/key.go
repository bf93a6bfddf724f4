package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
)

const methodSeparator = ":"

// ErrMalformedKey is returned when a key cannot be turned back into a request.
var ErrMalformedKey = errors.New("malformed key")

// Key returns the bucket key for a request.
// Buckets are scoped per origin and version already, so the key only
// depends on the method and the request URI (path and query).
// The path is cleaned first, so "/static/./a.png" and "/static/a.png" share a key.
func Key(r *http.Request) string {
	u := *r.URL
	if clean := CleanPath(u.Path); clean != u.Path {
		u.Path = clean
		u.RawPath = ""
	}
	return r.Method + methodSeparator + u.RequestURI()
}

// KeyForURL returns the key of a GET request for the given request URI.
func KeyForURL(uri string) string {
	return http.MethodGet + methodSeparator + uri
}

// RequestFromKey generates a caching-wise equal request than the request that
// resulted in the provided key.
// It returns an error if the request cannot for some reason be deducted.
func RequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || !strings.HasPrefix(uri, "/") {
		return nil, fmt.Errorf("%w: %s", ErrMalformedKey, key)
	}
	return http.NewRequest(method, uri, nil)
}

// CleanPath returns the canonical form of a request path.
// Dot segments are resolved and repeated slashes collapsed, like net/http's
// ServeMux does. A trailing slash is kept.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	np := path.Clean(p)
	if p[len(p)-1] == '/' && np != "/" {
		np += "/"
	}
	return np
}
