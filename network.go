package assetcache

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	recorder "github.com/always-cache/asset-cache/pkg/response-recorder"
	serializer "github.com/always-cache/asset-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// Network is where requests go that the worker does not answer itself.
// ServeHTTP is the default handling of a request nobody intercepted,
// Fetch is a request issued by the worker on its own behalf.
type Network interface {
	http.Handler
	Fetch(r *http.Request) (*http.Response, error)
}

// OriginNetwork sends requests to an origin server.
type OriginNetwork struct {
	originURL    url.URL
	originHost   string
	httpClient   http.Client
	reverseproxy httputil.ReverseProxy
}

// NewOriginNetwork creates a network for the origin URL.
// Origins with paths are not supported.
// If originHost is set, it is used for the Host header and TLS negotiation,
// e.g. when the origin URL is just an IP address.
func NewOriginNetwork(originURL url.URL, originHost string, logger *zerolog.Logger) *OriginNetwork {
	var transport http.RoundTripper = http.DefaultTransport
	hostHeader := originURL.Host
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	errorLogger := logger.With().Str("origin", originURL.String()).Logger()

	return &OriginNetwork{
		originURL:  originURL,
		originHost: hostHeader,
		httpClient: http.Client{
			Transport: transport,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		reverseproxy: httputil.ReverseProxy{
			Director:  createDirector(originURL.Scheme, originURL.Host, hostHeader),
			Transport: transport,
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				errorLogger.Error().Err(err).Str("url", r.URL.String()).Msg("Could not connect to origin")
				http.Error(w, "Could not connect to origin", http.StatusBadGateway)
			},
		},
	}
}

// ServeHTTP proxies the request to the origin untouched.
func (o *OriginNetwork) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.reverseproxy.ServeHTTP(w, r)
}

// Fetch the resource specified in the incoming request from the origin.
func (o *OriginNetwork) Fetch(r *http.Request) (*http.Response, error) {
	uri := o.originURL.Scheme + "://" + o.originURL.Host + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, fmt.Errorf("create origin request: %w", err)
	}
	req.Host = o.originHost
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	stripClientState(req.Header)
	return o.httpClient.Do(req)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// HandlerNetwork treats an in-process handler as the network.
// It is used when the worker runs as middleware in front of the application.
type HandlerNetwork struct {
	next http.Handler
}

func NewHandlerNetwork(next http.Handler) *HandlerNetwork {
	return &HandlerNetwork{next: next}
}

func (h *HandlerNetwork) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.next.ServeHTTP(w, r)
}

// Fetch records the handler's response for a copy of the request,
// stripped of client state headers. A panicking handler is reported as a failed fetch.
func (h *HandlerNetwork) Fetch(r *http.Request) (res *http.Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("handler panic: %v", p)
		}
	}()
	req := r.Clone(r.Context())
	stripClientState(req.Header)
	rec := recorder.NewRecorder()
	h.next.ServeHTTP(rec, req)
	return serializer.BytesToResponse(rec.Response(), req)
}

// clientStateHeaders make the network answer relative to what the client
// already holds (304, 206, 412) instead of with the full representation.
var clientStateHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// stripClientState removes the headers of a worker fetch that would tailor
// the response to one client. A fetched response is stored and later served
// to every client, so it must be the full, unencoded representation.
func stripClientState(h http.Header) {
	for _, name := range clientStateHeaders {
		h.Del(name)
	}
	// the origin transport negotiates compression itself and decodes
	h.Del("Accept-Encoding")
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
