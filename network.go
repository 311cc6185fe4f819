package swcache

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	tee "github.com/always-cache/swcache/pkg/response-writer-tee"
)

// Network performs the real fetch behind the cache.
// Fetch returns an error only when no response could be obtained;
// HTTP error statuses are responses, not errors.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f NetworkFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// ClientNetwork fetches over HTTP with an http.Client.
type ClientNetwork struct {
	httpClient http.Client
	originHost string
}

// NewClientNetwork creates a network that does not follow redirects.
// If originHost is set it is used as the Host header and TLS server name.
func NewClientNetwork(timeout time.Duration, originHost string) *ClientNetwork {
	n := &ClientNetwork{
		originHost: originHost,
		httpClient: http.Client{
			Timeout: timeout,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	// use provided hostname for origin if configured
	if originHost != "" {
		n.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return n
}

func (n *ClientNetwork) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")
	if n.originHost != "" {
		req.Host = n.originHost
	}
	return n.httpClient.Do(req)
}

// HandlerNetwork serves fetches from an http.Handler, e.g. the site's own file server.
type HandlerNetwork struct {
	Handler http.Handler
}

func (n HandlerNetwork) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := r.Clone(ctx)
	req.RequestURI = req.URL.RequestURI()
	if req.Host == "" {
		req.Host = req.URL.Host
	}
	rw := tee.NewResponseSaver(nil)
	n.Handler.ServeHTTP(rw, req)
	return rw.Result(r), nil
}

// validatorHeaders make the origin answer relative to a copy the client already holds.
var validatorHeaders = []string{"If-None-Match", "If-Modified-Since", "If-Match", "If-Unmodified-Since"}

// unconditional returns a copy of r without validators, so that the origin
// sends a full response the cache can keep.
func unconditional(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	for _, h := range validatorHeaders {
		req.Header.Del(h)
	}
	return req
}

// wholeRequest is unconditional and also drops range headers.
// It is used for fetches made only to refresh a stored entry.
func wholeRequest(ctx context.Context, r *http.Request) *http.Request {
	req := unconditional(r).WithContext(ctx)
	req.Header.Del("Range")
	req.Header.Del("If-Range")
	return req
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
