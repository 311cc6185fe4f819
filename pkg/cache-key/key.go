package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrMethodNotSupported = errors.New("method not supported")

const methodSeparator = " "

// Key returns the cache key for a request: the method and the absolute URL,
// without the fragment. Only GET requests have a key.
func Key(r *http.Request) (string, error) {
	if r.Method != http.MethodGet && r.Method != "" {
		return "", ErrMethodNotSupported
	}
	return URLKey(r.URL), nil
}

// URLKey returns the GET cache key for the given URL.
func URLKey(u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return http.MethodGet + methodSeparator + clean.String()
}

// RequestFromKey creates a GET request equal, caching-wise, to the request that
// resulted in the provided key.
func RequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
