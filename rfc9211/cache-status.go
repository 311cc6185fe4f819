package rfc9211

import (
	"strconv"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches' handling
// §     of the request corresponding to the response it occurs within.
// §
// §     Its value is a List:
// §
// §     Cache-Status   = sf-list
// §
// §     Each member of the list represents a cache that has handled the
// §     request.  The first member of the list represents the cache closest
// §     to the origin server, and the last member of the list represents the
// §     cache closest to the user (possibly including the user agent's cache
// §     itself, if it appends a value).

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

// §  2.2.  The fwd Parameter
// §
// §     "fwd" indicates that the request went forward towards the origin, and
// §     why.
type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// The request method's semantics require the request to be forwarded.
	FwdReasonMethod FwdReason = "method"
	// The cache did not contain any responses that matched the request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
	// The cache was able to select a fresh response for the request, but
	// the request's semantics did not allow its use.
	FwdReasonRequest FwdReason = "request"
	// The cache was able to select a response for the request, but it was stale.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus is one member of the Cache-Status list.
type CacheStatus struct {
	// Name of the cache, e.g. "swcache".
	Name      string
	Status    Status
	FwdReason FwdReason
	// §  2.3.  The fwd-status Parameter
	// §     "fwd-status" indicates what status code the next hop server returned
	// §     in response to the forwarded request.
	FwdStatus int
	// §  2.5.  The stored Parameter
	// §     "stored" indicates whether the cache stored the response.
	Stored bool
	// §  2.7.  The key Parameter
	// §     "key" conveys a representation of the cache key used for the
	// §     response.
	Key string
	// §  2.8.  The detail Parameter
	// §     "detail" allows implementations to convey additional information not
	// §     captured in other parameters.
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String renders the member in Structured Fields syntax.
func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(token(cs.Name))
	switch {
	case cs.Status == StatusHit:
		b.WriteString("; hit")
	case cs.FwdReason != "":
		b.WriteString("; fwd=" + string(cs.FwdReason))
	}
	if cs.FwdStatus != 0 {
		b.WriteString("; fwd-status=" + strconv.Itoa(cs.FwdStatus))
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Key != "" {
		b.WriteString("; key=" + strconv.Quote(cs.Key))
	}
	if cs.Detail != "" {
		b.WriteString("; detail=" + token(cs.Detail))
	}
	return b.String()
}

// token returns the value as an sf-token when possible and as an sf-string otherwise.
func token(s string) string {
	if s == "" {
		return `""`
	}
	for i, c := range s {
		alpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if i == 0 && !alpha && c != '*' {
			return strconv.Quote(s)
		}
		if !alpha && !(c >= '0' && c <= '9') && !strings.ContainsRune("!#$%&'*+-.^_`|~:/", c) {
			return strconv.Quote(s)
		}
	}
	return s
}
