package routerules

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Strategy names.
const (
	NetworkFirst         = "network-first"
	CacheFirst           = "cache-first"
	StaleWhileRevalidate = "stale-while-revalidate"
)

// Partition roles.
const (
	RoleStatic  = "static"
	RoleDynamic = "dynamic"
	RoleFonts   = "fonts"
	RoleImages  = "images"
)

// Request is the part of an intercepted request that routing looks at.
type Request struct {
	Method string
	URL    *url.URL
	// Destination is the Sec-Fetch-Dest value, e.g. "document" or "image".
	Destination string
	// Mode is the Sec-Fetch-Mode value, e.g. "navigate" or "cors".
	Mode   string
	Accept string
}

// FromHTTP builds the routing view of r from its URL and fetch metadata headers.
func FromHTTP(r *http.Request) Request {
	return Request{
		Method:      r.Method,
		URL:         r.URL,
		Destination: strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
		Mode:        strings.ToLower(r.Header.Get("Sec-Fetch-Mode")),
		Accept:      r.Header.Get("Accept"),
	}
}

// IsNavigation reports whether the request loads a document.
func (r Request) IsNavigation() bool {
	return r.Mode == "navigate" || r.Destination == "document"
}

// AcceptsHTML reports whether the client would take an HTML document in response.
func (r Request) AcceptsHTML() bool {
	return strings.Contains(r.Accept, "text/html")
}

// Eligible reports whether the request may be intercepted at all:
// it must be a GET and go either over https or to localhost.
func Eligible(r Request) bool {
	if r.Method != http.MethodGet && r.Method != "" {
		return false
	}
	if r.URL == nil {
		return false
	}
	if r.URL.Scheme == "https" {
		return true
	}
	return isLocalhost(r.URL.Hostname())
}

func isLocalhost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type Rules []Rule

// Rule selects a strategy for requests matching all of its non-empty criteria.
// A rule without criteria matches everything.
type Rule struct {
	Name string `yaml:"name"`
	// Navigate matches navigations and document requests.
	Navigate    bool     `yaml:"navigate"`
	Destination string   `yaml:"destination"`
	Suffixes    []string `yaml:"suffixes"`
	Contains    []string `yaml:"contains"`
	Hosts       []string `yaml:"hosts"`
	Strategy    string   `yaml:"strategy"`
	Partition   string   `yaml:"partition"`
}

// Default returns the built-in routing table. The API hosts get stale-while-revalidate.
func Default(apiHosts []string) Rules {
	hosts := append([]string{}, apiHosts...)
	return Rules{
		{Name: "navigation", Navigate: true, Strategy: NetworkFirst, Partition: RoleDynamic},
		{Name: "code", Suffixes: []string{".css", ".js"}, Strategy: NetworkFirst, Partition: RoleDynamic},
		{Name: "fonts", Contains: []string{"fonts", "webfonts"}, Strategy: StaleWhileRevalidate, Partition: RoleFonts},
		{Name: "images", Destination: "image", Strategy: CacheFirst, Partition: RoleImages},
		{Name: "api", Hosts: hosts, Strategy: StaleWhileRevalidate, Partition: RoleDynamic},
		{Name: "default", Strategy: CacheFirst, Partition: RoleDynamic},
	}
}

// Validate checks that the rule names a known strategy and partition role.
func (rule Rule) Validate() error {
	switch rule.Strategy {
	case NetworkFirst, CacheFirst, StaleWhileRevalidate:
	default:
		return fmt.Errorf("rule %q: unknown strategy %q", rule.Name, rule.Strategy)
	}
	switch rule.Partition {
	case RoleStatic, RoleDynamic, RoleFonts, RoleImages:
	default:
		return fmt.Errorf("rule %q: unknown partition %q", rule.Name, rule.Partition)
	}
	return nil
}

// Find returns the first rule matching the request, or nil.
func (r Rules) Find(req Request) *Rule {
	for i := range r {
		rule := &r[i]
		if rule.matches(req) {
			return rule
		}
	}
	return nil
}

func (rule Rule) matches(req Request) bool {
	if rule.Navigate && !req.IsNavigation() {
		return false
	}
	if rule.Destination != "" && rule.Destination != req.Destination {
		return false
	}
	if len(rule.Suffixes) > 0 && !anyOf(rule.Suffixes, func(s string) bool {
		return strings.HasSuffix(req.URL.Path, s)
	}) {
		return false
	}
	if len(rule.Contains) > 0 && !anyOf(rule.Contains, func(s string) bool {
		return strings.Contains(req.URL.String(), s)
	}) {
		return false
	}
	if rule.hostsSet() && !anyOf(rule.Hosts, func(h string) bool {
		return h != "" && strings.EqualFold(req.URL.Hostname(), h)
	}) {
		return false
	}
	return true
}

// hostsSet is true when the rule restricts hosts. A host rule configured
// with an empty list must never turn into a catch-all.
func (rule Rule) hostsSet() bool {
	return rule.Hosts != nil
}

func anyOf(values []string, pred func(string) bool) bool {
	for _, v := range values {
		if pred(v) {
			return true
		}
	}
	return false
}
