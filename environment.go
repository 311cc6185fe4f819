package swcache

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	routerules "github.com/always-cache/swcache/pkg/route-rules"
)

// Partition name prefixes, one per role. The version tag is appended.
var partitionPrefixes = map[string]string{
	routerules.RoleStatic:  "static-assets-",
	routerules.RoleDynamic: "dynamic-assets-",
	routerules.RoleFonts:   "font-assets-",
	routerules.RoleImages:  "image-assets-",
}

// roleOrder is the order in which partitions are searched after the strategy's own.
var roleOrder = []string{
	routerules.RoleStatic,
	routerules.RoleDynamic,
	routerules.RoleFonts,
	routerules.RoleImages,
}

// Environment is the configuration of one worker version, resolved once.
// It is not modified after NewEnvironment returns.
type Environment struct {
	version         string
	scope           *url.URL
	partitions      map[string]string
	staticAssets    []*url.URL
	immutableAssets []*url.URL
	offlineURL      *url.URL
	managedPrefixes []string
	rules           routerules.Rules
	networkTimeout  time.Duration
	refreshTimeout  time.Duration
}

// NewEnvironment validates the config and resolves names and URLs.
func NewEnvironment(config Config) (*Environment, error) {
	if config.Version == "" {
		return nil, errors.New("version must not be empty")
	}
	if strings.ContainsAny(config.Version, " \t\n") {
		return nil, fmt.Errorf("version %q contains whitespace", config.Version)
	}
	scope, err := url.Parse(config.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if scope.Scheme == "" || scope.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute URL", config.Origin)
	}
	if scope.Path != "" && scope.Path != "/" {
		return nil, fmt.Errorf("origin %q must not have a path", config.Origin)
	}
	scope.Path = "/"

	e := &Environment{
		version:        config.Version,
		scope:          scope,
		partitions:     make(map[string]string, len(partitionPrefixes)),
		networkTimeout: config.NetworkTimeout,
		refreshTimeout: config.RefreshTimeout,
	}
	for role, prefix := range partitionPrefixes {
		e.partitions[role] = prefix + config.Version
	}
	for _, role := range roleOrder {
		e.managedPrefixes = append(e.managedPrefixes, partitionPrefixes[role])
	}
	e.managedPrefixes = append(e.managedPrefixes, config.LegacyPrefixes...)

	offlinePath := config.OfflinePath
	if offlinePath == "" {
		offlinePath = "/offline.html"
	}
	if e.offlineURL, err = e.resolve(offlinePath); err != nil {
		return nil, err
	}
	for _, asset := range config.StaticAssets {
		u, err := e.resolve(asset)
		if err != nil {
			return nil, err
		}
		e.staticAssets = append(e.staticAssets, u)
	}
	for _, asset := range config.ImmutableAssets {
		u, err := url.Parse(asset)
		if err != nil {
			return nil, fmt.Errorf("parse immutable asset %q: %w", asset, err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("immutable asset %q must be an absolute URL", asset)
		}
		e.immutableAssets = append(e.immutableAssets, u)
	}

	for _, rule := range config.Rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
	}
	e.rules = append(append(routerules.Rules{}, config.Rules...), routerules.Default(config.APIHosts)...)
	return e, nil
}

func (e *Environment) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse asset %q: %w", ref, err)
	}
	return e.scope.ResolveReference(u), nil
}

func (e *Environment) Version() string {
	return e.version
}

// Scope returns a copy of the origin URL the worker controls.
func (e *Environment) Scope() *url.URL {
	u := *e.scope
	return &u
}

// Partition returns the partition name for the role in this version.
func (e *Environment) Partition(role string) string {
	return e.partitions[role]
}

// CurrentPartitions returns the names of this version's partitions in search order.
func (e *Environment) CurrentPartitions() []string {
	names := make([]string, 0, len(roleOrder))
	for _, role := range roleOrder {
		names = append(names, e.partitions[role])
	}
	return names
}

// ManagedPrefixes returns the partition prefixes the worker is allowed to evict.
func (e *Environment) ManagedPrefixes() []string {
	return append([]string(nil), e.managedPrefixes...)
}

func (e *Environment) OfflineURL() *url.URL {
	u := *e.offlineURL
	return &u
}

func (e *Environment) StaticAssets() []*url.URL {
	return copyURLs(e.staticAssets)
}

func (e *Environment) ImmutableAssets() []*url.URL {
	return copyURLs(e.immutableAssets)
}

func (e *Environment) Rules() routerules.Rules {
	return append(routerules.Rules(nil), e.rules...)
}

// SameOrigin reports whether u belongs to the worker's origin.
func (e *Environment) SameOrigin(u *url.URL) bool {
	return u != nil && strings.EqualFold(u.Scheme, e.scope.Scheme) && strings.EqualFold(u.Host, e.scope.Host)
}

func copyURLs(urls []*url.URL) []*url.URL {
	out := make([]*url.URL, 0, len(urls))
	for _, u := range urls {
		c := *u
		out = append(out, &c)
	}
	return out
}
