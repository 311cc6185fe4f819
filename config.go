package swcache

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	routerules "github.com/always-cache/swcache/pkg/route-rules"
)

// Config is the file and environment level configuration.
// It is resolved once into an Environment with NewEnvironment.
type Config struct {
	// Version tag of the deployment. Changing it is what invalidates the caches.
	Version string `yaml:"version" env:"SWCACHE_VERSION"`
	// Origin is the scope of the worker, e.g. https://portfolio.example.
	// Relative asset paths are resolved against it.
	Origin string `yaml:"origin" env:"SWCACHE_ORIGIN"`
	// Hostname to use for HTTP requests and TLS negotiation with the origin.
	OriginHost string `yaml:"originHost" env:"SWCACHE_ORIGIN_HOST"`
	// Shell assets stored in the static partition on install.
	StaticAssets []string `yaml:"staticAssets" env:"SWCACHE_STATIC_ASSETS"`
	// Long-lived absolute URLs stored in the fonts partition on install.
	ImmutableAssets []string `yaml:"immutableAssets" env:"SWCACHE_IMMUTABLE_ASSETS"`
	// Path of the offline fallback document inside the static partition.
	OfflinePath string `yaml:"offlinePath" env:"SWCACHE_OFFLINE_PATH"`
	// Hosts whose responses are served stale-while-revalidate.
	APIHosts []string `yaml:"apiHosts" env:"SWCACHE_API_HOSTS"`
	// Prefixes of partitions from older deployments that the worker owns.
	LegacyPrefixes []string `yaml:"legacyPrefixes" env:"SWCACHE_LEGACY_PREFIXES"`
	// Extra routing rules, checked before the built-in ones.
	Rules routerules.Rules `yaml:"rules"`
	// Bound on strategy network requests. Zero means no bound.
	NetworkTimeout time.Duration `yaml:"networkTimeout" env:"SWCACHE_NETWORK_TIMEOUT"`
	// Bound on background refreshes and install-time fetches of immutable assets.
	RefreshTimeout time.Duration `yaml:"refreshTimeout" env:"SWCACHE_REFRESH_TIMEOUT"`
	// Store selects the registry provider: "memory", a SQLite file name or a redis:// URL.
	Store string `yaml:"store" env:"SWCACHE_STORE"`
	Port  int    `yaml:"port" env:"SWCACHE_PORT"`
}

// DefaultConfig returns the configuration of the portfolio site.
func DefaultConfig() Config {
	return Config{
		Version: "1.0.0",
		Origin:  "http://localhost:8000",
		StaticAssets: []string{
			"/",
			"/index.html",
			"/styles.css",
			"/script.js",
		},
		ImmutableAssets: []string{
			"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
			"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/webfonts/fa-solid-900.woff2",
			"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/webfonts/fa-brands-400.woff2",
		},
		OfflinePath:    "/offline.html",
		APIHosts:       []string{"api.github.com"},
		LegacyPrefixes: []string{"portfolio-cache-"},
		RefreshTimeout: 5 * time.Second,
		Store:          "cache.db",
		Port:           8080,
	}
}

// LoadConfig reads the YAML file on top of the defaults and then applies
// environment variable overrides. An empty filename skips the file.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}
