package swcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("could not load config: %v", err)
	}
	if config.Version != "1.0.0" || config.OfflinePath != "/offline.html" {
		t.Fatalf("unexpected defaults: %+v", config)
	}
	if len(config.StaticAssets) != 4 || len(config.ImmutableAssets) != 3 {
		t.Fatalf("asset lists are %v and %v", config.StaticAssets, config.ImmutableAssets)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "swcache.yml")
	yml := `
version: 1.2.0
origin: https://portfolio.example
networkTimeout: 3s
staticAssets:
  - /
  - /app.js
rules:
  - name: reports
    contains: [/reports/]
    strategy: network-first
    partition: dynamic
`
	if err := os.WriteFile(filename, []byte(yml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SWCACHE_VERSION", "1.3.0")
	t.Setenv("SWCACHE_API_HOSTS", "api.one.example,api.two.example")

	config, err := LoadConfig(filename)
	if err != nil {
		t.Fatalf("could not load config: %v", err)
	}
	if config.Version != "1.3.0" {
		t.Fatalf("environment did not override version: %s", config.Version)
	}
	if config.Origin != "https://portfolio.example" {
		t.Fatalf("origin is %s", config.Origin)
	}
	if config.NetworkTimeout != 3*time.Second {
		t.Fatalf("network timeout is %s", config.NetworkTimeout)
	}
	if len(config.StaticAssets) != 2 || config.StaticAssets[1] != "/app.js" {
		t.Fatalf("static assets are %v", config.StaticAssets)
	}
	if len(config.APIHosts) != 2 || config.APIHosts[1] != "api.two.example" {
		t.Fatalf("api hosts are %v", config.APIHosts)
	}
	if len(config.Rules) != 1 || config.Rules[0].Contains[0] != "/reports/" {
		t.Fatalf("rules are %+v", config.Rules)
	}
	// defaults survive where the file is silent
	if config.OfflinePath != "/offline.html" {
		t.Fatalf("offline path is %s", config.OfflinePath)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
