package swcache

import (
	"html"
	"net/http"
	"strings"

	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
)

// offlineDocument is served for navigations that neither the network nor the cache can answer.
// It must not reference anything outside itself.
const offlineDocument = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
<style>
body{margin:0;min-height:100vh;display:flex;align-items:center;justify-content:center;
font-family:system-ui,-apple-system,"Segoe UI",Roboto,sans-serif;background:#0f172a;color:#e2e8f0}
main{max-width:28rem;padding:2rem;text-align:center}
h1{font-size:1.5rem;margin:0 0 .75rem}
p{margin:0 0 1.25rem;line-height:1.5;color:#94a3b8}
button{border:0;border-radius:.5rem;padding:.6rem 1.2rem;background:#38bdf8;color:#0f172a;font-weight:600;cursor:pointer}
small{display:block;margin-top:1.5rem;color:#475569}
</style>
</head>
<body>
<main>
<h1>You are offline</h1>
<p>This page is not available without a network connection. Check your connection and try again.</p>
<button onclick="location.reload()">Retry</button>
<small>version %VERSION%</small>
</main>
</body>
</html>
`

// placeholderImage replaces images that could not be loaded.
const placeholderImage = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#1e293b"/>` +
	`<path d="M60 135l30-40 22 28 15-18 23 30z" fill="#475569"/>` +
	`<circle cx="128" cy="72" r="12" fill="#475569"/>` +
	`</svg>`

// offlineSnapshot builds the offline fallback document for the given version.
func offlineSnapshot(env *Environment) serializer.Snapshot {
	doc := []byte(strings.ReplaceAll(offlineDocument, "%VERSION%", html.EscapeString(env.Version())))
	s := serializer.Synthesize(env.OfflineURL().String(), http.StatusOK, "text/html; charset=utf-8", doc)
	s.Header.Set("Cache-Control", "no-store")
	return s
}

func placeholderSnapshot(url string) serializer.Snapshot {
	s := serializer.Synthesize(url, http.StatusOK, "image/svg+xml", []byte(placeholderImage))
	s.Header.Set("Cache-Control", "no-store")
	return s
}

// offlineKey is the cache key the offline document is stored under.
func offlineKey(env *Environment) string {
	return cachekey.URLKey(env.OfflineURL())
}
