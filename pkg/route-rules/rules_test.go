package routerules

import (
	"net/http"
	"testing"
)

func makeReq(method, rawURL, dest, mode string) Request {
	r, _ := http.NewRequest(method, rawURL, nil)
	if dest != "" {
		r.Header.Set("Sec-Fetch-Dest", dest)
	}
	if mode != "" {
		r.Header.Set("Sec-Fetch-Mode", mode)
	}
	return FromHTTP(r)
}

func TestRuleFinder(t *testing.T) {
	rules := Default([]string{"api.github.com"})

	cases := []struct {
		req      Request
		rule     string
		strategy string
	}{
		{makeReq("GET", "https://me.dev/", "document", "navigate"), "navigation", NetworkFirst},
		{makeReq("GET", "https://me.dev/about", "", "navigate"), "navigation", NetworkFirst},
		{makeReq("GET", "https://me.dev/styles.css", "style", "no-cors"), "code", NetworkFirst},
		{makeReq("GET", "https://me.dev/script.js", "script", ""), "code", NetworkFirst},
		{makeReq("GET", "https://cdn.example/webfonts/fa.woff2", "font", ""), "fonts", StaleWhileRevalidate},
		{makeReq("GET", "https://fonts.gstatic.com/s/inter.woff2", "font", ""), "fonts", StaleWhileRevalidate},
		{makeReq("GET", "https://me.dev/me.png", "image", ""), "images", CacheFirst},
		{makeReq("GET", "https://api.github.com/users/me", "empty", "cors"), "api", StaleWhileRevalidate},
		{makeReq("GET", "https://me.dev/data.json", "empty", "cors"), "default", CacheFirst},
	}
	for _, c := range cases {
		rule := rules.Find(c.req)
		if rule == nil || rule.Name != c.rule || rule.Strategy != c.strategy {
			t.Fatalf("Incorrect rule for %s: %+v", c.req.URL, rule)
		}
	}
}

func TestFirstMatchWins(t *testing.T) {
	rules := Default(nil)
	// a navigation to a .js path is still a navigation
	if rule := rules.Find(makeReq("GET", "https://me.dev/app.js", "document", "navigate")); rule.Name != "navigation" {
		t.Fatalf("Rule is %s", rule.Name)
	}
	// font css is code before it is a font
	if rule := rules.Find(makeReq("GET", "https://fonts.googleapis.com/css2.css", "style", "")); rule.Name != "code" {
		t.Fatalf("Rule is %s", rule.Name)
	}
}

func TestNoAPIHostsIsNotCatchAll(t *testing.T) {
	rules := Default(nil)
	if rule := rules.Find(makeReq("GET", "https://me.dev/data.json", "", "")); rule.Name != "default" {
		t.Fatalf("Rule is %s", rule.Name)
	}
}

func TestEligible(t *testing.T) {
	cases := map[*Request]bool{}
	get := makeReq("GET", "https://me.dev/", "", "")
	post := makeReq("POST", "https://me.dev/contact", "", "")
	insecure := makeReq("GET", "http://me.dev/", "", "")
	local := makeReq("GET", "http://localhost:8080/", "", "")
	loopback := makeReq("GET", "http://127.0.0.1:8080/", "", "")
	cases[&get] = true
	cases[&post] = false
	cases[&insecure] = false
	cases[&local] = true
	cases[&loopback] = true
	for req, want := range cases {
		if Eligible(*req) != want {
			t.Fatalf("Eligible(%s %s) should be %v", req.Method, req.URL, want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := (Rule{Name: "ok", Strategy: CacheFirst, Partition: RoleImages}).Validate(); err != nil {
		t.Fatal(err)
	}
	if err := (Rule{Name: "bad", Strategy: "network-only", Partition: RoleImages}).Validate(); err == nil {
		t.Fatal("Unknown strategy accepted")
	}
	if err := (Rule{Name: "bad", Strategy: CacheFirst, Partition: "videos"}).Validate(); err == nil {
		t.Fatal("Unknown partition accepted")
	}
}
