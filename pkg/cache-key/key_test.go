package cachekey

import (
	"net/http"
	"testing"
)

func TestRequestFromKey(t *testing.T) {
	r, _ := http.NewRequest("GET", "https://dev.localhost/page?x=1#top", nil)
	key, err := Key(r)
	if err != nil {
		t.Fatal(err)
	}
	if key != "GET https://dev.localhost/page?x=1" {
		t.Fatalf("Key is %s", key)
	}
	req, err := RequestFromKey(key)
	if err != nil {
		t.Fatalf("%s: %s", key, err)
	}
	if url := req.URL.String(); url != "https://dev.localhost/page?x=1" {
		t.Fatalf("Created request url for key %s is %s", key, url)
	}
}

func TestOnlyGetHasKey(t *testing.T) {
	r, _ := http.NewRequest("POST", "https://dev.localhost/form", nil)
	if _, err := Key(r); err != ErrMethodNotSupported {
		t.Fatalf("Error is %v", err)
	}
	if _, err := RequestFromKey("POST https://dev.localhost/form"); err != ErrMethodNotSupported {
		t.Fatalf("Error is %v", err)
	}
	if _, err := RequestFromKey("garbage"); err == nil {
		t.Fatal("Malformed key accepted")
	}
}
