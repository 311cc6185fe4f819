package tee

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResultRecordsHandlerOutput(t *testing.T) {
	rs := NewResponseSaver(nil)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("body{}"))
	})
	req := httptest.NewRequest("GET", "/styles.css", nil)
	handler.ServeHTTP(rs, req)

	res := rs.Result(req)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/css" {
		t.Fatalf("Content-Type is %s", ct)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "body{}" {
		t.Fatalf("Body is %s", body)
	}
}

func TestTeeWritesThrough(t *testing.T) {
	rr := httptest.NewRecorder()
	rs := NewResponseSaver(rr)
	rs.Header().Set("X-Test", "yes")
	rs.Write([]byte("Hello world"))

	if rr.Code != http.StatusOK || rr.Body.String() != "Hello world" {
		t.Fatalf("Underlying writer got %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Test") != "yes" {
		t.Fatal("Header not copied to underlying writer")
	}
	if rs.StatusCode() != http.StatusOK {
		t.Fatalf("Status is %d", rs.StatusCode())
	}
}
