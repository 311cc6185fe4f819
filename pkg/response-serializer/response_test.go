package serializer

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func readResponse(t *testing.T, raw string) *http.Response {
	t.Helper()
	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestFromResponseBodyIntact(t *testing.T) {
	res := readResponse(t, "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body")

	s, err := FromResponse(res, TypeBasic, time.Now(), time.Now())
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(s.Body) != "This is the body" {
		t.Fatalf("Snapshot body: %s", s.Body)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestCloneGivesTwoReaders(t *testing.T) {
	res := readResponse(t, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	clone, err := Clone(res)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := io.ReadAll(res.Body)
	second, _ := io.ReadAll(clone.Body)
	if string(first) != "hello" || string(second) != "hello" {
		t.Fatalf("Bodies are '%s' and '%s'", first, second)
	}
	clone.Header.Set("X-Test", "1")
	if res.Header.Get("X-Test") != "" {
		t.Fatal("Clone shares headers with the original")
	}
}

func TestSnapshotRoundTripKeepsTimes(t *testing.T) {
	reqTime := time.Now().Truncate(time.Millisecond)
	s := Synthesize("https://example.com/offline.html", 200, "text/html", []byte("<p>offline</p>"))
	s.RequestTime = reqTime
	s.ResponseTime = reqTime.Add(time.Second)

	b, err := Encode(s)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	s2, err := Decode(b)
	if err != nil {
		t.Fatalf("Error decoding: %+v", err)
	}
	if !s2.RequestTime.Equal(s.RequestTime) || !s2.ResponseTime.Equal(s.ResponseTime) {
		t.Fatalf("Times are %v %v", s2.RequestTime, s2.ResponseTime)
	}
	res := s2.Response(nil)
	if res.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("Header wrong %+v", res.Header)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "<p>offline</p>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestOk(t *testing.T) {
	for status, want := range map[int]bool{199: false, 200: true, 204: true, 299: true, 304: false, 404: false} {
		if Ok(status) != want {
			t.Fatalf("Ok(%d) should be %v", status, want)
		}
	}
}

func TestStorable(t *testing.T) {
	for status, want := range map[int]bool{200: true, 203: true, 206: false, 304: false, 500: false} {
		if Storable(status) != want {
			t.Fatalf("Storable(%d) should be %v", status, want)
		}
	}
}
