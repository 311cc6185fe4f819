package serializer

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// TypeBasic marks a response from the worker's own origin.
	TypeBasic = "basic"
	// TypeCORS marks a readable response from another origin.
	TypeCORS = "cors"
)

// Snapshot is the stored form of a response: status, headers and a copy of the body.
type Snapshot struct {
	URL    string      `msgpack:"url"`
	Status int         `msgpack:"status"`
	Header http.Header `msgpack:"header"`
	Body   []byte      `msgpack:"body"`
	Type   string      `msgpack:"type"`
	// The value of the clock at the time of the request that resulted in the stored response.
	RequestTime time.Time `msgpack:"req"`
	// The value of the clock at the time the response was received.
	ResponseTime time.Time `msgpack:"res"`
}

// Ok reports whether the snapshot has a 2xx status.
func (s Snapshot) Ok() bool {
	return Ok(s.Status)
}

// Ok reports whether the status code is in the 200-299 range.
func Ok(status int) bool {
	return status >= 200 && status <= 299
}

// Storable reports whether a response with the status may be stored.
// Partial content is never stored, as it would be replayed for every request of the URL.
func Storable(status int) bool {
	return Ok(status) && status != http.StatusPartialContent
}

// Response creates a new response from the snapshot.
// Every call returns an independent body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// FromResponse takes a snapshot of the response.
// The response body is read fully and then set back, so the response stays usable.
func FromResponse(res *http.Response, respType string, requestTime, responseTime time.Time) (Snapshot, error) {
	body, err := drain(res)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		Status:       res.StatusCode,
		Header:       res.Header.Clone(),
		Body:         body,
		Type:         respType,
		RequestTime:  requestTime,
		ResponseTime: responseTime,
	}
	if res.Request != nil && res.Request.URL != nil {
		s.URL = res.Request.URL.String()
	}
	return s, nil
}

// Synthesize creates a snapshot for a locally generated response.
func Synthesize(url string, status int, contentType string, body []byte) Snapshot {
	now := time.Now()
	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return Snapshot{
		URL:          url,
		Status:       status,
		Header:       header,
		Body:         body,
		Type:         TypeBasic,
		RequestTime:  now,
		ResponseTime: now,
	}
}

// Clone returns a copy of the response with its own body.
// A body can only be read once, so anything that both returns a response and stores it
// must clone first. The original response gets a fresh body reader as well.
func Clone(res *http.Response) (*http.Response, error) {
	body, err := drain(res)
	if err != nil {
		return nil, err
	}
	clone := new(http.Response)
	*clone = *res
	clone.Header = res.Header.Clone()
	clone.Body = io.NopCloser(bytes.NewReader(body))
	return clone, nil
}

// Encode serializes the snapshot to bytes.
func Encode(s Snapshot) ([]byte, error) {
	return msgpack.Marshal(s)
}

// Decode deserializes a snapshot previously created with Encode.
func Decode(b []byte) (Snapshot, error) {
	var s Snapshot
	err := msgpack.Unmarshal(b, &s)
	return s, err
}

// drain reads the full body and sets it back on the response.
func drain(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return []byte{}, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Buffer reads the whole body into memory and sets it back on the response,
// so the body no longer depends on the connection or its context.
func Buffer(res *http.Response) error {
	_, err := drain(res)
	return err
}
