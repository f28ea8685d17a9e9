package plugin

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// DefaultChunkSize is used by ChunkResponse when no chunk size is configured.
const DefaultChunkSize = 8 * 1024

// Response is a fully buffered response produced by a plugin.
type Response struct {
	// Status is the HTTP status code; zero means 200.
	Status int

	// Header holds headers to send in addition to Cache-Control.
	Header http.Header

	// Body is written verbatim.
	Body []byte

	// MaxAge sets Cache-Control max-age when positive.
	MaxAge time.Duration

	// Private marks the cache directive as private.
	Private bool
}

// NotFound returns a 404 response with a plain text body.
func NotFound(body string) *Response { return textResponse(http.StatusNotFound, body) }

// BadRequest returns a 400 response with a plain text body.
func BadRequest(body string) *Response { return textResponse(http.StatusBadRequest, body) }

// InternalError returns a 500 response with a plain text body.
func InternalError(body string) *Response {
	return textResponse(http.StatusInternalServerError, body)
}

// TooManyRequests returns a 429 response with a plain text body.
func TooManyRequests(body string) *Response {
	return textResponse(http.StatusTooManyRequests, body)
}

func textResponse(status int, body string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{Status: status, Header: h, Body: []byte(body)}
}

// StatusCode returns the status that WriteTo sends.
func (r *Response) StatusCode() int {
	if r.Status == 0 {
		return http.StatusOK
	}
	return r.Status
}

// WriteTo writes the headers, status and body to w and returns the number of body bytes written.
func (r *Response) WriteTo(w http.ResponseWriter) (int64, error) {
	writeHeader(w.Header(), r.Header, r.MaxAge, r.Private)
	status := r.StatusCode()
	if status != http.StatusNotModified && status != http.StatusNoContent {
		w.Header().Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	w.WriteHeader(status)

	if len(r.Body) == 0 {
		return 0, nil
	}
	n, err := w.Write(r.Body)
	return int64(n), err
}

// ChunkResponse streams a body to the client in bounded chunks.
type ChunkResponse struct {
	// Reader supplies the body.
	Reader io.Reader

	// ChunkSize bounds each read and write; DefaultChunkSize is used when zero.
	ChunkSize int

	// Header holds headers to send in addition to Cache-Control.
	Header http.Header

	// MaxAge sets Cache-Control max-age when positive.
	MaxAge time.Duration

	// Private marks the cache directive as private.
	Private bool
}

// Send writes a 200 status and the headers, then copies Reader to w one chunk at a time,
// flushing after every chunk. It returns the total number of body bytes written.
func (c *ChunkResponse) Send(w http.ResponseWriter) (int64, error) {
	writeHeader(w.Header(), c.Header, c.MaxAge, c.Private)
	w.WriteHeader(http.StatusOK)

	size := c.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, size)
	var sent int64
	for {
		n, readErr := c.Reader.Read(buf)
		if n > 0 {
			written, err := w.Write(buf[:n])
			sent += int64(written)
			if err != nil {
				return sent, err
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return sent, err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return sent, nil
		}
		if readErr != nil {
			return sent, readErr
		}
	}
}

// CacheControl returns the Cache-Control value for the given directives,
// or an empty string when none applies.
func CacheControl(maxAge time.Duration, private bool) string {
	if maxAge > 0 {
		scope := "public"
		if private {
			scope = "private"
		}
		return scope + ", max-age=" + strconv.FormatInt(int64(maxAge/time.Second), 10)
	}
	if private {
		return "private"
	}
	return ""
}

func writeHeader(dst, src http.Header, maxAge time.Duration, private bool) {
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
	if cc := CacheControl(maxAge, private); cc != "" {
		dst.Set("Cache-Control", cc)
	}
}
