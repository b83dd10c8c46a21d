package stream

import (
	"fmt"
	"net/http"
)

// HTTPTransport streams NDJSON frames over an http.ResponseWriter.
//
// Headers are written lazily on the first frame so a turn that fails
// before any event (validation, busy lease) can still send a plain JSON
// error response on the same writer.
type HTTPTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewHTTPTransport wraps a response writer. Returns an error when the
// writer cannot stream (no http.Flusher support).
func NewHTTPTransport(w http.ResponseWriter) (*HTTPTransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("stream: response writer does not support flushing")
	}
	return &HTTPTransport{w: w, flusher: flusher}, nil
}

// Started reports whether any frame has been written. Once true, the
// response is committed to the stream content type and error frames are
// the only way to signal failure.
func (t *HTTPTransport) Started() bool { return t.started }

// WriteFrame writes one newline-terminated frame, emitting stream headers
// first if this is the initial write.
func (t *HTTPTransport) WriteFrame(p []byte) error {
	if !t.started {
		h := t.w.Header()
		h.Set("Content-Type", "application/x-ndjson")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		// Disable proxy buffering so frames reach the client promptly.
		h.Set("X-Accel-Buffering", "no")
		t.w.WriteHeader(http.StatusOK)
		t.started = true
	}
	if _, err := t.w.Write(p); err != nil {
		return fmt.Errorf("stream: write frame: %w", err)
	}
	return nil
}

// Flush pushes buffered bytes to the client.
func (t *HTTPTransport) Flush() {
	if t.started {
		t.flusher.Flush()
	}
}
