package recorder

import (
	"bytes"
	"fmt"
	"net/http"
)

// Recorder is an http.ResponseWriter that saves the response to a buffer.
// The buffer holds the HTTP/1.1 wire representation of the response,
// suitable for reading back with http.ReadResponse.
type Recorder struct {
	b            *bytes.Buffer
	header       http.Header
	wroteHeaders bool
}

// NewRecorder returns a new Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		b:      &bytes.Buffer{},
		header: http.Header{},
	}
}

// Implementation of http.ResponseWriter
func (t *Recorder) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *Recorder) WriteHeader(statusCode int) {
	// superfluous calls are ignored, like net/http does
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	// status line, headers and separator, HTTP/1.1 format only
	t.b.WriteString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode)))
	t.header.Write(t.b)
	t.b.WriteString("\r\n")
}

// Implementation of http.ResponseWriter
func (t *Recorder) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Write(b)
}

// Response returns the recorded response as a byte slice.
// A handler that never wrote anything is recorded as an empty 200.
func (t *Recorder) Response() []byte {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	return t.b.Bytes()
}
