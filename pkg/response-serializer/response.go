package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// BytesToResponse converts a byte slice to a http.Response.
// The request is attached to the response, it may be nil.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// Response bodies can only be read once, so the body of res is replaced
// with a fresh reader over the same content. After the call both the
// returned bytes and the original response can be used independently.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		var err error
		body, err = io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	// write a copy so that the original keeps its transfer settings
	stored := *res
	stored.ProtoMajor, stored.ProtoMinor = 1, 1
	stored.Body = io.NopCloser(bytes.NewReader(body))
	stored.ContentLength = int64(len(body))
	stored.TransferEncoding = nil
	stored.Header = res.Header.Clone()
	if stored.Header == nil {
		stored.Header = http.Header{}
	}
	stored.Header.Del("Transfer-Encoding")

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}
	return buf.Bytes(), nil
}
