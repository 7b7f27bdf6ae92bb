package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ResponseWrapper wraps http.ResponseWriter to capture response details
type ResponseWrapper struct {
	http.ResponseWriter
	statusCode    int
	bytesWritten  int64
	startTime     time.Time
	headerWritten bool
	hijacked      bool
}

// NewResponseWrapper creates a new response wrapper
func NewResponseWrapper(w http.ResponseWriter) *ResponseWrapper {
	return &ResponseWrapper{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		startTime:      time.Now(),
	}
}

// WriteHeader captures the status code
func (rw *ResponseWrapper) WriteHeader(code int) {
	if rw.headerWritten {
		return
	}
	rw.statusCode = code
	// 1xx responses are informational, the final header is still to come
	if code >= 200 || code == http.StatusSwitchingProtocols {
		rw.headerWritten = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written
func (rw *ResponseWrapper) Write(data []byte) (int, error) {
	if !rw.headerWritten {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(data)
	rw.bytesWritten += int64(n)
	return n, err
}

// Written reports whether the response header has been sent.
func (rw *ResponseWrapper) Written() bool {
	return rw.headerWritten || rw.hijacked
}

// StatusCode returns the captured status code
func (rw *ResponseWrapper) StatusCode() int {
	return rw.statusCode
}

// BytesWritten returns the number of bytes written
func (rw *ResponseWrapper) BytesWritten() int64 {
	return rw.bytesWritten
}

// Duration returns the time elapsed since the wrapper was created
func (rw *ResponseWrapper) Duration() time.Duration {
	return time.Since(rw.startTime)
}

// Hijack implements http.Hijacker for websocket upgrades
func (rw *ResponseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacking not supported")
	}
	conn, buf, err := hijacker.Hijack()
	if err == nil {
		rw.hijacked = true
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

// Flush implements http.Flusher
func (rw *ResponseWrapper) Flush() {
	if !rw.headerWritten {
		rw.WriteHeader(http.StatusOK)
	}
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *ResponseWrapper) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
