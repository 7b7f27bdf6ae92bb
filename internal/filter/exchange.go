package filter

import (
	"encoding/json"
	"net/http"
	"sync"
)

// Exchange is what a filter sees of one request. The request may be
// modified before it is forwarded.
type Exchange struct {
	Request  *http.Request
	Response *ResponseHelper

	mu    sync.RWMutex
	attrs map[string]any
}

// NewExchange wraps w and r for a filter chain run.
func NewExchange(w http.ResponseWriter, r *http.Request) *Exchange {
	return &Exchange{
		Request:  r,
		Response: &ResponseHelper{w: w, header: make(http.Header)},
	}
}

// Set stores a value for later filters or the dispatcher.
func (e *Exchange) Set(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attrs == nil {
		e.attrs = make(map[string]any)
	}
	e.attrs[key] = value
}

// Get returns a value stored with Set.
func (e *Exchange) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.attrs[key]
	return v, ok
}

// ResponseHelper lets a filter answer the client itself when it rejects a
// request. Only the first write reaches the client.
// Headers set by filters are staged in the helper and only copied to the
// writer by WriteJSON or Commit.
type ResponseHelper struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	header  http.Header
	written bool
	closed  bool
}

// Header returns the headers staged for the response. They reach the client
// with a rejection, or with the forwarded response once the chain admits the
// request.
func (h *ResponseHelper) Header() http.Header {
	return h.header
}

// Reject writes a JSON error response. It reports whether the response was
// written by this call.
func (h *ResponseHelper) Reject(status int, message string) bool {
	return h.WriteJSON(status, map[string]any{
		"error": message,
		"code":  status,
	})
}

// WriteJSON writes v as the response body with the given status.
func (h *ResponseHelper) WriteJSON(status int, v any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.written || h.closed {
		return false
	}
	h.written = true

	h.copyHeader()
	h.w.Header().Set("Content-Type", "application/json")
	h.w.WriteHeader(status)
	_ = json.NewEncoder(h.w).Encode(v)
	return true
}

// Written reports whether a filter already answered the client.
func (h *ResponseHelper) Written() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.written
}

// Commit copies the staged headers onto the response and detaches the helper.
// It reports false if the helper was already written or closed.
func (h *ResponseHelper) Commit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.written || h.closed {
		return false
	}
	h.closed = true
	h.copyHeader()
	return true
}

func (h *ResponseHelper) copyHeader() {
	dst := h.w.Header()
	for k, vv := range h.header {
		dst[k] = append([]string(nil), vv...)
	}
}

// Close detaches the helper from the response writer. Writes after Close are
// dropped; the dispatcher calls it once it stops waiting for the chain.
func (h *ResponseHelper) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}
