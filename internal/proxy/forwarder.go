package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/songzhibin97/relaygate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/relaygate/pkg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// hopHeaders apply to a single connection and are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// upstreamCall is one selected target for a remote rule.
type upstreamCall struct {
	service string
	target  *url.URL
	// key identifies the endpoint to the breaker
	key     string
	breaker *circuitbreaker.Breaker
}

func (c *upstreamCall) recordFailure() {
	if c.breaker != nil {
		c.breaker.SetFail(c.key)
	}
}

func (c *upstreamCall) recordStatus(code int) {
	if c.breaker == nil {
		return
	}
	if c.breaker.IsFailStatus(code) {
		c.breaker.SetFail(c.key)
	} else {
		c.breaker.SetSuccess(c.key)
	}
}

// forward streams r to the upstream and the upstream response back to w.
func (d *Dispatcher) forward(w *ResponseWrapper, r *http.Request, call *upstreamCall) {
	ctx, span := d.tracer.Start(r.Context(), "proxy "+call.service,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("relaygate.service", call.service),
			attribute.String("http.method", r.Method),
			attribute.String("http.url", call.key),
		),
	)
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := d.logger.WithContext(r.Context()).With(
		log.String("service", call.service),
		log.String("target", call.key),
	)

	outreq, err := newUpstreamRequest(ctx, r, call.target)
	if err != nil {
		d.fail(w, r, &UpstreamError{Target: call.key, Err: err})
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(outreq.Header))

	// the breaker timeout bounds the wait for response headers; the body
	// may stream for longer
	var timedOut atomic.Bool
	var timer *time.Timer
	if call.breaker != nil && call.breaker.Timeout() > 0 {
		timer = time.AfterFunc(call.breaker.Timeout(), func() {
			timedOut.Store(true)
			cancel()
		})
	}

	resp, err := d.httpClient().Do(outreq)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream request failed")
		if clientGone(r, &timedOut) {
			logger.Debug("client went away before upstream responded", log.Error(err))
			return
		}
		if timedOut.Load() {
			err = fmt.Errorf("no response within %s: %w", call.breaker.Timeout(), context.DeadlineExceeded)
		}
		call.recordFailure()
		d.fail(w, r, &UpstreamError{Target: call.key, Err: err})
		return
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	removeHopByHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Flush()

	if err := d.copyResponse(w, resp.Body); err != nil {
		var we *writeError
		if errors.As(err, &we) || clientGone(r, &timedOut) {
			logger.Debug("client went away while streaming", log.Error(err))
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream stream failed")
		call.recordFailure()
		logger.Warn("upstream stream aborted", log.Error(err), log.Int64("bytes", w.BytesWritten()))
		// headers are gone already, the only signal left is a broken connection
		panic(http.ErrAbortHandler)
	}

	for k, vv := range resp.Trailer {
		w.Header()[http.TrailerPrefix+k] = vv
	}

	call.recordStatus(resp.StatusCode)
	logger.Debug("request forwarded", log.Int("status", resp.StatusCode))
}

// clientGone reports whether the downstream request was cancelled by the
// client rather than by the upstream timeout.
func clientGone(r *http.Request, timedOut *atomic.Bool) bool {
	return r.Context().Err() != nil && !timedOut.Load()
}

func newUpstreamRequest(ctx context.Context, r *http.Request, target *url.URL) (*http.Request, error) {
	body := r.Body
	if body == nil || r.ContentLength == 0 {
		body = http.NoBody
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if body != http.NoBody {
		out.ContentLength = r.ContentLength
	}

	out.Header = r.Header.Clone()
	removeHopByHopHeaders(out.Header)
	setForwardedHeaders(out.Header, r)
	return out, nil
}

func setForwardedHeaders(h http.Header, r *http.Request) {
	clientIP := remoteIP(r)

	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
	if h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
	if h.Get("X-Forwarded-Proto") == "" {
		if r.TLS != nil {
			h.Set("X-Forwarded-Proto", "https")
		} else {
			h.Set("X-Forwarded-Proto", "http")
		}
	}
	if h.Get("X-Real-IP") == "" {
		h.Set("X-Real-IP", clientIP)
	}
}

// remoteIP is the address of the peer connected to the gateway.
func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// removeHopByHopHeaders removes hop-by-hop headers, including the ones named
// in the Connection header
func removeHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// writeError marks a failure on the downstream side of a copy.
type writeError struct {
	err error
}

func (e *writeError) Error() string { return e.err.Error() }

func (e *writeError) Unwrap() error { return e.err }

// flushWriter flushes after every chunk so streamed responses reach the
// client as they arrive.
type flushWriter struct {
	w *ResponseWrapper
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, &writeError{err: err}
	}
	f.w.Flush()
	return n, nil
}

func (d *Dispatcher) copyResponse(w *ResponseWrapper, body io.Reader) error {
	bufp := d.buffers.Get().(*[]byte)
	defer d.buffers.Put(bufp)

	_, err := io.CopyBuffer(flushWriter{w: w}, body, *bufp)
	return err
}
