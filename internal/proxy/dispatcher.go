package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/internal/filter"
	"github.com/songzhibin97/relaygate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/relaygate/internal/loadbalancer"
	"github.com/songzhibin97/relaygate/internal/log/driver/stdout"
	"github.com/songzhibin97/relaygate/internal/router"
	"github.com/songzhibin97/relaygate/pkg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HeaderRequestID carries the request id to the upstream and back to the client.
const HeaderRequestID = "X-Request-ID"

const tracerName = "github.com/songzhibin97/relaygate/internal/proxy"

// Observer receives dispatch outcomes.
type Observer interface {
	// ObserveRequest is called once per request with the final status.
	ObserveRequest(service string, status int, elapsed time.Duration)
	// ObserveRejection is called when the gateway answers on its own.
	ObserveRejection(reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int, time.Duration) {}
func (nopObserver) ObserveRejection(string)                   {}

// Dispatcher is the gateway entry point. It matches a rule, runs the filter
// chain, picks a node and streams the request to it, or hands local rules to
// the local handler.
type Dispatcher struct {
	rules    *router.Manager
	registry *loadbalancer.Registry
	chain    *filter.Chain
	local    http.Handler

	breaker  atomic.Pointer[circuitbreaker.Breaker]
	client   atomic.Pointer[http.Client]
	fallback *http.Client

	proxyConfig config.ProxyConfig
	statuses    statusTable
	buffers     sync.Pool
	dialer      *websocket.Dialer
	upgrader    *websocket.Upgrader

	observer Observer
	tracer   trace.Tracer
	logger   log.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRuleManager sets the rule manager. By default a local-first manager is created.
func WithRuleManager(m *router.Manager) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.rules = m
		}
	}
}

// WithRegistry sets the node registry.
func WithRegistry(r *loadbalancer.Registry) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.registry = r
		}
	}
}

// WithFilterChain sets the chain run before remote forwarding.
func WithFilterChain(c *filter.Chain) Option {
	return func(d *Dispatcher) {
		d.chain = c
	}
}

// WithLocalHandler sets the handler for rules whose service is "local".
func WithLocalHandler(h http.Handler) Option {
	return func(d *Dispatcher) {
		if h != nil {
			d.local = h
		}
	}
}

// WithProxyConfig sets the transport, buffer and websocket settings.
func WithProxyConfig(cfg config.ProxyConfig) Option {
	return func(d *Dispatcher) {
		d.proxyConfig = cfg
	}
}

// WithErrorStatuses overrides the status codes of gateway errors.
func WithErrorStatuses(cfg config.ErrorStatusesConfig) Option {
	return func(d *Dispatcher) {
		d.statuses = newStatusTable(cfg)
	}
}

// WithObserver sets the receiver of dispatch outcomes.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a dispatcher. Rules are accepted until Activate is called.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		local:    http.NotFoundHandler(),
		statuses: newStatusTable(config.ErrorStatusesConfig{}),
		observer: nopObserver{},
		logger:   log.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.rules == nil {
		d.rules = router.NewManager(router.WithLogger(d.logger))
	}
	if d.registry == nil {
		d.registry = loadbalancer.NewRegistry(loadbalancer.WithLogger(d.logger))
	}

	size := d.proxyConfig.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	d.buffers.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	d.fallback = NewClient(d.proxyConfig)
	d.dialer = newDialer(d.proxyConfig)
	d.upgrader = newUpgrader(d.proxyConfig)
	d.tracer = otel.Tracer(tracerName)
	return d
}

// AddServerNode registers urls for the service named by prefix; slashes
// around the prefix are ignored, so "/order/" registers service "order".
func (d *Dispatcher) AddServerNode(prefix string, urls ...string) {
	d.registry.AddServices(strings.Trim(prefix, "/"), urls...)
}

// AddServices registers urls for service name.
func (d *Dispatcher) AddServices(name string, urls ...string) {
	d.registry.AddServices(name, urls...)
}

// AddRule registers a routing rule. See router.Manager.AddRule.
func (d *Dispatcher) AddRule(pattern, serviceExpr, rewriteRegex, rewriteTarget string) error {
	return d.rules.AddRule(pattern, serviceExpr, rewriteRegex, rewriteTarget)
}

// Activate freezes the rules and starts serving traffic. Only the first call
// returns true.
func (d *Dispatcher) Activate() bool {
	return d.rules.Activate()
}

// ConfigureBreaker enables circuit breaking with cfg. Without it every call
// is allowed.
func (d *Dispatcher) ConfigureBreaker(cfg *circuitbreaker.Config, opts ...circuitbreaker.Option) *circuitbreaker.Breaker {
	b := circuitbreaker.New(cfg, opts...)
	d.breaker.Store(b)
	return b
}

// SetHTTPClient sets the client used for upstream calls. Only the first call
// has an effect; it reports whether c was installed.
func (d *Dispatcher) SetHTTPClient(c *http.Client) bool {
	if c == nil {
		return false
	}
	if !d.client.CompareAndSwap(nil, c) {
		d.logger.Warn("http client already set, ignoring")
		return false
	}
	return true
}

// Rules returns the rule manager.
func (d *Dispatcher) Rules() *router.Manager {
	return d.rules
}

// Registry returns the node registry.
func (d *Dispatcher) Registry() *loadbalancer.Registry {
	return d.registry
}

// Breaker returns the configured breaker, or nil.
func (d *Dispatcher) Breaker() *circuitbreaker.Breaker {
	return d.breaker.Load()
}

func (d *Dispatcher) httpClient() *http.Client {
	if c := d.client.Load(); c != nil {
		return c
	}
	return d.fallback
}

// ServeHTTP dispatches one request. No panic other than
// http.ErrAbortHandler leaves this method.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWrapper(w)

	id := r.Header.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(HeaderRequestID, id)
	}
	rw.Header().Set(HeaderRequestID, id)

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx = stdout.ContextWithRequestID(ctx, id)
	r = r.WithContext(ctx)

	service := "-"
	defer func() {
		rec := recover()
		if rec != nil && rec != http.ErrAbortHandler {
			d.logger.WithContext(ctx).Error("panic while dispatching",
				log.Any("panic", rec),
				log.String("path", r.URL.Path),
			)
			if !rw.Written() {
				d.writeError(rw, id, http.StatusInternalServerError, "internal error")
				rec = nil
			} else {
				rec = http.ErrAbortHandler
			}
		}
		d.observer.ObserveRequest(service, rw.StatusCode(), rw.Duration())
		if rec != nil {
			panic(rec)
		}
	}()

	service = d.dispatch(rw, r)
}

// dispatch serves r and returns the service label of the matched rule.
func (d *Dispatcher) dispatch(w *ResponseWrapper, r *http.Request) string {
	if d.rules.State() != router.Active {
		d.fail(w, r, ErrGatewayInactive)
		return "-"
	}

	rule, err := d.rules.GetService(r.URL.Path)
	if err != nil {
		d.fail(w, r, err)
		return "-"
	}
	if rule == nil {
		d.fail(w, r, fmt.Errorf("%w: %s", ErrServiceNotFound, r.URL.Path))
		return "-"
	}

	if rule.IsLocal {
		d.serveLocal(w, r, rule)
		return router.LocalService
	}

	service := rule.ServiceName
	r, ok := d.runFilters(w, r)
	if !ok {
		return service
	}

	node := d.registry.LoadBalance(service)
	if node == nil {
		d.fail(w, r, fmt.Errorf("%w: %s", ErrNoNode, service))
		return service
	}

	upgrade := websocket.IsWebSocketUpgrade(r)
	call := &upstreamCall{service: service, breaker: d.breaker.Load()}
	call.target, call.key = buildTarget(rule, node, r, upgrade)

	if call.breaker != nil && !call.breaker.IsAllow(call.key) {
		d.fail(w, r, fmt.Errorf("%w: %s", ErrBreakerOpen, call.key))
		return service
	}

	if upgrade {
		d.relayWebSocket(w, r, call)
	} else {
		d.forward(w, r, call)
	}
	return service
}

func (d *Dispatcher) serveLocal(w *ResponseWrapper, r *http.Request, rule *router.RuleDetail) {
	if rewritten := rule.Rewrite(r.URL.Path); rewritten != r.URL.Path {
		r.URL.Path = rewritten
		r.URL.RawPath = ""
	}
	d.local.ServeHTTP(w, r)
}

// runFilters runs the chain and returns the request to forward. On false the
// response has been written, or the client is gone.
func (d *Dispatcher) runFilters(w *ResponseWrapper, r *http.Request) (*http.Request, bool) {
	if d.chain == nil || d.chain.Len() == 0 {
		return r, true
	}

	ex := filter.NewExchange(w, r)
	allow, err := d.chain.Run(r.Context(), ex)
	if err != nil {
		// stop late filter writes before touching the response
		ex.Response.Close()
		if r.Context().Err() != nil {
			d.logger.WithContext(r.Context()).Debug("client went away during filters", log.Error(err))
			return nil, false
		}
		if ex.Response.Written() {
			return nil, false
		}
		d.fail(w, r, fmt.Errorf("%w: %w", ErrFilterFailed, err))
		return nil, false
	}
	if !allow {
		if ex.Response.Written() {
			d.observer.ObserveRejection("filter_rejected")
			return nil, false
		}
		d.fail(w, r, ErrFilterRejected)
		return nil, false
	}

	ex.Response.Commit()
	out := ex.Request
	if out == nil {
		out = r
	}
	return out, true
}

// buildTarget joins node, extra path and the rewritten request path. The
// returned key is the target without its query string.
func buildTarget(rule *router.RuleDetail, node *loadbalancer.Node, r *http.Request, upgrade bool) (*url.URL, string) {
	scheme := rule.Protocol
	switch {
	case upgrade && scheme == router.ProtocolHTTP:
		scheme = router.ProtocolWS
	case upgrade && scheme == router.ProtocolHTTPS:
		scheme = router.ProtocolWSS
	case !upgrade && scheme == router.ProtocolWS:
		scheme = router.ProtocolHTTP
	case !upgrade && scheme == router.ProtocolWSS:
		scheme = router.ProtocolHTTPS
	}

	host, base := node.URL, ""
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host, base = host[:i], host[i:]
	}
	path := base + rule.ExtraPath + rule.Rewrite(r.URL.Path)

	target := &url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path,
		RawQuery: r.URL.RawQuery,
	}
	return target, scheme + "://" + host + path
}

// fail answers r with the status mapped from err.
func (d *Dispatcher) fail(w *ResponseWrapper, r *http.Request, err error) {
	status, reason := d.statuses.classify(err)
	d.observer.ObserveRejection(reason)

	logger := d.logger.WithContext(r.Context())
	fields := []log.Field{
		log.String("path", r.URL.Path),
		log.Int("status", status),
		log.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Warn("request failed", fields...)
	} else {
		logger.Debug("request rejected", fields...)
	}

	if w.Written() {
		panic(http.ErrAbortHandler)
	}

	message := err.Error()
	var ue *UpstreamError
	if errors.As(err, &ue) {
		message = "upstream request failed"
	}
	d.writeError(w, w.Header().Get(HeaderRequestID), status, message)
}

func (d *Dispatcher) writeError(w http.ResponseWriter, requestID string, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Length")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":      http.StatusText(status),
		"message":    message,
		"request_id": requestID,
	})
}
