package prometheus

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songzhibin97/relaygate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/relaygate/internal/loadbalancer"
)

// Options for creating a Provider
type Options struct {
	// Registry receives the gateway collectors. A fresh registry with Go and
	// process collectors is created when nil.
	Registry    *prometheus.Registry
	Namespace   string
	Subsystem   string
	ConstLabels map[string]string
}

// Provider exposes gateway metrics to Prometheus. It observes dispatch
// outcomes, breaker state changes and registry sizes.
type Provider struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	rejections  *prometheus.CounterVec
	breaker     *prometheus.GaugeVec
	transitions *prometheus.CounterVec

	namespace   string
	subsystem   string
	constLabels prometheus.Labels
}

// NewProvider creates a Provider and registers its collectors
func NewProvider(opts Options) (*Provider, error) {
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	constLabels := make(prometheus.Labels, len(opts.ConstLabels))
	for k, v := range opts.ConstLabels {
		constLabels[k] = v
	}

	p := &Provider{
		registry:    registry,
		namespace:   opts.Namespace,
		subsystem:   opts.Subsystem,
		constLabels: constLabels,
	}

	p.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   p.namespace,
		Subsystem:   p.subsystem,
		Name:        "requests_total",
		Help:        "Requests handled by the gateway, by service and status code.",
		ConstLabels: constLabels,
	}, []string{"service", "code"})

	p.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   p.namespace,
		Subsystem:   p.subsystem,
		Name:        "request_duration_seconds",
		Help:        "Time from request arrival until the response is complete.",
		ConstLabels: constLabels,
		Buckets:     prometheus.DefBuckets,
	}, []string{"service"})

	p.rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   p.namespace,
		Subsystem:   p.subsystem,
		Name:        "rejections_total",
		Help:        "Requests answered by the gateway itself, by reason.",
		ConstLabels: constLabels,
	}, []string{"reason"})

	p.breaker = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   p.namespace,
		Subsystem:   p.subsystem,
		Name:        "breaker_state",
		Help:        "Circuit breaker state per endpoint (0 healthy, 1 tripped, 2 trial).",
		ConstLabels: constLabels,
	}, []string{"endpoint"})

	p.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   p.namespace,
		Subsystem:   p.subsystem,
		Name:        "breaker_transitions_total",
		Help:        "Circuit breaker state changes, by target state.",
		ConstLabels: constLabels,
	}, []string{"to"})

	for _, c := range []prometheus.Collector{p.requests, p.duration, p.rejections, p.breaker, p.transitions} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return p, nil
}

// Registry returns the registry the provider writes to
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus text format
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// ObserveRequest records one finished request
func (p *Provider) ObserveRequest(service string, status int, elapsed time.Duration) {
	p.requests.WithLabelValues(service, strconv.Itoa(status)).Inc()
	p.duration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// ObserveRejection records a response produced by the gateway itself
func (p *Provider) ObserveRejection(reason string) {
	p.rejections.WithLabelValues(reason).Inc()
}

// ObserveBreakerState records a breaker transition. Its signature matches
// circuitbreaker.StateChangeFunc.
func (p *Provider) ObserveBreakerState(endpoint string, _, to circuitbreaker.State) {
	p.breaker.WithLabelValues(endpoint).Set(float64(to))
	p.transitions.WithLabelValues(to.String()).Inc()
}

// WatchRegistry exports the node count of every service in r
func (p *Provider) WatchRegistry(r *loadbalancer.Registry) error {
	return p.registry.Register(&nodesCollector{
		registry: r,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(p.namespace, p.subsystem, "service_nodes"),
			"Registered nodes per service.",
			[]string{"service"},
			p.constLabels,
		),
	})
}

// nodesCollector reads node counts at scrape time
type nodesCollector struct {
	registry *loadbalancer.Registry
	desc     *prometheus.Desc
}

func (c *nodesCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *nodesCollector) Collect(ch chan<- prometheus.Metric) {
	for service, nodes := range c.registry.Services() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(len(nodes)), service)
	}
}
