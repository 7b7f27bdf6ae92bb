package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/songzhibin97/relaygate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/relaygate/internal/loadbalancer"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(Options{
		Registry:  prometheus.NewRegistry(),
		Namespace: "test",
		Subsystem: "gateway",
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return p
}

// find returns the metric of family name whose labels include want.
func find(t *testing.T, p *Provider, name string, want map[string]string) *dto.Metric {
	t.Helper()
	families, err := p.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
				}
			}
			if match {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, want)
	return nil
}

func TestProvider_ObserveRequest(t *testing.T) {
	p := newTestProvider(t)

	p.ObserveRequest("order", 200, 20*time.Millisecond)
	p.ObserveRequest("order", 200, 40*time.Millisecond)
	p.ObserveRequest("order", 502, time.Millisecond)

	if got := find(t, p, "test_gateway_requests_total", map[string]string{"service": "order", "code": "200"}).GetCounter().GetValue(); got != 2 {
		t.Errorf("Expected 2 successful requests, got %v", got)
	}
	if got := find(t, p, "test_gateway_requests_total", map[string]string{"code": "502"}).GetCounter().GetValue(); got != 1 {
		t.Errorf("Expected 1 failed request, got %v", got)
	}
	h := find(t, p, "test_gateway_request_duration_seconds", map[string]string{"service": "order"}).GetHistogram()
	if h.GetSampleCount() != 3 {
		t.Errorf("Expected 3 samples, got %d", h.GetSampleCount())
	}
}

func TestProvider_ObserveRejection(t *testing.T) {
	p := newTestProvider(t)

	p.ObserveRejection("breaker_open")
	p.ObserveRejection("breaker_open")
	p.ObserveRejection("no_node")

	if got := find(t, p, "test_gateway_rejections_total", map[string]string{"reason": "breaker_open"}).GetCounter().GetValue(); got != 2 {
		t.Errorf("Expected 2 breaker rejections, got %v", got)
	}
}

func TestProvider_BreakerCallback(t *testing.T) {
	p := newTestProvider(t)

	cfg := circuitbreaker.DefaultConfig()
	cfg.FailThreshold = 1
	b := circuitbreaker.New(cfg, circuitbreaker.WithStateChangeCallback(p.ObserveBreakerState))
	b.SetFail("http://10.0.0.1:80/a")

	g := find(t, p, "test_gateway_breaker_state", map[string]string{"endpoint": "http://10.0.0.1:80/a"}).GetGauge()
	if g.GetValue() != float64(circuitbreaker.StateTripped) {
		t.Errorf("Expected tripped gauge, got %v", g.GetValue())
	}
	if got := find(t, p, "test_gateway_breaker_transitions_total", map[string]string{"to": "TRIPPED"}).GetCounter().GetValue(); got != 1 {
		t.Errorf("Expected 1 transition, got %v", got)
	}
}

func TestProvider_WatchRegistry(t *testing.T) {
	p := newTestProvider(t)

	r := loadbalancer.NewRegistry()
	r.AddServices("order", "10.0.0.1:80", "10.0.0.2:80")
	if err := p.WatchRegistry(r); err != nil {
		t.Fatal(err)
	}

	if got := find(t, p, "test_gateway_service_nodes", map[string]string{"service": "order"}).GetGauge().GetValue(); got != 2 {
		t.Errorf("Expected 2 nodes, got %v", got)
	}

	// values are read at scrape time
	r.AddServices("order", "10.0.0.3:80")
	if got := find(t, p, "test_gateway_service_nodes", map[string]string{"service": "order"}).GetGauge().GetValue(); got != 3 {
		t.Errorf("Expected 3 nodes after update, got %v", got)
	}
}

func TestProvider_Handler(t *testing.T) {
	p := newTestProvider(t)
	p.ObserveRequest("order", 200, time.Millisecond)

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `test_gateway_requests_total{code="200",service="order"} 1`) {
		t.Errorf("Expected request counter in exposition, got:\n%s", body)
	}
}

func TestNewProvider_DefaultRegistry(t *testing.T) {
	p, err := NewProvider(Options{Namespace: "relaygate"})
	if err != nil {
		t.Fatal(err)
	}
	families, err := p.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "go_") {
			return
		}
	}
	t.Error("Expected Go runtime metrics in the default registry")
}
