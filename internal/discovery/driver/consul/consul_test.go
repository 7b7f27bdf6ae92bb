package consul

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
)

// fakeConsul serves the catalog and health endpoints. Blocking queries
// wait until the index moves or the wait time elapses.
type fakeConsul struct {
	mu      sync.Mutex
	index   uint64
	catalog map[string][]string
	entries map[string][]*consulapi.ServiceEntry
	changed chan struct{}
}

func newFakeConsul() *fakeConsul {
	return &fakeConsul{
		index:   1,
		catalog: map[string][]string{"consul": nil},
		entries: make(map[string][]*consulapi.ServiceEntry),
		changed: make(chan struct{}),
	}
}

func (f *fakeConsul) set(name string, tags []string, entries ...*consulapi.ServiceEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entries == nil {
		delete(f.catalog, name)
		delete(f.entries, name)
	} else {
		f.catalog[name] = tags
		f.entries[name] = entries
	}
	f.index++
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/catalog/services" {
		if idx := r.URL.Query().Get("index"); idx != "" {
			f.mu.Lock()
			current, changed := f.index, f.changed
			f.mu.Unlock()
			if idx == strconv.FormatUint(current, 10) {
				select {
				case <-changed:
				case <-time.After(20 * time.Millisecond):
				case <-r.Context().Done():
					return
				}
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Consul-Index", strconv.FormatUint(f.index, 10))
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/v1/catalog/services":
		_ = json.NewEncoder(w).Encode(f.catalog)
	case strings.HasPrefix(r.URL.Path, "/v1/health/service/"):
		name := strings.TrimPrefix(r.URL.Path, "/v1/health/service/")
		entries := f.entries[name]
		if r.URL.Query().Get("passing") == "" {
			http.Error(w, "expected passing filter", http.StatusBadRequest)
			return
		}
		if entries == nil {
			entries = []*consulapi.ServiceEntry{}
		}
		_ = json.NewEncoder(w).Encode(entries)
	default:
		http.NotFound(w, r)
	}
}

func entry(nodeAddr, svcAddr string, port int, meta map[string]string) *consulapi.ServiceEntry {
	return &consulapi.ServiceEntry{
		Node:    &consulapi.Node{Address: nodeAddr},
		Service: &consulapi.AgentService{Address: svcAddr, Port: port, Meta: meta},
	}
}

func newTestSource(t *testing.T, fake *fakeConsul, tag string) *Source {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg := config.ConsulDiscoveryConfig{
		Address:  strings.TrimPrefix(srv.URL, "http://"),
		Scheme:   "http",
		WaitTime: time.Second,
		Tag:      tag,
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return New(client, cfg, nil)
}

func TestSource_Snapshot(t *testing.T) {
	fake := newFakeConsul()
	fake.set("order", []string{"gateway"},
		entry("10.0.0.1", "", 8080, nil),
		entry("10.0.0.9", "10.0.0.2", 8443, map[string]string{"scheme": "https"}),
	)
	fake.set("internal", []string{"private"}, entry("10.0.5.1", "", 80, nil))

	src := newTestSource(t, fake, "gateway")
	services, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(services) != 1 {
		t.Fatalf("Expected only tagged services, got %v", services)
	}
	order := services["order"]
	if len(order) != 2 || order[0] != "http://10.0.0.1:8080" || order[1] != "https://10.0.0.2:8443" {
		t.Errorf("order = %v", order)
	}
}

func TestSource_Watch(t *testing.T) {
	fake := newFakeConsul()
	fake.set("order", nil, entry("10.0.0.1", "", 8080, nil))

	src := newTestSource(t, fake, "")
	if _, err := src.Snapshot(context.Background()); err != nil {
		t.Fatal(err)
	}

	events := make(chan *discovery.WatchEvent, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Watch(ctx, func(ev *discovery.WatchEvent) { events <- ev })
	}()

	next := func() *discovery.WatchEvent {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for event")
			return nil
		}
	}

	fake.set("user", nil, entry("10.0.1.1", "", 9090, nil))
	if ev := next(); ev.ServiceName != "user" || ev.Type != discovery.EventTypeServiceUpdated || ev.URLs[0] != "http://10.0.1.1:9090" {
		t.Errorf("user event = %+v", ev)
	}

	fake.set("order", nil)
	if ev := next(); ev.ServiceName != "order" || ev.Type != discovery.EventTypeServiceRemoved {
		t.Errorf("order event = %+v", ev)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestEntryURL(t *testing.T) {
	tests := []struct {
		name string
		e    *consulapi.ServiceEntry
		want string
	}{
		{"node address", entry("10.0.0.1", "", 80, nil), "http://10.0.0.1:80"},
		{"service address", entry("10.0.0.1", "10.0.0.2", 80, nil), "http://10.0.0.2:80"},
		{"no port", entry("10.0.0.1", "", 0, nil), ""},
		{"no address", entry("", "", 80, nil), ""},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := entryURL(tt.e); got != tt.want {
				t.Errorf("entryURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDriver_OpenValidation(t *testing.T) {
	if _, err := NewDriver().Open(&config.DiscoveryConfig{}, nil); err == nil {
		t.Error("Expected error without an address")
	}
}
