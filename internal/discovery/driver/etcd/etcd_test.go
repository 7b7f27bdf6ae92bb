package etcd

import (
	"testing"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
)

const prefix = "/relaygate/services/"

func TestIndex_PutDelete(t *testing.T) {
	idx := newIndex(prefix)

	tests := []struct {
		key, url string
		want     string
	}{
		{prefix + "order/a", "http://10.0.0.1:80", "order"},
		{prefix + "order/b", "http://10.0.0.2:80", "order"},
		{prefix + "user/a", "http://10.0.1.1:80", "user"},
		{prefix + "order", "http://bad", ""},
		{prefix + "/x", "http://bad", ""},
		{"/other/order/a", "http://bad", ""},
	}
	for _, tt := range tests {
		if got := idx.put(tt.key, tt.url); got != tt.want {
			t.Errorf("put(%s) = %q, want %q", tt.key, got, tt.want)
		}
	}

	services := idx.services()
	if len(services) != 2 || len(services["order"]) != 2 {
		t.Fatalf("services = %v", services)
	}

	// overwrite keeps one entry per key
	idx.put(prefix+"order/a", "http://10.0.0.9:80")
	if got := idx.urls("order"); len(got) != 2 || got[1] != "http://10.0.0.9:80" {
		t.Errorf("urls after overwrite = %v", got)
	}

	if got := idx.delete(prefix + "user/a"); got != "user" {
		t.Errorf("delete returned %q", got)
	}
	if _, ok := idx.services()["user"]; ok {
		t.Error("Expected user removed with its last node")
	}
	if got := idx.delete(prefix + "missing/a"); got != "" {
		t.Errorf("delete of unknown key returned %q", got)
	}
}

func TestIndex_Events(t *testing.T) {
	idx := newIndex(prefix)
	idx.put(prefix+"order/a", "http://10.0.0.1:80")
	idx.put(prefix+"user/a", "http://10.0.1.1:80")
	idx.delete(prefix + "user/a")

	events := idx.events(map[string]bool{"order": true, "user": true})
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].ServiceName != "order" || events[0].Type != discovery.EventTypeServiceUpdated || len(events[0].URLs) != 1 {
		t.Errorf("order event = %+v", events[0])
	}
	if events[1].ServiceName != "user" || events[1].Type != discovery.EventTypeServiceRemoved {
		t.Errorf("user event = %+v", events[1])
	}
}

func TestIndex_EmptyValueRemovesNode(t *testing.T) {
	idx := newIndex(prefix)
	idx.put(prefix+"order/a", "http://10.0.0.1:80")
	if got := idx.put(prefix+"order/a", " "); got != "order" {
		t.Errorf("put empty = %q", got)
	}
	if len(idx.services()) != 0 {
		t.Errorf("Expected no services, got %v", idx.services())
	}
}

func TestDriver_OpenValidation(t *testing.T) {
	d := NewDriver()
	tests := []struct {
		name string
		cfg  *config.DiscoveryConfig
	}{
		{"nil", nil},
		{"no endpoints", &config.DiscoveryConfig{Etcd: config.EtcdDiscoveryConfig{Prefix: prefix}}},
		{"bad prefix", &config.DiscoveryConfig{Etcd: config.EtcdDiscoveryConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.Open(tt.cfg, nil); err == nil {
				t.Error("Expected error")
			}
		})
	}
}
