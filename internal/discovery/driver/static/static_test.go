package static

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/discovery"
)

const servicesYAML = `
services:
  order:
    urls:
      - http://10.0.0.1:8080
    instances:
      - host: 10.0.0.2
        port: 8080
      - host: 10.0.0.3
        port: 8080
        status: down
  user:
    instances:
      - host: 10.0.1.1
        port: 9090
        scheme: https
`

func writeFile(t *testing.T, path, content string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestParse(t *testing.T) {
	services, err := Parse([]byte(servicesYAML), ".yaml")
	if err != nil {
		t.Fatal(err)
	}

	order := services["order"]
	if len(order) != 2 || order[0] != "http://10.0.0.1:8080" || order[1] != "http://10.0.0.2:8080" {
		t.Errorf("order = %v", order)
	}
	if user := services["user"]; len(user) != 1 || user[0] != "https://10.0.1.1:9090" {
		t.Errorf("user = %v", user)
	}
}

func TestParse_JSON(t *testing.T) {
	services, err := Parse([]byte(`{"services":{"pay":{"urls":["10.0.2.1:80"]}}}`), ".json")
	if err != nil {
		t.Fatal(err)
	}
	if got := services["pay"]; len(got) != 1 || got[0] != "10.0.2.1:80" {
		t.Errorf("pay = %v", got)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		ext  string
	}{
		{"bad yaml", "services: [", ".yaml"},
		{"bad json", "{", ".json"},
		{"missing port", "services:\n  a:\n    instances:\n      - host: x\n", ".yml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data), tt.ext); err == nil {
				t.Error("Expected parse error")
			}
		})
	}
}

func TestDriver_Open(t *testing.T) {
	d := NewDriver()
	if d.Name() != "static" {
		t.Errorf("Name() = %s", d.Name())
	}
	if _, err := d.Open(&config.DiscoveryConfig{}, nil); err == nil {
		t.Error("Expected error without a path")
	}
	if _, err := d.Open(nil, nil); err == nil {
		t.Error("Expected error for nil config")
	}
}

func TestSource_WatchReportsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	base := time.Now().Add(-time.Hour)
	writeFile(t, path, servicesYAML, base)

	src := New(config.StaticDiscoveryConfig{Path: path, PollInterval: 5 * time.Millisecond}, nil)
	defer src.Close()

	snap, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 2 {
		t.Fatalf("Expected 2 services, got %v", snap)
	}

	events := make(chan *discovery.WatchEvent, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Watch(ctx, func(ev *discovery.WatchEvent) { events <- ev })
	}()

	writeFile(t, path, "services:\n  order:\n    urls: [http://10.0.0.9:8080]\n", base.Add(time.Minute))

	got := map[string]*discovery.WatchEvent{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got[ev.ServiceName] = ev
		case <-timeout:
			t.Fatalf("timed out, events so far: %v", got)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() = %v", err)
	}

	if ev := got["order"]; ev.Type != discovery.EventTypeServiceUpdated || ev.URLs[0] != "http://10.0.0.9:8080" {
		t.Errorf("order event = %+v", ev)
	}
	if ev := got["user"]; ev.Type != discovery.EventTypeServiceRemoved {
		t.Errorf("user event = %+v", ev)
	}
}

func TestSource_BrokenFileKeepsServices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	base := time.Now().Add(-time.Hour)
	writeFile(t, path, servicesYAML, base)

	src := New(config.StaticDiscoveryConfig{Path: path}, nil)
	if _, err := src.Snapshot(context.Background()); err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "services: [", base.Add(time.Minute))
	var events []*discovery.WatchEvent
	if err := src.checkAndReload(func(ev *discovery.WatchEvent) { events = append(events, ev) }); err != nil {
		t.Fatalf("checkAndReload() = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected no events for a broken file, got %v", events)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := src.checkAndReload(func(*discovery.WatchEvent) {}); err == nil {
		t.Error("Expected an error once the file is gone")
	}
}
