package loadbalancer

import (
	"sync"
	"testing"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://10.0.0.1:8080", "10.0.0.1:8080"},
		{"https://10.0.0.1:8443/", "10.0.0.1:8443"},
		{"ws://svc.local/base//", "svc.local/base"},
		{"10.0.0.1:8080", "10.0.0.1:8080"},
		{"  http://a:1/  ", "a:1"},
	}
	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegistry_RoundRobin(t *testing.T) {
	r := NewRegistry()
	r.AddServices("orders", "http://s1:80", "http://s2:80", "http://s3:80")

	expected := []string{"s1:80", "s2:80", "s3:80"}
	for round := 0; round < 3; round++ {
		for i, want := range expected {
			node := r.LoadBalance("orders")
			if node == nil {
				t.Fatalf("round %d request %d: got nil node", round+1, i+1)
			}
			if node.URL != want {
				t.Errorf("round %d request %d: got %s, want %s", round+1, i+1, node.URL, want)
			}
		}
	}
}

func TestRegistry_Dedup(t *testing.T) {
	r := NewRegistry()
	r.AddServices("orders", "http://s1:80", "s1:80/", "https://s1:80")
	r.AddServerNode("orders", "http://s2:80", "http://s1:80")

	nodes := r.Nodes("orders")
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes after dedup, got %v", nodes)
	}
}

func TestRegistry_UnknownOrEmpty(t *testing.T) {
	r := NewRegistry()
	if node := r.LoadBalance("missing"); node != nil {
		t.Errorf("expected nil for unknown service, got %v", node)
	}

	r.SetServiceNodes("empty", nil)
	if node := r.LoadBalance("empty"); node != nil {
		t.Errorf("expected nil for empty service, got %v", node)
	}
	if _, ok := r.Services()["empty"]; !ok {
		t.Error("empty service should still be listed")
	}
}

func TestRegistry_RemoveServiceNode(t *testing.T) {
	r := NewRegistry()
	r.AddServices("orders", "http://s1:80", "http://s2:80", "http://s3:80")

	// advance the cursor to s2
	r.LoadBalance("orders")

	if !r.RemoveServiceNode("orders", "http://s3:80/") {
		t.Fatal("expected node to be removed")
	}
	if r.RemoveServiceNode("orders", "http://s3:80") {
		t.Error("second removal should report false")
	}
	if r.RemoveServiceNode("missing", "http://s1:80") {
		t.Error("removal from unknown service should report false")
	}

	// cursor was reset to zero
	if node := r.LoadBalance("orders"); node.URL != "s1:80" {
		t.Errorf("expected s1:80 after reset, got %s", node.URL)
	}
	if node := r.LoadBalance("orders"); node.URL != "s2:80" {
		t.Errorf("expected s2:80, got %s", node.URL)
	}
	if node := r.LoadBalance("orders"); node.URL != "s1:80" {
		t.Errorf("expected wrap to s1:80, got %s", node.URL)
	}
}

func TestRegistry_ResetAndSet(t *testing.T) {
	r := NewRegistry()
	r.AddServices("old", "http://o1:80")

	r.ResetServiceNodes(map[string][]string{
		"orders": {"http://s1:80", "http://s1:80/"},
		"users":  {"http://u1:80"},
	})

	services := r.Services()
	if _, ok := services["old"]; ok {
		t.Error("reset should drop services not in the new map")
	}
	if len(services["orders"]) != 1 {
		t.Errorf("orders should be deduplicated, got %v", services["orders"])
	}

	r.SetServiceNodes("users", []string{"http://u2:80", "http://u3:80"})
	if got := r.Nodes("users"); len(got) != 2 || got[0] != "u2:80" {
		t.Errorf("unexpected users nodes %v", got)
	}

	names := r.ServiceNames()
	if len(names) != 2 || names[0] != "orders" || names[1] != "users" {
		t.Errorf("ServiceNames() = %v", names)
	}
}

func TestRegistry_ConcurrentFairness(t *testing.T) {
	r := NewRegistry()
	r.AddServices("orders", "http://s1:80", "http://s2:80", "http://s3:80", "http://s4:80")

	const goroutines = 16
	const perGoroutine = 1000

	var mu sync.Mutex
	counts := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make(map[string]int)
			for j := 0; j < perGoroutine; j++ {
				node := r.LoadBalance("orders")
				if node == nil {
					t.Error("unexpected nil node")
					return
				}
				local[node.URL]++
			}
			mu.Lock()
			for k, v := range local {
				counts[k] += v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	want := goroutines * perGoroutine / 4
	for node, got := range counts {
		if got != want {
			t.Errorf("node %s selected %d times, want exactly %d", node, got, want)
		}
	}
}

func TestRegistry_ConcurrentMutation(t *testing.T) {
	r := NewRegistry()
	r.AddServices("orders", "http://s1:80", "http://s2:80")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.LoadBalance("orders")
			}
		}
	}()

	for i := 0; i < 200; i++ {
		r.AddServices("orders", "http://s3:80")
		r.RemoveServiceNode("orders", "http://s3:80")
	}
	close(stop)
	wg.Wait()

	if got := r.Nodes("orders"); len(got) != 2 {
		t.Errorf("expected 2 nodes, got %v", got)
	}
}
