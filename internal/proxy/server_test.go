package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/songzhibin97/relaygate/internal/config"
	"golang.org/x/net/http2"
)

func startServer(t *testing.T, cfg config.ServerConfig, h http.Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(cfg, h, nil)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		if err := <-done; err != nil {
			t.Errorf("Serve() = %v after shutdown", err)
		}
	})
	return "http://" + ln.Addr().String()
}

func TestServer_H2C(t *testing.T) {
	up := namedUpstream(t, "up", nil)

	d := New()
	d.AddServices("svc", up.URL)
	_ = d.AddRule("/svc/**", "http://svc", "", "")
	d.Activate()

	base := startServer(t, config.ServerConfig{H2C: true}, d)

	h2 := &http.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},
	}}

	resp, err := h2.Get(base + "/svc/ping")
	if err != nil {
		t.Fatalf("h2c request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.ProtoMajor != 2 {
		t.Errorf("proto = %s, want HTTP/2", resp.Proto)
	}
	if string(body) != "up /svc/ping" {
		t.Errorf("body = %q", body)
	}

	// plain HTTP/1.1 still works on the same port
	resp1, err := http.Get(base + "/svc/ping")
	if err != nil {
		t.Fatal(err)
	}
	resp1.Body.Close()
	if resp1.ProtoMajor != 1 || resp1.StatusCode != http.StatusOK {
		t.Errorf("http/1.1 request: %s %d", resp1.Proto, resp1.StatusCode)
	}
}
