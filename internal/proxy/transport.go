package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/songzhibin97/relaygate/internal/config"
)

const defaultBufferSize = 32 * 1024

// NewTransport builds the upstream transport from the proxy configuration.
func NewTransport(cfg config.ProxyConfig) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   orDefault(cfg.ConnectTimeout, 5*time.Second),
			KeepAlive: orDefault(cfg.KeepAlive, 30*time.Second),
		}).DialContext,
		ForceAttemptHTTP2:     true,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       orDefault(cfg.IdleConnTimeout, 90*time.Second),
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewClient wraps NewTransport in a client that never follows redirects;
// redirects are relayed to the caller as they are.
func NewClient(cfg config.ProxyConfig) *http.Client {
	return &http.Client{
		Transport: NewTransport(cfg),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newDialer(cfg config.ProxyConfig) *websocket.Dialer {
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: orDefault(cfg.WebSocket.HandshakeTimeout, 10*time.Second),
		ReadBufferSize:   cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  cfg.WebSocket.WriteBufferSize,
	}
}

func newUpgrader(cfg config.ProxyConfig) *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: orDefault(cfg.WebSocket.HandshakeTimeout, 10*time.Second),
		ReadBufferSize:   cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:  cfg.WebSocket.WriteBufferSize,
		// the upstream sees the forwarded Origin header and decides
		CheckOrigin: func(*http.Request) bool { return true },
	}
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
