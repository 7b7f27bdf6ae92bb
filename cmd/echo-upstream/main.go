package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/songzhibin97/relaygate/internal/log/driver/stdout"
	"github.com/songzhibin97/relaygate/pkg/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var (
	address = flag.String("addr", ":8081", "Listen address")
	name    = flag.String("name", "echo", "Name reported in responses")
	version = flag.Bool("version", false, "Show version information")
)

// Version information
var (
	Version   = "v1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EchoServer is a small upstream for exercising the gateway. It answers every
// request with what it received and echoes WebSocket messages on /ws.
type EchoServer struct {
	name       string
	httpServer *http.Server
	mux        *http.ServeMux
	logger     log.Logger
}

// NewEchoServer creates an echo server listening on addr
func NewEchoServer(addr, name string, logger log.Logger) *EchoServer {
	if logger == nil {
		logger = log.NewNop()
	}
	mux := http.NewServeMux()
	s := &EchoServer{
		name:   name,
		mux:    mux,
		logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", s.handleEcho)
	return s
}

// EchoResponse is the body written for plain HTTP requests
type EchoResponse struct {
	Server   string              `json:"server"`
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	Query    string              `json:"query,omitempty"`
	Protocol string              `json:"protocol"`
	Headers  map[string][]string `json:"headers"`
}

func (s *EchoServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"server":    s.name,
		"version":   Version,
		"timestamp": time.Now().Unix(),
	})
}

func (s *EchoServer) handleEcho(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("echo request",
		log.String("method", r.Method),
		log.String("path", r.URL.Path),
		log.String("proto", r.Proto),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Upstream", s.name)
	_ = json.NewEncoder(w).Encode(EchoResponse{
		Server:   s.name,
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    r.URL.RawQuery,
		Protocol: r.Proto,
		Headers:  r.Header,
	})
}

func (s *EchoServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", log.Error(err))
		return
	}
	defer conn.Close()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", log.Error(err))
			}
			return
		}
		if err := conn.WriteMessage(mt, msg); err != nil {
			return
		}
	}
}

// Serve serves on ln until Shutdown
func (s *EchoServer) Serve(ln net.Listener) error {
	s.logger.Info("echo upstream listening",
		log.String("address", ln.Addr().String()),
		log.String("name", s.name),
	)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address
func (s *EchoServer) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Shutdown gracefully shuts down the server
func (s *EchoServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Echo Upstream %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		os.Exit(0)
	}

	logger, err := stdout.New(stdout.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	server := NewEchoServer(*address, *name, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("echo upstream failed", log.Error(err))
			os.Exit(1)
		}
	case <-sigChan:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", log.Error(err))
	}
}
