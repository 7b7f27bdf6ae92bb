package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/songzhibin97/relaygate/internal/config"
	"github.com/songzhibin97/relaygate/pkg/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server represents the gateway HTTP server
type Server struct {
	config     config.ServerConfig
	httpServer *http.Server
	logger     log.Logger
}

// NewServer creates the gateway server for handler. With H2C enabled,
// cleartext HTTP/2 is served next to HTTP/1.1 on the same port.
func NewServer(cfg config.ServerConfig, handler http.Handler, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}

	if cfg.H2C {
		handler = h2c.NewHandler(handler, &http2.Server{
			IdleTimeout: cfg.IdleTimeout,
		})
	}

	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		logger:     logger,
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("gateway server listening",
		log.String("address", ln.Addr().String()),
		log.Bool("h2c", s.config.H2C),
	)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("gateway server shutting down")
	return s.httpServer.Shutdown(ctx)
}
