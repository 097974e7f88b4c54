package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// ErrBind is returned when the relay cannot listen on its address
var ErrBind = errors.New("failed to bind relay listener")

const shutdownTimeout = 5 * time.Second

// Server runs the HTTP server that carries the sync channel
type Server struct {
	addr    string
	handler http.Handler
	server  *http.Server
}

// NewServer creates a server for addr ("host:port")
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Listen binds the configured address. A bind failure wraps ErrBind.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("%w on %s: %v", ErrBind, s.addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay server failed: %w", err)

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Shutdown does not wait for hijacked WebSocket connections; the
		// broadcast group closes those itself.
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("relay server forced to shutdown", "err", err)
			_ = s.server.Close()
		}
		return nil
	}
}

// Start binds and serves; it blocks until ctx is cancelled or binding fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
