package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/theatreos/engine/internal/logging"
)

// Server wraps http.Server as a supervised service.
type Server struct {
	srv *http.Server
}

// NewServer builds the listener for the router.
func NewServer(host string, port int, handler http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No global write timeout: SSE and websocket streams outlive any
		// sane value; per-request deadlines come from the router.
	}}
}

// Serve implements suture.Service: listen until the context ends, then
// shut down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.srv.Addr).Msg("http server listening")
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warn().Err(err).Msg("http shutdown failed")
		}
		return ctx.Err()
	}
}

func (s *Server) String() string { return "http-server" }
