package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"fringe/internal/logging"
)

// Server exposes /metrics and a liveness endpoint on the configured listen
// address. Disabled entirely when the config leaves metrics off.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	boundAddr  string
}

// NewServer builds the exposition server for the given listen address.
func NewServer(listen string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "healthy",
			"ts":     time.Now().UTC().Format(time.RFC3339),
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         listen,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(logging.String("component", "metrics")),
	}
}

// Start binds the listener and serves in the background. Bind failures are
// returned synchronously so a bad listen address fails daemon startup.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.boundAddr = listener.Addr().String()
	s.logger.Info("metrics listener started", logging.String("listen", s.boundAddr))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics listener failed", logging.Error(err))
		}
	}()
	return nil
}

// Addr reports the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	return s.boundAddr
}

// Stop drains and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
