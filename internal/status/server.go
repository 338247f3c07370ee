package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/randomstring/MQTTsensord/internal/buildinfo"
	"github.com/randomstring/MQTTsensord/internal/connwatch"
)

// Health reports dependency status. [*connwatch.Manager] implements it.
type Health interface {
	Status() []connwatch.Status
	Healthy() bool
}

// Server is the status HTTP server.
type Server struct {
	address string
	port    int
	board   *Board
	health  Health
	metrics http.Handler
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a status server. health and metrics may be nil.
func NewServer(address string, port int, board *Board, health Health, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		board:   board,
		health:  health,
		metrics: metrics,
		logger:  logger,
	}
}

// Handler returns the router. It is exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/version", s.handleVersion)
	r.Get("/healthz", s.handleHealth)
	r.Route("/sensors", func(r chi.Router) {
		r.Get("/", s.handleSensors)
		r.Get("/{name}", s.handleSensor)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.address, fmt.Sprint(s.port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting status server", "address", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("status request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON encodes v with the given status code, logging write errors
// at debug level.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"name":    "mqttsensord",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Current())
}

type healthResponse struct {
	Status       string             `json:"status"`
	Dependencies []connwatch.Status `json:"dependencies"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Dependencies: []connwatch.Status{}}
	code := http.StatusOK
	if s.health != nil {
		resp.Dependencies = s.health.Status()
		if !s.health.Healthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleSensors(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.board.Sensors())
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	v, ok := s.board.Sensor(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown sensor: " + name})
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}
