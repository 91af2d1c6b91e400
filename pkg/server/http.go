package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Health is the /health response body
type Health struct {
	Status        string `json:"status"`
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Clients       int    `json:"clients"`
	Rooms         int    `json:"rooms"`
}

func (s *Server) health() Health {
	state := s.State()
	status := "ok"
	if state != StateRunning {
		status = "unavailable"
	}
	var uptime int64
	if !s.startTime.IsZero() {
		uptime = int64(time.Since(s.startTime).Seconds())
	}
	return Health{
		Status:        status,
		State:         state.String(),
		UptimeSeconds: uptime,
		Clients:       s.registry.ClientCount(),
		Rooms:         s.registry.RoomCount(),
	}
}

// HealthHandler serves /health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h := s.health()

	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

// metricsRouter serves /metrics and /health on the internal port
func (s *Server) metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/health", s.HealthHandler)
	return r
}

// webSocketRouter serves the lobby over /ws
func (s *Server) webSocketRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.HandleWebSocket)
	return r
}

// requestLogger logs each HTTP request at debug level
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
