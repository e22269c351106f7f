// Package admin exposes the minimal liveness/readiness HTTP surface each
// component process runs alongside its pipeline loop. Anything beyond
// health and readiness (dashboards, an admin CLI, a web UI) is out of
// scope; this is the ambient "is the process OK" endpoint every component
// needs to be supervisable.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

// HealthSource reports the liveness details of the component runtime this
// admin surface is attached to.
type HealthSource interface {
	HealthDetails() map[string]any
}

// Server is the minimal health/ready HTTP surface for one component.
type Server struct {
	component string
	source    HealthSource
	startedAt time.Time
	router    *mux.Router
	limiter   *rate.Limiter
}

// New builds an admin Server wired to source. The health/ready endpoints
// are rate limited (10 req/s, burst 20) since they run unauthenticated on
// every component process and should never become a load-bearing or
// amplification surface for a misbehaving supervisor/prober.
func New(component string, source HealthSource) *Server {
	s := &Server{
		component: component,
		source:    source,
		startedAt: time.Now(),
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
	}
	s.router = mux.NewRouter()
	s.router.Use(s.rateLimit)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	return s
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the http.Handler to mount (or serve directly via
// http.ListenAndServe).
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthResponse struct {
	Component string         `json:"component"`
	Status    string         `json:"status"`
	UptimeSec float64        `json:"uptime_seconds"`
	Details   map[string]any `json:"details"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	details := s.source.HealthDetails()
	resp := healthResponse{
		Component: s.component,
		Status:    "healthy",
		UptimeSec: time.Since(s.startedAt).Seconds(),
		Details:   details,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// handleReady reports not-ready (503) whenever the source's broker_alive
// detail is false; the runtime clears that flag when a claim fails and sets
// it again on the next successful claim.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	details := s.source.HealthDetails()
	alive, _ := details["broker_alive"].(bool)

	status := http.StatusOK
	body := "ready"
	if !alive {
		status = http.StatusServiceUnavailable
		body = "not ready"
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
