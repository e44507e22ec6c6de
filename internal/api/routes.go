package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)
	r.Post("/login", s.HandleLogin)

	r.Get("/clock", s.HandleGetClock)
	r.Get("/gateway", s.HandleGetGateway)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/clock/advance", s.HandleAdvanceClock)
		r.Post("/uplink", s.HandlePublishUplink)
	})
}

func (s *RESTServer) setupMetricsRoute() {
	gatherer := s.deps.Metrics.Gatherer()
	if gatherer == nil {
		return
	}
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
