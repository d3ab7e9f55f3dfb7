package server

import (
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gridlane/gridlane/internal/core/gridstatus"
	"github.com/gridlane/gridlane/internal/observability"
	"github.com/gridlane/gridlane/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes(adminToken string) {
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)

	// Metrics endpoint (in server package to access HandleError)
	s.router.Get("/metrics", MetricsHandler)

	if s.api != nil {
		s.router.Route("/api/v1", s.registerAPI)
	}

	s.registerAdminEndpoint(adminToken)
}

func (s *Server) registerAPI(r chi.Router) {
	api := s.api

	r.Get("/health", handlers.HealthHandler)
	r.Get("/endpoints", api.CatalogHandler)
	r.Get("/fetch/{endpoint}", api.FetchHandler)

	r.Route("/dayahead", func(r chi.Router) {
		r.Get("/latest", api.EndpointHandler(gridstatus.DayAheadLatest))
		r.Get("/date/{date}", api.EndpointHandler(gridstatus.DayAheadDate, "date"))
		r.Get("/range", api.EndpointHandler(gridstatus.DayAheadRange))
	})
	r.Route("/realtime", func(r chi.Router) {
		r.Get("/latest", api.EndpointHandler(gridstatus.RealTimeLatest))
		r.Get("/last24h", api.EndpointHandler(gridstatus.RealTimeLast24h))
		r.Get("/range", api.EndpointHandler(gridstatus.RealTimeRange))
	})
	r.Route("/load", func(r chi.Router) {
		r.Get("/actual", api.EndpointHandler(gridstatus.LoadActual))
		r.Get("/actual/{date}", api.EndpointHandler(gridstatus.LoadActual, "date"))
		r.Get("/forecast", api.EndpointHandler(gridstatus.LoadForecast))
		r.Get("/forecast/{date}", api.EndpointHandler(gridstatus.LoadForecast, "date"))
	})

	r.Get("/stats", api.StatsHandler)
	r.Get("/pool/stats", api.PoolStatsHandler)
	r.Post("/pool/reset", api.PoolResetHandler)
	r.Get("/cache/stats", api.CacheStatsHandler)
	r.Post("/cache/clear", api.CacheClearHandler)
	r.Get("/queue/stats", api.QueueStatsHandler)
	r.Post("/queue/clear", api.QueueClearHandler)
}

// registerAdminEndpoint registers the signal endpoint when a token is set.
func (s *Server) registerAdminEndpoint(adminToken string) {
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no GRIDLANE_ADMIN_TOKEN set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,  // 10 requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // use default global manager
	})

	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
