package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns a configured chi.Router for the dashboard mirror.
//
// Route layout:
//
//	GET   /healthz                              liveness probe (no auth)
//	GET   /metrics                              Prometheus exposition (no auth)
//	GET   /ws                                   snapshot push over WebSocket
//	GET   /api/v1/snapshot                      current store state
//	POST  /api/v1/refresh                       reload all collections
//	POST  /api/v1/signals                       report a signal
//	PATCH /api/v1/signals/{id}/status           transition a signal
//	PATCH /api/v1/notifications/{id}/read       mark one notification read
//	POST  /api/v1/notifications/mark-all-read   mark every notification read
//	PUT   /api/v1/role                          switch the active role
//	PATCH /api/v1/user                          edit the active identity
//	POST  /api/v1/theme/toggle                  flip dark mode
//	GET   /api/v1/activity                      recent operation outcomes
//	POST  /api/v1/assist/{chat,zone,case}       text-generation helpers
//
// auth enables RS256 bearer validation on /api/v1 and /ws. Pass nil to
// disable it.
func NewRouter(srv *Server, auth *JWTConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if srv.metrics != nil {
		r.Use(srv.metrics.instrument)
	}

	r.Get("/healthz", srv.handleHealthz)
	if srv.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(JWTMiddleware(*auth))
		}

		if srv.ws != nil {
			r.Method(http.MethodGet, "/ws", srv.ws)
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/snapshot", srv.handleGetSnapshot)
			r.Post("/refresh", srv.handleRefresh)

			r.Post("/signals", srv.handleCreateSignal)
			r.Patch("/signals/{id}/status", srv.handleSetSignalStatus)

			r.Patch("/notifications/{id}/read", srv.handleMarkNotificationRead)
			r.Post("/notifications/mark-all-read", srv.handleMarkAllNotificationsRead)

			r.Put("/role", srv.handleSetRole)
			r.Patch("/user", srv.handleUpdateUser)
			r.Post("/theme/toggle", srv.handleToggleTheme)

			r.Get("/activity", srv.handleGetActivity)

			r.Route("/assist", func(r chi.Router) {
				r.Post("/chat", srv.handleAssistChat)
				r.Post("/zone", srv.handleAssistZone)
				r.Post("/case", srv.handleAssistCase)
			})
		})
	})

	return r
}
