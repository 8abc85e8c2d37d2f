package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/trade"
)

// newRouter serves the ops endpoints, the notification websocket and the
// order API.
func newRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"service":    "settlementd",
			"pairs":      len(a.engine.Pairs().List()),
			"ws_clients": a.hub.Clients(),
		})
	})

	r.Handle("/metrics", metrics.Handler())

	// Websocket connections are long-lived, so no request timeout here.
	r.Get("/ws", a.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Route("/api/v1", trade.NewService(a.engine, a.logger).Routes)
	})
	return r
}
