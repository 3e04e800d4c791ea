package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/energy-exchange/internal/metrics"
)

// NewRouter mounts the health, metrics, snapshot and websocket endpoints.
// hub may be nil.
func NewRouter(svc *Service, hub *WSHub) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware(routePattern))

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"energy-exchange"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live market events. Long-lived, so it
		// stays outside the request timeout.
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/status", svc.GetStatus)

			// Area tree and live markets.
			r.Get("/areas", svc.ListAreas)
			r.Get("/areas/{area}/markets", svc.ListMarkets)
			r.Get("/areas/{area}/markets/{slot}", svc.GetMarket)
			r.Get("/areas/{area}/markets/{slot}/offers", svc.GetOffers)
			r.Get("/areas/{area}/markets/{slot}/bids", svc.GetBids)
			r.Get("/areas/{area}/markets/{slot}/trades", svc.GetTrades)

			// Archive.
			r.Get("/areas/{area}/history", svc.GetHistory)
			r.Get("/archive/markets/{marketID}", svc.GetArchivedMarket)
			r.Get("/participants/{name}/trades", svc.GetParticipantTrades)
		})
	})
	return r
}

// routePattern labels request metrics with the matched route, keeping the
// path label bounded.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}
