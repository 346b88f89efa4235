// Authgate - Converge Community Platform Auth Gateway
// Copyright 2026 Converge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/convergehq/authgate

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convergehq/authgate/internal/config"
	"github.com/convergehq/authgate/internal/middleware"
	"github.com/convergehq/authgate/internal/ratelimit"
)

// Router assembles the HTTP routing tree from the injected middleware and
// handlers.
type Router struct {
	cfg        *config.Config
	middleware *Middleware
	handler    *Handler
}

// NewRouter creates the router.
func NewRouter(cfg *config.Config, mw *Middleware, handler *Handler) *Router {
	return &Router{
		cfg:        cfg,
		middleware: mw,
		handler:    handler,
	}
}

// Setup configures all routes.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global middleware, applied to every route in order.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   router.cfg.Security.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", router.cfg.Security.PrincipalHeader},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	// Observability endpoints stay outside the auth chain.
	r.Get("/healthz", router.handler.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.globalThrottle())
		r.Use(middleware.PrometheusMetrics)
		r.Use(router.middleware.Authenticate)

		// Registration is the sensitive anonymous route; it gets the
		// strict fixed-window limiter on top of the global throttle.
		r.With(router.middleware.RateLimit(
			router.cfg.RateLimit.RegistrationRequests,
			router.cfg.RateLimit.RegistrationWindow,
		)).Post("/register", router.handler.Register)

		r.With(router.middleware.RequireAuth).Get("/auth/me", router.handler.AuthMe)

		r.Route("/admin", func(r chi.Router) {
			r.Use(router.middleware.RequireAdmin)

			r.Get("/users", router.handler.AdminList)
			r.Post("/users", router.handler.AdminGrant)
			r.Delete("/users/{email}", router.handler.AdminRevoke)
			r.Get("/audit", router.handler.AdminAudit)
		})
	})

	return r
}

// globalThrottle is the coarse per-IP ceiling over all API routes. It is
// defense in depth over the route-specific fixed-window limiter, so the
// sliding-window httprate implementation is fine here.
func (router *Router) globalThrottle() func(http.Handler) http.Handler {
	if router.cfg.RateLimit.Disabled {
		return func(next http.Handler) http.Handler { return next }
	}

	return httprate.Limit(
		router.cfg.RateLimit.GlobalRequests,
		router.cfg.RateLimit.GlobalWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			respondRateLimited(w, ratelimit.Result{
				Limit:      router.cfg.RateLimit.GlobalRequests,
				Remaining:  0,
				ResetAt:    time.Now().Add(router.cfg.RateLimit.GlobalWindow),
				RetryAfter: router.cfg.RateLimit.GlobalWindow,
			})
		}),
	)
}
