// Lenswatch - Camera Event and Media Lifecycle Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lenswatch

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/lenswatch/internal/auth"
)

// Router assembles the Chi route tree from the handler set and the
// middleware stacks.
type Router struct {
	handler *Handler
	chiMW   *ChiMiddleware
	authMW  *auth.Middleware
}

// NewRouter creates a router.
func NewRouter(handler *Handler, chiMW *ChiMiddleware, authMW *auth.Middleware) *Router {
	return &Router{handler: handler, chiMW: chiMW, authMW: authMW}
}

// Setup builds the full route tree.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	// Global stack, applied to every route. CORS must be global so
	// OPTIONS preflights are answered before auth runs.
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMW.CORS())

	// Health endpoints stay unauthenticated for monitors and orchestration
	// probes, with a permissive rate limit.
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(router.chiMW.RateLimitHealth())
		r.Use(APISecurityHeaders())
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	// Prometheus scrape endpoint.
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Data endpoints require authentication.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(router.chiMW.RateLimit())
		r.Use(APISecurityHeaders())
		r.Use(PrometheusMetrics())
		r.Use(chiMiddleware(router.authMW.Authenticate))

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", router.handler.ListDevices)
			r.Post("/", router.handler.RegisterDevice)
			r.Get("/{deviceID}", router.handler.GetDevice)
			r.Delete("/{deviceID}", router.handler.UnloadDevice)
			r.Get("/{deviceID}/events", router.handler.DeviceEvents)
		})

		r.Get("/media/{deviceID}/{mediaKey}", router.handler.GetMedia)

		r.Route("/stream", func(r chi.Router) {
			r.Get("/{deviceID}", router.handler.GetStream)
			r.Delete("/{deviceID}", router.handler.StopStream)
		})

		r.Get("/ws", router.handler.WebSocket)
	})

	return r
}
