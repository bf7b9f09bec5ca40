package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Guarded (module, action) pairs.
const (
	moduleRBAC  = "rbac"
	moduleAudit = "audit"
	actionView  = "view"
	actionEdit  = "edit"
)

// healthCheckTimeout bounds each dependency check of GET /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware())
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/access/check", s.handleCheck)

			r.Route("/rbac", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(s.guard.Require(moduleRBAC, actionView))
					r.Get("/matrix", s.handleGetMatrix)
					r.Get("/catalog", s.handleGetCatalog)
					r.Get("/roles/{role}/permissions", s.handleListRolePermissions)
				})

				r.Group(func(r chi.Router) {
					r.Use(s.guard.Require(moduleRBAC, actionEdit))
					r.Put("/permissions", s.handleSetPermission)
					r.Put("/permissions/active", s.handleSetActive)
					r.Put("/permissions/conditions", s.handleSetConditions)
					r.Post("/roles/{role}/bulk", s.handleApplyBulk)
					r.Post("/defaults", s.handleInitializeDefaults)
				})

				r.Group(func(r chi.Router) {
					r.Use(s.guard.Require(moduleAudit, actionView))
					r.Get("/history", s.handleListHistory)
					r.Get("/history/{id}", s.handleGetHistory)
				})
			})

			r.Route("/audit", func(r chi.Router) {
				r.Use(s.guard.Require(moduleAudit, actionView))
				r.Get("/", s.handleListAudit)
				r.Get("/{id}", s.handleGetAudit)
			})
		})
	})

	return r
}

// handleHealth returns the server health status with each dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	components := make(map[string]string, len(s.checks))

	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.HealthCheck(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health check failed", "component", name, "error", err)
			components[name] = "unhealthy"
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
