package authn

import (
	"github.com/go-chi/chi/v5"

	"github.com/marketlens/backend/internal/middleware"
	"github.com/marketlens/backend/internal/ratelimit"
)

// RouteLimits holds the per-IP rules applied in front of the public
// endpoints. Per-identity limits live in the service.
type RouteLimits struct {
	Login    ratelimit.Rule
	Refresh  ratelimit.Rule
	Password ratelimit.Rule
}

// RegisterRoutes mounts the authentication endpoints.
func RegisterRoutes(r chi.Router, handler *Handler, gate *middleware.Gate, limiter *ratelimit.Limiter, limits RouteLimits) {
	r.Route("/auth", func(r chi.Router) {
		// Public endpoints, throttled per client IP.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(limiter, "login", limits.Login))
			r.Post("/register", handler.Register)
			r.Post("/login", handler.Login)
		})
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(limiter, "refresh", limits.Refresh))
			r.Post("/refresh", handler.Refresh)
		})

		// Token-only endpoints: a valid access token is enough even if
		// the session row has since been revoked, so logout stays
		// idempotent.
		r.Group(func(r chi.Router) {
			r.Use(gate.Authenticate)
			r.Post("/logout", handler.Logout)
			r.Post("/logout-all", handler.LogoutAll)
			r.Get("/me", handler.Me)
		})

		// Session-bound endpoints: the session must still be live and
		// the fingerprint check runs on every request.
		r.Group(func(r chi.Router) {
			r.Use(gate.Authenticate)
			r.Use(gate.RequireSession)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RateLimit(limiter, "password", limits.Password))
				r.Post("/change-password", handler.ChangePassword)
			})
			r.Get("/sessions", handler.ListSessions)
			r.Delete("/sessions/{sessionID}", handler.RevokeSession)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(gate.Authenticate)
		r.Use(gate.RequireSession)
		r.Use(gate.RequireRole("admin"))
		r.Post("/identities/{identityID}/unlock", handler.AdminUnlock)
		r.Get("/security-events", handler.AdminSecurityEvents)
	})
}
