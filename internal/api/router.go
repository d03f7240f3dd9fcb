package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/driftsync/driftsync/internal/conflicts"
	"github.com/driftsync/driftsync/internal/devices"
	syncpkg "github.com/driftsync/driftsync/internal/sync"
)

// Server wires the sync engine's components behind the HTTP surface.
type Server struct {
	coordinator *syncpkg.Coordinator
	registry    *devices.Registry
	conflicts   *conflicts.Store
	resolver    *conflicts.Resolver

	adminSecret string
}

// NewServer creates the HTTP server facade.
func NewServer(coordinator *syncpkg.Coordinator, registry *devices.Registry, store *conflicts.Store, resolver *conflicts.Resolver, adminSecret string) *Server {
	return &Server{
		coordinator: coordinator,
		registry:    registry,
		conflicts:   store,
		resolver:    resolver,
		adminSecret: adminSecret,
	}
}

// Router builds the route tree. Sync endpoints are rate limited per IP;
// device authorization requires the admin bearer token.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(newIPRateLimiter(rate.Limit(10), 20)))
		r.Post("/sync/push", s.handlePush)
		r.Post("/sync/pull", s.handlePull)
	})
	r.Get("/sync/status", s.handleSyncStatus)

	r.Route("/devices", func(r chi.Router) {
		r.Post("/register", s.handleRegisterDevice)
		r.Get("/list", s.handleListDevices)

		r.Group(func(r chi.Router) {
			r.Use(requireAdmin(s.adminSecret))
			r.Post("/authorize", s.handleAuthorizeDevice)
			r.Post("/{id}/revoke", s.handleRevokeDevice)
		})
	})

	r.Route("/conflicts", func(r chi.Router) {
		r.Get("/list", s.handleListConflicts)
		r.Post("/{id}/resolve", s.handleResolveConflict)
		r.Post("/{id}/ignore", s.handleIgnoreConflict)
	})

	return r
}
