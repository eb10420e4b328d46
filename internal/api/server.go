// Package api is the HTTP surface of the control plane.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/audit"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/auth"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/company"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/config"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/isolation"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/membership"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/metrics"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/models"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/projects"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/provisioning"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/tenant"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/validation"
)

// TenantDatabases resolves a company's database handle
type TenantDatabases interface {
	Shared() *sql.DB
	GetCompanyDatabase(ctx context.Context, companyID uuid.UUID) (*models.TenantRegistryEntry, *sql.DB, error)
}

// Services are the collaborators the handlers call
type Services struct {
	Companies   *company.Service
	Jobs        *provisioning.Service
	Memberships *membership.Service
	Isolation   *isolation.Service
	Audit       *audit.Service
	Tenant      *tenant.Base
	Projects    *projects.Service
	Databases   TenantDatabases
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	svc       Services
	auth      *auth.JWTManager
	metrics   *metrics.Registry
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, svc Services, registry *metrics.Registry) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		svc:       svc,
		auth:      auth.NewJWTManager(&cfg.JWT),
		metrics:   registry,
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	timeout := s.config.API.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(timeout))

	origins := s.config.API.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderCompanyID, HeaderTenantID},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// Handler returns the root handler
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
