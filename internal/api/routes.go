package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{Registry: s.metrics}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/me/memberships", s.HandleListMyMemberships)
		r.Post("/invitations/{id}/accept", s.HandleAcceptInvitation)
		r.Get("/companies/{id}", s.HandleGetCompany)

		// Platform administration
		r.Group(func(r chi.Router) {
			r.Use(s.requireSuperadmin)

			r.Get("/companies", s.HandleListCompanies)
			r.Post("/companies", s.HandleCreateCompany)
			r.Post("/companies/{id}/activate", s.HandleActivateCompany)
			r.Post("/companies/{id}/suspend", s.HandleSuspendCompany)

			r.Get("/provisioning/jobs/{id}", s.HandleGetJob)
			r.Post("/provisioning/jobs/{id}/retry", s.HandleRetryJob)

			r.Post("/emergency-access", s.HandleGrantEmergencyAccess)
		})

		// Tenant scoped
		r.Group(func(r chi.Router) {
			r.Use(s.tenantMiddleware)

			r.Route("/memberships", func(r chi.Router) {
				r.Get("/", s.HandleListMemberships)
				r.Post("/", s.HandleAddMembership)
				r.Route("/{id}", func(r chi.Router) {
					r.Put("/", s.HandleUpdateMembership)
					r.Delete("/", s.HandleRemoveMembership)
				})
			})

			r.Get("/audit-logs", s.HandleListAuditLogs)

			r.Route("/projects", func(r chi.Router) {
				r.Get("/", s.HandleListProjects)
				r.Post("/", s.HandleCreateProject)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.HandleGetProject)
					r.Get("/tasks", s.HandleListTasks)
					r.Get("/tasks/{taskId}", s.HandleGetTask)
				})
			})
		})
	})
}
