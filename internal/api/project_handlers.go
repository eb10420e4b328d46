package api

import (
	"net/http"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/projects"
)

// ========== Project handlers ==========

// HandleListProjects lists the current company's projects
func (s *RESTServer) HandleListProjects(w http.ResponseWriter, r *http.Request) {
	tc, _ := TenantFromContext(r.Context())
	limit, offset := pagination(r, 50)

	list, err := s.svc.Projects.List(r.Context(), tc.DB, tc.CompanyID, limit, offset)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"projects": list,
	})
}

// HandleCreateProject creates a project in the current company
func (s *RESTServer) HandleCreateProject(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	tc, _ := TenantFromContext(r.Context())

	var req projects.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondAppError(w, r, err)
		return
	}

	p, err := s.svc.Projects.Create(r.Context(), tc.DB, tc.CompanyID, claims.UserID, req)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, p)
}

// HandleGetProject returns a project
func (s *RESTServer) HandleGetProject(w http.ResponseWriter, r *http.Request) {
	tc, _ := TenantFromContext(r.Context())

	id, err := urlUUID(r, "id")
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	p, err := s.svc.Projects.Get(r.Context(), tc.DB, tc.CompanyID, id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, p)
}

// HandleListTasks lists a project's tasks
func (s *RESTServer) HandleListTasks(w http.ResponseWriter, r *http.Request) {
	tc, _ := TenantFromContext(r.Context())

	id, err := urlUUID(r, "id")
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	tasks, err := s.svc.Projects.ListTasks(r.Context(), tc.DB, tc.CompanyID, id)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
	})
}

// HandleGetTask returns one task of a project
func (s *RESTServer) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	tc, _ := TenantFromContext(r.Context())

	projectID, err := urlUUID(r, "id")
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	taskID, err := urlUUID(r, "taskId")
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	task, err := s.svc.Projects.GetTask(r.Context(), tc.DB, tc.CompanyID, projectID, taskID)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}

	s.respondJSON(w, http.StatusOK, task)
}
