package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aimanhq/aiman/internal/domain"
	"github.com/aimanhq/aiman/internal/executor"
	"github.com/aimanhq/aiman/internal/projectstore"
)

// ProjectResponse is the API response for a project
type ProjectResponse struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	ToolID          string               `json:"tool_id"`
	ToolName        string               `json:"tool_name"`
	CommandTemplate string               `json:"command_template"`
	Status          string               `json:"status"`
	FileResults     []FileResultResponse `json:"file_results,omitempty"`
	Succeeded       int                  `json:"succeeded"`
	Failed          int                  `json:"failed"`
	Total           int                  `json:"total"`
	CreatedAt       string               `json:"created_at"`
	StartedAt       *string              `json:"started_at,omitempty"`
	FinishedAt      *string              `json:"finished_at,omitempty"`
}

// FileResultResponse is the API response for one file of a project
type FileResultResponse struct {
	Index         int     `json:"index"`
	Path          string  `json:"path"`
	Status        string  `json:"status"`
	ExitCode      *int    `json:"exit_code,omitempty"`
	OutputExcerpt string  `json:"output_excerpt,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	StartedAt     *string `json:"started_at,omitempty"`
	FinishedAt    *string `json:"finished_at,omitempty"`
}

// StatusResponse is the API response for overall engine status
type StatusResponse struct {
	Total           int `json:"total"`
	Pending         int `json:"pending"`
	Running         int `json:"running"`
	Succeeded       int `json:"succeeded"`
	Failed          int `json:"failed"`
	PartiallyFailed int `json:"partially_failed"`
	Queued          int `json:"queued"`
	MaxConcurrent   int `json:"max_concurrent"`
}

// CreateProjectRequest is the POST body for creating a project
type CreateProjectRequest struct {
	Name      string   `json:"name"`
	ToolID    string   `json:"tool_id"`
	FilePaths []string `json:"file_paths"`
}

// CreateToolRequest is the POST body for creating a tool
type CreateToolRequest struct {
	Name            string `json:"name"`
	CommandTemplate string `json:"command_template"`
}

func projectToResponse(p *domain.Project, includeFiles bool) ProjectResponse {
	succeeded, failed, _ := p.Counts()
	resp := ProjectResponse{
		ID:              p.ID,
		Name:            p.Name,
		ToolID:          p.ToolID,
		ToolName:        p.ToolName,
		CommandTemplate: p.CommandTemplate,
		Status:          string(p.Status),
		Succeeded:       succeeded,
		Failed:          failed,
		Total:           len(p.FileResults),
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
	}
	if p.StartedAt != nil {
		t := p.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if p.FinishedAt != nil {
		t := p.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	if includeFiles {
		resp.FileResults = make([]FileResultResponse, len(p.FileResults))
		for i, r := range p.FileResults {
			resp.FileResults[i] = fileResultToResponse(r)
		}
	}
	return resp
}

func fileResultToResponse(r domain.FileResult) FileResultResponse {
	resp := FileResultResponse{
		Index:         r.Index,
		Path:          r.Path,
		Status:        string(r.Status),
		ExitCode:      r.ExitCode,
		OutputExcerpt: r.OutputExcerpt,
		ErrorMessage:  r.ErrorMessage,
	}
	if r.StartedAt != nil {
		t := r.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		counts, err := s.store.StatusCounts()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := StatusResponse{
			Pending:         counts[domain.ProjectPending],
			Running:         counts[domain.ProjectRunning],
			Succeeded:       counts[domain.ProjectSucceeded],
			Failed:          counts[domain.ProjectFailed],
			PartiallyFailed: counts[domain.ProjectPartiallyFailed],
		}
		for _, n := range counts {
			status.Total += n
		}
		if s.scheduler != nil {
			status.Queued = s.scheduler.QueuedCount()
			status.MaxConcurrent = s.scheduler.MaxConcurrent()
		}

		writeJSON(w, status)
	}
}

func (s *Server) projectsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listProjects(w)
		case http.MethodPost:
			s.createProject(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listProjects(w http.ResponseWriter) {
	projects, err := s.store.ListProjects()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	responses := make([]ProjectResponse, len(projects))
	for i, p := range projects {
		responses[i] = projectToResponse(p, false)
	}
	writeJSON(w, responses)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tool, err := s.store.GetTool(req.ToolID)
	if err != nil {
		if errors.Is(err, projectstore.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown tool: "+req.ToolID)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	project, err := domain.NewProject(req.Name, tool, req.FilePaths)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateProject(project); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.Broadcast(SSEEvent{Type: "project_created", Data: projectToResponse(project, false)})

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, projectToResponse(project, true))
}

// projectHandler dispatches /api/projects/{id} and its subresources
func (s *Server) projectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/projects/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "project ID required")
			return
		}

		if id, ok := strings.CutSuffix(path, "/submit"); ok {
			s.submitProject(w, r, id)
			return
		}
		if id, ok := strings.CutSuffix(path, "/cancel"); ok {
			s.cancelProject(w, r, id)
			return
		}
		s.getProject(w, r, path)
	}
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	project, err := s.store.GetProject(id)
	if err != nil {
		if errors.Is(err, projectstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, projectToResponse(project, true))
}

func (s *Server) submitProject(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}

	if err := s.scheduler.Submit(id); err != nil {
		if errors.Is(err, projectstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		if isValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]string{"status": "submitted"})
}

func (s *Server) cancelProject(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return
	}

	s.scheduler.Cancel(id)
	writeJSON(w, map[string]string{"status": "cancelling"})
}

func (s *Server) toolsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.listTools(w)
		case http.MethodPost:
			s.createTool(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) listTools(w http.ResponseWriter) {
	tools, err := s.store.ListTools()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tools == nil {
		tools = []*domain.AITool{}
	}
	writeJSON(w, tools)
}

func (s *Server) createTool(w http.ResponseWriter, r *http.Request) {
	var req CreateToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tool, err := domain.NewTool(req.Name, req.CommandTemplate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validateTemplate(tool.CommandTemplate); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpsertTool(tool); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, tool)
}

// toolHandler dispatches /api/tools/{id} and its subresources
func (s *Server) toolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/tools/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "tool ID required")
			return
		}

		if id, ok := strings.CutSuffix(path, "/disable"); ok {
			s.setToolActive(w, r, id, false)
			return
		}
		if id, ok := strings.CutSuffix(path, "/enable"); ok {
			s.setToolActive(w, r, id, true)
			return
		}
		s.getTool(w, r, path)
	}
}

func (s *Server) getTool(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tool, err := s.store.GetTool(id)
	if err != nil {
		if errors.Is(err, projectstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tool not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, tool)
}

func (s *Server) validateTemplate(commandTemplate string) error {
	if s.validator != nil {
		return s.validator.Validate(commandTemplate)
	}
	_, err := executor.ParseTemplate(commandTemplate)
	return err
}

// isValidationError reports whether err means the input was rejected
// before execution, as opposed to the engine failing
func isValidationError(err error) bool {
	var valErr *domain.ValidationError
	var tmplErr *executor.TemplateError
	return errors.As(err, &valErr) || errors.As(err, &tmplErr)
}

func (s *Server) setToolActive(w http.ResponseWriter, r *http.Request, id string, active bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.store.SetToolActive(id, active); err != nil {
		if errors.Is(err, projectstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tool not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"active": active})
}
