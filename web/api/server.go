// Package api exposes the execution engine over HTTP for the
// front-end collaborator: project and tool CRUD, submission and
// cancellation, and live progress over SSE and WebSocket.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/aimanhq/aiman/internal/domain"
)

// Store interface for database operations
type Store interface {
	CreateProject(p *domain.Project) error
	GetProject(id string) (*domain.Project, error)
	ListProjects() ([]*domain.Project, error)
	StatusCounts() (map[domain.ProjectStatus]int, error)
	UpsertTool(t *domain.AITool) error
	GetTool(id string) (*domain.AITool, error)
	ListTools() ([]*domain.AITool, error)
	SetToolActive(id string, active bool) error
}

// Scheduler is the supervisor surface the API drives
type Scheduler interface {
	Submit(projectID string) error
	Cancel(projectID string)
	RunningCount() int
	QueuedCount() int
	MaxConcurrent() int
}

// TemplateValidator checks tool templates before they enter the
// catalog. *executor.Executor satisfies it and adds the policy checks.
type TemplateValidator interface {
	Validate(commandTemplate string) error
}

// Server is the HTTP API server
type Server struct {
	store     Store
	scheduler Scheduler
	validator TemplateValidator
	addr      string
	mux       *http.ServeMux
	sseHub    *SSEHub
}

// NewServer creates a new API server
func NewServer(store Store, scheduler Scheduler, addr string) *Server {
	s := &Server{
		store:     store,
		scheduler: scheduler,
		addr:      addr,
		mux:       http.NewServeMux(),
		sseHub:    NewSSEHub(),
	}
	s.setupRoutes()
	// The hub must consume broadcasts before Start: recovery runs begin
	// emitting progress as soon as the supervisor starts
	go s.sseHub.Run()
	return s
}

// SetTemplateValidator sets the validator applied to new tools. Without
// one, templates still get the syntax checks; a validator adds the
// configured command policy.
func (s *Server) SetTemplateValidator(v TemplateValidator) {
	s.validator = v
}

func (s *Server) setupRoutes() {
	// API routes
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/projects", s.projectsHandler())
	s.mux.HandleFunc("/api/projects/", s.projectHandler())
	s.mux.HandleFunc("/api/tools", s.toolsHandler())
	s.mux.HandleFunc("/api/tools/", s.toolHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())

	// Static files (front-end build output)
	s.mux.Handle("/", http.FileServer(http.Dir("web/ui/build")))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler returns the routing mux, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Broadcast sends an event to all SSE and WebSocket clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
