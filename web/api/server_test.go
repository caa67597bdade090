package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aimanhq/aiman/internal/domain"
	"github.com/aimanhq/aiman/internal/executor"
	"github.com/aimanhq/aiman/internal/projectstore"
)

type fakeScheduler struct {
	submitted []string
	cancelled []string
	submitErr error
}

func (f *fakeScheduler) Submit(id string) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, id)
	return nil
}
func (f *fakeScheduler) Cancel(id string)       { f.cancelled = append(f.cancelled, id) }
func (f *fakeScheduler) RunningCount() int      { return 1 }
func (f *fakeScheduler) QueuedCount() int       { return 2 }
func (f *fakeScheduler) MaxConcurrent() int     { return 3 }

func newTestServer(t *testing.T) (*Server, *projectstore.Store, *fakeScheduler) {
	t.Helper()
	store, err := projectstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sched := &fakeScheduler{}
	server := NewServer(store, sched, ":0")
	return server, store, sched
}

func seedProject(t *testing.T, store *projectstore.Store) *domain.Project {
	t.Helper()
	tool, err := domain.NewTool("Summarize", "summarize {file}")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertTool(tool); err != nil {
		t.Fatal(err)
	}
	p, err := domain.NewProject("reports", tool, []string{"/a.txt", "/b.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateProject(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestListProjectsHandler(t *testing.T) {
	server, store, _ := newTestServer(t)
	seedProject(t, store)

	req := httptest.NewRequest("GET", "/api/projects", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}

	var projects []ProjectResponse
	json.NewDecoder(w.Body).Decode(&projects)
	if len(projects) != 1 {
		t.Fatalf("Project count = %d, want 1", len(projects))
	}
	if projects[0].Name != "reports" {
		t.Errorf("Name = %q, want reports", projects[0].Name)
	}
	if projects[0].Total != 2 {
		t.Errorf("Total = %d, want 2", projects[0].Total)
	}
}

func TestGetProjectHandler(t *testing.T) {
	server, store, _ := newTestServer(t)
	p := seedProject(t, store)

	req := httptest.NewRequest("GET", "/api/projects/"+p.ID, nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}

	var got ProjectResponse
	json.NewDecoder(w.Body).Decode(&got)
	if len(got.FileResults) != 2 {
		t.Errorf("FileResults = %d, want 2", len(got.FileResults))
	}
	if got.FileResults[0].Status != string(domain.FilePending) {
		t.Errorf("file status = %q, want pending", got.FileResults[0].Status)
	}
}

func TestGetProjectHandler_NotFound(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/projects/nope", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestCreateProjectHandler(t *testing.T) {
	server, store, _ := newTestServer(t)
	tool, _ := domain.NewTool("Summarize", "summarize {file}")
	store.UpsertTool(tool)

	body := `{"name": "reports", "tool_id": "` + tool.ID + `", "file_paths": ["/a.txt"]}`
	req := httptest.NewRequest("POST", "/api/projects", strings.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var got ProjectResponse
	json.NewDecoder(w.Body).Decode(&got)
	if got.Status != string(domain.ProjectPending) {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.CommandTemplate != "summarize {file}" {
		t.Errorf("CommandTemplate = %q", got.CommandTemplate)
	}

	// Persisted, not just echoed
	if _, err := store.GetProject(got.ID); err != nil {
		t.Errorf("created project not in store: %v", err)
	}
}

func TestCreateProjectHandler_UnknownTool(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := `{"name": "reports", "tool_id": "nope", "file_paths": ["/a.txt"]}`
	req := httptest.NewRequest("POST", "/api/projects", strings.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
}

func TestCreateProjectHandler_InvalidBody(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/projects", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
}

func TestSubmitProjectHandler(t *testing.T) {
	server, store, sched := newTestServer(t)
	p := seedProject(t, store)

	req := httptest.NewRequest("POST", "/api/projects/"+p.ID+"/submit", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	if len(sched.submitted) != 1 || sched.submitted[0] != p.ID {
		t.Errorf("submitted = %v, want [%s]", sched.submitted, p.ID)
	}
}

func TestCancelProjectHandler(t *testing.T) {
	server, store, sched := newTestServer(t)
	p := seedProject(t, store)

	req := httptest.NewRequest("POST", "/api/projects/"+p.ID+"/cancel", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	if len(sched.cancelled) != 1 || sched.cancelled[0] != p.ID {
		t.Errorf("cancelled = %v, want [%s]", sched.cancelled, p.ID)
	}
}

func TestStatusHandler(t *testing.T) {
	server, store, _ := newTestServer(t)
	seedProject(t, store)
	seedProject(t, store)

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)

	if status.Total != 2 {
		t.Errorf("Total = %d, want 2", status.Total)
	}
	if status.Pending != 2 {
		t.Errorf("Pending = %d, want 2", status.Pending)
	}
	if status.Queued != 2 || status.MaxConcurrent != 3 {
		t.Errorf("scheduler fields = %d/%d, want 2/3", status.Queued, status.MaxConcurrent)
	}
}

func TestToolsHandlers(t *testing.T) {
	server, _, _ := newTestServer(t)

	// Create
	body := `{"name": "Summarize", "command_template": "summarize {file}"}`
	req := httptest.NewRequest("POST", "/api/tools", strings.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, want 201: %s", w.Code, w.Body.String())
	}

	var tool domain.AITool
	json.NewDecoder(w.Body).Decode(&tool)
	if !tool.Active {
		t.Error("new tool should be active")
	}

	// List
	req = httptest.NewRequest("GET", "/api/tools", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	var tools []domain.AITool
	json.NewDecoder(w.Body).Decode(&tools)
	if len(tools) != 1 {
		t.Fatalf("tool count = %d, want 1", len(tools))
	}

	// Disable
	req = httptest.NewRequest("POST", "/api/tools/"+tool.ID+"/disable", nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("disable status = %d, want 200", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/tools/"+tool.ID, nil)
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	var got domain.AITool
	json.NewDecoder(w.Body).Decode(&got)
	if got.Active {
		t.Error("tool should be disabled")
	}
}

func TestCreateToolHandler_MissingPlaceholder(t *testing.T) {
	server, _, _ := newTestServer(t)

	body := `{"name": "Broken", "command_template": "no placeholder here"}`
	req := httptest.NewRequest("POST", "/api/tools", strings.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
}

func TestCreateToolHandler_RejectsMetacharacters(t *testing.T) {
	server, store, _ := newTestServer(t)

	// Carries the placeholder, so only the executor's syntax check
	// stands between this template and the catalog
	body := `{"name": "Hostile", "command_template": "echo {file} ; echo pwned"}`
	req := httptest.NewRequest("POST", "/api/tools", strings.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("Status = %d, want 400: %s", w.Code, w.Body.String())
	}

	tools, err := store.ListTools()
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 0 {
		t.Errorf("rejected tool persisted: %d in catalog", len(tools))
	}
}

func TestSubmitProjectHandler_RejectedTemplateIs400(t *testing.T) {
	server, store, sched := newTestServer(t)
	p := seedProject(t, store)
	sched.submitErr = fmt.Errorf("project %s rejected: %w", p.ID,
		&executor.TemplateError{Template: "echo {file} ; x", Reason: "template contains shell metacharacter \";\""})

	req := httptest.NewRequest("POST", "/api/projects/"+p.ID+"/submit", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
}

func TestBroadcastBeforeStart(t *testing.T) {
	server, _, _ := newTestServer(t)

	// Recovery progress can arrive before Start; the hub must already
	// be draining broadcasts
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			server.Broadcast(SSEEvent{Type: "file_update", Data: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast blocked without a running hub")
	}
}
