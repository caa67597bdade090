package domain

import (
	"time"

	"github.com/google/uuid"
)

// FileResult is the outcome of invoking the project's tool against one
// file. Index is the file's position in the project's path list; the
// same path may appear more than once and each occurrence is processed
// independently.
type FileResult struct {
	Index         int        `json:"index"`
	Path          string     `json:"path"`
	Status        FileStatus `json:"status"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	OutputExcerpt string     `json:"output_excerpt,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Project is one submitted unit of work: a tool applied to a list of
// file paths. The tool's name and command template are snapshotted at
// creation time so later edits to the tool never change the behavior of
// an already-created project.
type Project struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	ToolID          string        `json:"tool_id"`
	ToolName        string        `json:"tool_name"`
	CommandTemplate string        `json:"command_template"`
	FilePaths       []string      `json:"file_paths"`
	Status          ProjectStatus `json:"status"`
	FileResults     []FileResult  `json:"file_results"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
}

// NewProject creates a pending project from a tool snapshot and a file
// list. One pending FileResult is materialized per path so the result
// set is complete from the moment the record exists.
func NewProject(name string, tool *AITool, filePaths []string) (*Project, error) {
	if name == "" {
		return nil, &ValidationError{Field: "name", Reason: "project name must not be empty"}
	}
	if len(filePaths) == 0 {
		return nil, &ValidationError{Field: "file_paths", Reason: "project needs at least one file path"}
	}
	if err := tool.Validate(); err != nil {
		return nil, err
	}
	if !tool.Active {
		return nil, &ValidationError{Field: "tool_id", Reason: "tool " + tool.Name + " is inactive"}
	}

	p := &Project{
		ID:              uuid.NewString(),
		Name:            name,
		ToolID:          tool.ID,
		ToolName:        tool.Name,
		CommandTemplate: tool.CommandTemplate,
		FilePaths:       filePaths,
		Status:          ProjectPending,
		FileResults:     make([]FileResult, len(filePaths)),
		CreatedAt:       time.Now(),
	}
	for i, path := range filePaths {
		p.FileResults[i] = FileResult{Index: i, Path: path, Status: FilePending}
	}
	return p, nil
}

// Result returns the file result at the given index, or nil if out of range
func (p *Project) Result(index int) *FileResult {
	if index < 0 || index >= len(p.FileResults) {
		return nil
	}
	return &p.FileResults[index]
}

// Counts returns how many file results are in each terminal state and
// how many are still unsettled.
func (p *Project) Counts() (succeeded, failed, unsettled int) {
	for _, r := range p.FileResults {
		switch r.Status {
		case FileSucceeded:
			succeeded++
		case FileFailed:
			failed++
		default:
			unsettled++
		}
	}
	return
}

// Duration returns how long the project has been running, or its total
// runtime once finished.
func (p *Project) Duration() time.Duration {
	if p.StartedAt == nil {
		return 0
	}
	if p.FinishedAt != nil {
		return p.FinishedAt.Sub(*p.StartedAt)
	}
	return time.Since(*p.StartedAt)
}
