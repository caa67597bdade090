package domain

import (
	"errors"
	"math/rand"
	"testing"
)

func activeTool(t *testing.T) *AITool {
	t.Helper()
	tool, err := NewTool("Summarize", "summarize --input {file}")
	if err != nil {
		t.Fatal(err)
	}
	return tool
}

func TestNewProject(t *testing.T) {
	tool := activeTool(t)

	p, err := NewProject("docs batch", tool, []string{"/a.txt", "/b.txt", "/a.txt"})
	if err != nil {
		t.Fatal(err)
	}

	if p.Status != ProjectPending {
		t.Errorf("Status = %q, want pending", p.Status)
	}
	if p.CommandTemplate != tool.CommandTemplate {
		t.Errorf("CommandTemplate = %q, want snapshot of tool template", p.CommandTemplate)
	}
	if len(p.FileResults) != 3 {
		t.Fatalf("FileResults count = %d, want 3", len(p.FileResults))
	}
	for i, r := range p.FileResults {
		if r.Index != i {
			t.Errorf("FileResults[%d].Index = %d, want %d", i, r.Index, i)
		}
		if r.Status != FilePending {
			t.Errorf("FileResults[%d].Status = %q, want pending", i, r.Status)
		}
	}
	// Duplicate paths each get their own result
	if p.FileResults[0].Path != p.FileResults[2].Path {
		t.Errorf("duplicate path not preserved: %q vs %q", p.FileResults[0].Path, p.FileResults[2].Path)
	}
}

func TestNewProject_EmptyFileList(t *testing.T) {
	_, err := NewProject("empty", activeTool(t), nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestNewProject_InactiveTool(t *testing.T) {
	tool := activeTool(t)
	tool.Active = false

	_, err := NewProject("stale", tool, []string{"/a.txt"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestToolValidate_MissingPlaceholder(t *testing.T) {
	_, err := NewTool("broken", "summarize --input file.txt")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []FileStatus
		want     ProjectStatus
	}{
		{"all succeeded", []FileStatus{FileSucceeded, FileSucceeded}, ProjectSucceeded},
		{"all failed", []FileStatus{FileFailed, FileFailed}, ProjectFailed},
		{"mixed", []FileStatus{FileSucceeded, FileFailed}, ProjectPartiallyFailed},
		{"single success", []FileStatus{FileSucceeded}, ProjectSucceeded},
		{"single failure", []FileStatus{FileFailed}, ProjectFailed},
		{"still pending", []FileStatus{FileSucceeded, FilePending}, ProjectRunning},
		{"still running", []FileStatus{FileFailed, FileRunning}, ProjectRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make([]FileResult, len(tt.statuses))
			for i, s := range tt.statuses {
				results[i] = FileResult{Index: i, Status: s}
			}
			if got := AggregateStatus(results); got != tt.want {
				t.Errorf("AggregateStatus(%v) = %q, want %q", tt.statuses, got, tt.want)
			}
		})
	}
}

// Random mixes of terminal results must always aggregate to the status
// implied by their success/failure counts.
func TestAggregateStatus_RandomTerminalMixes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(20)
		results := make([]FileResult, n)
		succeeded := 0
		for i := range results {
			if rng.Intn(2) == 0 {
				results[i] = FileResult{Index: i, Status: FileSucceeded}
				succeeded++
			} else {
				results[i] = FileResult{Index: i, Status: FileFailed}
			}
		}

		var want ProjectStatus
		switch {
		case succeeded == n:
			want = ProjectSucceeded
		case succeeded == 0:
			want = ProjectFailed
		default:
			want = ProjectPartiallyFailed
		}

		if got := AggregateStatus(results); got != want {
			t.Fatalf("trial %d: AggregateStatus = %q, want %q (%d/%d succeeded)", trial, got, want, succeeded, n)
		}
	}
}

func TestProjectCounts(t *testing.T) {
	p := &Project{FileResults: []FileResult{
		{Status: FileSucceeded},
		{Status: FileFailed},
		{Status: FileRunning},
		{Status: FilePending},
	}}

	succeeded, failed, unsettled := p.Counts()
	if succeeded != 1 || failed != 1 || unsettled != 2 {
		t.Errorf("Counts() = (%d, %d, %d), want (1, 1, 2)", succeeded, failed, unsettled)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []ProjectStatus{ProjectSucceeded, ProjectFailed, ProjectPartiallyFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q.Terminal() = false, want true", s)
		}
	}
	for _, s := range []ProjectStatus{ProjectPending, ProjectRunning} {
		if s.Terminal() {
			t.Errorf("%q.Terminal() = true, want false", s)
		}
	}
}
