package domain

// ProjectStatus represents the lifecycle state of a project
type ProjectStatus string

const (
	ProjectPending         ProjectStatus = "pending"
	ProjectRunning         ProjectStatus = "running"
	ProjectSucceeded       ProjectStatus = "succeeded"
	ProjectFailed          ProjectStatus = "failed"
	ProjectPartiallyFailed ProjectStatus = "partially_failed"
)

// Terminal reports whether the status is final. Terminal projects never
// change again and their file results are frozen.
func (s ProjectStatus) Terminal() bool {
	switch s {
	case ProjectSucceeded, ProjectFailed, ProjectPartiallyFailed:
		return true
	}
	return false
}

// FileStatus represents the state of a single file invocation
type FileStatus string

const (
	FilePending   FileStatus = "pending"
	FileRunning   FileStatus = "running"
	FileSucceeded FileStatus = "succeeded"
	FileFailed    FileStatus = "failed"
)

// Terminal reports whether the per-file status is final
func (s FileStatus) Terminal() bool {
	return s == FileSucceeded || s == FileFailed
}

// AggregateStatus folds per-file results into the project status.
// The project stays running until every file has settled; after that the
// status is succeeded (all succeeded), failed (all failed) or
// partially_failed (a mix).
func AggregateStatus(results []FileResult) ProjectStatus {
	succeeded, failed := 0, 0
	for _, r := range results {
		switch r.Status {
		case FileSucceeded:
			succeeded++
		case FileFailed:
			failed++
		default:
			return ProjectRunning
		}
	}

	switch {
	case failed == 0:
		return ProjectSucceeded
	case succeeded == 0:
		return ProjectFailed
	default:
		return ProjectPartiallyFailed
	}
}
