package domain

import (
	"errors"
	"fmt"
)

// ErrProjectCancelled is the cancellation cause for an explicit user
// cancel. Shutdown cancels contexts without it, so interrupted work is
// left in the running state for crash recovery instead of being marked
// failed.
var ErrProjectCancelled = errors.New("project cancelled")

// ValidationError marks input that is rejected before a project ever
// reaches the running state: a malformed tool, an empty file list, an
// inactive tool.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}
