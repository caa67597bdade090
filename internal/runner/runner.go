// Package runner drives a single project: it fans the project's file
// list out to the command executor, persists each result as soon as it
// is known, and folds the settled results into the project's terminal
// status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aimanhq/aiman/internal/domain"
	"github.com/aimanhq/aiman/internal/executor"
)

// CommandRunner executes one command template against one file.
// *executor.Executor satisfies it; tests substitute fakes.
type CommandRunner interface {
	Run(ctx context.Context, commandTemplate, filePath string) (*executor.Result, error)
}

// Store is the slice of the state store the runner needs
type Store interface {
	GetProject(id string) (*domain.Project, error)
	UpdateFileResult(projectID string, r domain.FileResult) error
	TransitionStatus(projectID string, status domain.ProjectStatus) error
}

// FileResultCallback is invoked after a per-file result is persisted
type FileResultCallback func(projectID string, result domain.FileResult)

// StatusCallback is invoked after a project status transition is persisted
type StatusCallback func(projectID string, status domain.ProjectStatus)

// Runner executes projects one at a time. A single runner instance owns
// all mutation of its project's record while running; concurrent
// projects get separate Run calls over disjoint records.
type Runner struct {
	store    Store
	commands CommandRunner
	fanOut   int

	OnFileResult FileResultCallback
	OnStatus     StatusCallback
}

// New creates a runner with the given per-project fan-out limit
func New(store Store, commands CommandRunner, fanOut int) *Runner {
	if fanOut <= 0 {
		fanOut = 1
	}
	return &Runner{store: store, commands: commands, fanOut: fanOut}
}

// Run executes the project to a terminal status and returns it.
// Files already succeeded are left untouched and files already failed
// are not retried, which makes Run safe to call again for crash
// recovery: only pending or in-flight-at-crash files are (re)executed.
//
// Cancelling ctx kills in-flight commands. When the cancellation cause
// is domain.ErrProjectCancelled the remaining files are marked failed
// with reason "cancelled" and the project settles terminal; any other
// cancellation is a shutdown, which leaves the project running so the
// next Start recovers the unfinished files.
func (r *Runner) Run(ctx context.Context, projectID string) (domain.ProjectStatus, error) {
	p, err := r.store.GetProject(projectID)
	if err != nil {
		return "", fmt.Errorf("loading project %s: %w", projectID, err)
	}
	if p.Status.Terminal() {
		return p.Status, nil
	}

	if err := r.store.TransitionStatus(p.ID, domain.ProjectRunning); err != nil {
		return "", fmt.Errorf("starting project %s: %w", p.ID, err)
	}
	r.emitStatus(p.ID, domain.ProjectRunning)

	results := make([]domain.FileResult, len(p.FileResults))
	copy(results, p.FileResults)

	g := new(errgroup.Group)
	g.SetLimit(r.fanOut)

	for i := range results {
		res := &results[i]
		if res.Status.Terminal() {
			// Succeeded survives recovery; failed needs an explicit resubmission
			continue
		}
		g.Go(func() error {
			r.processFile(ctx, p, res)
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil && !cancelledExplicitly(ctx) {
		// Shutdown mid-run: the project stays running for recovery
		return domain.ProjectRunning, ctx.Err()
	}

	final := domain.AggregateStatus(results)
	if err := r.store.TransitionStatus(p.ID, final); err != nil {
		return final, fmt.Errorf("finishing project %s: %w", p.ID, err)
	}
	r.emitStatus(p.ID, final)

	return final, nil
}

// processFile runs one file to a terminal result and persists it.
// All failure modes end as a failed result with a readable reason; the
// rest of the project continues regardless.
func (r *Runner) processFile(ctx context.Context, p *domain.Project, res *domain.FileResult) {
	if ctx.Err() != nil {
		if cancelledExplicitly(ctx) {
			r.settle(p.ID, res, func() {
				res.Status = domain.FileFailed
				res.ErrorMessage = "cancelled"
			})
		}
		// Shutdown before start: leave the file pending for recovery
		return
	}

	now := time.Now()
	res.Status = domain.FileRunning
	res.StartedAt = &now
	res.FinishedAt = nil
	res.ExitCode = nil
	res.ErrorMessage = ""
	if err := r.store.UpdateFileResult(p.ID, *res); err != nil {
		r.settle(p.ID, res, func() {
			res.Status = domain.FileFailed
			res.ErrorMessage = err.Error()
		})
		return
	}

	result, err := r.commands.Run(ctx, p.CommandTemplate, res.Path)

	if err != nil && ctx.Err() != nil && !cancelledExplicitly(ctx) {
		// Killed by shutdown: the result stays running and is
		// re-executed on the next start
		return
	}

	r.settle(p.ID, res, func() {
		if result != nil {
			res.OutputExcerpt = result.StdoutExcerpt
		}
		switch {
		case err != nil && ctx.Err() != nil:
			res.Status = domain.FileFailed
			res.ErrorMessage = "cancelled"
		case err != nil:
			res.Status = domain.FileFailed
			res.ErrorMessage = err.Error()
		case result.TimedOut:
			res.Status = domain.FileFailed
			res.ErrorMessage = "command timed out"
		case *result.ExitCode == 0:
			res.Status = domain.FileSucceeded
			res.ExitCode = result.ExitCode
		default:
			res.Status = domain.FileFailed
			res.ExitCode = result.ExitCode
			res.ErrorMessage = fmt.Sprintf("command exited with status %d", *result.ExitCode)
			if result.StderrExcerpt != "" {
				res.ErrorMessage += ": " + result.StderrExcerpt
			}
		}
	})
}

// settle applies mutate, stamps FinishedAt and persists the result.
// A persistence failure downgrades the result to failed: a write that
// did not survive must never be reported as success.
func (r *Runner) settle(projectID string, res *domain.FileResult, mutate func()) {
	mutate()
	now := time.Now()
	res.FinishedAt = &now

	if err := r.store.UpdateFileResult(projectID, *res); err != nil {
		log.Printf("[runner] persisting result for %s[%d]: %v", projectID, res.Index, err)
		res.Status = domain.FileFailed
		res.ErrorMessage = err.Error()
		if err := r.store.UpdateFileResult(projectID, *res); err != nil {
			log.Printf("[runner] could not record failure for %s[%d]: %v", projectID, res.Index, err)
		}
	}

	if r.OnFileResult != nil {
		r.OnFileResult(projectID, *res)
	}
}

// cancelledExplicitly distinguishes a user cancel from shutdown
func cancelledExplicitly(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), domain.ErrProjectCancelled)
}

func (r *Runner) emitStatus(projectID string, status domain.ProjectStatus) {
	if r.OnStatus != nil {
		r.OnStatus(projectID, status)
	}
}
