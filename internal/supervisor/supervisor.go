// Package supervisor schedules project execution: it admits submitted
// projects under a global concurrency ceiling, launches each admitted
// project as an independent background unit of work, and reconciles
// persisted state against reality after an unclean shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/aimanhq/aiman/internal/domain"
	"github.com/aimanhq/aiman/internal/executor"
	"github.com/aimanhq/aiman/internal/notify"
)

// ProjectRunner drives one project to a terminal status.
// *runner.Runner satisfies it; tests substitute fakes.
type ProjectRunner interface {
	Run(ctx context.Context, projectID string) (domain.ProjectStatus, error)
}

// TemplateValidator checks a command template before a project is
// admitted. *executor.Executor satisfies it and adds the policy checks.
type TemplateValidator interface {
	Validate(commandTemplate string) error
}

// Store is the slice of the state store the supervisor needs
type Store interface {
	GetProject(id string) (*domain.Project, error)
	ListActive() ([]*domain.Project, error)
}

// Supervisor owns the admission-slot pool and the FIFO queue of
// submitted-but-not-yet-admitted projects.
type Supervisor struct {
	store     Store
	runner    ProjectRunner
	pool      *Pool
	notifier  notify.Notifier
	validator TemplateValidator

	mu      sync.Mutex
	queue   []string
	queued  map[string]bool
	running map[string]context.CancelCauseFunc

	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates a supervisor with the given project concurrency ceiling
func New(store Store, runner ProjectRunner, maxConcurrent int) *Supervisor {
	return &Supervisor{
		store:   store,
		runner:  runner,
		pool:    NewPool(maxConcurrent),
		queued:  make(map[string]bool),
		running: make(map[string]context.CancelCauseFunc),
		baseCtx: context.Background(),
	}
}

// SetNotifier sets the notifier invoked on terminal project statuses
func (s *Supervisor) SetNotifier(n notify.Notifier) {
	s.notifier = n
}

// SetValidator sets the template validator used at admission. Without
// one, templates still get the syntax checks; a validator adds the
// configured command policy.
func (s *Supervisor) SetValidator(v TemplateValidator) {
	s.validator = v
}

// Start performs crash recovery against persisted state and begins
// admitting work. Projects persisted as running belong to a previous
// process that died mid-run; their unresolved files are conservatively
// re-executed. Projects persisted as pending are re-queued in creation
// order behind them.
func (s *Supervisor) Start(ctx context.Context) error {
	s.baseCtx = ctx

	active, err := s.store.ListActive()
	if err != nil {
		return fmt.Errorf("scanning active projects: %w", err)
	}

	s.mu.Lock()
	for _, p := range active {
		if p.Status != domain.ProjectRunning {
			continue
		}
		if err := s.validateTemplate(p.CommandTemplate); err != nil {
			log.Printf("[supervisor] not recovering project %s: %v", p.ID, err)
			continue
		}
		log.Printf("[supervisor] recovering project %s: re-executing unresolved files", p.ID)
		s.enqueueLocked(p.ID)
	}
	for _, p := range active {
		if p.Status != domain.ProjectPending {
			continue
		}
		if err := s.validateTemplate(p.CommandTemplate); err != nil {
			log.Printf("[supervisor] not recovering project %s: %v", p.ID, err)
			continue
		}
		s.enqueueLocked(p.ID)
	}
	s.mu.Unlock()

	s.admit()
	return nil
}

// Submit queues a pending project for execution. Submitting a project
// that is already queued, running or terminal is a no-op. A project
// whose tool snapshot carries a malformed or policy-violating template
// is rejected here, before it can ever reach the running state.
func (s *Supervisor) Submit(projectID string) error {
	p, err := s.store.GetProject(projectID)
	if err != nil {
		return err
	}
	if p.Status.Terminal() || p.Status == domain.ProjectRunning {
		return nil
	}
	if err := s.validateTemplate(p.CommandTemplate); err != nil {
		return fmt.Errorf("project %s rejected: %w", projectID, err)
	}

	s.mu.Lock()
	if s.queued[projectID] || s.running[projectID] != nil {
		s.mu.Unlock()
		return nil
	}
	s.enqueueLocked(projectID)
	s.mu.Unlock()

	s.admit()
	return nil
}

// Cancel requests a best-effort cancellation. For a running project the
// in-flight commands are killed and unstarted files are marked failed
// by the runner; a queued project is removed from the queue and stays
// pending. Cancelling anything else is a no-op.
func (s *Supervisor) Cancel(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.running[projectID]; ok {
		log.Printf("[supervisor] cancelling project %s", projectID)
		cancel(domain.ErrProjectCancelled)
		return
	}

	if s.queued[projectID] {
		delete(s.queued, projectID)
		for i, id := range s.queue {
			if id == projectID {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	}
}

// RunningCount returns the number of projects currently holding a slot
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// QueuedCount returns the number of projects waiting for a slot
func (s *Supervisor) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// MaxConcurrent returns the concurrency ceiling
func (s *Supervisor) MaxConcurrent() int {
	return s.pool.MaxSlots()
}

// Wait blocks until all launched projects have settled. Meant for
// shutdown after cancelling the context passed to Start.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) enqueueLocked(projectID string) {
	if s.queued[projectID] || s.running[projectID] != nil {
		return
	}
	s.queued[projectID] = true
	s.queue = append(s.queue, projectID)
}

// admit moves queued projects into running slots until either runs out
func (s *Supervisor) admit() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		if !s.pool.Acquire() {
			s.mu.Unlock()
			return
		}
		projectID := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.queued, projectID)

		ctx, cancel := context.WithCancelCause(s.baseCtx)
		s.running[projectID] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runProject(ctx, cancel, projectID)
	}
}

func (s *Supervisor) runProject(ctx context.Context, cancel context.CancelCauseFunc, projectID string) {
	defer s.wg.Done()
	defer cancel(nil)

	log.Printf("[supervisor] admitting project %s", projectID)
	status, err := s.runner.Run(ctx, projectID)
	if err != nil {
		log.Printf("[supervisor] project %s: %v", projectID, err)
	}

	s.mu.Lock()
	delete(s.running, projectID)
	s.mu.Unlock()
	s.pool.Release()

	s.notifyTerminal(projectID, status)
	s.admit()
}

func (s *Supervisor) validateTemplate(commandTemplate string) error {
	if s.validator != nil {
		return s.validator.Validate(commandTemplate)
	}
	_, err := executor.ParseTemplate(commandTemplate)
	return err
}

func (s *Supervisor) notifyTerminal(projectID string, status domain.ProjectStatus) {
	if s.notifier == nil || !status.Terminal() {
		return
	}

	n := notify.Notification{
		Title:     "Project finished",
		Message:   fmt.Sprintf("project %s finished with status %s", projectID, status),
		ProjectID: projectID,
	}
	switch status {
	case domain.ProjectSucceeded:
		n.Type = notify.NotifySuccess
	case domain.ProjectPartiallyFailed:
		n.Type = notify.NotifyWarning
	default:
		n.Type = notify.NotifyError
	}
	if err := s.notifier.Send(n); err != nil {
		log.Printf("[supervisor] notification failed: %v", err)
	}
}
