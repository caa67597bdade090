package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aimanhq/aiman/internal/domain"
	"github.com/aimanhq/aiman/internal/projectstore"
)

// fakeRunner blocks each run until released, tracking concurrency
type fakeRunner struct {
	store *projectstore.Store

	mu            sync.Mutex
	runs          []string
	concurrent    int
	maxConcurrent int
	release       chan struct{}
}

func newFakeRunner(store *projectstore.Store) *fakeRunner {
	return &fakeRunner{store: store, release: make(chan struct{})}
}

func (f *fakeRunner) Run(ctx context.Context, projectID string) (domain.ProjectStatus, error) {
	f.mu.Lock()
	f.runs = append(f.runs, projectID)
	f.concurrent++
	if f.concurrent > f.maxConcurrent {
		f.maxConcurrent = f.concurrent
	}
	f.mu.Unlock()

	f.store.TransitionStatus(projectID, domain.ProjectRunning)

	select {
	case <-f.release:
	case <-ctx.Done():
	}

	f.mu.Lock()
	f.concurrent--
	f.mu.Unlock()

	f.store.UpdateFileResult(projectID, domain.FileResult{Index: 0, Path: "/a.txt", Status: domain.FileSucceeded})
	f.store.TransitionStatus(projectID, domain.ProjectSucceeded)
	return domain.ProjectSucceeded, nil
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newStoreWithProjects(t *testing.T, n int) (*projectstore.Store, []string) {
	t.Helper()
	store, err := projectstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	tool, err := domain.NewTool("Summarize", "summarize {file}")
	if err != nil {
		t.Fatal(err)
	}

	ids := make([]string, n)
	for i := range ids {
		p, err := domain.NewProject("project", tool, []string{"/a.txt"})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.CreateProject(p); err != nil {
			t.Fatal(err)
		}
		ids[i] = p.ID
	}
	return store, ids
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisor_ConcurrencyCeiling(t *testing.T) {
	store, ids := newStoreWithProjects(t, 4)
	fake := newFakeRunner(store)
	sup := New(store, fake, 2)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, id := range ids {
		if err := sup.Submit(id); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "two projects running", func() bool {
		counts, _ := store.StatusCounts()
		return sup.RunningCount() == 2 && counts[domain.ProjectRunning] == 2
	})

	if sup.QueuedCount() != 2 {
		t.Errorf("queued = %d, want 2", sup.QueuedCount())
	}
	// The excess submissions are still pending in the store
	counts, _ := store.StatusCounts()
	if counts[domain.ProjectPending] != 2 {
		t.Errorf("pending in store = %d, want 2", counts[domain.ProjectPending])
	}

	// Free the slots; everything drains without exceeding the ceiling
	close(fake.release)
	waitFor(t, "all projects settled", func() bool { return fake.runCount() == 4 && sup.RunningCount() == 0 })
	sup.Wait()

	if fake.maxConcurrent > 2 {
		t.Errorf("max concurrent runs = %d, want <= 2", fake.maxConcurrent)
	}
}

func TestSupervisor_SubmitIdempotent(t *testing.T) {
	store, ids := newStoreWithProjects(t, 1)
	fake := newFakeRunner(store)
	sup := New(store, fake, 1)
	sup.Start(context.Background())

	sup.Submit(ids[0])
	waitFor(t, "project admitted", func() bool { return sup.RunningCount() == 1 })

	// Second submit while running is a no-op
	if err := sup.Submit(ids[0]); err != nil {
		t.Fatal(err)
	}

	close(fake.release)
	waitFor(t, "project settled", func() bool { return sup.RunningCount() == 0 })
	sup.Wait()

	if fake.runCount() != 1 {
		t.Errorf("runs = %d, want 1", fake.runCount())
	}

	// Submit after terminal is also a no-op
	if err := sup.Submit(ids[0]); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if fake.runCount() != 1 {
		t.Errorf("runs after terminal resubmit = %d, want 1", fake.runCount())
	}
}

func TestSupervisor_SubmitRejectsMalformedTemplate(t *testing.T) {
	store, _ := newStoreWithProjects(t, 0)

	// The placeholder check passes at tool creation, so a template
	// smuggling a metacharacter reaches the snapshot; admission is the
	// last gate before running
	tool, err := domain.NewTool("Bad", "echo {file} ; rm -rf /tmp")
	if err != nil {
		t.Fatal(err)
	}
	p, err := domain.NewProject("hostile", tool, []string{"/a.txt"})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateProject(p); err != nil {
		t.Fatal(err)
	}

	fake := newFakeRunner(store)
	sup := New(store, fake, 1)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := sup.Submit(p.ID); err == nil {
		t.Fatal("expected rejection for template with metacharacter")
	}
	sup.Wait()

	if fake.runCount() != 0 {
		t.Errorf("runner invoked %d times, want 0", fake.runCount())
	}
	got, err := store.GetProject(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ProjectPending {
		t.Errorf("status = %q, want pending (never ran)", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt set on a rejected project")
	}
}

func TestSupervisor_SubmitUnknownProject(t *testing.T) {
	store, _ := newStoreWithProjects(t, 0)
	sup := New(store, newFakeRunner(store), 1)

	if err := sup.Submit("missing"); err == nil {
		t.Error("expected error for unknown project")
	}
}

func TestSupervisor_RecoversCrashedProjects(t *testing.T) {
	store, ids := newStoreWithProjects(t, 3)

	// Simulate a crash: one project stuck running, one pending, one done
	store.TransitionStatus(ids[0], domain.ProjectRunning)
	store.TransitionStatus(ids[2], domain.ProjectRunning)
	store.UpdateFileResult(ids[2], domain.FileResult{Index: 0, Path: "/a.txt", Status: domain.FileSucceeded})
	store.TransitionStatus(ids[2], domain.ProjectSucceeded)

	fake := newFakeRunner(store)
	close(fake.release)
	sup := New(store, fake, 2)
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "recovery to drain", func() bool { return fake.runCount() == 2 && sup.RunningCount() == 0 })
	sup.Wait()

	// Crashed-running and pending re-admitted, terminal left alone
	for _, id := range fake.runs {
		if id == ids[2] {
			t.Error("terminal project re-admitted during recovery")
		}
	}
}

func TestSupervisor_CancelRunning(t *testing.T) {
	store, ids := newStoreWithProjects(t, 1)
	fake := newFakeRunner(store)
	sup := New(store, fake, 1)
	sup.Start(context.Background())

	sup.Submit(ids[0])
	waitFor(t, "project running", func() bool { return sup.RunningCount() == 1 })

	// Cancel unblocks the runner through its context
	sup.Cancel(ids[0])
	waitFor(t, "project cancelled", func() bool { return sup.RunningCount() == 0 })
	sup.Wait()
}

func TestSupervisor_CancelQueued(t *testing.T) {
	store, ids := newStoreWithProjects(t, 2)
	fake := newFakeRunner(store)
	sup := New(store, fake, 1)
	sup.Start(context.Background())

	sup.Submit(ids[0])
	waitFor(t, "first project running", func() bool { return sup.RunningCount() == 1 })
	sup.Submit(ids[1])

	if sup.QueuedCount() != 1 {
		t.Fatalf("queued = %d, want 1", sup.QueuedCount())
	}

	// Cancelling a queued project removes it from the queue; it stays pending
	sup.Cancel(ids[1])
	if sup.QueuedCount() != 0 {
		t.Errorf("queued after cancel = %d, want 0", sup.QueuedCount())
	}

	close(fake.release)
	waitFor(t, "first project settled", func() bool { return sup.RunningCount() == 0 })
	sup.Wait()

	if fake.runCount() != 1 {
		t.Errorf("runs = %d, want 1 (cancelled queued project must not run)", fake.runCount())
	}
	got, _ := store.GetProject(ids[1])
	if got.Status != domain.ProjectPending {
		t.Errorf("cancelled queued project status = %q, want pending", got.Status)
	}
}

func TestPool(t *testing.T) {
	pool := NewPool(2)

	if !pool.Acquire() || !pool.Acquire() {
		t.Fatal("could not acquire available slots")
	}
	if pool.Acquire() {
		t.Error("acquired beyond capacity")
	}
	if pool.Available() != 0 {
		t.Errorf("Available = %d, want 0", pool.Available())
	}

	pool.Release()
	if pool.Available() != 1 {
		t.Errorf("Available = %d, want 1", pool.Available())
	}

	// Release never exceeds capacity
	pool.Release()
	pool.Release()
	if pool.Available() != 2 {
		t.Errorf("Available = %d, want 2", pool.Available())
	}
}
