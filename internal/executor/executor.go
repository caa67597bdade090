package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// DefaultTimeout is used when no per-command timeout is configured
const DefaultTimeout = 5 * time.Minute

// DefaultExcerptLimit caps how much of each output stream is kept
const DefaultExcerptLimit = 4 * 1024

// Result is the outcome of one command invocation. A non-zero exit code
// is a normal outcome, not an error; ExitCode is nil when the command
// was killed by the timeout.
type Result struct {
	ExitCode      *int
	StdoutExcerpt string
	StderrExcerpt string
	TimedOut      bool
}

// Config configures the executor
type Config struct {
	Timeout      time.Duration
	ExcerptLimit int
	Policy       Policy
}

// Executor runs validated command templates against single files
type Executor struct {
	timeout      time.Duration
	excerptLimit int
	policy       Policy
}

// New creates an executor, filling in defaults for zero values
func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ExcerptLimit <= 0 {
		cfg.ExcerptLimit = DefaultExcerptLimit
	}
	return &Executor{
		timeout:      cfg.Timeout,
		excerptLimit: cfg.ExcerptLimit,
		policy:       cfg.Policy,
	}
}

// Validate checks a template against syntax and policy without running it
func (e *Executor) Validate(commandTemplate string) error {
	tmpl, err := ParseTemplate(commandTemplate)
	if err != nil {
		return err
	}
	return e.policy.Check(tmpl, commandTemplate)
}

// Run executes the template against one file path and waits for the
// command to settle. It returns an error only for operational failures
// (invalid template, process could not be spawned) or when ctx is
// cancelled; command failure and timeout are reported in the Result.
// On timeout the child and its descendants are killed as a process
// group before Run returns.
func (e *Executor) Run(ctx context.Context, commandTemplate, filePath string) (*Result, error) {
	tmpl, err := ParseTemplate(commandTemplate)
	if err != nil {
		return nil, err
	}
	if err := e.policy.Check(tmpl, commandTemplate); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	argv := tmpl.Argv(filePath)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)

	stdout := newExcerptWriter(e.excerptLimit)
	stderr := newExcerptWriter(e.excerptLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Run the child in its own process group so a timeout kill reaches
	// any descendants it spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	waitErr := cmd.Wait()

	result := &Result{
		StdoutExcerpt: stdout.String(),
		StderrExcerpt: stderr.String(),
	}

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		result.TimedOut = true
		return result, nil
	}
	if ctx.Err() != nil {
		// Cancelled from above; the caller decides how to record it
		return result, ctx.Err()
	}

	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("waiting for %s: %w", argv[0], waitErr)
		}
		code = exitErr.ExitCode()
	}
	result.ExitCode = &code
	return result, nil
}

// excerptWriter keeps the first limit bytes written and discards the
// rest, so a noisy command cannot grow memory without bound.
type excerptWriter struct {
	limit     int
	buf       bytes.Buffer
	truncated bool
}

func newExcerptWriter(limit int) *excerptWriter {
	return &excerptWriter{limit: limit}
}

func (w *excerptWriter) Write(p []byte) (int, error) {
	room := w.limit - w.buf.Len()
	if room > 0 {
		if len(p) <= room {
			w.buf.Write(p)
		} else {
			w.buf.Write(p[:room])
			w.truncated = true
		}
	} else if len(p) > 0 {
		w.truncated = true
	}
	return len(p), nil
}

func (w *excerptWriter) String() string {
	if w.truncated {
		return w.buf.String() + "\n[truncated]"
	}
	return w.buf.String()
}
