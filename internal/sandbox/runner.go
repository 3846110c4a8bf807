package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/roach88/hermetic/internal/pipgraph"
)

// DefaultDroughtTimeout bounds how long the Runner waits for the report
// stream to close after the process has exited.
const DefaultDroughtTimeout = 30 * time.Second

// Command is one sandboxed process invocation.
type Command struct {
	// Build scopes the attachment, so pips of concurrent builds that share
	// an ID do not collide in the monitor.
	Build      string
	Pip        pipgraph.PipID
	Name       string
	Executable string
	Args       []string
	// Env is the complete child environment. Nothing is inherited.
	Env     map[string]string
	Dir     string
	Policy  AccessPolicy
	Timeout time.Duration
}

// Result is the outcome of one run. Reports is the complete, ordered
// report set unless Terminated is true.
type Result struct {
	ExitCode   int
	Reports    []AccessReport
	Stdout     []byte
	Stderr     []byte
	Duration   time.Duration
	UserTime   time.Duration
	SystemTime time.Duration
	Terminated bool
}

// Runner executes commands under a Monitor.
type Runner struct {
	monitor        Monitor
	logger         *slog.Logger
	droughtTimeout time.Duration
	pollInterval   time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithDroughtTimeout sets the post-exit report drought limit.
func WithDroughtTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.droughtTimeout = d
		}
	}
}

// WithPollInterval sets how often drought is checked.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner returns a runner that attaches every process to m.
func NewRunner(m Monitor, opts ...RunnerOption) *Runner {
	r := &Runner{
		monitor:        m,
		logger:         slog.Default(),
		droughtTimeout: DefaultDroughtTimeout,
		pollInterval:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Monitor returns the runner's monitor.
func (r *Runner) Monitor() Monitor { return r.monitor }

type collected struct {
	reports []AccessReport
	err     error
}

// Run starts c, attaches it to the monitor and waits until both the process
// has exited and its report stream has closed. NotifyPipFinished is called
// on every path after a successful attach.
func (r *Runner) Run(ctx context.Context, c Command) (*Result, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &SandboxError{Kind: ErrStartFailed, Pip: c.Pip, Msg: "report pipe", Err: err}
	}
	policy, err := json.Marshal(c.Policy)
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, &SandboxError{Kind: ErrStartFailed, Pip: c.Pip, Msg: "encode policy", Err: err}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(c.Executable, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = childEnv(c.Env, policy)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.ExtraFiles = []*os.File{pw}
	cmd.WaitDelay = r.droughtTimeout
	setProcessGroup(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, &SandboxError{Kind: ErrStartFailed, Pip: c.Pip, Err: err}
	}
	// The child holds its own copy; the stream ends when the last writer in
	// the process tree closes it.
	pw.Close()

	pid := cmd.Process.Pid
	handle := ProcessHandle{PID: pid, Reports: pr}
	key := PipKey{Build: c.Build, Pip: c.Pip}
	if !r.monitor.NotifyPipStarting(PipInfo{Key: key, Name: c.Name, Policy: c.Policy}, handle) {
		killProcessTree(pid)
		_ = cmd.Wait()
		pr.Close()
		return nil, &SandboxError{Kind: ErrAttachFailed, Pip: c.Pip, Msg: fmt.Sprintf("pid %d", pid)}
	}
	defer func() {
		r.monitor.NotifyPipFinished(key, handle)
		pr.Close()
	}()

	stream := r.monitor.Reports(key)
	if stream == nil {
		killProcessTree(pid)
		_ = cmd.Wait()
		return nil, &SandboxError{Kind: ErrAttachFailed, Pip: c.Pip, Msg: "no report stream"}
	}

	collectCtx, stopCollect := context.WithCancel(context.Background())
	defer stopCollect()
	collectDone := make(chan collected, 1)
	go func() {
		reps, err := stream.Drain(collectCtx)
		collectDone <- collected{reps, err}
	}()
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	deadline := runCtx.Done()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var (
		res        = &Result{}
		stall      stallWatch
		exited     bool
		drained    bool
		waitErr    error
		failure    error
		terminated bool
	)
	terminate := func() {
		if terminated {
			return
		}
		terminated = true
		killProcessTree(pid)
		r.monitor.NotifyPipTerminated(key, pid)
	}

	for !exited || !drained {
		select {
		case waitErr = <-waitDone:
			exited = true
			waitDone = nil
		case got := <-collectDone:
			res.Reports = got.reports
			drained = true
			collectDone = nil
		case <-deadline:
			deadline = nil
			switch {
			case ctx.Err() != nil:
				failure = fmt.Errorf("pip %s canceled: %w", c.Pip, context.Cause(ctx))
			default:
				failure = &SandboxError{Kind: ErrSandboxTimeout, Pip: c.Pip, Msg: fmt.Sprintf("exceeded timeout %s", c.Timeout)}
			}
			terminate()
		case <-ticker.C:
			if !exited {
				stall.check(r, key, time.Since(started))
			}
			if exited && !drained && !terminated && stream.Drought() > r.droughtTimeout {
				failure = &SandboxError{
					Kind: ErrSandboxTimeout,
					Pip:  c.Pip,
					Msg:  fmt.Sprintf("report channel silent for %s after exit", r.droughtTimeout),
				}
				terminate()
			}
		}
	}

	res.Duration = time.Since(started)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	res.Terminated = terminated
	if state := cmd.ProcessState; state != nil {
		res.ExitCode = state.ExitCode()
		res.UserTime = state.UserTime()
		res.SystemTime = state.SystemTime()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		r.logger.Warn("process wait", "pip", c.Pip, "error", waitErr)
	}
	r.logger.Debug("process finished",
		"pip", c.Pip,
		"pid", pid,
		"exit_code", res.ExitCode,
		"reports", len(res.Reports),
		"duration", res.Duration,
		"terminated", terminated,
	)
	if failure != nil {
		return res, failure
	}
	return res, nil
}

// stallWatch warns once per run when the monitor as a whole has gone
// quiet while this pip is still running, or when a delivered report has
// sat unconsumed for longer than the drought timeout.
type stallWatch struct {
	quiet, backlog bool
}

func (w *stallWatch) check(r *Runner, key PipKey, running time.Duration) {
	if running <= r.droughtTimeout {
		return
	}
	drought := r.monitor.CurrentDrought()
	if !w.quiet && drought > r.droughtTimeout {
		w.quiet = true
		r.logger.Warn("no access reports from any pip", "pip", key, "drought", drought)
	}
	oldest, ok := r.monitor.MinEnqueueTime()
	if !ok || w.backlog {
		return
	}
	if lag := r.monitor.Elapsed() - oldest; lag > r.droughtTimeout {
		w.backlog = true
		r.logger.Warn("access reports waiting on a stalled consumer", "pip", key, "oldest_pending", lag)
	}
}

func childEnv(env map[string]string, policy []byte) []string {
	out := make([]string, 0, len(env)+2)
	for k, v := range env {
		if k == EnvReportFD || k == EnvPolicy {
			continue
		}
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return append(out,
		fmt.Sprintf("%s=%d", EnvReportFD, ReportFD),
		EnvPolicy+"="+string(policy),
	)
}
