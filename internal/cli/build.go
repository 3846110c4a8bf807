package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/hermetic/internal/config"
	"github.com/roach88/hermetic/internal/graphload"
	"github.com/roach88/hermetic/internal/metrics"
	"github.com/roach88/hermetic/internal/sandbox"
	"github.com/roach88/hermetic/internal/scheduler"
)

// usageSampleInterval is how often procfs feeds the monitor's resource hints.
const usageSampleInterval = time.Second

// NewBuildCommand creates the build command. Its flags override the
// matching run.*, cache.remote and metrics.addr config keys.
func NewBuildCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <graph-file>",
		Short: "Run a pip graph",
		Long: `Load a graph file, then run every pip in dependency order.

Pips whose recorded inputs are unchanged are restored from the cache.
The rest run in the sandbox; their observed accesses decide what the next
build may reuse. A pip that touches a file it did not declare fails, and
everything downstream of it is skipped.

Example:
  hermetic build graph.yaml
  hermetic build --parallel 8 --remote http://cache:7420 graph.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().Int("parallel", 0, "maximum pips processed at once (default NumCPU)")
	cmd.Flags().Duration("timeout", 0, "default per-pip timeout (0 disables)")
	cmd.Flags().Duration("drought-timeout", 0, "kill a pip whose report channel stays silent this long after exit")
	cmd.Flags().Bool("tolerate-undeclared", false, "log undeclared accesses instead of failing")
	cmd.Flags().String("remote", "", "remote cache base URL")
	cmd.Flags().String("platform", "", "platform defaults for depends_on_os pips (macos|linux|none)")
	cmd.Flags().String("metrics-addr", "", "serve /metrics on this address while building")

	opts.bind(cmd, config.RunParallelKey, "parallel")
	opts.bind(cmd, config.RunTimeoutKey, "timeout")
	opts.bind(cmd, config.RunDroughtTimeoutKey, "drought-timeout")
	opts.bind(cmd, config.RunTolerateUndeclaredKey, "tolerate-undeclared")
	opts.bind(cmd, config.CacheRemoteKey, "remote")
	opts.bind(cmd, config.RunPlatformKey, "platform")
	opts.bind(cmd, config.MetricsAddrKey, "metrics-addr")

	return cmd
}

// buildView is the rendered outcome of a build.
type buildView struct {
	BuildID  string           `json:"build_id"`
	Graph    string           `json:"graph"`
	Outcome  string           `json:"outcome"`
	Counts   scheduler.Counts `json:"counts"`
	Duration string           `json:"duration"`
	Failures []failureView    `json:"failures,omitempty"`
	Skipped  []string         `json:"skipped,omitempty"`
}

type failureView struct {
	Pip      string `json:"pip"`
	Code     string `json:"code"`
	Location string `json:"location,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
}

func newBuildView(res *scheduler.Result) buildView {
	v := buildView{
		BuildID:  res.BuildID,
		Graph:    res.GraphHash.String(),
		Outcome:  res.Outcome(),
		Counts:   res.Counts(),
		Duration: res.Finished.Sub(res.Started).Round(time.Millisecond).String(),
	}
	for _, f := range res.Failures() {
		v.Failures = append(v.Failures, failureView{
			Pip:      f.Name,
			Code:     string(scheduler.CodeOf(f.Cause)),
			Location: f.Location,
			Path:     f.Path,
			Message:  f.Cause.Error(),
		})
	}
	for _, id := range res.Skipped() {
		if pr, ok := res.Pip(id); ok {
			v.Skipped = append(v.Skipped, pr.Name)
		}
	}
	return v
}

func (v buildView) render(w io.Writer) {
	c := v.Counts
	fmt.Fprintf(w, "build %s: %s in %s\n", v.BuildID, v.Outcome, v.Duration)
	fmt.Fprintf(w, "  %d pips: %d executed, %d cached, %d failed, %d skipped\n",
		c.Total, c.Executed, c.CacheHits, c.Failed, c.Skipped)
	for _, f := range v.Failures {
		loc := ""
		if f.Location != "" {
			loc = " (" + f.Location + ")"
		}
		fmt.Fprintf(w, "  FAILED %s%s: %s\n", f.Pip, loc, f.Message)
	}
	if len(v.Skipped) > 0 {
		fmt.Fprintf(w, "  skipped: %v\n", v.Skipped)
	}
}

func runBuild(ctx context.Context, opts *RootOptions, graphPath string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config()
	logger := opts.Logger()
	formatter := opts.formatter(cmd)

	session := graphload.NewSession(graphload.WithPlatform(cfg.Run.Platform), graphload.WithLogger(logger))
	g, err := session.Load(graphPath)
	if err != nil {
		return reportGraphError(formatter, err)
	}
	formatter.VerboseLog("loaded %d pips from %s", g.Len(), graphPath)

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if addr := cfg.Metrics.Addr; addr != "" {
		reg := prom.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
		srv := &http.Server{Addr: addr, Handler: metrics.HTTPHandler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", "addr", addr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", addr)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ws, err := openWorkspace(ctx, cfg, logger, recorder)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, "open cache", err.Error())
		return WrapExitError(ExitCommandError, "open cache", err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Error("error closing cache database", "error", err)
		}
	}()

	monitor := sandbox.NewChannelMonitor(sandbox.WithMonitorLogger(logger))
	sampleCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()
	go func() {
		if err := monitor.SampleUsage(sampleCtx, "/proc", usageSampleInterval); err != nil {
			logger.Debug("resource hints unavailable", "error", err)
		}
	}()
	runner := sandbox.NewRunner(monitor,
		sandbox.WithDroughtTimeout(cfg.Run.DroughtTimeout),
		sandbox.WithRunnerLogger(logger),
	)

	seq, err := ws.db.MaxSeq(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "read cache sequence", err)
	}
	sched := scheduler.New(runner, ws.cache, ws.content,
		scheduler.WithConcurrency(cfg.Run.Parallel),
		scheduler.WithDefaultTimeout(cfg.Run.Timeout),
		scheduler.WithTolerateUndeclared(cfg.Run.TolerateUndeclared),
		scheduler.WithRetryPolicy(cfg.Retry),
		scheduler.WithResourceLimits(scheduler.ResourceLimits{
			MaxCPUBasisPoints: cfg.Run.MaxCPUBasisPoints,
			MinAvailableRAMMB: cfg.Run.MinFreeRAMMB,
		}),
		scheduler.WithClock(scheduler.ResumeClock(seq)),
		scheduler.WithBuildLog(ws.db),
		scheduler.WithLogger(logger),
		scheduler.WithRecorder(recorder),
	)

	res, err := sched.Run(ctx, g)
	if err != nil {
		return WrapExitError(ExitCommandError, "build", err)
	}
	if ws.content.Degraded() {
		logger.Warn("remote cache was unavailable during this build; results were kept locally")
	}

	view := newBuildView(res)
	if !res.Succeeded() {
		if formatter.Format == "json" {
			_ = formatter.Error(ErrCodeBuildFailed, "build "+view.Outcome, view)
		} else {
			view.render(formatter.Writer)
		}
		return NewExitError(ExitFailure, "build "+view.Outcome)
	}
	return formatter.Success(view, view.render)
}

func reportGraphError(f *OutputFormatter, err error) error {
	var le *graphload.LoadError
	code := ErrCodeGeneric
	if errors.As(err, &le) {
		code = le.Code
	}
	_ = f.Error(code, err.Error(), nil)
	return WrapExitError(ExitCommandError, "load graph", err)
}
