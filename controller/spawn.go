package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ethereum-optimism/infra/op-testlens/launch"
	"github.com/ethereum-optimism/infra/op-testlens/metrics"
	"github.com/ethereum-optimism/infra/op-testlens/protocol"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
)

const (
	DefaultRunnerBinary = "testrunner"

	runnerGoBinaryEnv = "TESTRUNNER_GO_BINARY"
)

// SpawnConfig configures how the testrunner process is started
type SpawnConfig struct {
	Log          log.Logger
	RunnerBinary string
	RunnerArgs   []string // placed before the positional arguments
	GoBinary     string
	Port         int
	Output       io.Writer // runner stdout and stderr, os.Stderr when nil
	Progress     ProgressIndicator
	OnMessage    func(protocol.Message)
	RunID        string // generated when empty
}

// Execute starts the testrunner for a resolved launch and collects its run. A
// runner that exits non-zero is reported through Run.ExitCode, not as an error.
func Execute(ctx context.Context, arg *launch.Argument, cfg SpawnConfig) (*Run, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.RunnerBinary == "" {
		cfg.RunnerBinary = DefaultRunnerBinary
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	ctx, span := otel.Tracer("controller").Start(ctx, fmt.Sprintf("run %s", arg.ProjectName))
	defer span.End()

	ctrl, err := Listen(Config{Log: cfg.Log, Port: cfg.Port, Progress: cfg.Progress, OnMessage: cfg.OnMessage})
	if err != nil {
		return nil, err
	}
	defer ctrl.Close()

	run := NewRun(arg.ProjectName, arg.FrameworkKind)
	if cfg.RunID != "" {
		run.ID = cfg.RunID
	}
	span.SetAttributes(attribute.String("run.id", run.ID))

	args := append([]string(nil), cfg.RunnerArgs...)
	args = append(args, strconv.Itoa(ctrl.Port()), string(arg.FrameworkKind))
	args = append(args, arg.ProgramArguments...)

	env := append(os.Environ(), arg.Env...)
	if cfg.GoBinary != "" {
		env = append(env, runnerGoBinaryEnv+"="+cfg.GoBinary)
	}

	cmd := exec.CommandContext(ctx, cfg.RunnerBinary, args...)
	cmd.Dir = arg.WorkingDirectory
	cmd.Env = telemetry.InstrumentEnvironment(ctx, env)
	cmd.Stdout = cfg.Output
	cmd.Stderr = cfg.Output

	collected := make(chan error, 1)
	go func() {
		collected <- ctrl.Collect(ctx, run)
	}()

	cfg.Log.Info("Starting test runner", "run", run.ID, "project", arg.ProjectName, "kind", arg.FrameworkKind, "dir", cmd.Dir, "args", args)
	if err := cmd.Start(); err != nil {
		_ = ctrl.Close()
		<-collected
		return nil, fmt.Errorf("starting %s: %w", cfg.RunnerBinary, err)
	}

	waitErr := cmd.Wait()
	// unblocks Collect when the runner exited without connecting
	_ = ctrl.Close()
	collectErr := <-collected

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return run, fmt.Errorf("waiting for %s: %w", cfg.RunnerBinary, waitErr)
		}
		// the runner exits with -1 and -2, which the OS reports as 255 and 254
		run.ExitCode = int(int8(exitErr.ExitCode()))
	}
	if collectErr != nil {
		if !errors.Is(collectErr, ErrRunnerNotConnected) || run.ExitCode == 0 {
			return run, collectErr
		}
		cfg.Log.Warn("Test runner exited before connecting", "run", run.ID, "exitCode", run.ExitCode)
	}

	for _, r := range run.Results {
		if !r.IsSuite {
			metrics.RecordTestResult(run.Project, run.Kind, r.Status)
		}
	}
	metrics.RecordRunDuration(run.Project, run.ID, run.Duration())

	s := run.Summary()
	cfg.Log.Info("Test run finished",
		"run", run.ID,
		"exitCode", run.ExitCode,
		"total", s.Total,
		"passed", s.Passed,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"errored", s.Errored,
		"malformed", run.Malformed)
	return run, nil
}
