package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testlens/adapters"
	"github.com/ethereum-optimism/infra/op-testlens/exitcodes"
	"github.com/ethereum-optimism/infra/op-testlens/launch"
	"github.com/ethereum-optimism/infra/op-testlens/launcher"
	"github.com/ethereum-optimism/infra/op-testlens/protocol"
	"github.com/ethereum-optimism/infra/op-testlens/reporter"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func applyAll(msgs ...protocol.Message) *Run {
	run := NewRun("demo", types.KindGoTest)
	t := newTracker(run, nil)
	for _, m := range msgs {
		t.apply(m)
	}
	t.finish()
	return run
}

func byName(run *Run) map[string]*types.TestResult {
	out := make(map[string]*types.TestResult)
	for _, r := range run.Results {
		out[r.Name] = r
	}
	return out
}

func TestTracker_ReconstructsResults(t *testing.T) {
	run := applyAll(
		protocol.ReporterAttached(),
		protocol.SuiteStarted("example.com/demo/store"),
		protocol.TestStarted("TestPass", "file:///demo/store/store_test.go:10"),
		protocol.TestFinished("TestPass", 12*time.Millisecond),
		protocol.TestStarted("TestFail", ""),
		protocol.TestFinished("TestFail", 30*time.Millisecond),
		protocol.TestFailed("TestFail", 30*time.Millisecond, "Not equal: 1 != 2", "store_test.go:20: Not equal"),
		protocol.TestIgnored("TestSkip"),
		protocol.SuiteFinished("example.com/demo/store"),
	)

	assert.True(t, run.Attached)
	assert.Empty(t, run.Violations)
	results := byName(run)

	pass := results["TestPass"]
	assert.Equal(t, types.TestStatusPass, pass.Status)
	assert.Equal(t, 12*time.Millisecond, pass.Duration)
	assert.Equal(t, "file:///demo/store/store_test.go:10", pass.Location)
	assert.Equal(t, "example.com/demo/store", pass.Suite)

	fail := results["TestFail"]
	assert.Equal(t, types.TestStatusFail, fail.Status)
	assert.Equal(t, "Not equal: 1 != 2", fail.Message)
	assert.Equal(t, "store_test.go:20: Not equal", fail.Trace)

	assert.Equal(t, types.TestStatusSkip, results["TestSkip"].Status)
	assert.Equal(t, types.TestStatusPass, results["example.com/demo/store"].Status)

	assert.Equal(t, Summary{Total: 3, Passed: 1, Failed: 1, Skipped: 1}, run.Summary())
	assert.True(t, run.Failed())
	for i, r := range run.Results {
		assert.Equal(t, i, r.Order)
	}
}

func TestTracker_SuiteSetupFailure(t *testing.T) {
	run := applyAll(
		protocol.SuiteStarted("TestStoreSuite"),
		protocol.TestStarted("TestStoreSuite", "testify://example.com/store/TestStoreSuite"),
		protocol.TestFinished("TestStoreSuite", 5*time.Millisecond),
		protocol.TestFailed("TestStoreSuite", 5*time.Millisecond, "SetupSuite failed", "connection refused"),
		protocol.SuiteFinished("TestStoreSuite"),
	)

	assert.Empty(t, run.Violations)
	require.Len(t, run.Results, 1, "the failure is reported on the suite itself")
	suite := run.Results[0]
	assert.True(t, suite.IsSuite)
	assert.Equal(t, types.TestStatusFail, suite.Status)
	assert.Equal(t, "SetupSuite failed", suite.Message)
	assert.Equal(t, "testify://example.com/store/TestStoreSuite", suite.Location)
	assert.Equal(t, 0, run.Summary().Total)
	assert.True(t, run.Failed())
}

func TestTracker_SameNameInTwoPackages(t *testing.T) {
	run := applyAll(
		protocol.SuiteStarted("example.com/a"),
		protocol.TestStarted("TestFoo", "gotest://example.com/a/TestFoo"),
		protocol.TestFinished("TestFoo", time.Millisecond),
		protocol.TestFailed("TestFoo", time.Millisecond, "boom", ""),
		protocol.SuiteFinished("example.com/a"),
		protocol.SuiteStarted("example.com/b"),
		protocol.TestStarted("TestFoo", "gotest://example.com/b/TestFoo"),
		protocol.TestFinished("TestFoo", time.Millisecond),
		protocol.SuiteFinished("example.com/b"),
	)

	assert.Empty(t, run.Violations)
	assert.Equal(t, Summary{Total: 2, Passed: 1, Failed: 1}, run.Summary())

	var foos []*types.TestResult
	for _, r := range run.Results {
		if r.Name == "TestFoo" {
			foos = append(foos, r)
		}
	}
	require.Len(t, foos, 2)
	assert.Equal(t, "example.com/a", foos[0].Suite)
	assert.Equal(t, types.TestStatusFail, foos[0].Status)
	assert.Equal(t, "gotest://example.com/a/TestFoo", foos[0].Location)
	assert.Equal(t, "example.com/b", foos[1].Suite)
	assert.Equal(t, types.TestStatusPass, foos[1].Status)
	assert.NotEqual(t, foos[0].Key(), foos[1].Key())
}

func TestTracker_InterleavedSuites(t *testing.T) {
	run := applyAll(
		protocol.SuiteStarted("pkg"),
		protocol.SuiteStarted("TestASuite"),
		protocol.SuiteStarted("TestBSuite"),
		protocol.TestStarted("TestASuite/TestGet", ""),
		protocol.TestStarted("TestBSuite/TestGet", ""),
		protocol.TestFinished("TestASuite/TestGet", time.Millisecond),
		protocol.SuiteFinished("TestASuite"),
		protocol.TestFinished("TestBSuite/TestGet", time.Millisecond),
		protocol.TestFailed("TestBSuite/TestGet", time.Millisecond, "boom", ""),
		protocol.SuiteFinished("TestBSuite"),
		protocol.SuiteFinished("pkg"),
	)

	assert.Empty(t, run.Violations)
	results := byName(run)
	assert.Equal(t, "TestASuite", results["TestASuite/TestGet"].Suite)
	assert.Equal(t, types.TestStatusPass, results["TestASuite/TestGet"].Status)
	assert.Equal(t, "TestBSuite", results["TestBSuite/TestGet"].Suite)
	assert.Equal(t, types.TestStatusFail, results["TestBSuite/TestGet"].Status)
	assert.Equal(t, types.TestStatusPass, results["pkg"].Status)
}

func TestTracker_OrderingViolations(t *testing.T) {
	run := applyAll(
		protocol.TestFinished("TestA", time.Millisecond),
		protocol.TestFailed("TestB", time.Millisecond, "boom", ""),
		protocol.SuiteFinished("pkg"),
	)
	assert.Len(t, run.Violations, 3)
}

func TestTracker_InterruptedStream(t *testing.T) {
	run := applyAll(
		protocol.SuiteStarted("pkg"),
		protocol.TestStarted("TestHang", ""),
	)
	results := byName(run)
	assert.Equal(t, types.TestStatusError, results["TestHang"].Status)
	assert.Contains(t, results["TestHang"].Message, "interrupted")
	assert.Equal(t, types.TestStatusError, results["pkg"].Status)
	assert.Equal(t, 1, run.Summary().Errored)
	assert.False(t, run.Finished.IsZero())
}

func TestTracker_RunnerError(t *testing.T) {
	run := applyAll(
		protocol.ReporterAttached(),
		protocol.Error("go binary not found", "stack"),
	)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, RunnerError{Message: "go binary not found", Details: "stack"}, run.Errors[0])
	assert.True(t, run.Failed())
}

func TestRun_CleanRunNotFailed(t *testing.T) {
	run := applyAll(
		protocol.ReporterAttached(),
		protocol.TestStarted("TestA", ""),
		protocol.TestFinished("TestA", time.Millisecond),
		protocol.TestIgnored("TestB"),
	)
	assert.False(t, run.Failed())
	assert.NotEmpty(t, run.ID)
}

func TestController_CollectDropsMalformedFrames(t *testing.T) {
	var seen []protocol.MessageType
	ctrl, err := Listen(Config{Log: testLogger(), OnMessage: func(m protocol.Message) {
		seen = append(seen, m.Type)
	}})
	require.NoError(t, err)
	defer ctrl.Close()
	require.NotZero(t, ctrl.Port())

	go func() {
		conn, err := net.Dial("tcp", net.JoinHostPort(Host, strconv.Itoa(ctrl.Port())))
		if err != nil {
			return
		}
		defer conn.Close()
		var buf bytes.Buffer
		for _, m := range []protocol.Message{protocol.ReporterAttached(), protocol.TestStarted("TestA", "")} {
			frame, _ := protocol.Encode(m)
			buf.Write(frame)
		}
		buf.WriteString("##testlens[testStarted name='broken]\n")
		buf.WriteString("not a frame at all\n")
		frame, _ := protocol.Encode(protocol.TestFinished("TestA", 3*time.Millisecond))
		buf.Write(frame)
		_, _ = conn.Write(buf.Bytes())
	}()

	run := NewRun("demo", types.KindGoTest)
	require.NoError(t, ctrl.Collect(context.Background(), run))

	assert.Equal(t, 2, run.Malformed)
	assert.Equal(t, []protocol.MessageType{protocol.TypeReporterAttached, protocol.TypeTestStarted, protocol.TypeTestFinished}, seen)
	assert.Equal(t, types.TestStatusPass, byName(run)["TestA"].Status)
}

func TestController_CollectStopsWithContext(t *testing.T) {
	ctrl, err := Listen(Config{Log: testLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ctrl.Collect(ctx, NewRun("demo", types.KindGoTest))
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("collect did not return")
	}
}

func TestController_CollectWithoutRunner(t *testing.T) {
	ctrl, err := Listen(Config{Log: testLogger()})
	require.NoError(t, err)
	require.NoError(t, ctrl.Close())

	err = ctrl.Collect(context.Background(), NewRun("demo", types.KindGoTest))
	assert.ErrorIs(t, err, ErrRunnerNotConnected)
}

// helperEnv marks the re-executed test binary as a fake testrunner
const helperEnv = "OP_TESTLENS_HELPER_RUNNER"

type scriptedAdapter struct{}

func (scriptedAdapter) Kind() types.FrameworkKind { return types.KindGoTest }

func (scriptedAdapter) Run(ctx context.Context, req adapters.Request) (adapters.Summary, error) {
	scenario := ""
	if len(req.Args) > 0 {
		scenario = req.Args[0]
	}
	switch scenario {
	case "crash":
		return adapters.Summary{}, errors.New("go binary not found")
	default:
		req.Channel.Emit(protocol.SuiteStarted("example.com/demo"))
		req.Channel.Emit(protocol.TestStarted("TestA", ""))
		req.Channel.Emit(protocol.TestFinished("TestA", time.Millisecond))
		req.Channel.Emit(protocol.TestStarted("TestB", ""))
		req.Channel.Emit(protocol.TestFinished("TestB", time.Millisecond))
		req.Channel.Emit(protocol.TestFailed("TestB", time.Millisecond, "boom", ""))
		req.Channel.Emit(protocol.SuiteFinished("example.com/demo"))
		return adapters.Summary{Total: 2, Passed: 1, Failed: 1}, nil
	}
}

// TestHelperRunner is not a real test: Execute re-runs the test binary with it as the
// testrunner
func TestHelperRunner(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	l := launcher.New(launcher.Config{
		Log:     testLogger(),
		Channel: reporter.NewChannel(reporter.Config{Log: testLogger(), Fallback: io.Discard}),
		Adapters: func(kind types.FrameworkKind) (adapters.Adapter, error) {
			return scriptedAdapter{}, nil
		},
	})
	os.Exit(l.Run(context.Background(), args))
}

func executeHelper(t *testing.T, kind types.FrameworkKind, scenario string) (*Run, error) {
	t.Helper()
	arg := &launch.Argument{
		ProjectName:      "demo",
		WorkingDirectory: t.TempDir(),
		FrameworkKind:    kind,
		ProgramArguments: []string{scenario},
		Env:              []string{helperEnv + "=1"},
	}
	return Execute(context.Background(), arg, SpawnConfig{
		Log:          testLogger(),
		RunnerBinary: os.Args[0],
		RunnerArgs:   []string{"-test.run=^TestHelperRunner$", "--"},
		Output:       io.Discard,
	})
}

func TestExecute(t *testing.T) {
	t.Run("clean run with a failing test", func(t *testing.T) {
		run, err := executeHelper(t, types.KindGoTest, "clean")
		require.NoError(t, err)
		assert.Equal(t, exitcodes.Success, run.ExitCode)
		assert.True(t, run.Attached)
		assert.Equal(t, Summary{Total: 2, Passed: 1, Failed: 1}, run.Summary())
		assert.True(t, run.Failed())
	})

	t.Run("runner crash", func(t *testing.T) {
		run, err := executeHelper(t, types.KindGoTest, "crash")
		require.NoError(t, err)
		assert.Equal(t, exitcodes.RunnerCrashed, run.ExitCode)
		require.Len(t, run.Errors, 1)
		assert.Equal(t, "go binary not found", run.Errors[0].Message)
	})

	t.Run("rejected invocation", func(t *testing.T) {
		run, err := executeHelper(t, types.FrameworkKind("bogus-kind"), "clean")
		require.NoError(t, err)
		assert.Equal(t, exitcodes.InvalidParameter, run.ExitCode)
		assert.False(t, run.Attached)
		assert.Empty(t, run.Results)
	})

	t.Run("missing runner binary", func(t *testing.T) {
		_, err := Execute(context.Background(), &launch.Argument{ProjectName: "demo", FrameworkKind: types.KindGoTest}, SpawnConfig{
			Log:          testLogger(),
			RunnerBinary: fmt.Sprintf("/nonexistent/testrunner-%d", time.Now().UnixNano()),
			Output:       io.Discard,
		})
		assert.Error(t, err)
	})
}
