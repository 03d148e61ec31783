package controller

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ethereum-optimism/infra/op-testlens/protocol"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

// RunnerError is an Error message received from the runner
type RunnerError struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Run is the outcome of one test run as reconstructed from the message stream
type Run struct {
	ID       string
	Project  string
	Kind     types.FrameworkKind
	Started  time.Time
	Finished time.Time

	Attached   bool // ReporterAttached was received
	Results    []*types.TestResult
	Errors     []RunnerError
	Violations []string // messages that broke the started-before-finished order
	Malformed  int
	ExitCode   int // testrunner exit code, set when the controller spawned it
}

// NewRun creates an empty run with a fresh ID
func NewRun(project string, kind types.FrameworkKind) *Run {
	return &Run{
		ID:      uuid.New().String(),
		Project: project,
		Kind:    kind,
		Started: time.Now(),
	}
}

// Summary counts test results. Suites are not counted.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Errored int `json:"errored"`
}

// Summary tallies the results of the run
func (r *Run) Summary() Summary {
	var s Summary
	for _, res := range r.Results {
		if res.IsSuite {
			continue
		}
		s.Total++
		switch res.Status {
		case types.TestStatusPass:
			s.Passed++
		case types.TestStatusFail:
			s.Failed++
		case types.TestStatusSkip:
			s.Skipped++
		default:
			s.Errored++
		}
	}
	return s
}

// Failed reports whether anything in the run failed: a test, a suite or the runner
func (r *Run) Failed() bool {
	if len(r.Errors) > 0 || r.ExitCode != 0 {
		return true
	}
	for _, res := range r.Results {
		if res.Status != types.TestStatusPass && res.Status != types.TestStatusSkip {
			return true
		}
	}
	return false
}

// Duration of the run
func (r *Run) Duration() time.Duration {
	if r.Finished.IsZero() {
		return time.Since(r.Started)
	}
	return r.Finished.Sub(r.Started)
}

// tracker applies lifecycle messages to a Run. Names on the wire are bare, so results
// are keyed by the path of suites open around them: TestFoo in two packages makes
// two results.
type tracker struct {
	run      *Run
	progress ProgressIndicator

	byKey  map[string]*types.TestResult
	suites []*types.TestResult // open suites, innermost last
}

func newTracker(run *Run, progress ProgressIndicator) *tracker {
	if progress == nil {
		progress = NewNoOpProgressIndicator()
	}
	return &tracker{
		run:      run,
		progress: progress,
		byKey:    make(map[string]*types.TestResult),
	}
}

// scope picks the open suite a test belongs to: the innermost one its name is
// nested under, else the innermost one. Suites of parallel tests interleave.
func (t *tracker) scope(name string) *types.TestResult {
	for i := len(t.suites) - 1; i >= 0; i-- {
		if strings.HasPrefix(name, t.suites[i].Name+"/") {
			return t.suites[i]
		}
	}
	if len(t.suites) == 0 {
		return nil
	}
	return t.suites[len(t.suites)-1]
}

func (t *tracker) result(name string, isSuite bool) *types.TestResult {
	var scope, suiteName string
	if suite := t.scope(name); suite != nil {
		scope, suiteName = suite.Key(), suite.Name
	}
	key := types.ResultKey(scope, name)
	if r, ok := t.byKey[key]; ok {
		return r
	}
	r := &types.TestResult{
		Name:    name,
		Suite:   suiteName,
		Scope:   scope,
		Status:  types.TestStatusRunning,
		IsSuite: isSuite,
		Order:   len(t.run.Results),
	}
	t.byKey[key] = r
	t.run.Results = append(t.run.Results, r)
	return r
}

// lookup finds a started test in its scope. A test message carrying the name of an
// open suite reports on the suite itself, e.g. a failed setup hook.
func (t *tracker) lookup(name string) (*types.TestResult, bool) {
	for i := len(t.suites) - 1; i >= 0; i-- {
		if t.suites[i].Name == name {
			return t.suites[i], true
		}
	}
	scope := ""
	if suite := t.scope(name); suite != nil {
		scope = suite.Key()
	}
	r, ok := t.byKey[types.ResultKey(scope, name)]
	return r, ok
}

func (t *tracker) violation(format string, args ...any) {
	t.run.Violations = append(t.run.Violations, fmt.Sprintf(format, args...))
}

func (t *tracker) apply(m protocol.Message) {
	name := m.Name()
	switch m.Type {
	case protocol.TypeReporterAttached:
		t.run.Attached = true

	case protocol.TypeSuiteStarted:
		r := t.result(name, true)
		t.suites = append(t.suites, r)
		t.progress.StartSuite(name)

	case protocol.TypeSuiteFinished:
		r := t.closeSuite(name)
		if r == nil {
			t.violation("suiteFinished %q without suiteStarted", name)
			r = t.result(name, true)
		}
		if r.Status == types.TestStatusRunning {
			r.Status = types.TestStatusPass
		}
		t.progress.CompleteSuite(name)

	case protocol.TypeTestStarted:
		r, ok := t.lookup(name)
		if !ok {
			r = t.result(name, false)
		}
		r.Location, _ = m.Get(protocol.AttrLocation)
		if !r.IsSuite {
			t.progress.StartTest(name)
		}

	case protocol.TypeTestFinished:
		r, ok := t.lookup(name)
		if !ok {
			t.violation("testFinished %q without testStarted", name)
			r = t.result(name, false)
		}
		r.Duration, _ = m.Duration()
		if r.Status == types.TestStatusRunning {
			r.Status = types.TestStatusPass
		}
		if !r.IsSuite {
			t.progress.UpdateTest(name, r.Status)
		}

	case protocol.TypeTestFailed:
		r, ok := t.lookup(name)
		if !ok {
			t.violation("testFailed %q without testStarted", name)
			r = t.result(name, false)
		}
		if d, ok := m.Duration(); ok && d > 0 {
			r.Duration = d
		}
		r.Status = types.TestStatusFail
		r.Message, _ = m.Get(protocol.AttrMessage)
		r.Trace, _ = m.Get(protocol.AttrTrace)
		if !r.IsSuite {
			t.progress.UpdateTest(name, r.Status)
		}

	case protocol.TypeTestIgnored:
		// a skipped test may never have been started
		r := t.result(name, false)
		r.Status = types.TestStatusSkip
		t.progress.UpdateTest(name, r.Status)

	case protocol.TypeError:
		msg, _ := m.Get(protocol.AttrMessage)
		details, _ := m.Get(protocol.AttrDetails)
		t.run.Errors = append(t.run.Errors, RunnerError{Message: msg, Details: details})
	}
}

// closeSuite removes the innermost open suite of that name
func (t *tracker) closeSuite(name string) *types.TestResult {
	for i := len(t.suites) - 1; i >= 0; i-- {
		if r := t.suites[i]; r.Name == name {
			t.suites = append(t.suites[:i], t.suites[i+1:]...)
			return r
		}
	}
	return nil
}

// finish marks everything still running as errored; the stream ended under it
func (t *tracker) finish() {
	for _, r := range t.run.Results {
		if r.Status == types.TestStatusRunning {
			r.Status = types.TestStatusError
			if r.Message == "" {
				r.Message = "interrupted: the runner stopped reporting"
			}
		}
	}
	t.run.Finished = time.Now()
}
