package adapters

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testlens/protocol"
	"github.com/ethereum-optimism/infra/op-testlens/reporter"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

// Locator maps a test reported by the framework to the location carried by its
// TestStarted message. An empty result falls back to a synthetic location.
type Locator interface {
	Locate(pkg, test string) string
}

// LocatorFunc adapts a function to the Locator interface
type LocatorFunc func(pkg, test string) string

func (f LocatorFunc) Locate(pkg, test string) string {
	return f(pkg, test)
}

// Summary counts the outcomes seen during one run
type Summary struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
}

const (
	// MaxMessageSize and MaxTraceSize keep a failure inside one protocol frame, even
	// when every character of it needs escaping
	MaxMessageSize = 64 * 1024
	MaxTraceSize   = 4 * 1024 * 1024

	truncatedMarker = "... (truncated)\n"
)

// gocheck -check.vv status lines, e.g. "PASS: store_test.go:30: StoreSuite.TestPut\t0.001s"
var gocheckLine = regexp.MustCompile(`^(START|PASS|FAIL EXPECTED|FAIL|SKIP|MISS|PANIC|FIXTURE-PANIC): (\S+):(\d+): (\w+)\.(\w+)`)

var gocheckFixtures = map[string]bool{
	"SetUpSuite":    true,
	"TearDownSuite": true,
	"SetUpTest":     true,
	"TearDownTest":  true,
}

type testState struct {
	name  string
	start time.Time

	pending bool // TestStarted is held back until the test does something of its own
	started bool
	suite   bool
	wrapper bool // gocheck entry point, never reported itself
	done    bool

	children       int
	failedChildren int
	output         []string
}

type gocheckRun struct {
	suite       string
	suiteStart  time.Time
	suiteOutput []string
	suiteFailed bool
	fixture     string
	current     *testState
}

type packageState struct {
	name     string
	start    time.Time
	output   []string
	tests    map[string]*testState
	order    []string
	failures int
	done     bool
	check    *gocheckRun
}

// translator turns test2json events into lifecycle messages for one framework kind
type translator struct {
	kind    types.FrameworkKind
	emitter reporter.Emitter
	locator Locator
	log     log.Logger

	packages map[string]*packageState
	order    []string
	build    map[string][]string
	last     time.Time
	events   int
	summary  Summary
}

func newTranslator(kind types.FrameworkKind, emitter reporter.Emitter, locator Locator, logger log.Logger) *translator {
	if logger == nil {
		logger = log.New()
	}
	return &translator{
		kind:     kind,
		emitter:  emitter,
		locator:  locator,
		log:      logger,
		packages: make(map[string]*packageState),
		build:    make(map[string][]string),
	}
}

// Translate consumes a complete `go test -json` stream and emits the lifecycle
// messages for it. Lines that are not test2json events are skipped.
func Translate(r io.Reader, kind types.FrameworkKind, emitter reporter.Emitter, locator Locator) (Summary, error) {
	t := newTranslator(kind, emitter, locator, nil)
	err := t.consume(r)
	t.finish()
	return t.summary, err
}

func (t *translator) consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		event, err := ParseEvent(line)
		if err != nil {
			t.log.Debug("Skipping non-event output", "line", string(line))
			continue
		}
		t.handle(event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading test events: %w", err)
	}
	return nil
}

func (t *translator) send(m protocol.Message) {
	t.emitter.Emit(m)
}

func (t *translator) handle(ev TestEvent) {
	t.events++
	if ev.Time.After(t.last) {
		t.last = ev.Time
	}

	switch ev.Action {
	case ActionBuildOutput:
		pkg := ev.buildPackage()
		t.build[pkg] = append(t.build[pkg], clean(ev.Output))
		return
	case ActionBuildFail:
		return
	}
	if ev.Package == "" {
		return
	}

	pkg := t.pkg(ev)
	if pkg.done {
		return
	}
	if ev.Test == "" {
		t.handlePackage(pkg, ev)
		return
	}
	t.handleTest(pkg, ev)
}

func (t *translator) pkg(ev TestEvent) *packageState {
	if pkg, ok := t.packages[ev.Package]; ok {
		return pkg
	}
	pkg := &packageState{
		name:  ev.Package,
		start: ev.Time,
		tests: make(map[string]*testState),
	}
	t.packages[ev.Package] = pkg
	t.order = append(t.order, ev.Package)
	t.send(protocol.SuiteStarted(pkg.name))
	return pkg
}

func (t *translator) handlePackage(pkg *packageState, ev TestEvent) {
	switch ev.Action {
	case ActionOutput:
		line := clean(ev.Output)
		if !isPackageFraming(line) {
			pkg.output = append(pkg.output, line)
		}
	case ActionPass, ActionSkip:
		t.finishPackage(pkg, ev.Time, false)
	case ActionFail:
		t.finishPackage(pkg, ev.Time, true)
	}
}

func (t *translator) finishPackage(pkg *packageState, at time.Time, failed bool) {
	// children were run after their parents, so close in reverse
	for i := len(pkg.order) - 1; i >= 0; i-- {
		if ts := pkg.tests[pkg.order[i]]; !ts.done {
			t.abort(pkg, ts, at)
		}
	}

	if failed && pkg.failures == 0 {
		// nothing inside the package accounted for the failure: a build error or a
		// TestMain that failed before any test ran
		lines := append(append([]string(nil), t.build[pkg.name]...), pkg.output...)
		t.failScope(pkg, pkg.name, at.Sub(pkg.start), failureMessage(lines, "package failed"), lines)
	}
	t.send(protocol.SuiteFinished(pkg.name))
	pkg.done = true
}

func (t *translator) handleTest(pkg *packageState, ev TestEvent) {
	ts := pkg.tests[ev.Test]
	switch ev.Action {
	case ActionRun:
		if ts == nil {
			t.runTest(pkg, ev.Test, ev.Time)
		}
	case ActionOutput:
		if ts == nil {
			ts = t.runTest(pkg, ev.Test, ev.Time)
		}
		t.output(pkg, ts, ev)
	case ActionPass, ActionFail, ActionSkip:
		if ts == nil {
			ts = t.runTest(pkg, ev.Test, ev.Time)
		}
		t.finishTest(pkg, ts, ev.Action, ev.Time)
	}
}

func (t *translator) runTest(pkg *packageState, name string, at time.Time) *testState {
	ts := &testState{name: name, start: at, pending: true}
	pkg.tests[name] = ts
	pkg.order = append(pkg.order, name)

	parentName := types.ParentTestName(name)
	if parentName == "" {
		if t.kind == types.KindTestify && strings.HasSuffix(name, "Suite") {
			t.openSuite(ts)
		}
		return ts
	}

	if parent := pkg.tests[parentName]; parent != nil {
		parent.children++
		if parent.pending {
			if t.kind == types.KindTestify && types.ParentTestName(parentName) == "" {
				t.openSuite(parent)
			} else {
				t.flush(pkg, parent)
			}
		}
	}
	return ts
}

func (t *translator) openSuite(ts *testState) {
	ts.pending = false
	ts.started = true
	ts.suite = true
	t.send(protocol.SuiteStarted(ts.name))
}

func (t *translator) flush(pkg *packageState, ts *testState) {
	if !ts.pending {
		return
	}
	ts.pending = false
	ts.started = true
	t.send(protocol.TestStarted(ts.name, t.location(pkg.name, ts.name)))
}

func (t *translator) location(pkg, name string) string {
	if t.locator != nil {
		if loc := t.locator.Locate(pkg, name); loc != "" {
			return loc
		}
	}
	return fmt.Sprintf("%s://%s/%s", t.kind, pkg, name)
}

func (t *translator) output(pkg *packageState, ts *testState, ev TestEvent) {
	line := clean(ev.Output)
	if t.kind == types.KindGocheck && types.ParentTestName(ts.name) == "" && t.checkOutput(pkg, ts, line, ev.Time) {
		return
	}
	if isFraming(line) {
		return
	}
	// held back: a test that only prints its skip reason is reported as ignored alone
	ts.output = append(ts.output, line)
}

func (t *translator) finishTest(pkg *packageState, ts *testState, action string, at time.Time) {
	if ts.done {
		return
	}
	if ts.wrapper {
		ts.done = true
		t.closeCheckSuite(pkg, at)
		if ts.started {
			t.send(protocol.TestFinished(ts.name, at.Sub(ts.start)))
		}
		return
	}
	if ts.suite {
		ts.done = true
		t.finishSuite(pkg, ts, action, at)
		return
	}
	t.finishLeaf(pkg, ts, action, at)
	if action == ActionFail {
		if parent := pkg.tests[types.ParentTestName(ts.name)]; parent != nil {
			parent.failedChildren++
		}
	}
}

func (t *translator) finishLeaf(pkg *packageState, ts *testState, action string, at time.Time) {
	ts.done = true
	duration := at.Sub(ts.start)
	t.summary.Total++

	switch action {
	case ActionPass:
		t.summary.Passed++
		t.flush(pkg, ts)
		t.send(protocol.TestFinished(ts.name, duration))
	case ActionFail:
		t.summary.Failed++
		pkg.failures++
		t.flush(pkg, ts)
		t.send(protocol.TestFinished(ts.name, duration))
		t.send(protocol.TestFailed(ts.name, duration, failureMessage(ts.output, "test failed"), traceText(ts.output)))
	case ActionSkip:
		t.summary.Skipped++
		ts.pending = false
		t.send(protocol.TestIgnored(ts.name))
	}
}

func (t *translator) finishSuite(pkg *packageState, ts *testState, action string, at time.Time) {
	if action == ActionFail && ts.failedChildren == 0 {
		// a setup or teardown hook failed outside of any test method
		t.failScope(pkg, ts.name, at.Sub(ts.start), failureMessage(ts.output, "suite failed"), ts.output)
	}
	t.send(protocol.SuiteFinished(ts.name))
}

// failScope reports a failure of a package or suite itself as a failed test carrying
// the scope's name, started and finished like any other.
func (t *translator) failScope(pkg *packageState, name string, duration time.Duration, msg string, lines []string) {
	t.summary.Total++
	t.summary.Failed++
	pkg.failures++
	t.send(protocol.TestStarted(name, t.location(pkg.name, name)))
	t.send(protocol.TestFinished(name, duration))
	t.send(protocol.TestFailed(name, duration, msg, traceText(lines)))
}

func (t *translator) abort(pkg *packageState, ts *testState, at time.Time) {
	if len(ts.output) == 0 && !ts.wrapper && !ts.suite {
		ts.output = append(ts.output, "test did not complete")
		ts.output = append(ts.output, pkg.output...)
	}
	t.finishTest(pkg, ts, ActionFail, at)
}

// checkOutput handles gocheck status and detail lines printed by a top-level test.
// It reports whether the line was consumed.
func (t *translator) checkOutput(pkg *packageState, ts *testState, line string, at time.Time) bool {
	m := gocheckLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		if !ts.wrapper {
			return false
		}
		if isCheckNoise(line) {
			return true
		}
		c := pkg.check
		if c.current != nil {
			c.current.output = append(c.current.output, line)
		} else {
			c.suiteOutput = append(c.suiteOutput, line)
		}
		return true
	}

	ts.wrapper = true
	if pkg.check == nil {
		pkg.check = &gocheckRun{}
	}
	t.checkStatus(pkg, m[1], m[4], m[5], at)
	return true
}

func (t *translator) checkStatus(pkg *packageState, status, suite, method string, at time.Time) {
	c := pkg.check
	if c.suite != suite {
		t.closeCheckSuite(pkg, at)
		c.suite = suite
		c.suiteStart = at
		c.suiteOutput = nil
		c.suiteFailed = false
		t.send(protocol.SuiteStarted(suite))
	}

	if gocheckFixtures[method] {
		switch status {
		case "START":
			c.fixture = method
		case "PASS", "SKIP", "MISS":
			c.fixture = ""
		default:
			c.fixture = ""
			if !c.suiteFailed {
				c.suiteFailed = true
				t.failScope(pkg, suite, at.Sub(c.suiteStart), failureMessage(c.suiteOutput, method+" failed"), c.suiteOutput)
			}
		}
		return
	}

	name := suite + "." + method
	switch status {
	case "START":
		c.current = &testState{name: name, start: at, pending: true}
	case "PASS":
		t.finishCheckTest(pkg, name, ActionPass, at)
	case "SKIP":
		t.finishCheckTest(pkg, name, ActionSkip, at)
	case "MISS":
		// not run because a fixture failed; the suite failure already covers it
		t.summary.Total++
		t.summary.Skipped++
	default:
		t.finishCheckTest(pkg, name, ActionFail, at)
	}
}

func (t *translator) finishCheckTest(pkg *packageState, name, action string, at time.Time) {
	c := pkg.check
	ts := c.current
	if ts == nil || ts.name != name {
		ts = &testState{name: name, start: at, pending: true}
	}
	c.current = nil
	t.finishLeaf(pkg, ts, action, at)
}

func (t *translator) closeCheckSuite(pkg *packageState, at time.Time) {
	c := pkg.check
	if c == nil || c.suite == "" {
		return
	}
	if c.current != nil {
		ts := c.current
		c.current = nil
		if len(ts.output) == 0 {
			ts.output = []string{"test did not complete"}
		}
		t.finishLeaf(pkg, ts, ActionFail, at)
	}
	t.send(protocol.SuiteFinished(c.suite))
	c.suite = ""
}

// finish closes whatever the stream left open, e.g. when the test process was killed
func (t *translator) finish() {
	for _, name := range t.order {
		if pkg := t.packages[name]; !pkg.done {
			t.finishPackage(pkg, t.last, true)
		}
	}
}

func clean(output string) string {
	return stripansi.Strip(strings.TrimRight(output, "\r\n"))
}

func isCheckNoise(line string) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "", strings.Trim(trimmed, "-") == "":
		return true
	case strings.HasPrefix(trimmed, "OOPS:"), strings.HasPrefix(trimmed, "OK:"):
		return true
	}
	return isFraming(line)
}

// failureMessage picks the most telling line of a failure's output
func failureMessage(lines []string, fallback string) string {
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if i := strings.Index(trimmed, "Error:"); i >= 0 {
			if msg := strings.TrimSpace(trimmed[i+len("Error:"):]); msg != "" {
				return truncateTail(msg, MaxMessageSize)
			}
		}
		if strings.HasPrefix(trimmed, "panic:") || strings.HasPrefix(trimmed, "... ") {
			return truncateTail(trimmed, MaxMessageSize)
		}
	}
	for _, l := range lines {
		if s := strings.TrimSpace(l); s != "" {
			return truncateTail(s, MaxMessageSize)
		}
	}
	return fallback
}

// traceText joins the output lines of a failure, keeping the tail when they would not
// fit in one frame
func traceText(lines []string) string {
	return truncateHead(strings.Join(lines, "\n"), MaxTraceSize)
}

func truncateHead(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := len(s) - limit
	// keep the tail whole-rune
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return truncatedMarker + s[cut:]
}

func truncateTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + " (truncated)"
}
