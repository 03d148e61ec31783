package reporting

import (
	"fmt"
	"sort"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-testlens/controller"
	"github.com/ethereum-optimism/infra/op-testlens/types"
	"github.com/ethereum-optimism/infra/op-testlens/ui"
)

// RunSummary is the machine readable outcome of a run
type RunSummary struct {
	RunID     string                   `json:"runId"`
	Project   string                   `json:"project"`
	Kind      types.FrameworkKind      `json:"testKind"`
	ExitCode  int                      `json:"exitCode"`
	Duration  string                   `json:"duration"`
	Status    types.TestStatus         `json:"status"`
	Stats     controller.Summary       `json:"stats"`
	Results   []RunResult              `json:"results"`
	Errors    []controller.RunnerError `json:"errors,omitempty"`
	Malformed int                      `json:"malformedFrames,omitempty"`
}

// RunResult is one test or suite of a RunSummary
type RunResult struct {
	Name     string           `json:"name"`
	Suite    string           `json:"suite,omitempty"`
	Location string           `json:"location,omitempty"`
	Status   types.TestStatus `json:"status"`
	Duration string           `json:"duration"`
	IsSuite  bool             `json:"isSuite,omitempty"`
	Message  string           `json:"message,omitempty"`
	Trace    string           `json:"trace,omitempty"`
}

// overallStatus is fail when anything failed, skip when every test was skipped
func overallStatus(run *controller.Run) types.TestStatus {
	s := run.Summary()
	switch {
	case run.Failed():
		return types.TestStatusFail
	case s.Total > 0 && s.Skipped == s.Total:
		return types.TestStatusSkip
	default:
		return types.TestStatusPass
	}
}

// NewRunSummary converts a run for JSON output. Failure text is stripped of ANSI
// sequences.
func NewRunSummary(run *controller.Run) RunSummary {
	out := RunSummary{
		RunID:     run.ID,
		Project:   run.Project,
		Kind:      run.Kind,
		ExitCode:  run.ExitCode,
		Duration:  formatDuration(run.Duration()),
		Status:    overallStatus(run),
		Stats:     run.Summary(),
		Results:   make([]RunResult, 0, len(run.Results)),
		Errors:    run.Errors,
		Malformed: run.Malformed,
	}
	for _, r := range ordered(run.Results) {
		out.Results = append(out.Results, RunResult{
			Name:     r.Name,
			Suite:    r.Suite,
			Location: r.Location,
			Status:   r.Status,
			Duration: formatDuration(r.Duration),
			IsSuite:  r.IsSuite,
			Message:  stripansi.Strip(r.Message),
			Trace:    stripansi.Strip(r.Trace),
		})
	}
	return out
}

func ordered(results []*types.TestResult) []*types.TestResult {
	out := append([]*types.TestResult(nil), results...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// RunTableFormatter renders a run as a results table followed by failure details
type RunTableFormatter struct {
	colored bool
	details bool
}

// NewRunTableFormatter creates a run formatter. Colored tables are styled after the
// overall status.
func NewRunTableFormatter(colored, details bool) *RunTableFormatter {
	return &RunTableFormatter{colored: colored, details: details}
}

type resultNode struct {
	result   *types.TestResult
	children []*resultNode
}

// hierarchy nests subtests under their parent test and tests under their suite
func hierarchy(results []*types.TestResult) []*resultNode {
	nodes := make(map[string]*resultNode, len(results))
	for _, r := range results {
		nodes[r.Key()] = &resultNode{result: r}
	}
	var roots []*resultNode
	for _, r := range results {
		n := nodes[r.Key()]
		if parent, ok := nodes[types.ResultKey(r.Scope, types.ParentTestName(r.Name))]; ok && !r.IsSuite && parent != n {
			parent.children = append(parent.children, n)
			continue
		}
		if parent, ok := nodes[r.Scope]; ok && r.Scope != "" && parent != n {
			parent.children = append(parent.children, n)
			continue
		}
		roots = append(roots, n)
	}
	return roots
}

// Format renders the run
func (f *RunTableFormatter) Format(run *controller.Run) string {
	var b strings.Builder

	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("%s (%s) run %s", run.Project, run.Kind, run.ID))
	t.AppendHeader(table.Row{"TYPE", "ID", "DURATION", "STATUS"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "TYPE", AutoMerge: true},
		{Name: "ID", WidthMax: 200, WidthMaxEnforcer: text.WrapSoft},
		{Name: "DURATION", Align: text.AlignRight},
	})
	f.addRows(t, hierarchy(ordered(run.Results)), nil, nil)

	status := overallStatus(run)
	switch {
	case !f.colored:
		t.SetStyle(table.StyleLight)
	case status == types.TestStatusFail:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case status == types.TestStatusSkip:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	s := run.Summary()
	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d tests, %d passed, %d failed, %d skipped, %d errored", s.Total, s.Passed, s.Failed, s.Skipped, s.Errored),
		formatDuration(run.Duration()),
		strings.ToUpper(getStatusString(status)),
	})
	b.WriteString(t.Render())
	b.WriteString("\n")

	if f.details {
		b.WriteString(f.failures(run))
	}
	if len(run.Errors) > 0 {
		lines := make([]string, 0, len(run.Errors))
		for _, e := range run.Errors {
			lines = append(lines, stripansi.Strip(e.Message))
		}
		b.WriteString(ui.BuildBox(fmt.Sprintf("Runner errors (exit code %d)", run.ExitCode), lines, 80))
	}
	if run.Malformed > 0 {
		fmt.Fprintf(&b, "%d malformed frames were dropped\n", run.Malformed)
	}
	return b.String()
}

func (f *RunTableFormatter) addRows(t table.Writer, nodes []*resultNode, ancestorsLast []bool, parent *types.TestResult) {
	for i, n := range nodes {
		last := i == len(nodes)-1
		r := n.result
		kind := "Test"
		name := r.Name
		switch {
		case r.IsSuite:
			kind = "Suite"
		case parent != nil && !parent.IsSuite && types.ParentTestName(r.Name) == parent.Name:
			kind = "Subtest"
			name = types.LeafTestName(r.Name)
		}
		prefix := ""
		if ancestorsLast != nil {
			prefix = ui.BuildTreePrefix(ancestorsLast[1:], last)
		}
		t.AppendRow(table.Row{kind, prefix + name, formatDuration(r.Duration), strings.ToUpper(getStatusString(r.Status))})
		f.addRows(t, n.children, append(ancestorsLast[:len(ancestorsLast):len(ancestorsLast)], last), r)
	}
}

// failures lists the message and trace of every failed or errored test
func (f *RunTableFormatter) failures(run *controller.Run) string {
	var b strings.Builder
	for _, r := range ordered(run.Results) {
		if r.Status != types.TestStatusFail && r.Status != types.TestStatusError {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", strings.ToUpper(getStatusString(r.Status)), r.Name)
		if r.Location != "" {
			fmt.Fprintf(&b, "    at %s\n", r.Location)
		}
		for _, s := range []string{r.Message, r.Trace} {
			s = strings.TrimSpace(stripansi.Strip(s))
			if s == "" {
				continue
			}
			for _, line := range strings.Split(s, "\n") {
				b.WriteString("    " + line + "\n")
			}
		}
	}
	return b.String()
}
