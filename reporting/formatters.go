// Package reporting renders discovery, launch and run results for terminals and
// machine consumers.
package reporting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-testlens/launch"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

// Format selects how command results are written
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses an output format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown output format %q, must be one of: text, json", s)
	}
}

// JSON renders v as indented JSON
func JSON(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding json: %w", err)
	}
	return string(b) + "\n", nil
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}

// getStatusString returns a consistent lowercase status string
func getStatusString(status types.TestStatus) string {
	switch status {
	case types.TestStatusPass:
		return "pass"
	case types.TestStatusFail:
		return "fail"
	case types.TestStatusSkip:
		return "skip"
	case types.TestStatusError:
		return "error"
	case types.TestStatusRunning:
		return "running"
	default:
		return "unknown"
	}
}

func joinKinds(kinds []types.FrameworkKind) string {
	if len(kinds) == 0 {
		return "-"
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ",")
}

func position(r types.Range) string {
	return fmt.Sprintf("%d:%d", r.Start.Line, r.Start.Column)
}

// FormatCodeLens lists the code-lens items of one file in source order
func FormatCodeLens(uri string, items []*types.TestItem) string {
	t := table.NewWriter()
	t.SetTitle(uri)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"POSITION", "TYPE", "NAME", "KINDS"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "POSITION", Align: text.AlignRight},
		{Name: "NAME", WidthMax: 120, WidthMaxEnforcer: text.WrapSoft},
	})
	for _, item := range items {
		t.AppendRow(table.Row{position(item.Range), item.Type, item.FullName, joinKinds(item.Kinds)})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d items", len(items)), ""})
	return t.Render() + "\n"
}

// FormatKinds lists the detected framework kinds of a set of projects
func FormatKinds(kinds map[string][]types.FrameworkKind) string {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"PROJECT", "KINDS"})
	for _, name := range names {
		t.AppendRow(table.Row{name, joinKinds(kinds[name])})
	}
	return t.Render() + "\n"
}

// FormatArgument shows a resolved launch argument
func FormatArgument(arg *launch.Argument) string {
	t := table.NewWriter()
	t.SetTitle("Launch " + arg.ProjectName)
	t.SetStyle(table.StyleLight)
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, WidthMax: 120, WidthMaxEnforcer: text.WrapSoft},
	})
	t.AppendRow(table.Row{"Kind", arg.FrameworkKind})
	t.AppendRow(table.Row{"Working directory", arg.WorkingDirectory})
	t.AppendRow(table.Row{"Classpath", strings.Join(arg.Classpath, "\n")})
	t.AppendRow(table.Row{"Tests", strings.Join(arg.TestNames, "\n")})
	t.AppendRow(table.Row{"Program arguments", strings.Join(arg.ProgramArguments, " ")})
	return t.Render() + "\n"
}
