package reporting

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-testlens/types"
	"github.com/ethereum-optimism/infra/op-testlens/ui"
)

// TreeTextFormatter renders a test item and its children as an indented tree
type TreeTextFormatter struct {
	showRanges bool
	showKinds  bool
}

// NewTreeTextFormatter creates a new tree text formatter
func NewTreeTextFormatter(showRanges, showKinds bool) *TreeTextFormatter {
	return &TreeTextFormatter{showRanges: showRanges, showKinds: showKinds}
}

// Format renders the tree rooted at root
func (f *TreeTextFormatter) Format(root *types.TestItem) string {
	if root == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(f.label(root))
	b.WriteString("\n")
	f.children(&b, root.Children, nil)
	return b.String()
}

// FormatItems renders several items, as returned by a search, one tree each
func (f *TreeTextFormatter) FormatItems(items []*types.TestItem) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(f.Format(item))
	}
	return b.String()
}

func (f *TreeTextFormatter) children(b *strings.Builder, items []*types.TestItem, ancestorsLast []bool) {
	for i, item := range items {
		last := i == len(items)-1
		b.WriteString(ui.BuildTreePrefix(ancestorsLast, last))
		b.WriteString(f.label(item))
		b.WriteString("\n")
		f.children(b, item.Children, append(ancestorsLast[:len(ancestorsLast):len(ancestorsLast)], last))
	}
}

func (f *TreeTextFormatter) label(item *types.TestItem) string {
	label := fmt.Sprintf("%s [%s]", item.DisplayName, item.Type)
	if f.showRanges && item.Type != types.NodeTypeFolder && item.Type != types.NodeTypePackage {
		label += " " + position(item.Range)
	}
	if f.showKinds && len(item.Kinds) > 0 {
		label += " (" + joinKinds(item.Kinds) + ")"
	}
	return label
}

// TreeTableFormatter renders a test tree as a table with one row per node
type TreeTableFormatter struct {
	title string
}

// NewTreeTableFormatter creates a new tree table formatter
func NewTreeTableFormatter(title string) *TreeTableFormatter {
	return &TreeTableFormatter{title: title}
}

// Format renders the tree rooted at root
func (f *TreeTableFormatter) Format(root *types.TestItem) string {
	t := table.NewWriter()
	t.SetTitle(f.title)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"TYPE", "NAME", "POSITION", "KINDS"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "TYPE", AutoMerge: true},
		{Name: "NAME", WidthMax: 160, WidthMaxEnforcer: text.WrapSoft},
		{Name: "POSITION", Align: text.AlignRight},
	})

	counts := make(map[types.TestNodeType]int)
	if root != nil {
		t.AppendRow(table.Row{root.Type, root.DisplayName, "", joinKinds(root.Kinds)})
		counts[root.Type]++
		f.addRows(t, root.Children, nil, counts)
	}
	t.AppendFooter(table.Row{"TOTAL", fmt.Sprintf("%d packages, %d classes, %d methods",
		counts[types.NodeTypePackage], counts[types.NodeTypeClass], counts[types.NodeTypeMethod]), "", ""})
	return t.Render() + "\n"
}

func (f *TreeTableFormatter) addRows(t table.Writer, items []*types.TestItem, ancestorsLast []bool, counts map[types.TestNodeType]int) {
	for i, item := range items {
		last := i == len(items)-1
		pos := ""
		if item.Type == types.NodeTypeClass || item.Type == types.NodeTypeMethod {
			pos = position(item.Range)
		}
		t.AppendRow(table.Row{item.Type, ui.BuildTreePrefix(ancestorsLast, last) + item.DisplayName, pos, joinKinds(item.Kinds)})
		counts[item.Type]++
		f.addRows(t, item.Children, append(ancestorsLast[:len(ancestorsLast):len(ancestorsLast)], last), counts)
	}
}
