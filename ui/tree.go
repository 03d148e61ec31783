package ui

import (
	"strings"
	"unicode/utf8"
)

// Tree hierarchy symbols using box drawing characters
const (
	TreeBranch     = "├── "
	TreeLastBranch = "└── "
	TreeContinue   = "│   " // an ancestor has more siblings below
	TreeIndent     = "    " // the ancestor was last

	BoxTopLeft     = "┌"
	BoxTopRight    = "┐"
	BoxBottomLeft  = "└"
	BoxBottomRight = "┘"
	BoxVertical    = "│"
	BoxHorizontal  = "─"
	BoxTeeRight    = "├"
	BoxTeeLeft     = "┤"
)

// BuildTreePrefix returns the prefix of a node whose ancestors (outermost first, the
// root excluded) were or were not the last among their siblings.
func BuildTreePrefix(ancestorsLast []bool, isLast bool) string {
	var b strings.Builder
	for _, last := range ancestorsLast {
		if last {
			b.WriteString(TreeIndent)
		} else {
			b.WriteString(TreeContinue)
		}
	}
	if isLast {
		b.WriteString(TreeLastBranch)
	} else {
		b.WriteString(TreeBranch)
	}
	return b.String()
}

// BuildBox draws title and lines inside a box at least width runes wide. Lines longer
// than the box are truncated.
func BuildBox(title string, lines []string, width int) string {
	if minWidth := utf8.RuneCountInString(title) + 4; width < minWidth {
		width = minWidth
	}
	var b strings.Builder
	b.WriteString(BoxTopLeft + strings.Repeat(BoxHorizontal, width-2) + BoxTopRight + "\n")
	b.WriteString(boxLine(title, width))
	b.WriteString(BoxTeeRight + strings.Repeat(BoxHorizontal, width-2) + BoxTeeLeft + "\n")
	for _, l := range lines {
		b.WriteString(boxLine(l, width))
	}
	b.WriteString(BoxBottomLeft + strings.Repeat(BoxHorizontal, width-2) + BoxBottomRight + "\n")
	return b.String()
}

func boxLine(content string, width int) string {
	maxLen := width - 4 // "│ " and " │"
	n := utf8.RuneCountInString(content)
	if n > maxLen {
		runes := []rune(content)
		content = string(runes[:maxLen-3]) + "..."
		n = maxLen
	}
	return BoxVertical + " " + content + strings.Repeat(" ", maxLen-n) + " " + BoxVertical + "\n"
}
