package types

import (
	"fmt"
	"strings"
)

// FrameworkKind identifies which test-authoring convention a project or test uses.
type FrameworkKind string

const (
	KindTestify FrameworkKind = "testify" // stretchr/testify suites, plus plain tests
	KindGocheck FrameworkKind = "gocheck" // gopkg.in/check.v1 suites
	KindGoTest  FrameworkKind = "gotest"  // plain testing package tests
)

// FrameworkKinds lists every supported kind in detection priority order.
var FrameworkKinds = []FrameworkKind{KindTestify, KindGocheck, KindGoTest}

// String implements the Stringer interface for FrameworkKind
func (k FrameworkKind) String() string {
	return string(k)
}

// IsValid reports whether k is one of the supported kinds
func (k FrameworkKind) IsValid() bool {
	for _, known := range FrameworkKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Subsumes reports whether tests of kind other can be run by the adapter for k.
// A kind always subsumes itself.
func (k FrameworkKind) Subsumes(other FrameworkKind) bool {
	if k == other {
		return true
	}
	// The testify suite runner is driven through testing.T, and its adapter reports
	// plain tests the same way the gotest adapter does.
	return k == KindTestify && other == KindGoTest
}

// ParseFrameworkKind parses a kind name, case-insensitively.
func ParseFrameworkKind(s string) (FrameworkKind, error) {
	k := FrameworkKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.IsValid() {
		return "", fmt.Errorf("unknown framework kind %q, must be one of: %s", s, joinKinds(FrameworkKinds))
	}
	return k, nil
}

// SuppressSubsumed drops kinds that are subsumed by an earlier kind in the list.
// The relative order of the remaining kinds is preserved.
func SuppressSubsumed(kinds []FrameworkKind) []FrameworkKind {
	out := make([]FrameworkKind, 0, len(kinds))
	for _, k := range kinds {
		subsumed := false
		for _, kept := range out {
			if kept.Subsumes(k) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			out = append(out, k)
		}
	}
	return out
}

func joinKinds(kinds []FrameworkKind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ", ")
}
