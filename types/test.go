package types

import (
	"strings"
	"time"
)

// TestStatus represents the possible states of a test as seen by the controller
type TestStatus string

const (
	TestStatusRunning TestStatus = "running"
	TestStatusPass    TestStatus = "pass"
	TestStatusFail    TestStatus = "fail"
	TestStatusSkip    TestStatus = "skip"
	TestStatusError   TestStatus = "error"
)

// IsTerminal reports whether no further status change is expected
func (s TestStatus) IsTerminal() bool {
	return s == TestStatusPass || s == TestStatusFail || s == TestStatusSkip || s == TestStatusError
}

// TestResult captures the reconstructed outcome of a single test or suite
type TestResult struct {
	Name     string
	Suite    string // innermost enclosing suite name
	Scope    string // Key of the innermost enclosing suite, empty at top level
	Location string
	Status   TestStatus
	Duration time.Duration
	Message  string // failure message
	Trace    string // failure trace
	IsSuite  bool

	// Order in which the test was first seen on the stream
	Order int
}

// scopeSeparator joins the names along a result's path of suites
const scopeSeparator = "\x1f"

// ResultKey identifies a test or suite by the Key of its enclosing suite and its name.
// Tests of the same name in different packages or suites get different keys.
func ResultKey(scope, name string) string {
	if scope == "" {
		return name
	}
	return scope + scopeSeparator + name
}

// Key identifies the result within its run
func (r *TestResult) Key() string {
	return ResultKey(r.Scope, r.Name)
}

// ParseTestNameHierarchy parses a Go test name and extracts hierarchy information
// Handles names like "TestParent/SubTest1/SubSubTest2"
// Returns depth (0=top-level, 1=first subtest, etc.) and the full hierarchy path
func ParseTestNameHierarchy(testName string) (depth int, path []string) {
	if testName == "" {
		return 0, []string{}
	}

	path = strings.Split(testName, "/")
	// Clean up any empty path elements
	cleanPath := make([]string, 0, len(path))
	for _, element := range path {
		if element != "" {
			cleanPath = append(cleanPath, element)
		}
	}

	if len(cleanPath) == 0 {
		return 0, []string{}
	}

	depth = len(cleanPath) - 1
	return depth, cleanPath
}

// ParentTestName returns the name of the enclosing test, or "" for a top-level test
func ParentTestName(testName string) string {
	_, path := ParseTestNameHierarchy(testName)
	if len(path) <= 1 {
		return ""
	}
	return strings.Join(path[:len(path)-1], "/")
}

// LeafTestName returns the last element of a hierarchical test name
func LeafTestName(testName string) string {
	_, path := ParseTestNameHierarchy(testName)
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}
