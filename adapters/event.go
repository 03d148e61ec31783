package adapters

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// test2json actions
const (
	ActionStart       = "start"
	ActionRun         = "run"
	ActionPause       = "pause"
	ActionCont        = "cont"
	ActionPass        = "pass"
	ActionFail        = "fail"
	ActionSkip        = "skip"
	ActionOutput      = "output"
	ActionBench       = "bench"
	ActionBuildOutput = "build-output"
	ActionBuildFail   = "build-fail"
)

// TestEvent is one line of `go test -json` output
type TestEvent struct {
	Time       time.Time // Time the event occurred
	Action     string    // The action taken (run, pause, cont, pass, fail, skip, output)
	Package    string    // The package being tested
	Test       string    // The test function name (may be empty for package events)
	Output     string    // Output text (may be empty)
	Elapsed    float64   // Elapsed time in seconds for the specific action
	ImportPath string    // Set on build events instead of Package
}

// ParseEvent decodes a single test2json line
func ParseEvent(line []byte) (TestEvent, error) {
	var event TestEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return event, err
	}
	return event, nil
}

// buildPackage returns the package a build event belongs to. Test variants are
// reported as "pkg [pkg.test]".
func (e TestEvent) buildPackage() string {
	if fields := strings.Fields(e.ImportPath); len(fields) > 0 {
		return fields[0]
	}
	return e.ImportPath
}

var framingPrefixes = []string{
	"=== RUN",
	"=== PAUSE",
	"=== CONT",
	"=== NAME",
	"--- PASS",
	"--- FAIL",
	"--- SKIP",
}

// isFraming reports whether an output line is produced by the test framework itself
// rather than by the test
func isFraming(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	for _, p := range framingPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

// isPackageFraming matches the per-package summary lines go test prints
func isPackageFraming(line string) bool {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "PASS", trimmed == "FAIL", trimmed == "":
		return true
	case strings.HasPrefix(trimmed, "ok  "), strings.HasPrefix(trimmed, "FAIL\t"), strings.HasPrefix(trimmed, "?   "):
		return true
	}
	return false
}
