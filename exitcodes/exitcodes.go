// Package exitcodes defines the exit codes used by the test runner and the controller.
package exitcodes

// Exit codes of the test runner process. Failing tests are not reflected here: they
// travel on the lifecycle stream and the runner still exits with Success.
//
// * Success (0): the adapter completed, whatever the test outcomes
// * InvalidParameter (-1): bad invocation arguments or no controller to connect to
// * RunnerCrashed (-2): an error or panic escaped the adapter
const (
	Success          = 0
	InvalidParameter = -1
	RunnerCrashed    = -2
)

// Exit codes of the op-testlens controller CLI
const (
	TestFailure = 1 // a run completed with failing tests
	RuntimeErr  = 2 // configuration errors, unknown projects, runner crashes
)
