package flags

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"

	"github.com/ethereum-optimism/infra/op-testlens/types"
)

const (
	EnvVarPrefix = "OP_TESTLENS"

	// RunnerEnvVarPrefix prefixes the environment of the testrunner binary
	RunnerEnvVarPrefix = "TESTRUNNER"
)

var (
	Workspace = &cli.StringFlag{
		Name:    "workspace",
		Value:   "workspace.yaml",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WORKSPACE"),
		Usage:   "Path to the workspace file listing the projects (eg. 'workspace.yaml')",
	}
	GoBinary = &cli.StringFlag{
		Name:    "go-binary",
		Value:   "go",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GO_BINARY"),
		Usage:   "Path to the Go binary to use for running tests",
	}
	RunnerBinary = &cli.StringFlag{
		Name:    "runner-binary",
		Value:   "testrunner",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUNNER_BINARY"),
		Usage:   "Path to the testrunner binary spawned by the run command",
	}
	ScanConcurrency = &cli.IntFlag{
		Name:    "scan-concurrency",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SCAN_CONCURRENCY"),
		Usage:   "Number of packages parsed in parallel during discovery. 0 uses the number of CPUs",
	}
	Output = &cli.StringFlag{
		Name:    "output",
		Value:   "text",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OUTPUT"),
		Usage:   "Output format of command results (text, json)",
		Action: func(ctx *cli.Context, v string) error {
			switch strings.ToLower(v) {
			case "text", "json":
				return nil
			}
			return fmt.Errorf("unknown output format %q, must be one of: text, json", v)
		},
	}
	ShowProgress = &cli.BoolFlag{
		Name:    "show-progress",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_PROGRESS"),
		Usage:   "Log periodic progress while a run is in flight",
	}
	ProgressInterval = &cli.DurationFlag{
		Name:    "progress-interval",
		Value:   30 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROGRESS_INTERVAL"),
		Usage:   "Interval between progress updates when show-progress is enabled",
	}
	Watch = &cli.BoolFlag{
		Name:    "watch",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WATCH"),
		Usage:   "Recompute framework kinds when a project's go.mod changes (serve only)",
	}
	WatchDebounce = &cli.DurationFlag{
		Name:    "watch-debounce",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WATCH_DEBOUNCE"),
		Usage:   "Quiet period after a go.mod change before kinds are recomputed. 0 uses the default",
	}
)

// Command flags, shared by the subcommands of op-testlens.
var (
	Project = &cli.StringFlag{
		Name:    "project",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROJECT"),
		Usage:   "Project name as listed in the workspace",
	}
	NodeType = &cli.StringFlag{
		Name:    "node-type",
		Value:   string(types.NodeTypeFolder),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NODE_TYPE"),
		Usage:   "Node type to search for (folder, package, class, method)",
		Action: func(ctx *cli.Context, v string) error {
			_, err := types.ParseNodeType(v)
			return err
		},
	}
	FullName = &cli.StringFlag{
		Name:    "full-name",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FULL_NAME"),
		Usage:   "Fully qualified name of the node to search for",
	}
	URI = &cli.StringFlag{
		Name:    "uri",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "URI"),
		Usage:   "Source file, as a path or file:// uri",
	}
	Kind = &cli.StringFlag{
		Name:    "kind",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "KIND"),
		Usage:   "Framework kind to launch with (testify, gocheck, gotest)",
		Action: func(ctx *cli.Context, v string) error {
			_, err := types.ParseFrameworkKind(v)
			return err
		},
	}
	Level = &cli.StringFlag{
		Name:    "level",
		Value:   string(types.NodeTypeMethod),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LEVEL"),
		Usage:   "Granularity of the selected tests (folder, package, class, method)",
	}
	Tests = &cli.StringSliceFlag{
		Name:    "test",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST"),
		Usage:   "Qualified test name to launch. May be repeated",
	}
	Table = &cli.BoolFlag{
		Name:    "table",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TABLE"),
		Usage:   "Render the discovered tree as a table instead of an indented tree",
	}
	LogDir = &cli.StringFlag{
		Name:    "log-dir",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOG_DIR"),
		Usage:   "Directory receiving a testrun-<id> directory per run with the message stream, summary and failure logs. Empty disables run logs",
	}
	Port = &cli.IntFlag{
		Name:    "port",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PORT"),
		Usage:   "Port the controller listens on for the runner. 0 picks a free port",
	}
)

var optionalFlags = []cli.Flag{
	Workspace,
	GoBinary,
	RunnerBinary,
	ScanConcurrency,
	Output,
	ShowProgress,
	ProgressInterval,
	Watch,
	WatchDebounce,
}

// Flags are the global flags of op-testlens
var Flags []cli.Flag

// RunnerFlags are the flags of the testrunner binary. Everything else on its command
// line is positional.
var RunnerFlags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oprpc.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(Flags, optionalFlags...)

	RunnerFlags = append(RunnerFlags, &cli.StringFlag{
		Name:    GoBinary.Name,
		Value:   GoBinary.Value,
		EnvVars: opservice.PrefixEnvVar(RunnerEnvVarPrefix, "GO_BINARY"),
		Usage:   GoBinary.Usage,
	})
	RunnerFlags = append(RunnerFlags, oplog.CLIFlags(RunnerEnvVarPrefix)...)
}

// SearchFlags returns the flags of the search command
func SearchFlags() []cli.Flag {
	return []cli.Flag{Project, NodeType, FullName}
}

// RunFlags returns the flags of the run command
func RunFlags() []cli.Flag {
	return append(ResolveFlags(), Port, LogDir)
}

// ResolveFlags returns the flags of the resolve and run commands
func ResolveFlags() []cli.Flag {
	return []cli.Flag{Project, Kind, Level, Tests}
}

// CheckProject fails when a command that needs a project was not given one
func CheckProject(ctx *cli.Context) error {
	if ctx.String(Project.Name) == "" {
		return fmt.Errorf("flag %s is required", Project.Name)
	}
	return opflags.CheckRequiredXor(ctx)
}
