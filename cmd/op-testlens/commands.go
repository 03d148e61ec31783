package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	testlens "github.com/ethereum-optimism/infra/op-testlens"
	"github.com/ethereum-optimism/infra/op-testlens/controller"
	"github.com/ethereum-optimism/infra/op-testlens/flags"
	"github.com/ethereum-optimism/infra/op-testlens/launch"
	"github.com/ethereum-optimism/infra/op-testlens/logging"
	"github.com/ethereum-optimism/infra/op-testlens/reporting"
	"github.com/ethereum-optimism/infra/op-testlens/types"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// DiscoverCommand prints the whole test tree of a project
func DiscoverCommand() *cli.Command {
	return &cli.Command{
		Name:   "discover",
		Usage:  "Print the test tree of a project",
		Flags:  []cli.Flag{flags.Project, flags.Table},
		Before: flags.CheckProject,
		Action: func(ctx *cli.Context) error {
			app, err := setup(ctx)
			if err != nil {
				return err
			}
			project := ctx.String(flags.Project.Name)
			tree, err := app.Search.SearchAll(ctx.Context, project)
			if err != nil {
				return testlens.NewRuntimeError(err)
			}
			return output(ctx, app, tree, func() string {
				if ctx.Bool(flags.Table.Name) {
					return reporting.NewTreeTableFormatter("Tests in " + project).Format(tree)
				}
				return reporting.NewTreeTextFormatter(true, true).Format(tree)
			})
		},
	}
}

// SearchCommand prints the nodes of a given type and qualified name
func SearchCommand() *cli.Command {
	return &cli.Command{
		Name:   "search",
		Usage:  "Find test nodes by type and fully qualified name",
		Flags:  flags.SearchFlags(),
		Before: flags.CheckProject,
		Action: func(ctx *cli.Context) error {
			app, err := setup(ctx)
			if err != nil {
				return err
			}
			nodeType, err := types.ParseNodeType(ctx.String(flags.NodeType.Name))
			if err != nil {
				return testlens.NewRuntimeError(err)
			}
			items, err := app.Search.SearchTestItems(ctx.Context, ctx.String(flags.Project.Name), nodeType, ctx.String(flags.FullName.Name))
			if err != nil {
				return testlens.NewRuntimeError(err)
			}
			return output(ctx, app, items, func() string {
				return reporting.NewTreeTextFormatter(true, true).FormatItems(items)
			})
		},
	}
}

// CodeLensCommand prints the runnable classes and methods of one source file
func CodeLensCommand() *cli.Command {
	return &cli.Command{
		Name:  "codelens",
		Usage: "List the test classes and methods declared in a file",
		Flags: []cli.Flag{flags.URI},
		Before: func(ctx *cli.Context) error {
			if ctx.String(flags.URI.Name) == "" {
				return fmt.Errorf("flag %s is required", flags.URI.Name)
			}
			return nil
		},
		Action: func(ctx *cli.Context) error {
			app, err := setup(ctx)
			if err != nil {
				return err
			}
			uri := ctx.String(flags.URI.Name)
			items, err := app.Search.SearchCodeLens(ctx.Context, uri)
			if err != nil {
				return testlens.NewRuntimeError(err)
			}
			return output(ctx, app, items, func() string {
				return reporting.FormatCodeLens(uri, items)
			})
		},
	}
}

// KindsCommand prints the detected framework kinds
func KindsCommand() *cli.Command {
	return &cli.Command{
		Name:  "kinds",
		Usage: "Show the framework kinds detected for each project",
		Flags: []cli.Flag{flags.Project},
		Action: func(ctx *cli.Context) error {
			app, err := setup(ctx)
			if err != nil {
				return err
			}
			kinds, err := app.Kinds(ctx.Context, ctx.String(flags.Project.Name))
			if err != nil {
				return testlens.NewRuntimeError(err)
			}
			return output(ctx, app, kinds, func() string {
				return reporting.FormatKinds(kinds)
			})
		},
	}
}

// ResolveCommand prints the launch argument of a selection without running it
func ResolveCommand() *cli.Command {
	return &cli.Command{
		Name:   "resolve",
		Usage:  "Resolve the testrunner arguments for a selection of tests",
		Flags:  flags.ResolveFlags(),
		Before: flags.CheckProject,
		Action: func(ctx *cli.Context) error {
			app, err := setup(ctx)
			if err != nil {
				return err
			}
			resp := app.Resolver.Handle(ctx.Context, launchRequest(ctx))
			if err := output(ctx, app, resp, func() string {
				if resp.Body == nil {
					return ""
				}
				return reporting.FormatArgument(resp.Body)
			}); err != nil {
				return err
			}
			if resp.Status != launch.StatusOK {
				return testlens.NewRuntimeError(errors.New(resp.Error))
			}
			return nil
		},
	}
}

// RunCommand resolves a selection, spawns the testrunner and reports the run
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run a selection of tests through the testrunner",
		Flags:  flags.RunFlags(),
		Before: flags.CheckProject,
		Action: func(ctx *cli.Context) error {
			app, err := setup(ctx)
			if err != nil {
				return err
			}
			cfg := app.Config()

			arg, err := app.Resolver.Resolve(ctx.Context, launchRequest(ctx))
			if err != nil {
				return testlens.NewRuntimeError(err)
			}

			progress := controller.NewNoOpProgressIndicator()
			if cfg.ShowProgress {
				progress = controller.NewConsoleProgressIndicator(cfg.Log, cfg.ProgressInterval)
			}
			defer progress.Stop()

			spawn := controller.SpawnConfig{
				Log:          cfg.Log,
				RunnerBinary: cfg.RunnerBinary,
				GoBinary:     cfg.GoBinary,
				Port:         ctx.Int(flags.Port.Name),
				Output:       ctx.App.ErrWriter,
				Progress:     progress,
				RunID:        uuid.New().String(),
			}
			var runLog *logging.RunLog
			if dir := ctx.String(flags.LogDir.Name); dir != "" {
				runLog, err = logging.NewRunLog(dir, spawn.RunID, cfg.Log)
				if err != nil {
					return testlens.NewRuntimeError(err)
				}
				spawn.OnMessage = runLog.OnMessage
			}

			run, err := controller.Execute(ctx.Context, arg, spawn)
			if runLog != nil && run != nil {
				if err := runLog.Complete(run); err != nil {
					cfg.Log.Warn("Failed to write run log", "dir", runLog.Dir(), "err", err)
				}
			}
			if err != nil {
				return testlens.NewRuntimeError(err)
			}

			colored := ctx.App.Writer == os.Stdout
			if err := output(ctx, app, reporting.NewRunSummary(run), func() string {
				return reporting.NewRunTableFormatter(colored, true).Format(run)
			}); err != nil {
				return err
			}
			return runError(run)
		},
	}
}

// ServeCommand runs the HTTP command server until interrupted
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve the discovery, search and launch commands over HTTP",
		Action: cliapp.LifecycleCmd(serve),
	}
}

func launchRequest(ctx *cli.Context) launch.Request {
	return launch.Request{
		ProjectName: ctx.String(flags.Project.Name),
		TestLevel:   types.TestNodeType(ctx.String(flags.Level.Name)),
		TestKind:    types.FrameworkKind(ctx.String(flags.Kind.Name)),
		TestNames:   ctx.StringSlice(flags.Tests.Name),
	}
}

// runError turns the outcome of a run into the command's error: runner failures
// are runtime errors, failing tests are test failures
func runError(run *controller.Run) error {
	switch {
	case run.ExitCode != 0:
		return testlens.NewRuntimeError(fmt.Errorf("testrunner exited with code %d", run.ExitCode))
	case len(run.Errors) > 0:
		return testlens.NewRuntimeError(fmt.Errorf("testrunner reported: %s", run.Errors[0].Message))
	case run.Failed():
		s := run.Summary()
		return testlens.NewTestFailureError(fmt.Sprintf("%d of %d tests failed", s.Failed+s.Errored, s.Total))
	default:
		return nil
	}
}

// output writes v as JSON or the text rendering, per the output flag
func output(ctx *cli.Context, app *testlens.App, v any, text func() string) error {
	var (
		out string
		err error
	)
	if reporting.Format(app.Config().Output) == reporting.FormatJSON {
		out, err = reporting.JSON(v)
		if err != nil {
			return testlens.NewRuntimeError(err)
		}
	} else {
		out = text()
	}
	_, err = io.WriteString(ctx.App.Writer, out)
	return err
}
