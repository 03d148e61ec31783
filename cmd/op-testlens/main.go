package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	testlens "github.com/ethereum-optimism/infra/op-testlens"
	"github.com/ethereum-optimism/infra/op-testlens/exitcodes"
	"github.com/ethereum-optimism/infra/op-testlens/flags"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := newApp()

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-testlens"
	app.Usage = "Discovers, searches and runs Go tests of a workspace"
	app.Description = "op-testlens builds the test tree of Go modules written with testing, testify or gocheck and launches selected tests through the testrunner"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Commands = []*cli.Command{
		DiscoverCommand(),
		SearchCommand(),
		CodeLensCommand(),
		KindsCommand(),
		ResolveCommand(),
		RunCommand(),
		ServeCommand(),
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		if err == nil {
			return
		}
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
			return
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), exitCode(err)))
	}
	return app
}

// exitCode maps typed errors to exit codes: test failures exit with 1, everything
// else is a runtime error
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitcodes.Success
	case testlens.IsTestFailureError(err):
		return exitcodes.TestFailure
	default:
		return exitcodes.RuntimeErr
	}
}

// setup configures logging and loads the workspace
func setup(ctx *cli.Context) (*testlens.App, error) {
	logCfg := oplog.ReadCLIConfig(ctx)
	// stdout carries command results
	logger := oplog.NewLogger(ctx.App.ErrWriter, logCfg)
	oplog.SetGlobalLogHandler(logger.Handler())
	oplog.SetupDefaults()

	cfg, err := testlens.NewConfig(ctx, logger)
	if err != nil {
		return nil, testlens.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config", "config", cfg)

	app, err := testlens.New(cfg, Version)
	if err != nil {
		return nil, testlens.NewRuntimeError(fmt.Errorf("failed to create testlens: %w", err))
	}
	return app, nil
}

func serve(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	app, err := setup(ctx)
	if err != nil {
		return nil, err
	}
	return app, nil
}
