// Command testrunner is started by the controller for a single test run. It connects
// back to the controller on 127.0.0.1:<port> and streams lifecycle messages while the
// selected framework adapter drives `go test`.
//
//	testrunner [log flags] <port> <frameworkKind> [frameworkArgs...]
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-testlens/adapters"
	"github.com/ethereum-optimism/infra/op-testlens/discovery"
	"github.com/ethereum-optimism/infra/op-testlens/exitcodes"
	"github.com/ethereum-optimism/infra/op-testlens/flags"
	"github.com/ethereum-optimism/infra/op-testlens/launcher"
	"github.com/ethereum-optimism/infra/op-testlens/reporter"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	code := exitcodes.InvalidParameter

	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "testrunner"
	app.Usage = "Runs Go tests and reports their progress to op-testlens"
	app.ArgsUsage = "<port> <frameworkKind> [frameworkArgs...]"
	app.Flags = flags.RunnerFlags
	app.HideHelpCommand = true
	app.Action = func(ctx *cli.Context) error {
		code = run(ctx)
		return nil
	}

	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Warn("Failed to setup open telemetry", "err", err)
	} else {
		defer shutdown()
	}

	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code = exitcodes.InvalidParameter
	}
	os.Exit(code)
}

func run(ctx *cli.Context) int {
	logger := oplog.NewLogger(os.Stderr, oplog.ReadCLIConfig(ctx))
	oplog.SetGlobalLogHandler(logger.Handler())

	dir, err := os.Getwd()
	if err != nil {
		logger.Error("Failed to resolve working directory", "err", err)
		return exitcodes.RunnerCrashed
	}

	channel := reporter.NewChannel(reporter.Config{Log: logger, Fallback: os.Stderr})
	l := launcher.New(launcher.Config{
		Log:      logger,
		Channel:  channel,
		GoBinary: ctx.String(flags.GoBinary.Name),
		Dir:      dir,
		Env:      telemetry.InstrumentEnvironment(ctx.Context, os.Environ()),
		Locator:  locator(ctx.Context, logger, dir),
	})
	return l.Run(ctx.Context, ctx.Args().Slice())
}

// locator indexes the module in dir so TestStarted messages carry source locations.
// A module that cannot be scanned falls back to the adapters' default locations.
func locator(ctx context.Context, logger log.Logger, dir string) adapters.Locator {
	res, err := discovery.NewScanner(discovery.Config{Log: logger}).Scan(ctx, dir)
	if err != nil {
		logger.Debug("Source locations unavailable", "dir", dir, "err", err)
		return nil
	}
	return discovery.NewIndex(res.Locations)
}
