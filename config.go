package testlens

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"

	"github.com/ethereum-optimism/infra/op-testlens/flags"
)

// Config holds the application configuration
type Config struct {
	WorkspaceFile    string
	GoBinary         string
	RunnerBinary     string
	ScanConcurrency  int           // packages parsed in parallel (0 = number of CPUs)
	Output           string        // text or json
	ShowProgress     bool          // log progress while a run is in flight
	ProgressInterval time.Duration // interval between progress updates when ShowProgress is set
	Watch            bool          // recompute kinds on go.mod changes while serving
	WatchDebounce    time.Duration
	ListenAddr       string // command server address
	ListenPort       int
	Log              log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	workspace := ctx.String(flags.Workspace.Name)
	if workspace == "" {
		return nil, errors.New("workspace file is required")
	}
	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for workspace '%s': %w", workspace, err)
	}

	if c := ctx.Int(flags.ScanConcurrency.Name); c < 0 {
		return nil, fmt.Errorf("scan concurrency must not be negative, got %d", c)
	}

	rpcCfg := oprpc.ReadCLIConfig(ctx)

	return &Config{
		WorkspaceFile:    absWorkspace,
		GoBinary:         ctx.String(flags.GoBinary.Name),
		RunnerBinary:     ctx.String(flags.RunnerBinary.Name),
		ScanConcurrency:  ctx.Int(flags.ScanConcurrency.Name),
		Output:           strings.ToLower(ctx.String(flags.Output.Name)),
		ShowProgress:     ctx.Bool(flags.ShowProgress.Name),
		ProgressInterval: ctx.Duration(flags.ProgressInterval.Name),
		Watch:            ctx.Bool(flags.Watch.Name),
		WatchDebounce:    ctx.Duration(flags.WatchDebounce.Name),
		ListenAddr:       rpcCfg.ListenAddr,
		ListenPort:       rpcCfg.ListenPort,
		Log:              log,
	}, nil
}
