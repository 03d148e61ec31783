// Package testlens wires the workspace registry, framework detection, discovery,
// search and launch resolution into one application. The serve command runs it as a
// long-lived service behind the HTTP command server.
package testlens

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/ethereum-optimism/infra/op-testlens/detector"
	"github.com/ethereum-optimism/infra/op-testlens/discovery"
	"github.com/ethereum-optimism/infra/op-testlens/launch"
	"github.com/ethereum-optimism/infra/op-testlens/registry"
	"github.com/ethereum-optimism/infra/op-testlens/search"
	"github.com/ethereum-optimism/infra/op-testlens/service"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

// App implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = (*App)(nil)

// App holds the components shared by every command
type App struct {
	config  *Config
	version string

	Registry *registry.Registry
	Detector *detector.Detector
	Search   *search.Engine
	Resolver *launch.Resolver

	server  *service.Server
	watcher *detector.Watcher

	mu      sync.Mutex
	running atomic.Bool
}

// New loads the workspace and builds the components. Nothing is started.
func New(config *Config, version string) (*App, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating testlens with config",
		"workspace", config.WorkspaceFile,
		"goBinary", config.GoBinary,
		"scanConcurrency", config.ScanConcurrency)

	reg, err := registry.NewRegistry(registry.Config{
		Log:           config.Log,
		WorkspaceFile: config.WorkspaceFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	scanner := discovery.NewScanner(discovery.Config{
		Log:         config.Log,
		Concurrency: config.ScanConcurrency,
	})
	det := detector.New(detector.Config{Log: config.Log})

	app := &App{
		config:   config,
		version:  version,
		Registry: reg,
		Detector: det,
		Search: search.New(search.Config{
			Log:      config.Log,
			Projects: reg,
			Source:   scanner,
			Kinds:    det,
		}),
		Resolver: launch.New(launch.Config{
			Log:      config.Log,
			Projects: reg,
			Source:   scanner,
		}),
	}
	config.Log.Info("Loaded workspace", "projects", len(reg.Projects()))
	return app, nil
}

// Config returns the application configuration
func (a *App) Config() *Config {
	return a.config
}

// Kinds returns the detected framework kinds of one project, or of every project
// when name is empty.
func (a *App) Kinds(ctx context.Context, name string) (map[string][]types.FrameworkKind, error) {
	projects := a.Registry.Projects()
	if name != "" {
		p, err := a.Registry.Project(name)
		if err != nil {
			return nil, err
		}
		projects = []registry.Project{p}
	}
	out := make(map[string][]types.FrameworkKind, len(projects))
	for _, p := range projects {
		out[p.Name] = a.Detector.GetTestKindsFromCache(ctx, p)
	}
	return out, nil
}

// Start starts the go.mod watcher and the command server.
// Start implements the cliapp.Lifecycle interface.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config.Watch {
		w, err := a.Detector.Watch(context.WithoutCancel(ctx), a.Registry.Projects(), detector.WatcherConfig{
			Log:      a.config.Log,
			Debounce: a.config.WatchDebounce,
			OnUpdate: func(p registry.Project, kinds []types.FrameworkKind) {
				a.config.Log.Info("Framework kinds updated", "project", p.Name, "kinds", kinds)
			},
		})
		if err != nil {
			return NewRuntimeError(fmt.Errorf("failed to start go.mod watcher: %w", err))
		}
		a.watcher = w
	}

	a.server = service.New(service.Config{
		Log:      a.config.Log,
		Searcher: a.Search,
		Kinds:    a.Detector,
		Resolver: a.Resolver,
		Projects: a.Registry,
	})
	addr := net.JoinHostPort(a.config.ListenAddr, strconv.Itoa(a.config.ListenPort))
	if err := a.server.Start(addr); err != nil {
		if a.watcher != nil {
			_ = a.watcher.Close()
		}
		return NewRuntimeError(err)
	}

	a.running.Store(true)
	a.config.Log.Info("op-testlens started", "version", a.version, "addr", a.server.Addr(), "watch", a.config.Watch)
	return nil
}

// Stop stops the command server and the watcher.
// Stop implements the cliapp.Lifecycle interface.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running.Load() {
		a.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	a.running.Store(false)

	var result error
	if a.server != nil {
		result = errors.Join(result, a.server.Stop(ctx))
	}
	if a.watcher != nil {
		result = errors.Join(result, a.watcher.Close())
	}
	a.config.Log.Info("op-testlens stopped")
	return result
}

// Stopped returns true if the service is not running.
// Stopped implements the cliapp.Lifecycle interface.
func (a *App) Stopped() bool {
	return !a.running.Load()
}

// Addr returns the command server address while running
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return nil
	}
	return a.server.Addr()
}
