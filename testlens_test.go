package testlens

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-testlens/flags"
	"github.com/ethereum-optimism/infra/op-testlens/launch"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

const storeTest = `package store

import "testing"

func TestGet(t *testing.T) {}

func TestPut(t *testing.T) {}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// setupWorkspace creates a workspace with a single plain go test module
func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "demo", "go.mod"), "module example.com/demo\n\ngo 1.22\n")
	writeFile(t, filepath.Join(dir, "demo", "store", "store_test.go"), storeTest)
	writeFile(t, filepath.Join(dir, "workspace.yaml"), "projects:\n  - name: demo\n    root: demo\n")
	return filepath.Join(dir, "workspace.yaml")
}

func testConfig(workspace string) *Config {
	return &Config{
		WorkspaceFile: workspace,
		GoBinary:      "go",
		ListenAddr:    "127.0.0.1",
		ListenPort:    0,
		Watch:         true,
		WatchDebounce: 20 * time.Millisecond,
		Log:           log.NewLogger(log.DiscardHandler()),
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, "test")
	assert.Error(t, err)

	_, err = New(testConfig(filepath.Join(t.TempDir(), "missing.yaml")), "test")
	assert.Error(t, err)
}

func TestApp_Commands(t *testing.T) {
	app, err := New(testConfig(setupWorkspace(t)), "test")
	require.NoError(t, err)
	ctx := context.Background()

	kinds, err := app.Kinds(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string][]types.FrameworkKind{"demo": {types.KindGoTest}}, kinds)

	_, err = app.Kinds(ctx, "nope")
	assert.Error(t, err)

	tree, err := app.Search.SearchAll(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "example.com/demo/store", tree.Children[0].DisplayName)

	resp := app.Resolver.Handle(ctx, launch.Request{
		ProjectName: "demo",
		TestLevel:   types.NodeTypeMethod,
		TestKind:    types.KindGoTest,
		TestNames:   []string{"example.com/demo/store.TestGet"},
	})
	require.Equal(t, launch.StatusOK, resp.Status, resp.Error)
	assert.Equal(t, []string{"-run", "^TestGet$", "./store"}, resp.Body.ProgramArguments)
}

func TestApp_Lifecycle(t *testing.T) {
	app, err := New(testConfig(setupWorkspace(t)), "test")
	require.NoError(t, err)
	assert.True(t, app.Stopped())
	assert.Nil(t, app.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	assert.False(t, app.Stopped())

	resp, err := http.Post("http://"+app.Addr().String()+"/commands/kinds", "application/json", strings.NewReader(`{"projectName":"demo"}`))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":0,"body":{"demo":["gotest"]}}`, string(body))

	require.NoError(t, app.Stop(ctx))
	assert.True(t, app.Stopped())
	require.NoError(t, app.Stop(ctx))
}

func TestNewConfig(t *testing.T) {
	run := func(args ...string) (*Config, error) {
		var (
			cfg *Config
			err error
		)
		app := &cli.App{
			Flags: flags.Flags,
			Action: func(ctx *cli.Context) error {
				cfg, err = NewConfig(ctx, log.NewLogger(log.DiscardHandler()))
				return nil
			},
		}
		require.NoError(t, app.Run(append([]string{"op-testlens"}, args...)))
		return cfg, err
	}

	cfg, err := run("--workspace", "ws.yaml", "--output", "JSON", "--scan-concurrency", "4")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.WorkspaceFile))
	assert.Equal(t, "ws.yaml", filepath.Base(cfg.WorkspaceFile))
	assert.Equal(t, "json", cfg.Output)
	assert.Equal(t, 4, cfg.ScanConcurrency)
	assert.Equal(t, "testrunner", cfg.RunnerBinary)
	assert.True(t, cfg.Watch)

	_, err = run("--workspace", "")
	assert.Error(t, err)

	_, err = run("--scan-concurrency", "-1")
	assert.Error(t, err)
}
