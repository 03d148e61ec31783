// Package launcher is the entry point of the out-of-process test runner. It parses
// the invocation, connects back to the controller, hands the connection to the
// reporter channel and runs the selected framework adapter.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/panics"

	testlens "github.com/ethereum-optimism/infra/op-testlens"
	"github.com/ethereum-optimism/infra/op-testlens/adapters"
	"github.com/ethereum-optimism/infra/op-testlens/exitcodes"
	"github.com/ethereum-optimism/infra/op-testlens/metrics"
	"github.com/ethereum-optimism/infra/op-testlens/protocol"
	"github.com/ethereum-optimism/infra/op-testlens/reporter"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

const (
	// Host is the only address the runner connects to
	Host = "127.0.0.1"

	DialTimeoutEnv     = "TESTRUNNER_DIAL_TIMEOUT"
	DefaultDialTimeout = 10 * time.Second
)

// State of the launcher state machine
type State int

const (
	StateIdle State = iota
	StateConnectionEstablishing
	StateRunning
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnectionEstablishing:
		return "connection-establishing"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Invocation is the parsed positional argument list
type Invocation struct {
	Port int
	Kind types.FrameworkKind
	Args []string
}

// ParseArgs parses `<port> <frameworkKind> [frameworkArgs...]`. Failures are
// InvalidParameterErrors.
func ParseArgs(args []string) (Invocation, error) {
	if len(args) < 1 {
		return Invocation{}, testlens.NewInvalidParameterError("port", errors.New("missing"))
	}
	port, err := strconv.Atoi(args[0])
	if err != nil {
		return Invocation{}, testlens.NewInvalidParameterError("port", fmt.Errorf("not a number: %q", args[0]))
	}
	if port < 1 || port > 65535 {
		return Invocation{}, testlens.NewInvalidParameterError("port", fmt.Errorf("out of range: %d", port))
	}
	if len(args) < 2 {
		return Invocation{}, testlens.NewInvalidParameterError("framework kind", errors.New("missing"))
	}
	kind, err := types.ParseFrameworkKind(args[1])
	if err != nil {
		return Invocation{}, testlens.NewInvalidParameterError("framework kind", err)
	}
	if !adapters.Supported(kind) {
		return Invocation{}, testlens.NewInvalidParameterError("framework kind", fmt.Errorf("no adapter for %q", kind))
	}
	return Invocation{Port: port, Kind: kind, Args: args[2:]}, nil
}

// DialFunc opens the transport to the controller
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// AdapterFunc returns the adapter for a kind
type AdapterFunc func(kind types.FrameworkKind) (adapters.Adapter, error)

// Config holds configuration for the launcher
type Config struct {
	Log         log.Logger
	Channel     *reporter.Channel // created with a stderr fallback when nil
	Dial        DialFunc
	DialTimeout time.Duration
	Adapters    AdapterFunc
	GoBinary    string
	Dir         string
	Env         []string
	Locator     adapters.Locator
}

// Launcher runs one invocation of the test runner
type Launcher struct {
	log      log.Logger
	channel  *reporter.Channel
	dial     DialFunc
	timeout  time.Duration
	adapters AdapterFunc
	dir      string
	env      []string
	locator  adapters.Locator

	mu       sync.Mutex
	state    State
	conn     net.Conn
	kind     types.FrameworkKind
	finalize sync.Once
	exitCode int
}

// New creates a launcher in the Idle state
func New(cfg Config) *Launcher {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Channel == nil {
		cfg.Channel = reporter.NewChannel(reporter.Config{Log: cfg.Log})
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DialTimeoutFromEnv(cfg.Log)
	}
	if cfg.Adapters == nil {
		adapterCfg := adapters.Config{Log: cfg.Log, GoBinary: cfg.GoBinary}
		cfg.Adapters = func(kind types.FrameworkKind) (adapters.Adapter, error) {
			return adapters.New(kind, adapterCfg)
		}
	}
	return &Launcher{
		log:      cfg.Log,
		channel:  cfg.Channel,
		dial:     cfg.Dial,
		timeout:  cfg.DialTimeout,
		adapters: cfg.Adapters,
		dir:      cfg.Dir,
		env:      cfg.Env,
		locator:  cfg.Locator,
		state:    StateIdle,
	}
}

// DialTimeoutFromEnv reads TESTRUNNER_DIAL_TIMEOUT, falling back to the default
func DialTimeoutFromEnv(logger log.Logger) time.Duration {
	v := os.Getenv(DialTimeoutEnv)
	if v == "" {
		return DefaultDialTimeout
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logger.Warn("Ignoring invalid dial timeout", "env", DialTimeoutEnv, "value", v)
		return DefaultDialTimeout
	}
	return d
}

// State returns the current state
func (l *Launcher) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Launcher) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Debug("Launcher state", "from", l.state, "to", s)
	l.state = s
}

// Run executes the invocation and returns the process exit code. Finalization runs
// exactly once on every path.
func (l *Launcher) Run(ctx context.Context, args []string) (code int) {
	code = exitcodes.RunnerCrashed
	defer func() {
		code = l.terminate(code)
	}()

	inv, err := ParseArgs(args)
	if err != nil {
		l.log.Error("Invalid test runner invocation", "args", args, "err", err)
		return exitcodes.InvalidParameter
	}
	l.kind = inv.Kind

	l.setState(StateConnectionEstablishing)
	conn, err := l.connect(ctx, inv.Port)
	if err != nil {
		l.log.Error("Failed to connect to controller", "port", inv.Port, "err", err)
		return exitcodes.InvalidParameter
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	if err := l.channel.Initialize(conn); err != nil {
		l.log.Error("Failed to bind reporter channel", "err", err)
		return exitcodes.RunnerCrashed
	}

	l.setState(StateRunning)
	l.channel.Emit(protocol.ReporterAttached())
	return l.runAdapter(ctx, inv)
}

func (l *Launcher) connect(ctx context.Context, port int) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	address := net.JoinHostPort(Host, strconv.Itoa(port))
	conn, err := l.dial(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	return conn, nil
}

func (l *Launcher) runAdapter(ctx context.Context, inv Invocation) int {
	var (
		summary adapters.Summary
		runErr  error
		catcher panics.Catcher
	)
	catcher.Try(func() {
		adapter, err := l.adapters(inv.Kind)
		if err != nil {
			runErr = err
			return
		}
		summary, runErr = adapter.Run(ctx, adapters.Request{
			Args:    inv.Args,
			Dir:     l.dir,
			Env:     l.env,
			Channel: l.channel,
			Locator: l.locator,
		})
	})

	var details string
	if recovered := catcher.Recovered(); recovered != nil {
		runErr = recovered.AsError()
		details = recovered.String()
	}
	if runErr == nil {
		l.log.Info("Test run complete",
			"kind", inv.Kind,
			"total", summary.Total,
			"passed", summary.Passed,
			"failed", summary.Failed,
			"skipped", summary.Skipped)
		return exitcodes.Success
	}

	rerr := testlens.NewRunnerError(runErr)
	if details == "" {
		details = fmt.Sprintf("%+v", rerr)
	}
	l.log.Error("Test runner failed", "kind", inv.Kind, "err", runErr)
	l.channel.Emit(protocol.Error(runErr.Error(), details))
	return exitcodes.RunnerCrashed
}

// terminate closes the channel and the socket once and settles the exit code
func (l *Launcher) terminate(code int) int {
	l.finalize.Do(func() {
		l.setState(StateTerminating)
		if err := l.channel.Close(); err != nil {
			l.log.Debug("Closing reporter channel", "err", err)
		}
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn != nil {
			// the channel normally closed it already
			_ = conn.Close()
		}
		l.exitCode = code
		metrics.RecordRunnerExit(l.kind, code)
	})
	return l.exitCode
}
