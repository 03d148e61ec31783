// Package adapters drives a Go test framework and translates its native event
// stream into lifecycle messages. There is one adapter per supported framework kind,
// selected from a fixed table.
package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-testlens/reporter"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

const (
	DefaultGoBinary = "go"

	TestCommand = "test"
	JSONFlag    = "-json"

	gocheckVerboseFlag = "-check.v"
	gocheckStreamFlag  = "-check.vv"
)

// ErrUnsupportedKind is returned for a kind with no adapter
var ErrUnsupportedKind = errors.New("unsupported framework kind")

// Request is everything an adapter needs for one run
type Request struct {
	Args    []string // go test flags, framework flags and package patterns
	Dir     string
	Env     []string // nil inherits the current environment
	Channel reporter.Emitter
	Locator Locator
}

// Adapter runs tests of one framework kind and reports them on the request's channel.
// Failing tests are not an error; an error means the run itself could not complete.
type Adapter interface {
	Kind() types.FrameworkKind
	Run(ctx context.Context, req Request) (Summary, error)
}

// Config holds configuration shared by all adapters
type Config struct {
	Log      log.Logger
	GoBinary string
}

var table = map[types.FrameworkKind]func(Config) Adapter{
	types.KindGoTest:  func(cfg Config) Adapter { return &goTestAdapter{newProcess(types.KindGoTest, cfg)} },
	types.KindTestify: func(cfg Config) Adapter { return &testifyAdapter{newProcess(types.KindTestify, cfg)} },
	types.KindGocheck: func(cfg Config) Adapter { return &gocheckAdapter{newProcess(types.KindGocheck, cfg)} },
}

// New returns the adapter for kind
func New(kind types.FrameworkKind, cfg Config) (Adapter, error) {
	ctor, ok := table[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	return ctor(cfg), nil
}

// Supported reports whether an adapter exists for kind
func Supported(kind types.FrameworkKind) bool {
	_, ok := table[kind]
	return ok
}

// goTestAdapter reports plain testing package tests, subtests included
type goTestAdapter struct {
	*process
}

func (a *goTestAdapter) Run(ctx context.Context, req Request) (Summary, error) {
	return a.run(ctx, req, req.Args)
}

// testifyAdapter reports suite runner tests as suites and their methods as tests
type testifyAdapter struct {
	*process
}

func (a *testifyAdapter) Run(ctx context.Context, req Request) (Summary, error) {
	return a.run(ctx, req, req.Args)
}

// gocheckAdapter needs gocheck's streaming output to see tests start
type gocheckAdapter struct {
	*process
}

func (a *gocheckAdapter) Run(ctx context.Context, req Request) (Summary, error) {
	return a.run(ctx, req, withStreamingCheck(req.Args))
}

func withStreamingCheck(args []string) []string {
	out := make([]string, 0, len(args)+1)
	found := false
	for _, arg := range args {
		switch {
		case arg == gocheckVerboseFlag || strings.HasPrefix(arg, gocheckVerboseFlag+"="):
			out = append(out, gocheckStreamFlag)
			found = true
		case arg == gocheckStreamFlag || strings.HasPrefix(arg, gocheckStreamFlag+"="):
			out = append(out, arg)
			found = true
		default:
			out = append(out, arg)
		}
	}
	if !found {
		out = append(out, gocheckStreamFlag)
	}
	return out
}

// process runs `go test -json` and feeds its stdout through a translator
type process struct {
	kind     types.FrameworkKind
	log      log.Logger
	goBinary string
	tracer   trace.Tracer
}

func newProcess(kind types.FrameworkKind, cfg Config) *process {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = DefaultGoBinary
	}
	return &process{
		kind:     kind,
		log:      cfg.Log.New("kind", kind),
		goBinary: cfg.GoBinary,
		tracer:   otel.Tracer("test adapter"),
	}
}

func (p *process) Kind() types.FrameworkKind {
	return p.kind
}

func (p *process) run(ctx context.Context, req Request, args []string) (Summary, error) {
	if req.Channel == nil {
		return Summary{}, errors.New("request has no channel")
	}
	ctx, span := p.tracer.Start(ctx, fmt.Sprintf("run %s", p.kind))
	defer span.End()

	cmdArgs := append([]string{TestCommand, JSONFlag}, args...)
	cmd := exec.CommandContext(ctx, p.goBinary, cmdArgs...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Summary{}, fmt.Errorf("creating stdout pipe: %w", err)
	}

	p.log.Debug("Starting test process", "dir", req.Dir, "args", cmdArgs)
	if err := cmd.Start(); err != nil {
		return Summary{}, fmt.Errorf("starting %s %s: %w", p.goBinary, TestCommand, err)
	}

	t := newTranslator(p.kind, req.Channel, req.Locator, p.log)
	consumeErr := t.consume(stdout)
	waitErr := cmd.Wait()
	t.finish()

	span.SetAttributes(
		attribute.Int("tests.total", t.summary.Total),
		attribute.Int("tests.failed", t.summary.Failed),
	)

	if consumeErr != nil {
		return t.summary, consumeErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && t.events > 0 {
			// go test exits non-zero when tests fail; that travels on the stream
			p.log.Debug("Test process reported failures", "exitCode", exitErr.ExitCode())
			return t.summary, nil
		}
		return t.summary, fmt.Errorf("%s %s: %w: %s", p.goBinary, TestCommand, waitErr, strings.TrimSpace(stderr.String()))
	}
	return t.summary, nil
}
