// Package launch resolves a selection of tests into the arguments the testrunner is
// started with.
package launch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-testlens/adapters"
	"github.com/ethereum-optimism/infra/op-testlens/discovery"
	"github.com/ethereum-optimism/infra/op-testlens/metrics"
	"github.com/ethereum-optimism/infra/op-testlens/registry"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

var (
	// ErrProjectNotFound is returned for a project that is not in the workspace
	ErrProjectNotFound = registry.ErrProjectNotFound

	// ErrUnsupportedTestKind is returned for a kind without an adapter
	ErrUnsupportedTestKind = errors.New("unsupported test kind")

	// ErrUnknownTest is returned for a test name discovery does not know about
	ErrUnknownTest = errors.New("unknown test")
)

const (
	StatusOK     = 0
	StatusFailed = 1
)

// Request selects the tests to launch. TestNames are qualified names of nodes at
// TestLevel; at folder level they may be empty.
type Request struct {
	ProjectName string              `json:"projectName"`
	TestLevel   types.TestNodeType  `json:"testLevel"`
	TestKind    types.FrameworkKind `json:"testKind"`
	TestNames   []string            `json:"testNames"`
}

// Argument is everything the controller needs to start the testrunner
type Argument struct {
	ProjectName      string              `json:"projectName"`
	WorkingDirectory string              `json:"workingDirectory"`
	Classpath        []string            `json:"classpath"`
	FrameworkKind    types.FrameworkKind `json:"testKind"`
	TestNames        []string            `json:"testNames"`
	ProgramArguments []string            `json:"programArguments"`
	Env              []string            `json:"env,omitempty"`
}

// Response is the wire shape of a resolution
type Response struct {
	Status int       `json:"status"`
	Body   *Argument `json:"body,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Projects looks projects up by name
type Projects interface {
	Project(name string) (registry.Project, error)
}

// Config holds configuration for the resolver
type Config struct {
	Log      log.Logger
	Projects Projects
	Source   discovery.Source // a discovery.Scanner when nil
}

// Resolver builds launch arguments
type Resolver struct {
	log      log.Logger
	projects Projects
	source   discovery.Source
	tracer   trace.Tracer
}

// New creates a resolver
func New(cfg Config) *Resolver {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Source == nil {
		cfg.Source = discovery.NewScanner(discovery.Config{Log: cfg.Log})
	}
	return &Resolver{
		log:      cfg.Log,
		projects: cfg.Projects,
		source:   cfg.Source,
		tracer:   otel.Tracer("launch resolver"),
	}
}

// Handle resolves a request into its response shape
func (r *Resolver) Handle(ctx context.Context, req Request) Response {
	arg, err := r.Resolve(ctx, req)
	if err != nil {
		metrics.RecordResolution("failed")
		return Response{Status: StatusFailed, Error: err.Error()}
	}
	metrics.RecordResolution("ok")
	return Response{Status: StatusOK, Body: arg}
}

// Resolve builds the launch argument for a request
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Argument, error) {
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("resolve %s", req.TestKind))
	defer span.End()
	span.SetAttributes(
		attribute.String("project", req.ProjectName),
		attribute.Int("tests", len(req.TestNames)),
	)

	project, err := r.projects.Project(req.ProjectName)
	if err != nil {
		return nil, err
	}
	if !req.TestKind.IsValid() || !adapters.Supported(req.TestKind) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTestKind, req.TestKind)
	}
	level := req.TestLevel
	if level == "" {
		level = types.NodeTypeMethod
	}
	if !level.IsValid() {
		return nil, fmt.Errorf("unknown test level %q", req.TestLevel)
	}

	res, err := r.source.Scan(ctx, project.Root)
	if err != nil {
		return nil, fmt.Errorf("discovering tests of %s: %w", project.Name, err)
	}

	sel := newSelection()
	if level == types.NodeTypeFolder {
		sel.all = true
		sel.addPackage(project.Root, "/...")
	} else {
		if len(req.TestNames) == 0 {
			return nil, fmt.Errorf("no %s selected", level)
		}
		idx := newLocationIndex(res.Locations)
		for _, name := range req.TestNames {
			if err := sel.add(idx, res.Module, level, name); err != nil {
				return nil, err
			}
		}
	}

	wd := project.WorkingDirectory()
	classpath := newOrderedSet()
	for _, p := range sel.packages {
		classpath.add(pattern(wd, p.dir, p.suffix))
	}
	for _, extra := range project.ExtraEntries {
		classpath.add(extra)
	}

	arg := &Argument{
		ProjectName:      project.Name,
		WorkingDirectory: wd,
		Classpath:        classpath.items,
		FrameworkKind:    req.TestKind,
		TestNames:        append([]string(nil), req.TestNames...),
		Env:              project.Environ(),
	}
	arg.ProgramArguments = append(sel.frameworkArgs(req.TestKind), arg.Classpath...)
	if req.TestKind == types.KindTestify && len(sel.owners.items) > 1 {
		// -testify.m only sees method names: each selected suite runs every selected method it has
		r.log.Warn("Suite method filter is shared by all selected suites", "suites", sel.owners.items, "methods", sel.methods.items)
	}

	r.log.Debug("Resolved launch", "project", project.Name, "kind", req.TestKind, "args", arg.ProgramArguments)
	return arg, nil
}

// pattern renders a package directory as a go package pattern relative to wd
func pattern(wd, dir, suffix string) string {
	rel, err := filepath.Rel(wd, dir)
	if err != nil {
		return filepath.ToSlash(dir) + suffix
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		if suffix == "" {
			return "."
		}
		return "." + suffix
	}
	if !strings.HasPrefix(rel, "../") {
		rel = "./" + rel
	}
	return rel + suffix
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: make(map[string]bool), items: []string{}}
}

// add keeps the first occurrence of a value
func (s *orderedSet) add(v string) {
	if v == "" || s.seen[v] {
		return
	}
	s.seen[v] = true
	s.items = append(s.items, v)
}

// locationIndex answers lookups by qualified name and by class
type locationIndex struct {
	byName  map[string]types.TestLocation
	byClass map[string][]types.TestLocation
}

func newLocationIndex(locations []types.TestLocation) *locationIndex {
	idx := &locationIndex{
		byName:  make(map[string]types.TestLocation),
		byClass: make(map[string][]types.TestLocation),
	}
	for _, loc := range locations {
		idx.byName[loc.QualifiedName] = loc
		idx.byClass[loc.Class] = append(idx.byClass[loc.Class], loc)
	}
	return idx
}

type packageRef struct {
	dir    string
	suffix string
}

// selection accumulates the filters of the selected tests. Filters of go test apply
// to every package of the run, so a whole-package selection drops them all.
type selection struct {
	packages []packageRef
	seenPkgs map[string]bool

	all      bool
	runs     *orderedSet // top-level test functions
	methods  *orderedSet // testify suite methods
	owners   *orderedSet // runners of the selected testify methods
	suites   bool        // a whole testify suite is selected
	checks   *orderedSet // gocheck filter alternatives
	hasCheck bool
}

func newSelection() *selection {
	return &selection{
		seenPkgs: make(map[string]bool),
		runs:     newOrderedSet(),
		methods:  newOrderedSet(),
		owners:   newOrderedSet(),
		checks:   newOrderedSet(),
	}
}

func (s *selection) addPackage(dir, suffix string) {
	if s.seenPkgs[dir+suffix] {
		return
	}
	s.seenPkgs[dir+suffix] = true
	s.packages = append(s.packages, packageRef{dir: dir, suffix: suffix})
}

func (s *selection) add(idx *locationIndex, mod *discovery.Module, level types.TestNodeType, name string) error {
	switch level {
	case types.NodeTypePackage:
		dir, err := mod.PackageDir(name)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnknownTest, name)
		}
		s.all = true
		s.addPackage(dir, "")
		return nil

	case types.NodeTypeClass:
		// a suite without methods is its own class location
		members, ok := idx.byClass[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTest, name)
		}
		for _, loc := range members {
			if err := s.addLocation(mod, loc, true); err != nil {
				return err
			}
		}
		return nil

	case types.NodeTypeMethod:
		loc, ok := idx.byName[name]
		if !ok || loc.Type != types.NodeTypeMethod {
			return fmt.Errorf("%w: %s", ErrUnknownTest, name)
		}
		return s.addLocation(mod, loc, false)
	}
	return fmt.Errorf("unknown test level %q", level)
}

func (s *selection) addLocation(mod *discovery.Module, loc types.TestLocation, wholeClass bool) error {
	dir, err := mod.PackageDir(loc.Package)
	if err != nil {
		return err
	}
	s.addPackage(dir, "")

	switch loc.Kind {
	case types.KindTestify:
		s.runs.add(loc.Runner)
		if wholeClass || loc.Type == types.NodeTypeClass {
			s.suites = true
		} else {
			s.methods.add(loc.DisplayName)
			s.owners.add(loc.Runner)
		}
	case types.KindGocheck:
		s.hasCheck = true
		suite := strings.TrimPrefix(loc.Class, loc.Package+".")
		if wholeClass || loc.Type == types.NodeTypeClass {
			s.checks.add("^" + regexp.QuoteMeta(suite) + `\.`)
		} else {
			s.checks.add("^" + regexp.QuoteMeta(suite+"."+loc.DisplayName) + "$")
		}
	default:
		s.runs.add(loc.DisplayName)
	}
	return nil
}

// frameworkArgs renders the go test flags of the selection for a kind
func (s *selection) frameworkArgs(kind types.FrameworkKind) []string {
	var args []string
	// the gocheck entry point is a test function of its own
	if !s.all && !s.hasCheck && len(s.runs.items) > 0 {
		args = append(args, "-run", anchored(s.runs.items))
	}
	switch kind {
	case types.KindTestify:
		if !s.all && !s.suites && len(s.methods.items) > 0 {
			args = append(args, "-testify.m", anchored(s.methods.items))
		}
	case types.KindGocheck:
		if !s.all && len(s.checks.items) > 0 {
			args = append(args, "-check.f", strings.Join(s.checks.items, "|"))
		}
		args = append(args, "-check.vv")
	}
	return args
}

// anchored builds ^(a|b)$ with each name quoted
func anchored(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = regexp.QuoteMeta(n)
	}
	if len(quoted) == 1 {
		return "^" + quoted[0] + "$"
	}
	return "^(" + strings.Join(quoted, "|") + ")$"
}
