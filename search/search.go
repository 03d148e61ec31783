// Package search answers test-tree queries. Every query builds the project's tree
// fresh from source discovery and attaches the framework kinds from the detector
// cache; nothing outlives the request.
package search

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-testlens/detector"
	"github.com/ethereum-optimism/infra/op-testlens/discovery"
	"github.com/ethereum-optimism/infra/op-testlens/metrics"
	"github.com/ethereum-optimism/infra/op-testlens/registry"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

// ErrProjectNotFound is returned for a project that is not in the workspace
var ErrProjectNotFound = registry.ErrProjectNotFound

// Projects looks projects up by name
type Projects interface {
	Project(name string) (registry.Project, error)
	Projects() []registry.Project
}

// KindSource returns the framework kinds of a project
type KindSource interface {
	GetTestKindsFromCache(ctx context.Context, project registry.Project) []types.FrameworkKind
}

var (
	_ Projects   = (*registry.Registry)(nil)
	_ KindSource = (*detector.Detector)(nil)
)

// Config holds configuration for the engine
type Config struct {
	Log      log.Logger
	Projects Projects
	Source   discovery.Source // a discovery.Scanner when nil
	Kinds    KindSource       // a detector.Detector when nil
}

// Engine runs tree searches
type Engine struct {
	log      log.Logger
	projects Projects
	source   discovery.Source
	kinds    KindSource
	tracer   trace.Tracer
}

// New creates a search engine
func New(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Source == nil {
		cfg.Source = discovery.NewScanner(discovery.Config{Log: cfg.Log})
	}
	if cfg.Kinds == nil {
		cfg.Kinds = detector.New(detector.Config{Log: cfg.Log})
	}
	return &Engine{
		log:      cfg.Log,
		projects: cfg.Projects,
		source:   cfg.Source,
		kinds:    cfg.Kinds,
		tracer:   otel.Tracer("test search"),
	}
}

// Tree builds the test tree of a project
func (e *Engine) Tree(ctx context.Context, projectID string) (*types.TestTree, error) {
	project, err := e.projects.Project(projectID)
	if err != nil {
		return nil, err
	}
	return e.build(ctx, project)
}

func (e *Engine) build(ctx context.Context, project registry.Project) (*types.TestTree, error) {
	res, err := e.source.Scan(ctx, project.Root)
	if err != nil {
		return nil, fmt.Errorf("discovering tests of %s: %w", project.Name, err)
	}
	tree, err := types.NewTestTreeBuilder().Build(types.BuildRequest{
		ProjectID: project.Name,
		RootURI:   discovery.FileURI(project.Root),
		RootName:  project.Name,
		Locations: res.Locations,
		Kinds:     e.kinds.GetTestKindsFromCache(ctx, project),
	})
	if tree == nil {
		return nil, err
	}
	if err != nil {
		// duplicates were skipped, the tree is still usable
		e.log.Warn("Skipped test locations", "project", project.Name, "err", err)
	}
	return tree, nil
}

// SearchTestItems finds the nodes of the given type whose qualified name is fullName.
// Nodes coarser than a method carry their subtree. No match is an empty result.
func (e *Engine) SearchTestItems(ctx context.Context, projectID string, nodeType types.TestNodeType, fullName string) ([]*types.TestItem, error) {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("search %s", nodeType))
	defer span.End()
	span.SetAttributes(attribute.String("project", projectID), attribute.String("fullName", fullName))

	if !nodeType.IsValid() {
		return nil, fmt.Errorf("unknown node type %q", nodeType)
	}
	tree, err := e.Tree(ctx, projectID)
	if err != nil {
		return nil, err
	}

	items := []*types.TestItem{}
	tree.Walk(tree.Root().ID, func(n *types.TestNode) bool {
		if n.Type == nodeType && n.QualifiedName == fullName {
			if nodeType.CoarserThan(types.NodeTypeMethod) {
				items = append(items, tree.Fragment(n.ID))
			} else {
				items = append(items, tree.Item(n.ID))
			}
		}
		// nothing below the requested level can match
		return n.Type.CoarserThan(nodeType)
	})

	metrics.RecordSearch("test_items", len(items))
	e.log.Debug("Searched test items", "project", projectID, "type", nodeType, "name", fullName, "matches", len(items))
	return items, nil
}

// SearchAll returns the whole tree of a project
func (e *Engine) SearchAll(ctx context.Context, projectID string) (*types.TestItem, error) {
	ctx, span := e.tracer.Start(ctx, "search all")
	defer span.End()

	tree, err := e.Tree(ctx, projectID)
	if err != nil {
		return nil, err
	}
	metrics.RecordSearch("all", tree.Len())
	return tree.Fragment(tree.Root().ID), nil
}

// SearchCodeLens lists the classes and methods declared in a source file, ordered by
// position. uri may be a file:// uri or a path. A file outside every project yields an
// empty result.
func (e *Engine) SearchCodeLens(ctx context.Context, uri string) ([]*types.TestItem, error) {
	ctx, span := e.tracer.Start(ctx, "search code lens")
	defer span.End()
	span.SetAttributes(attribute.String("uri", uri))

	path := uri
	if strings.Contains(uri, "://") {
		p, err := discovery.URIPath(uri)
		if err != nil {
			return nil, err
		}
		path = p
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	items := []*types.TestItem{}
	project, ok := e.owner(path)
	if !ok {
		metrics.RecordSearch("code_lens", 0)
		return items, nil
	}
	tree, err := e.build(ctx, project)
	if err != nil {
		return nil, err
	}

	fileURI := discovery.FileURI(path)
	tree.Walk(tree.Root().ID, func(n *types.TestNode) bool {
		if (n.Type == types.NodeTypeClass || n.Type == types.NodeTypeMethod) && n.URI == fileURI {
			items = append(items, tree.Item(n.ID))
		}
		return true
	})
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Range.Start.Before(items[j].Range.Start)
	})

	metrics.RecordSearch("code_lens", len(items))
	return items, nil
}

// owner returns the project with the deepest root containing path
func (e *Engine) owner(path string) (registry.Project, bool) {
	var (
		best    registry.Project
		bestLen = -1
	)
	for _, p := range e.projects.Projects() {
		root, err := filepath.Abs(p.Root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if len(root) > bestLen {
			best, bestLen = p, len(root)
		}
	}
	return best, bestLen >= 0
}
