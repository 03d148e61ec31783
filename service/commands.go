package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum-optimism/infra/op-testlens/launch"
	"github.com/ethereum-optimism/infra/op-testlens/registry"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

// Commands served under /commands/{command}
const (
	CommandDiscover = "discover"
	CommandSearch   = "search"
	CommandCodeLens = "codelens"
	CommandKinds    = "kinds"
	CommandResolve  = "resolve"
)

// Searcher answers discovery queries
type Searcher interface {
	SearchAll(ctx context.Context, projectID string) (*types.TestItem, error)
	SearchTestItems(ctx context.Context, projectID string, nodeType types.TestNodeType, fullName string) ([]*types.TestItem, error)
	SearchCodeLens(ctx context.Context, uri string) ([]*types.TestItem, error)
}

// KindSource reports the framework kinds of a project
type KindSource interface {
	GetTestKindsFromCache(ctx context.Context, project registry.Project) []types.FrameworkKind
}

// Resolver turns launch requests into launch responses
type Resolver interface {
	Handle(ctx context.Context, req launch.Request) launch.Response
}

// Projects lists and looks up workspace projects
type Projects interface {
	Project(name string) (registry.Project, error)
	Projects() []registry.Project
}

// DiscoverRequest asks for the whole tree of a project
type DiscoverRequest struct {
	ProjectName string `json:"projectName"`
}

// SearchRequest asks for the nodes of a given type and qualified name
type SearchRequest struct {
	ProjectName string             `json:"projectName"`
	NodeType    types.TestNodeType `json:"nodeType"`
	FullName    string             `json:"fullName"`
}

// CodeLensRequest asks for the class and method nodes of one file
type CodeLensRequest struct {
	URI string `json:"uri"`
}

// KindsRequest asks for the detected kinds of one project, or of all when empty
type KindsRequest struct {
	ProjectName string `json:"projectName,omitempty"`
}

// Response is the envelope of every command answer. Status is 0 on success.
type Response struct {
	Status int    `json:"status"`
	Body   any    `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

// commandError carries the HTTP status of a failed command
type commandError struct {
	code int
	err  error
}

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &commandError{code: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

// httpStatus maps a command error to an HTTP status
func httpStatus(err error) int {
	var cerr *commandError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &cerr):
		return cerr.code
	case errors.Is(err, registry.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, launch.ErrUnsupportedTestKind), errors.Is(err, launch.ErrUnknownTest):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) discover(ctx context.Context, req DiscoverRequest) (any, error) {
	if req.ProjectName == "" {
		return nil, badRequest("projectName is required")
	}
	return s.searcher.SearchAll(ctx, req.ProjectName)
}

func (s *Server) search(ctx context.Context, req SearchRequest) (any, error) {
	if req.ProjectName == "" {
		return nil, badRequest("projectName is required")
	}
	if !req.NodeType.IsValid() {
		return nil, badRequest("unknown node type %q", req.NodeType)
	}
	return s.searcher.SearchTestItems(ctx, req.ProjectName, req.NodeType, req.FullName)
}

func (s *Server) codeLens(ctx context.Context, req CodeLensRequest) (any, error) {
	if req.URI == "" {
		return nil, badRequest("uri is required")
	}
	return s.searcher.SearchCodeLens(ctx, req.URI)
}

func (s *Server) kinds(ctx context.Context, req KindsRequest) (any, error) {
	projects := s.projects.Projects()
	if req.ProjectName != "" {
		p, err := s.projects.Project(req.ProjectName)
		if err != nil {
			return nil, err
		}
		projects = []registry.Project{p}
	}
	out := make(map[string][]types.FrameworkKind, len(projects))
	for _, p := range projects {
		kinds := s.kindSource.GetTestKindsFromCache(ctx, p)
		if kinds == nil {
			kinds = []types.FrameworkKind{}
		}
		out[p.Name] = kinds
	}
	return out, nil
}
