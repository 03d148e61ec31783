package detector

import (
	"context"
	"strings"

	"github.com/ethereum-optimism/infra/op-testlens/discovery"
	"github.com/ethereum-optimism/infra/op-testlens/registry"
)

// ModuleResolver resolves a marker import path against a project's go.mod and the
// imports of its _test.go files. A third party marker needs both: the requirement in
// go.mod and at least one test file importing it.
type ModuleResolver struct{}

var _ MarkerResolver = (*ModuleResolver)(nil)

func (r *ModuleResolver) Resolvable(ctx context.Context, project registry.Project, marker string) (bool, error) {
	if marker == "" {
		return false, nil
	}
	imports, err := discovery.TestImports(ctx, project.Root)
	if err != nil {
		return false, err
	}
	if !imports[marker] {
		return false, nil
	}
	if isStandardLibrary(marker) {
		return true, nil
	}
	mod, err := discovery.ReadModule(project.Root)
	if err != nil {
		return false, err
	}
	return mod.DependsOn(marker), nil
}

// isStandardLibrary reports whether the first path element lacks a dot, the rule the go
// tool uses to tell standard library packages apart
func isStandardLibrary(importPath string) bool {
	first, _, _ := strings.Cut(importPath, "/")
	return !strings.Contains(first, ".")
}
