package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testlens/discovery"
	"github.com/ethereum-optimism/infra/op-testlens/registry"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

type fakeSource struct {
	locations []types.TestLocation
	err       error
	scanned   []string
}

func (f *fakeSource) Scan(ctx context.Context, dir string) (*discovery.Result, error) {
	f.scanned = append(f.scanned, dir)
	if f.err != nil {
		return nil, f.err
	}
	return &discovery.Result{Locations: f.locations}, nil
}

type fakeKinds []types.FrameworkKind

func (k fakeKinds) GetTestKindsFromCache(ctx context.Context, project registry.Project) []types.FrameworkKind {
	return k
}

const (
	pkgPath = "example.com/demo/store"
	file    = "/demo/store/store_test.go"
)

func method(name string, line int) types.TestLocation {
	uri := discovery.FileURI(file)
	return types.TestLocation{
		URI:           uri,
		QualifiedName: pkgPath + "." + name,
		DisplayName:   name,
		Range:         types.Range{Start: types.Position{Line: line, Column: 1}, End: types.Position{Line: line + 1, Column: 2}},
		Type:          types.NodeTypeMethod,
		Kind:          types.KindGoTest,
		Package:       pkgPath,
		PackageURI:    discovery.FileURI("/demo/store"),
		Class:         pkgPath + "/store_test.go",
		ClassDisplay:  "store_test.go",
		ClassURI:      uri,
		ClassRange:    types.Range{Start: types.Position{Line: 1, Column: 1}, End: types.Position{Line: 20, Column: 1}},
	}
}

func newEngine(t *testing.T, source discovery.Source) *Engine {
	t.Helper()
	projects, err := registry.NewStaticRegistry(log.NewLogger(log.DiscardHandler()),
		registry.Project{Name: "demo", Root: "/demo"},
		registry.Project{Name: "nested", Root: "/demo/tools"},
	)
	require.NoError(t, err)
	return New(Config{
		Log:      log.NewLogger(log.DiscardHandler()),
		Projects: projects,
		Source:   source,
		Kinds:    fakeKinds{types.KindGoTest},
	})
}

func lines(items []*types.TestItem) []int {
	out := make([]int, len(items))
	for i, item := range items {
		out[i] = item.Range.Start.Line
	}
	return out
}

func TestSearchCodeLens_OrderedByPosition(t *testing.T) {
	source := &fakeSource{locations: []types.TestLocation{
		method("TestC", 10),
		method("TestA", 3),
		method("TestB", 7),
	}}
	e := newEngine(t, source)

	items, err := e.SearchCodeLens(context.Background(), discovery.FileURI(file))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 7, 10}, lines(items))
	assert.Equal(t, types.NodeTypeClass, items[0].Type)
	for _, item := range items {
		assert.Empty(t, item.Children, "code lens items are flat")
	}

	// plain paths work as well as uris
	byPath, err := e.SearchCodeLens(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, lines(items), lines(byPath))
}

func TestSearchCodeLens_ColumnBreaksTies(t *testing.T) {
	a := method("TestA", 5)
	b := method("TestB", 5)
	b.Range.Start.Column = 0
	e := newEngine(t, &fakeSource{locations: []types.TestLocation{a, b}})

	items, err := e.SearchCodeLens(context.Background(), file)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "TestB", items[1].DisplayName)
	assert.Equal(t, "TestA", items[2].DisplayName)
}

func TestSearchCodeLens_FileOutsideProjects(t *testing.T) {
	source := &fakeSource{}
	e := newEngine(t, source)

	items, err := e.SearchCodeLens(context.Background(), "/elsewhere/x_test.go")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, source.scanned)
}

func TestSearchCodeLens_DeepestProjectWins(t *testing.T) {
	source := &fakeSource{}
	e := newEngine(t, source)

	_, err := e.SearchCodeLens(context.Background(), "/demo/tools/cmd/x_test.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"/demo/tools"}, source.scanned)
}

func TestSearchTestItems(t *testing.T) {
	source := &fakeSource{locations: []types.TestLocation{method("TestA", 3), method("TestB", 7)}}
	e := newEngine(t, source)
	ctx := context.Background()

	t.Run("folder matches the project root", func(t *testing.T) {
		items, err := e.SearchTestItems(ctx, "demo", types.NodeTypeFolder, "demo")
		require.NoError(t, err)
		require.Len(t, items, 1)
		root := items[0]
		assert.Equal(t, "demo", root.ProjectName)
		require.Len(t, root.Children, 1)
		pkg := root.Children[0]
		assert.Equal(t, pkgPath, pkg.FullName)
		require.Len(t, pkg.Children, 1)
		assert.Len(t, pkg.Children[0].Children, 2)
		assert.Equal(t, []types.FrameworkKind{types.KindGoTest}, root.Kinds)
	})

	t.Run("class carries its methods", func(t *testing.T) {
		items, err := e.SearchTestItems(ctx, "demo", types.NodeTypeClass, pkgPath+"/store_test.go")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Len(t, items[0].Children, 2)
	})

	t.Run("method", func(t *testing.T) {
		items, err := e.SearchTestItems(ctx, "demo", types.NodeTypeMethod, pkgPath+".TestB")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, 7, items[0].Range.Start.Line)
		assert.Empty(t, items[0].Children)
	})

	t.Run("type must match", func(t *testing.T) {
		items, err := e.SearchTestItems(ctx, "demo", types.NodeTypePackage, pkgPath+".TestB")
		require.NoError(t, err)
		assert.NotNil(t, items)
		assert.Empty(t, items)
	})

	t.Run("unknown project", func(t *testing.T) {
		_, err := e.SearchTestItems(ctx, "missing", types.NodeTypeFolder, "missing")
		assert.True(t, errors.Is(err, ErrProjectNotFound))
	})

	t.Run("unknown node type", func(t *testing.T) {
		_, err := e.SearchTestItems(ctx, "demo", types.TestNodeType("module"), "demo")
		assert.Error(t, err)
	})
}

func TestSearchAll(t *testing.T) {
	e := newEngine(t, &fakeSource{locations: []types.TestLocation{method("TestA", 3)}})

	root, err := e.SearchAll(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, types.NodeTypeFolder, root.Type)
	assert.Len(t, root.Children, 1)

	_, err = e.SearchAll(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	failing := newEngine(t, &fakeSource{err: errors.New("no go.mod")})
	_, err = failing.SearchAll(context.Background(), "demo")
	assert.Error(t, err)
}

func TestSearch_DuplicateLocationsAreSkipped(t *testing.T) {
	e := newEngine(t, &fakeSource{locations: []types.TestLocation{method("TestA", 3), method("TestA", 3)}})

	items, err := e.SearchCodeLens(context.Background(), file)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestSearch_ScannedModule(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	write("go.mod", "module example.com/real\n\ngo 1.22\n")
	write("calc/calc_test.go", "package calc\n\nimport \"testing\"\n\nfunc TestSub(t *testing.T) {}\n\nfunc TestAdd(t *testing.T) {}\n")

	projects, err := registry.NewStaticRegistry(nil, registry.Project{Name: "real", Root: dir})
	require.NoError(t, err)
	e := New(Config{Log: log.NewLogger(log.DiscardHandler()), Projects: projects})

	items, err := e.SearchCodeLens(context.Background(), filepath.Join(dir, "calc", "calc_test.go"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 5, 7}, lines(items))

	found, err := e.SearchTestItems(context.Background(), "real", types.NodeTypeMethod, "example.com/real/calc.TestAdd")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, []types.FrameworkKind{types.KindGoTest}, found[0].Kinds)
}
