package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testlens/types"
)

const goModContent = `module example.com/demo

go 1.22

require (
	github.com/stretchr/testify v1.9.0
	gopkg.in/check.v1 v1.0.0-20201130134442-10cb98267c6c
)
`

const storeTest = `package store

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type StoreSuite struct {
	suite.Suite
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) TestPut() {}

func (s *StoreSuite) TestGet() {}

func (s *StoreSuite) helper() {}

func (s *StoreSuite) Testing() {}

func TestHelper(t *testing.T) {}

type EmptySuite struct {
	suite.Suite
}

func TestEmptySuite(t *testing.T) {
	suite.Run(t, &EmptySuite{})
}
`

const legacyTest = `package legacy_test

import (
	"testing"

	check "gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type LegacySuite struct{}

var _ = check.Suite(&LegacySuite{})

func (s *LegacySuite) SetUpSuite(c *check.C) {}

func (s *LegacySuite) TestA(c *check.C) {}

func (s *LegacySuite) BenchmarkA(c *check.C) {}

func (s *LegacySuite) notExported(c *check.C) {}
`

const utilTest = `package util

import "testing"

func TestMain(m *testing.M) {}

func Testable(t *testing.T) {}

func TestWrongSignature(t *testing.B) {}

func TestTrim(t *testing.T) {
	t.Log("trim")
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func setupModule(t *testing.T) string {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), goModContent)
	writeFile(t, filepath.Join(dir, "store", "store_test.go"), storeTest)
	writeFile(t, filepath.Join(dir, "store", "store.go"), "package store\n")
	writeFile(t, filepath.Join(dir, "legacy", "legacy_test.go"), legacyTest)
	writeFile(t, filepath.Join(dir, "util", "util_test.go"), utilTest)
	// ignored locations
	writeFile(t, filepath.Join(dir, "vendor", "x", "x_test.go"), utilTest)
	writeFile(t, filepath.Join(dir, "store", "testdata", "y_test.go"), utilTest)
	writeFile(t, filepath.Join(dir, "nested", "go.mod"), "module example.com/nested\n")
	writeFile(t, filepath.Join(dir, "nested", "n_test.go"), utilTest)
	return dir
}

func qualifiedNames(locs []types.TestLocation) []string {
	out := make([]string, len(locs))
	for i, l := range locs {
		out[i] = l.QualifiedName
	}
	return out
}

func TestScanner_Scan(t *testing.T) {
	dir := setupModule(t)
	res, err := NewScanner(Config{}).Scan(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "example.com/demo", res.Module.Path)
	assert.Equal(t, []string{
		"example.com/demo/legacy.LegacySuite.TestA",
		"example.com/demo/store.TestHelper",
		"example.com/demo/store.StoreSuite.TestPut",
		"example.com/demo/store.StoreSuite.TestGet",
		"example.com/demo/store.EmptySuite",
		"example.com/demo/util.TestTrim",
	}, qualifiedNames(res.Locations))

	byName := make(map[string]types.TestLocation)
	for _, l := range res.Locations {
		byName[l.QualifiedName] = l
	}

	t.Run("plain test", func(t *testing.T) {
		loc := byName["example.com/demo/util.TestTrim"]
		assert.Equal(t, types.KindGoTest, loc.Kind)
		assert.Equal(t, types.NodeTypeMethod, loc.Type)
		assert.Equal(t, "example.com/demo/util/util_test.go", loc.Class)
		assert.Equal(t, "util_test.go", loc.ClassDisplay)
		assert.Equal(t, FileURI(filepath.Join(dir, "util", "util_test.go")), loc.URI)
		assert.Equal(t, types.Position{Line: 11, Column: 1}, loc.Range.Start)
		assert.Equal(t, 13, loc.Range.End.Line)
		assert.Equal(t, 1, loc.ClassRange.Start.Line)
	})

	t.Run("testify suite", func(t *testing.T) {
		loc := byName["example.com/demo/store.StoreSuite.TestPut"]
		assert.Equal(t, types.KindTestify, loc.Kind)
		assert.Equal(t, "example.com/demo/store.StoreSuite", loc.Class)
		assert.Equal(t, "TestStoreSuite", loc.Runner)
		assert.Equal(t, 9, loc.ClassRange.Start.Line)
		assert.Equal(t, 17, loc.Range.Start.Line)
	})

	t.Run("suite without methods", func(t *testing.T) {
		loc := byName["example.com/demo/store.EmptySuite"]
		assert.Equal(t, types.NodeTypeClass, loc.Type)
		assert.Equal(t, "TestEmptySuite", loc.Runner)
	})

	t.Run("gocheck suite", func(t *testing.T) {
		loc := byName["example.com/demo/legacy.LegacySuite.TestA"]
		assert.Equal(t, types.KindGocheck, loc.Kind)
		assert.Empty(t, loc.Runner)
	})

	t.Run("imports", func(t *testing.T) {
		assert.True(t, res.Imports["testing"])
		assert.True(t, res.Imports[TestifyImport])
		assert.True(t, res.Imports[GocheckImport])
	})
}

func TestScanner_BuildsTree(t *testing.T) {
	dir := setupModule(t)
	res, err := NewScanner(Config{Concurrency: 1}).Scan(context.Background(), dir)
	require.NoError(t, err)

	tree, err := types.NewTestTreeBuilder().Build(types.BuildRequest{
		ProjectID: "demo",
		RootURI:   FileURI(dir),
		Locations: res.Locations,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, tree.Count(types.NodeTypePackage))
	assert.Equal(t, 5, tree.Count(types.NodeTypeClass))
	assert.Equal(t, 5, tree.Count(types.NodeTypeMethod))
}

func TestScanner_Errors(t *testing.T) {
	_, err := NewScanner(Config{}).Scan(context.Background(), t.TempDir())
	assert.Error(t, err, "missing go.mod")

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), goModContent)
	writeFile(t, filepath.Join(dir, "bad", "bad_test.go"), "package bad\nfunc {")
	_, err = NewScanner(Config{}).Scan(context.Background(), dir)
	assert.Error(t, err)
}

func TestIndex_Locate(t *testing.T) {
	dir := setupModule(t)
	res, err := NewScanner(Config{}).Scan(context.Background(), dir)
	require.NoError(t, err)
	idx := NewIndex(res.Locations)

	storeURI := FileURI(filepath.Join(dir, "store", "store_test.go"))
	assert.Equal(t, storeURI+":17", idx.Locate("example.com/demo/store", "TestStoreSuite/TestPut"))
	assert.Equal(t, storeURI+":17", idx.Locate("example.com/demo/store", "TestStoreSuite/TestPut/case_1"))
	assert.Equal(t, storeURI+":25", idx.Locate("example.com/demo/store", "TestHelper"))
	assert.NotEmpty(t, idx.Locate("example.com/demo/legacy", "LegacySuite.TestA"))
	assert.Empty(t, idx.Locate("example.com/demo/store", "TestMissing"))
}

func TestModule(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "go.mod"), goModContent)
	mod, err := ReadModule(dir)
	require.NoError(t, err)

	assert.True(t, mod.DependsOn(TestifyImport))
	assert.True(t, mod.DependsOn(GocheckImport))
	assert.False(t, mod.DependsOn("github.com/stretchr/testifyx"))

	importPath, err := mod.ImportPath(filepath.Join(dir, "a", "b"))
	require.NoError(t, err)
	assert.Equal(t, "example.com/demo/a/b", importPath)

	pkgDir, err := mod.PackageDir("example.com/demo/a/b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a", "b"), pkgDir)

	_, err = mod.PackageDir("example.com/other")
	assert.Error(t, err)

	path, err := URIPath(FileURI(filepath.Join(dir, "x_test.go")))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "x_test.go"), path)
}

func TestTestImports(t *testing.T) {
	dir := setupModule(t)
	imports, err := TestImports(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, imports[TestingImport])
	assert.True(t, imports[TestifyImport])
	assert.True(t, imports[GocheckImport])
	assert.Len(t, imports, 3)

	_, err = TestImports(context.Background(), t.TempDir())
	assert.Error(t, err)
}
