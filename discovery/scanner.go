// Package discovery scans a Go module's test files and reports candidate test
// locations: plain test functions, testify suites and gocheck suites.
package discovery

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/ethereum-optimism/infra/op-testlens/types"
)

const (
	TestingImport = "testing"
	TestifyImport = "github.com/stretchr/testify/suite"
	GocheckImport = "gopkg.in/check.v1"
)

var gocheckFixtures = map[string]bool{
	"SetUpSuite":    true,
	"TearDownSuite": true,
	"SetUpTest":     true,
	"TearDownTest":  true,
}

// Source yields the candidate test locations of a project rooted at dir
type Source interface {
	Scan(ctx context.Context, dir string) (*Result, error)
}

// Result is what a scan found
type Result struct {
	Module    *Module
	Locations []types.TestLocation
	Imports   map[string]bool // import paths used by _test.go files
}

// Config holds configuration for the scanner
type Config struct {
	Log         log.Logger
	Concurrency int // packages parsed in parallel, 0 for GOMAXPROCS
}

// Scanner parses _test.go files with go/ast
type Scanner struct {
	log         log.Logger
	concurrency int
}

var _ Source = (*Scanner)(nil)

// NewScanner creates a new scanner
func NewScanner(cfg Config) *Scanner {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &Scanner{log: cfg.Log, concurrency: cfg.Concurrency}
}

// Scan walks the module at dir. Locations come out grouped by package in directory
// order, then in file and declaration order.
func (s *Scanner) Scan(ctx context.Context, dir string) (*Result, error) {
	mod, err := ReadModule(dir)
	if err != nil {
		return nil, err
	}
	dirs, err := testDirs(mod.Dir)
	if err != nil {
		return nil, err
	}

	type pkgResult struct {
		index     int
		locations []types.TestLocation
		imports   []string
	}
	p := pool.NewWithResults[pkgResult]().WithErrors().WithContext(ctx)
	if s.concurrency > 0 {
		p = p.WithMaxGoroutines(s.concurrency)
	}
	for i, d := range dirs {
		p.Go(func(ctx context.Context) (pkgResult, error) {
			importPath, err := mod.ImportPath(d)
			if err != nil {
				return pkgResult{}, err
			}
			pkg, err := parsePackage(d, importPath)
			if err != nil {
				return pkgResult{}, err
			}
			return pkgResult{index: i, locations: pkg.locations(), imports: pkg.importList()}, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", mod.Path, err)
	}
	sort.Slice(results, func(a, b int) bool { return results[a].index < results[b].index })

	res := &Result{Module: mod, Imports: make(map[string]bool)}
	for _, r := range results {
		res.Locations = append(res.Locations, r.locations...)
		for _, imp := range r.imports {
			res.Imports[imp] = true
		}
	}
	s.log.Debug("Scanned module", "module", mod.Path, "packages", len(dirs), "locations", len(res.Locations))
	return res, nil
}

// testDirs lists directories holding _test.go files, skipping nested modules, vendor,
// testdata and directories the go tool ignores
func testDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root {
			if name == "vendor" || name == "testdata" || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
				return filepath.SkipDir
			}
			if _, err := os.Stat(filepath.Join(path, "go.mod")); err == nil {
				return filepath.SkipDir
			}
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), "_test.go") {
				dirs = append(dirs, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return dirs, nil
}

type funcInfo struct {
	name  string
	file  *fileInfo
	rng   types.Range
	suite []string // suite types run by this function (testify)
	hook  bool     // gocheck entry point
	test  bool     // valid func TestXxx(*testing.T)
}

type methodInfo struct {
	recv    string
	name    string
	file    *fileInfo
	rng     types.Range
	noArgs  bool
	checkC  bool
	exports bool
}

type typeInfo struct {
	file *fileInfo
	rng  types.Range
}

type fileInfo struct {
	path    string
	uri     string
	name    string
	rng     types.Range
	imports map[string]string // alias -> import path
}

type packageInfo struct {
	dir        string
	importPath string
	files      []*fileInfo
	funcs      []*funcInfo
	methods    []*methodInfo
	typeDecls  map[string]typeInfo
	testify    map[string]string // suite type -> runner function
	gocheck    map[string]bool
	suiteOrder []string
	imports    map[string]bool
}

func parsePackage(dir, importPath string) (*packageInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}
	pkg := &packageInfo{
		dir:        dir,
		importPath: importPath,
		typeDecls:  make(map[string]typeInfo),
		testify:    make(map[string]string),
		gocheck:    make(map[string]bool),
		imports:    make(map[string]bool),
	}

	fset := token.NewFileSet()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_test.go") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		f, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}
		pkg.addFile(fset, path, f)
	}
	return pkg, nil
}

func rangeOf(fset *token.FileSet, node ast.Node) types.Range {
	start, end := fset.Position(node.Pos()), fset.Position(node.End())
	return types.Range{
		Start: types.Position{Line: start.Line, Column: start.Column},
		End:   types.Position{Line: end.Line, Column: end.Column},
	}
}

func (p *packageInfo) addFile(fset *token.FileSet, path string, f *ast.File) {
	fi := &fileInfo{
		path:    path,
		uri:     FileURI(path),
		name:    filepath.Base(path),
		rng:     rangeOf(fset, f),
		imports: make(map[string]string),
	}
	fi.rng.Start = types.Position{Line: 1, Column: 1}
	for _, imp := range f.Imports {
		importPath := strings.Trim(imp.Path.Value, "`\"")
		p.imports[importPath] = true
		alias := importPath[strings.LastIndex(importPath, "/")+1:]
		switch {
		case imp.Name != nil:
			alias = imp.Name.Name
		case importPath == GocheckImport:
			alias = "check"
		}
		fi.imports[alias] = importPath
	}
	p.files = append(p.files, fi)

	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			if d.Recv == nil {
				p.addFunc(fset, fi, d)
			} else {
				p.addMethod(fset, fi, d)
			}
		case *ast.GenDecl:
			p.addGenDecl(fset, fi, d)
		}
	}
}

func (p *packageInfo) addFunc(fset *token.FileSet, fi *fileInfo, d *ast.FuncDecl) {
	fn := &funcInfo{
		name: d.Name.Name,
		file: fi,
		rng:  rangeOf(fset, d),
		test: isTestName(d.Name.Name, "Test") && d.Name.Name != "TestMain" && takesTestingT(fi, d.Type),
	}
	if !fn.test {
		return
	}
	if d.Body != nil {
		ast.Inspect(d.Body, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok {
				return true
			}
			switch {
			case isPkgCall(fi, call, TestifyImport, "Run") && len(call.Args) >= 2:
				if name := suiteTypeName(call.Args[1]); name != "" {
					fn.suite = append(fn.suite, name)
					if _, seen := p.testify[name]; !seen {
						p.testify[name] = fn.name
						p.suiteOrder = append(p.suiteOrder, name)
					}
				}
			case isPkgCall(fi, call, GocheckImport, "TestingT"):
				fn.hook = true
			}
			return true
		})
	}
	p.funcs = append(p.funcs, fn)
}

func (p *packageInfo) addMethod(fset *token.FileSet, fi *fileInfo, d *ast.FuncDecl) {
	if len(d.Recv.List) == 0 {
		return
	}
	recv := receiverName(d.Recv.List[0].Type)
	if recv == "" {
		return
	}
	params := d.Type.Params.List
	m := &methodInfo{
		recv:    recv,
		name:    d.Name.Name,
		file:    fi,
		rng:     rangeOf(fset, d),
		noArgs:  len(params) == 0,
		checkC:  len(params) == 1 && len(params[0].Names) <= 1 && isPointerTo(fi, params[0].Type, GocheckImport, "C"),
		exports: d.Name.IsExported(),
	}
	p.methods = append(p.methods, m)
}

func (p *packageInfo) addGenDecl(fset *token.FileSet, fi *fileInfo, d *ast.GenDecl) {
	for _, spec := range d.Specs {
		switch s := spec.(type) {
		case *ast.TypeSpec:
			p.typeDecls[s.Name.Name] = typeInfo{file: fi, rng: rangeOf(fset, s)}
		case *ast.ValueSpec:
			// var _ = check.Suite(&MySuite{})
			for _, v := range s.Values {
				call, ok := v.(*ast.CallExpr)
				if !ok || !isPkgCall(fi, call, GocheckImport, "Suite") || len(call.Args) != 1 {
					continue
				}
				if name := suiteTypeName(call.Args[0]); name != "" && !p.gocheck[name] {
					p.gocheck[name] = true
					p.suiteOrder = append(p.suiteOrder, name)
				}
			}
		}
	}
}

func (p *packageInfo) importList() []string {
	out := make([]string, 0, len(p.imports))
	for imp := range p.imports {
		out = append(out, imp)
	}
	sort.Strings(out)
	return out
}

func (p *packageInfo) suiteKind(name string) (types.FrameworkKind, bool) {
	if _, ok := p.testify[name]; ok {
		return types.KindTestify, true
	}
	if p.gocheck[name] {
		return types.KindGocheck, true
	}
	return "", false
}

// locations flattens the package into tree build input, in file then declaration order
func (p *packageInfo) locations() []types.TestLocation {
	var out []types.TestLocation
	withMethods := make(map[string]bool)

	for _, fi := range p.files {
		for _, fn := range p.funcs {
			if fn.file != fi || len(fn.suite) > 0 || fn.hook {
				continue
			}
			out = append(out, types.TestLocation{
				URI:           fi.uri,
				QualifiedName: p.importPath + "." + fn.name,
				DisplayName:   fn.name,
				Range:         fn.rng,
				Type:          types.NodeTypeMethod,
				Kind:          types.KindGoTest,
				Package:       p.importPath,
				PackageURI:    FileURI(p.dir),
				Class:         p.importPath + "/" + fi.name,
				ClassDisplay:  fi.name,
				ClassURI:      fi.uri,
				ClassRange:    fi.rng,
			})
		}

		for _, m := range p.methods {
			if m.file != fi {
				continue
			}
			kind, ok := p.suiteKind(m.recv)
			if !ok || !isSuiteMethod(kind, m) {
				continue
			}
			withMethods[m.recv] = true
			loc := p.suiteClass(m.recv, kind)
			loc.URI = fi.uri
			loc.QualifiedName = p.importPath + "." + m.recv + "." + m.name
			loc.DisplayName = m.name
			loc.Range = m.rng
			loc.Type = types.NodeTypeMethod
			out = append(out, loc)
		}
	}

	// suites without test methods still get a class node
	for _, name := range p.suiteOrder {
		if withMethods[name] {
			continue
		}
		kind, _ := p.suiteKind(name)
		loc := p.suiteClass(name, kind)
		loc.URI = loc.ClassURI
		loc.QualifiedName = loc.Class
		loc.DisplayName = loc.ClassDisplay
		loc.Range = loc.ClassRange
		loc.Type = types.NodeTypeClass
		out = append(out, loc)
	}
	return out
}

// suiteClass fills in the class half of a suite location
func (p *packageInfo) suiteClass(name string, kind types.FrameworkKind) types.TestLocation {
	loc := types.TestLocation{
		Kind:         kind,
		Package:      p.importPath,
		PackageURI:   FileURI(p.dir),
		Class:        p.importPath + "." + name,
		ClassDisplay: name,
		Runner:       p.testify[name],
	}
	if decl, ok := p.typeDecls[name]; ok {
		loc.ClassURI = decl.file.uri
		loc.ClassRange = decl.rng
	} else if len(p.files) > 0 {
		// declared outside the test files
		loc.ClassURI = p.files[0].uri
	}
	return loc
}

func isSuiteMethod(kind types.FrameworkKind, m *methodInfo) bool {
	switch kind {
	case types.KindTestify:
		return m.noArgs && isTestName(m.name, "Test")
	case types.KindGocheck:
		return m.checkC && m.exports && !gocheckFixtures[m.name] && !strings.HasPrefix(m.name, "Benchmark")
	}
	return false
}

// isTestName reports whether name is prefix followed by nothing or a non-lowercase rune,
// the rule the go tool uses
func isTestName(name, prefix string) bool {
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	if len(name) == len(prefix) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(name[len(prefix):])
	return !unicode.IsLower(r)
}

func takesTestingT(fi *fileInfo, ft *ast.FuncType) bool {
	if ft.Params == nil || len(ft.Params.List) != 1 || len(ft.Params.List[0].Names) > 1 {
		return false
	}
	if ft.Results != nil && len(ft.Results.List) > 0 {
		return false
	}
	return isPointerTo(fi, ft.Params.List[0].Type, TestingImport, "T")
}

func isPointerTo(fi *fileInfo, expr ast.Expr, importPath, typeName string) bool {
	star, ok := expr.(*ast.StarExpr)
	if !ok {
		return false
	}
	sel, ok := star.X.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != typeName {
		return false
	}
	ident, ok := sel.X.(*ast.Ident)
	return ok && fi.imports[ident.Name] == importPath
}

func isPkgCall(fi *fileInfo, call *ast.CallExpr, importPath, fn string) bool {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != fn {
		return false
	}
	ident, ok := sel.X.(*ast.Ident)
	return ok && fi.imports[ident.Name] == importPath
}

// suiteTypeName extracts T from &T{...}, new(T) or T{...}
func suiteTypeName(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.UnaryExpr:
		if e.Op == token.AND {
			return suiteTypeName(e.X)
		}
	case *ast.CompositeLit:
		if ident, ok := e.Type.(*ast.Ident); ok {
			return ident.Name
		}
	case *ast.CallExpr:
		if fn, ok := e.Fun.(*ast.Ident); ok && fn.Name == "new" && len(e.Args) == 1 {
			if ident, ok := e.Args[0].(*ast.Ident); ok {
				return ident.Name
			}
		}
	}
	return ""
}

func receiverName(expr ast.Expr) string {
	switch e := expr.(type) {
	case *ast.StarExpr:
		return receiverName(e.X)
	case *ast.Ident:
		return e.Name
	}
	return ""
}
