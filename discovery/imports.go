package discovery

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// TestImports returns the set of packages imported by the _test.go files of the module
// at dir. Only import declarations are parsed.
func TestImports(ctx context.Context, dir string) (map[string]bool, error) {
	mod, err := ReadModule(dir)
	if err != nil {
		return nil, err
	}
	dirs, err := testDirs(mod.Dir)
	if err != nil {
		return nil, err
	}

	imports := make(map[string]bool)
	fset := token.NewFileSet()
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(d)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), "_test.go") {
				continue
			}
			path := filepath.Join(d, e.Name())
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return nil, fmt.Errorf("parsing imports of %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				p, err := strconv.Unquote(imp.Path.Value)
				if err == nil {
					imports[p] = true
				}
			}
		}
	}
	return imports, nil
}
