package discovery

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

// Module is the go.mod of a project
type Module struct {
	Path     string
	Dir      string
	Requires []string // module paths required directly or indirectly
}

// ReadModule reads and parses dir/go.mod
func ReadModule(dir string) (*Module, error) {
	goModPath := filepath.Join(dir, "go.mod")
	goModContent, err := os.ReadFile(goModPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read go.mod: %w", err)
	}

	modFile, err := modfile.Parse(goModPath, goModContent, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse go.mod: %w", err)
	}
	if modFile.Module == nil || modFile.Module.Mod.Path == "" {
		return nil, fmt.Errorf("could not find module name in go.mod")
	}

	m := &Module{Path: modFile.Module.Mod.Path, Dir: dir}
	for _, req := range modFile.Require {
		m.Requires = append(m.Requires, req.Mod.Path)
	}
	return m, nil
}

// DependsOn reports whether the module depends on path or on a module containing it
func (m *Module) DependsOn(path string) bool {
	for _, req := range m.Requires {
		if path == req || strings.HasPrefix(path, req+"/") {
			return true
		}
	}
	return false
}

// ImportPath returns the import path of the package in dir
func (m *Module) ImportPath(dir string) (string, error) {
	rel, err := filepath.Rel(m.Dir, dir)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return m.Path, nil
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("package %s is not in module %s", dir, m.Path)
	}
	return m.Path + "/" + filepath.ToSlash(rel), nil
}

// PackageDir returns the directory of an import path inside the module
func (m *Module) PackageDir(importPath string) (string, error) {
	if importPath == m.Path {
		return m.Dir, nil
	}
	if !strings.HasPrefix(importPath, m.Path+"/") {
		return "", fmt.Errorf("package %s is not in module %s", importPath, m.Path)
	}
	rel := strings.TrimPrefix(importPath, m.Path+"/")
	return filepath.Join(m.Dir, filepath.FromSlash(rel)), nil
}

// FileURI turns a filesystem path into a file:// URI
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String()
}

// URIPath turns a file:// URI back into a filesystem path
func URIPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid uri %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	return filepath.FromSlash(u.Path), nil
}
