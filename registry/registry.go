package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"
)

// ErrProjectNotFound is returned when a project name is not in the workspace
var ErrProjectNotFound = errors.New("project not found")

// Project describes one Go module of the workspace
type Project struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`

	// TestOutputRoot and SourceRoot are optional, in that order of preference they
	// become the working directory of a test run.
	TestOutputRoot string `yaml:"testOutputRoot,omitempty"`
	SourceRoot     string `yaml:"sourceRoot,omitempty"`

	// ExtraEntries are package patterns appended to every launch of the project
	ExtraEntries []string          `yaml:"extraEntries,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
}

// WorkingDirectory returns the directory tests of the project run in
func (p Project) WorkingDirectory() string {
	switch {
	case p.TestOutputRoot != "":
		return p.TestOutputRoot
	case p.SourceRoot != "":
		return p.SourceRoot
	default:
		return p.Root
	}
}

// Environ returns the project environment as KEY=value pairs, sorted by key
func (p Project) Environ() []string {
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+p.Env[k])
	}
	return env
}

// Workspace is the on-disk layout of the workspace file
type Workspace struct {
	Projects []Project `yaml:"projects"`
}

// Registry holds the projects of a workspace
type Registry struct {
	config   Config
	projects []Project
	byName   map[string]int
	mu       sync.RWMutex
}

// Config contains registry configuration
type Config struct {
	Log           log.Logger
	WorkspaceFile string
}

// NewRegistry creates a registry from the workspace file
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.WorkspaceFile == "" {
		return nil, fmt.Errorf("workspace file is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	r := &Registry{config: cfg}
	if err := r.Reload(); err != nil {
		return nil, err
	}

	cfg.Log.Debug("Registry loaded", "len(projects)", len(r.projects))
	return r, nil
}

// NewStaticRegistry creates a registry over a fixed project list
func NewStaticRegistry(logger log.Logger, projects ...Project) (*Registry, error) {
	if logger == nil {
		logger = log.New()
	}
	r := &Registry{config: Config{Log: logger}}
	if err := r.set(projects); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the workspace file. On error the previous projects stay in place.
func (r *Registry) Reload() error {
	if r.config.WorkspaceFile == "" {
		return nil
	}
	ws, err := loadWorkspace(r.config.WorkspaceFile)
	if err != nil {
		return fmt.Errorf("failed to load workspace: %w", err)
	}
	return r.set(ws.Projects)
}

func (r *Registry) set(projects []Project) error {
	byName := make(map[string]int, len(projects))
	for i, p := range projects {
		if p.Name == "" {
			return fmt.Errorf("project %d has no name", i)
		}
		if p.Root == "" {
			return fmt.Errorf("project %s has no root", p.Name)
		}
		if _, dup := byName[p.Name]; dup {
			return fmt.Errorf("project %s is listed twice", p.Name)
		}
		byName[p.Name] = i
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects = projects
	r.byName = byName
	return nil
}

// Projects returns all projects in workspace order
func (r *Registry) Projects() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Project(nil), r.projects...)
}

// Project returns the project with the given name
func (r *Registry) Project(name string) (Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.byName[name]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return r.projects[i], nil
}

// GetConfig returns the registry configuration
func (r *Registry) GetConfig() Config {
	return r.config
}

// loadWorkspace reads a workspace file. Relative project paths are resolved against
// the directory holding the file.
func loadWorkspace(path string) (*Workspace, error) {
	log.Debug("Reading workspace file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workspace file: %w", err)
	}

	var ws Workspace
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("parsing workspace file: %w", err)
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	for i := range ws.Projects {
		p := &ws.Projects[i]
		p.Root = resolve(base, p.Root)
		p.TestOutputRoot = resolve(base, p.TestOutputRoot)
		p.SourceRoot = resolve(base, p.SourceRoot)
	}
	return &ws, nil
}

func resolve(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
