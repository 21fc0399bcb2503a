package internal

import (
	"os"
	"path/filepath"
)

type ScopeType string

const (
	ScopeGlobal  ScopeType = "global"
	ScopeProject ScopeType = "project"
)

const WorkspaceDirName = ".knnkd"

// Scope is a knnkd workspace: Dir holds the config and the default
// datastore, combiner and result directories.
type Scope struct {
	Type ScopeType
	Path string // workspace root
	Dir  string // .knnkd directory path
}

func (s Scope) ConfigPath() string {
	return filepath.Join(s.Dir, "config.yaml")
}

func (s Scope) DatastorePath() string {
	return filepath.Join(s.Dir, "datastore")
}

func (s Scope) CombinerPath() string {
	return filepath.Join(s.Dir, "combiner")
}

func (s Scope) ResultPath() string {
	return filepath.Join(s.Dir, "results")
}

// Abs resolves a configured path against the workspace root.
func (s Scope) Abs(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.Path, path)
}

type ScopeResolver struct {
	homeDir string
}

func NewScopeResolver() *ScopeResolver {
	home, _ := os.UserHomeDir()
	return &ScopeResolver{homeDir: home}
}

func (r *ScopeResolver) Global() Scope {
	return Scope{
		Type: ScopeGlobal,
		Path: r.homeDir,
		Dir:  filepath.Join(r.homeDir, WorkspaceDirName),
	}
}

func (r *ScopeResolver) Project() (Scope, bool) {
	cwd, err := os.Getwd()
	if err != nil {
		return Scope{}, false
	}
	return r.findProjectScope(cwd)
}

func (r *ScopeResolver) findProjectScope(dir string) (Scope, bool) {
	for {
		wsPath := filepath.Join(dir, WorkspaceDirName)
		info, err := os.Stat(wsPath)
		if err == nil && info.IsDir() && wsPath != r.Global().Dir {
			return Scope{Type: ScopeProject, Path: dir, Dir: wsPath}, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Scope{}, false
		}
		dir = parent
	}
}

// Resolve picks the nearest project workspace unless "global" is asked for.
func (r *ScopeResolver) Resolve(explicit string) Scope {
	if explicit == string(ScopeGlobal) {
		return r.Global()
	}
	if scope, ok := r.Project(); ok {
		return scope
	}
	return r.Global()
}

// Cascade lists the project workspace (if any) before the global one.
func (r *ScopeResolver) Cascade() []Scope {
	scopes := []Scope{}
	if scope, ok := r.Project(); ok {
		scopes = append(scopes, scope)
	}
	scopes = append(scopes, r.Global())
	return scopes
}

// Init creates the workspace directories of scope.
func (r *ScopeResolver) Init(scope Scope) error {
	for _, dir := range []string{scope.Dir, scope.DatastorePath(), scope.CombinerPath(), scope.ResultPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
