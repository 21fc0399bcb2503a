package internal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestScopePaths(t *testing.T) {
	scope := Scope{Path: "/work/nmt", Dir: "/work/nmt/.knnkd"}

	for got, want := range map[string]string{
		scope.ConfigPath():    "/work/nmt/.knnkd/config.yaml",
		scope.DatastorePath(): "/work/nmt/.knnkd/datastore",
		scope.CombinerPath():  "/work/nmt/.knnkd/combiner",
		scope.ResultPath():    "/work/nmt/.knnkd/results",
	} {
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}

func TestScopeAbs(t *testing.T) {
	scope := Scope{Path: "/work/nmt", Dir: "/work/nmt/.knnkd"}

	if got := scope.Abs("ds/wmt"); got != "/work/nmt/ds/wmt" {
		t.Errorf("relative path resolved to %q", got)
	}
	if got := scope.Abs("/data/ds"); got != "/data/ds" {
		t.Errorf("absolute path changed to %q", got)
	}
	if got := scope.Abs(""); got != "" {
		t.Errorf("empty path changed to %q", got)
	}
}

func TestScopeResolverGlobal(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	scope := NewScopeResolver().Global()
	if scope.Type != ScopeGlobal {
		t.Errorf("expected ScopeGlobal, got %q", scope.Type)
	}
	if want := filepath.Join(home, WorkspaceDirName); scope.Dir != want {
		t.Errorf("expected Dir %q, got %q", want, scope.Dir)
	}
}

func TestScopeResolverProjectNotFound(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tmp := t.TempDir()
	orig, _ := os.Getwd()
	defer func() { _ = os.Chdir(orig) }()
	_ = os.Chdir(tmp)

	if _, found := NewScopeResolver().Project(); found {
		t.Errorf("expected Project() to return false when no %s exists", WorkspaceDirName)
	}
}

func TestScopeResolverProjectFromSubdir(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tmp := t.TempDir()
	wsDir := filepath.Join(tmp, WorkspaceDirName)
	sub := filepath.Join(tmp, "data", "wmt19")
	for _, d := range []string{wsDir, sub} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	orig, _ := os.Getwd()
	defer func() { _ = os.Chdir(orig) }()
	_ = os.Chdir(sub)

	resolver := NewScopeResolver()
	scope, found := resolver.Project()
	if !found {
		t.Fatal("expected Project() to find the workspace above the cwd")
	}
	if scope.Type != ScopeProject {
		t.Errorf("expected ScopeProject, got %q", scope.Type)
	}

	// Resolve symlinks for comparison (macOS /var -> /private/var)
	want, _ := filepath.EvalSymlinks(wsDir)
	got, _ := filepath.EvalSymlinks(scope.Dir)
	if got != want {
		t.Errorf("expected Dir %q, got %q", want, got)
	}

	if r := resolver.Resolve(""); r.Type != ScopeProject {
		t.Errorf("Resolve(\"\") = %q, want project", r.Type)
	}
	if r := resolver.Resolve("global"); r.Type != ScopeGlobal {
		t.Errorf("Resolve(\"global\") = %q, want global", r.Type)
	}
	if c := resolver.Cascade(); len(c) != 2 || c[0].Type != ScopeProject || c[1].Type != ScopeGlobal {
		t.Errorf("unexpected cascade %+v", c)
	}
}

func TestScopeResolverInit(t *testing.T) {
	tmp := t.TempDir()
	scope := Scope{Type: ScopeProject, Path: tmp, Dir: filepath.Join(tmp, WorkspaceDirName)}

	if err := NewScopeResolver().Init(scope); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, d := range []string{scope.Dir, scope.DatastorePath(), scope.CombinerPath(), scope.ResultPath()} {
		info, err := os.Stat(d)
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created", d)
		}
	}
}
