package main

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/4thel00z/knnkd/internal"
)

func writeScript(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho ok"), mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindExternal(t *testing.T) {
	tmp := t.TempDir()
	script := writeScript(t, tmp, "knnkd-eval", 0755)
	t.Setenv("PATH", tmp+string(os.PathListSeparator)+os.Getenv("PATH"))

	path, err := findExternal("eval")
	if err != nil {
		t.Fatalf("expected to find knnkd-eval, got error: %v", err)
	}
	if path != script {
		t.Errorf("expected %s, got %s", script, path)
	}
}

func TestFindExternalNotFound(t *testing.T) {
	if _, err := findExternal("nonexistent-command-12345"); err == nil {
		t.Fatal("expected error for nonexistent command")
	}
}

func TestListExternalCommands(t *testing.T) {
	tmp := t.TempDir()
	for _, s := range []string{"knnkd-bleu", "knnkd-export", "other-script"} {
		writeScript(t, tmp, s, 0755)
	}
	writeScript(t, tmp, "knnkd-noexec", 0644)
	t.Setenv("PATH", tmp)

	cmds := listExternalCommands()
	for _, expected := range []string{"bleu", "export"} {
		if !slices.Contains(cmds, expected) {
			t.Errorf("expected %q in external commands %v", expected, cmds)
		}
	}
	for _, unexpected := range []string{"other-script", "noexec"} {
		if slices.Contains(cmds, unexpected) {
			t.Errorf("%q should not be listed", unexpected)
		}
	}
}

func TestListExternalCommandsSortedAndShadowed(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeScript(t, first, "knnkd-score", 0755)
	writeScript(t, second, "knnkd-score", 0755)
	writeScript(t, second, "knnkd-dump", 0755)
	if err := os.Symlink(filepath.Join(second, "knnkd-dump"), filepath.Join(first, "knnkd-linked")); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", first+string(os.PathListSeparator)+second)

	cmds := listExternalCommands()
	if !slices.Equal(cmds, []string{"dump", "linked", "score"}) {
		t.Errorf("unexpected external commands %v", cmds)
	}
}

func TestBuildExternalEnv(t *testing.T) {
	scope := internal.Scope{Type: internal.ScopeProject, Path: "/work", Dir: "/work/.knnkd"}

	env := buildExternalEnv("1.2.3", scope, nil)
	for _, kv := range []string{
		"KNNKD_VERSION=1.2.3",
		"KNNKD_ROOT=/work",
		"KNNKD_SCOPE=project",
		"KNNKD_CONFIG=/work/.knnkd/config.yaml",
		"KNNKD_DATASTORE=/work/.knnkd/datastore",
		"KNNKD_RESULTS=/work/.knnkd/results",
	} {
		if !slices.Contains(env, kv) {
			t.Errorf("%s not exported", kv)
		}
	}
	if !slices.ContainsFunc(env, func(kv string) bool { return strings.HasPrefix(kv, "KNNKD_BIN=") }) {
		t.Error("KNNKD_BIN not exported")
	}

	cfg := internal.DefaultConfig()
	cfg.KNN.DatastorePath = "/data/ds"
	env = buildExternalEnv("1.2.3", scope, cfg)
	if !slices.Contains(env, "KNNKD_DATASTORE=/data/ds") {
		t.Error("configured datastore path not exported")
	}
}
