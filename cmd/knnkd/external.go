package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/4thel00z/knnkd/internal"
)

// External commands are executables named knnkd-<name> on PATH, e.g. a
// feature dumper for a host translation model or a BLEU scorer over the
// recorded predictions. They receive the resolved workspace through the
// environment.
const externalPrefix = "knnkd-"

func findExternal(name string) (string, error) {
	binary := externalPrefix + name
	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("unknown command %q: %s not found in PATH", name, binary)
	}
	return path, nil
}

// listExternalCommands returns the sorted external command names; earlier
// PATH entries shadow later ones.
func listExternalCommands() []string {
	seen := make(map[string]bool)
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if name, ok := externalName(dir, entry); ok {
				seen[name] = true
			}
		}
	}

	commands := make([]string, 0, len(seen))
	for name := range seen {
		commands = append(commands, name)
	}
	slices.Sort(commands)
	return commands
}

func externalName(dir string, entry os.DirEntry) (string, bool) {
	name, ok := strings.CutPrefix(entry.Name(), externalPrefix)
	if !ok || name == "" || entry.IsDir() {
		return "", false
	}

	info, err := entry.Info()
	if err != nil {
		return "", false
	}
	// follow symlinks so linked plugins are listed too
	if info.Mode()&os.ModeSymlink != 0 {
		if info, err = os.Stat(filepath.Join(dir, entry.Name())); err != nil {
			return "", false
		}
	}
	if info.Mode()&0111 == 0 {
		return "", false
	}
	return name, true
}

func executeExternal(ctx context.Context, name string, args []string, version string) error {
	binaryPath, err := findExternal(name)
	if err != nil {
		return err
	}

	// a broken config must not block plugins; they fall back to the
	// workspace defaults
	scope := internal.NewScopeResolver().Resolve(os.Getenv("KNNKD_SCOPE"))
	cfg, _ := internal.LoadConfig(scope)

	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.Env = buildExternalEnv(version, scope, cfg)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// buildExternalEnv exports the binary, the workspace and, when a config
// could be loaded, the datastore, combiner and result directories.
func buildExternalEnv(version string, scope internal.Scope, cfg *internal.Config) []string {
	bin, _ := os.Executable()

	env := append(os.Environ(),
		"KNNKD_VERSION="+version,
		"KNNKD_BIN="+bin,
		"KNNKD_ROOT="+scope.Path,
		"KNNKD_SCOPE="+string(scope.Type),
		"KNNKD_CONFIG="+scope.ConfigPath(),
	)

	datastore, combiner, results := scope.DatastorePath(), scope.CombinerPath(), scope.ResultPath()
	if cfg != nil {
		datastore, combiner, results = cfg.KNN.DatastorePath, cfg.KNN.CombinerPath, cfg.Distill.ResultPath
	}
	return append(env,
		"KNNKD_DATASTORE="+datastore,
		"KNNKD_COMBINER="+combiner,
		"KNNKD_RESULTS="+results,
	)
}
