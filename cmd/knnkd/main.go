package main

import (
	"context"
	"fmt"
	"os"

	"github.com/4thel00z/knnkd/internal"
	"github.com/charmbracelet/fang"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	ctx := context.Background()

	if tryExternalCommand(ctx) {
		return
	}

	app := newApp()
	rootCmd := NewRootCmd(version, app)
	if err := fang.Execute(ctx, rootCmd); err != nil {
		os.Exit(1)
	}
}

func tryExternalCommand(ctx context.Context) bool {
	if len(os.Args) < 2 {
		return false
	}

	cmd := os.Args[1]
	if cmd == "" || cmd[0] == '-' {
		return false
	}

	if _, err := findExternal(cmd); err != nil {
		return false
	}

	if err := executeExternal(ctx, cmd, os.Args[2:], version); err != nil {
		fmt.Fprintf(os.Stderr, "knnkd %s: %v\n", cmd, err)
		os.Exit(1)
	}

	return true
}

// app holds what every subcommand shares. The config and logger are
// resolved lazily from the persistent flags.
type app struct {
	resolver *internal.ScopeResolver
	registry *prometheus.Registry
	metrics  *internal.Metrics

	cfg    *internal.Config
	scope  internal.Scope
	logger *zap.Logger
}

func newApp() *app {
	registry := prometheus.NewRegistry()
	return &app{
		resolver: internal.NewScopeResolver(),
		registry: registry,
		metrics:  internal.NewMetrics(registry),
	}
}

func (a *app) load(scopeHint, configPath string) error {
	a.scope = a.resolver.Resolve(scopeHint)

	var err error
	if configPath != "" {
		a.cfg, err = internal.LoadConfigFile(configPath)
		if err == nil {
			a.cfg.KNN.DatastorePath = a.scope.Abs(firstNonEmpty(a.cfg.KNN.DatastorePath, a.scope.DatastorePath()))
			a.cfg.KNN.CombinerPath = a.scope.Abs(firstNonEmpty(a.cfg.KNN.CombinerPath, a.scope.CombinerPath()))
			a.cfg.Distill.ResultPath = a.scope.Abs(firstNonEmpty(a.cfg.Distill.ResultPath, a.scope.ResultPath()))
		}
	} else {
		a.cfg, err = internal.LoadConfig(a.scope)
	}
	if err != nil {
		return err
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a.logger, err = internal.NewLogger(a.cfg.Log)
	return err
}

func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
