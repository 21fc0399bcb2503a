package v1

import "go.uber.org/zap"

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	scope         string
	configPath    string
	datastorePath string
	combinerPath  string
	logger        *zap.Logger
}

// WithScope forces a specific scope (global or project).
func WithScope(scope string) Option {
	return func(c *clientConfig) {
		c.scope = scope
	}
}

// WithConfigFile reads the config from path instead of the scope's
// config.yaml.
func WithConfigFile(path string) Option {
	return func(c *clientConfig) {
		c.configPath = path
	}
}

// WithDatastore overrides the datastore directory.
func WithDatastore(dir string) Option {
	return func(c *clientConfig) {
		c.datastorePath = dir
	}
}

// WithCombiner overrides the directory holding the adaptive combiner
// checkpoint.
func WithCombiner(dir string) Option {
	return func(c *clientConfig) {
		c.combinerPath = dir
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}
