package kioku

import (
	"time"

	"github.com/yotsuki/kioku/hooks"
	"github.com/yotsuki/kioku/storage"
)

// Option configures an Engine.
type Option func(*engineConfig)

// engineConfig holds the configuration for an Engine.
type engineConfig struct {
	// Persistence. store wins over databaseURL when both are set.
	databaseURL string
	store       storage.Storage

	// Service identity
	serviceName string
	workerID    string

	// Poller
	pollInterval time.Duration

	// Concurrency control
	maxConcurrentResumptions int

	// Hooks
	hooks hooks.WorkflowHooks

	// Shutdown
	shutdownTimeout time.Duration
}

// defaultConfig returns the default configuration.
func defaultConfig() *engineConfig {
	return &engineConfig{
		serviceName:              "kioku-service",
		pollInterval:             1 * time.Second,
		maxConcurrentResumptions: 10,
		shutdownTimeout:          30 * time.Second,
		hooks:                    &hooks.NoOpHooks{},
	}
}

// WithDatabase sets the SQLite database path used for persistence.
// When neither WithDatabase nor WithStorage is given, the engine runs
// on the in-memory store and state does not survive a restart.
func WithDatabase(path string) Option {
	return func(c *engineConfig) {
		c.databaseURL = path
	}
}

// WithStorage sets a custom storage implementation. It takes precedence
// over WithDatabase. The engine closes the store on Shutdown.
func WithStorage(s storage.Storage) Option {
	return func(c *engineConfig) {
		c.store = s
	}
}

// WithServiceName sets the service name for identification in logs.
func WithServiceName(name string) Option {
	return func(c *engineConfig) {
		c.serviceName = name
	}
}

// WithWorkerID sets a custom worker ID.
// If not set, a UUID will be generated.
func WithWorkerID(id string) Option {
	return func(c *engineConfig) {
		c.workerID = id
	}
}

// WithPollInterval sets how often the poller scans for sleeping
// instances that are due to wake and running instances to recover.
// Default: 1 second.
func WithPollInterval(d time.Duration) Option {
	return func(c *engineConfig) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithMaxConcurrentResumptions sets the maximum number of instances the
// poller resumes concurrently. Default: 10.
func WithMaxConcurrentResumptions(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.maxConcurrentResumptions = n
		}
	}
}

// WithHooks sets the workflow lifecycle hooks.
func WithHooks(h hooks.WorkflowHooks) Option {
	return func(c *engineConfig) {
		c.hooks = h
	}
}

// WithShutdownTimeout sets the timeout for graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *engineConfig) {
		c.shutdownTimeout = d
	}
}
