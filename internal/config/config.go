package config

import "time"

// Config holds the complete isodb configuration.
type Config struct {
	Engine  EngineConfig `yaml:"engine"`
	Logging LogConfig    `yaml:"logging"`
}

// EngineConfig holds transaction engine configuration.
type EngineConfig struct {
	// LockTimeout bounds how long a statement waits for a lock. Zero makes
	// every conflicting request fail immediately.
	LockTimeout time.Duration `yaml:"lockTimeout"`

	// DeadlockInterval is how often the wait-for graph is searched for
	// cycles.
	DeadlockInterval time.Duration `yaml:"deadlockInterval"`

	// GCInterval is how often unreachable versions are collected. Zero
	// disables background collection.
	GCInterval time.Duration `yaml:"gcInterval"`

	// DefaultIsolation is the level of sessions opened without one.
	DefaultIsolation string `yaml:"defaultIsolation"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}
