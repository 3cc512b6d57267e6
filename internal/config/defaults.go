package config

import "time"

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			LockTimeout:      5 * time.Second,
			DeadlockInterval: 100 * time.Millisecond,
			GCInterval:       30 * time.Second,
			DefaultIsolation: "read-committed",
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}
