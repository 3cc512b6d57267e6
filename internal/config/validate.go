package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/KilimcininKorOglu/isodb/internal/storage"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig validates the configuration and returns a list of validation errors.
// An empty slice indicates the configuration is valid.
func ValidateConfig(config *Config) []error {
	var errs []error
	errs = append(errs, validateEngineConfig(&config.Engine)...)
	errs = append(errs, validateLogConfig(&config.Logging)...)
	return errs
}

func validateEngineConfig(config *EngineConfig) []error {
	var errs []error

	if config.LockTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.lockTimeout",
			Message: "must not be negative",
		})
	}
	if config.DeadlockInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.deadlockInterval",
			Message: "must be positive",
		})
	}
	if config.GCInterval < 0 {
		errs = append(errs, ValidationError{
			Field:   "engine.gcInterval",
			Message: "must not be negative",
		})
	}
	if config.DefaultIsolation != "" {
		if _, err := storage.ParseIsolationLevel(config.DefaultIsolation); err != nil {
			errs = append(errs, ValidationError{
				Field:   "engine.defaultIsolation",
				Message: "must be read-uncommitted, read-committed, repeatable-read, or serializable",
			})
		}
	}

	return errs
}

func validateLogConfig(config *LogConfig) []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if config.Level != "" && !validLevels[strings.ToLower(config.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be debug, info, warn, or error",
		})
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if config.Format != "" && !validFormats[strings.ToLower(config.Format)] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be text or json",
		})
	}

	if config.Output != "" && config.Output != "stdout" && config.Output != "stderr" {
		dir := filepath.Dir(config.Output)
		if !filepath.IsAbs(config.Output) {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "must be stdout, stderr, or an absolute file path",
			})
		} else if _, err := os.Stat(dir); os.IsNotExist(err) {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: fmt.Sprintf("directory %s does not exist", dir),
			})
		}
	}

	return errs
}
