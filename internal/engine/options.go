package engine

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/KilimcininKorOglu/isodb/internal/config"
	"github.com/KilimcininKorOglu/isodb/internal/logging"
	"github.com/KilimcininKorOglu/isodb/internal/storage"
	"github.com/KilimcininKorOglu/isodb/internal/storage/lock"
	"github.com/KilimcininKorOglu/isodb/internal/storage/mvcc"
)

// DefaultDeadlockInterval is the default period of the deadlock detector.
const DefaultDeadlockInterval = 100 * time.Millisecond

// Options configures an Engine.
type Options struct {
	// LockTimeout bounds every lock wait. Zero fails conflicting requests
	// immediately.
	LockTimeout time.Duration

	// DeadlockInterval is the period of the deadlock detector. Values <= 0
	// use DefaultDeadlockInterval.
	DeadlockInterval time.Duration

	// GCInterval is the period of background garbage collection. Zero
	// disables it; CollectGarbage still works.
	GCInterval time.Duration

	// DefaultIsolation is the level of sessions opened with OpenDefault.
	DefaultIsolation storage.IsolationLevel

	// Logger receives engine and session logs. Nil discards them.
	Logger logging.Logger

	// Registerer, when set, receives the engine's Prometheus collectors.
	Registerer prometheus.Registerer
}

// DefaultOptions returns the options of an engine with default settings.
func DefaultOptions() Options {
	return Options{
		LockTimeout:      lock.DefaultTimeout,
		DeadlockInterval: DefaultDeadlockInterval,
		GCInterval:       mvcc.DefaultGCInterval,
		DefaultIsolation: storage.ReadCommitted,
	}
}

// FromConfig builds engine options from a loaded configuration, including
// its logger. The caller closes opts.Logger once every engine built from
// the options is closed.
func FromConfig(cfg *config.Config) (Options, error) {
	opts := DefaultOptions()
	opts.LockTimeout = cfg.Engine.LockTimeout
	opts.DeadlockInterval = cfg.Engine.DeadlockInterval
	opts.GCInterval = cfg.Engine.GCInterval

	if cfg.Engine.DefaultIsolation != "" {
		level, err := storage.ParseIsolationLevel(cfg.Engine.DefaultIsolation)
		if err != nil {
			return Options{}, errors.Wrap(err, "engine.defaultIsolation")
		}
		opts.DefaultIsolation = level
	}

	opts.Logger = logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	return opts, nil
}
