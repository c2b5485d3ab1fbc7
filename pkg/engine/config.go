package engine

import (
	"flag"

	"github.com/pkg/errors"

	"github.com/corvusdb/engine/pkg/stagebuilder"
)

// Config configures plan building and execution.
type Config struct {
	// YieldInterval is the number of produced rows between yield points.
	// At a yield the executor saves stage state, checks for interruption,
	// and restores; concurrent catalog changes surface here.
	YieldInterval int `yaml:"yield_interval"`

	// WriteConflictRetries caps how often one row is retried after losing
	// a storage write conflict before the error is surfaced.
	WriteConflictRetries int `yaml:"write_conflict_retries"`

	Builder stagebuilder.Config `yaml:"builder"`
}

func DefaultConfig() Config {
	return Config{
		YieldInterval:        128,
		WriteConflictRetries: 16,
		Builder:              stagebuilder.DefaultConfig(),
	}
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	def := DefaultConfig()
	f.IntVar(&cfg.YieldInterval, prefix+"yield-interval", def.YieldInterval,
		"Number of rows produced between executor yield points.")
	f.IntVar(&cfg.WriteConflictRetries, prefix+"write-conflict-retries", def.WriteConflictRetries,
		"Maximum retries of a row that lost a storage write conflict.")
	f.IntVar(&cfg.Builder.GroupSpillEvery, prefix+"group-spill-every", def.Builder.GroupSpillEvery,
		"Resident group cap per aggregation before partials are spilled. 0 disables spilling.")
	f.IntVar(&cfg.Builder.Tracker.MinBatchSize, prefix+"fallback-min-batch", def.Builder.Tracker.MinBatchSize,
		"Initial row-store fallback batch size for column scans.")
	f.IntVar(&cfg.Builder.Tracker.MaxBatchSize, prefix+"fallback-max-batch", def.Builder.Tracker.MaxBatchSize,
		"Upper bound on the row-store fallback batch size.")
	f.IntVar(&cfg.Builder.Tracker.GrowthFactor, prefix+"fallback-growth-factor", def.Builder.Tracker.GrowthFactor,
		"Fallback batch growth factor applied after each exhausted batch.")
}

func (cfg *Config) validate() error {
	if cfg.YieldInterval <= 0 {
		return errors.Errorf("invalid yield interval %d, must be greater than 0", cfg.YieldInterval)
	}
	if cfg.WriteConflictRetries < 0 {
		return errors.Errorf("invalid write conflict retry count %d", cfg.WriteConflictRetries)
	}
	return nil
}
