package stages

// TrackerConfig holds the tunables of the row-store fallback heuristic. The
// defaults preserve behavioral parity with the adaptive batch sizing this
// heuristic was calibrated with; they are knobs, not algorithmic constants.
type TrackerConfig struct {
	MinBatchSize int `yaml:"min_batch_size"`
	MaxBatchSize int `yaml:"max_batch_size"`
	GrowthFactor int `yaml:"growth_factor"`
}

// DefaultTrackerConfig returns the default fallback batch bounds.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{MinBatchSize: 4, MaxBatchSize: 1024, GrowthFactor: 2}
}

// RowstoreScanModeTracker decides whether a column scan has fallen back to
// plain row-store scanning after hitting schema-incompatible rows. Bad data
// is assumed to be clustered: each consecutive fallback doubles the batch of
// rows served from the row store before the columnar plan is re-attempted,
// bounded by MaxBatchSize.
//
// States are derived from the checkpoint countdown: Idle (0), FinishingBatch
// (1), Scanning (>1).
type RowstoreScanModeTracker struct {
	cfg           TrackerConfig
	checkpointDue int
	batchSize     int
}

func NewRowstoreScanModeTracker(cfg TrackerConfig) *RowstoreScanModeTracker {
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = DefaultTrackerConfig().MinBatchSize
	}
	if cfg.MaxBatchSize < cfg.MinBatchSize {
		cfg.MaxBatchSize = cfg.MinBatchSize
	}
	if cfg.GrowthFactor < 2 {
		cfg.GrowthFactor = 2
	}
	return &RowstoreScanModeTracker{cfg: cfg}
}

// IsIdle reports that the scan is in columnar mode.
func (t *RowstoreScanModeTracker) IsIdle() bool { return t.checkpointDue == 0 }

// IsScanningRowstore reports that rows are currently served from the row
// store.
func (t *RowstoreScanModeTracker) IsScanningRowstore() bool { return t.checkpointDue > 0 }

// IsFinishingBatch reports that the current batch's last row is being served;
// the next Track call returns the tracker to idle.
func (t *RowstoreScanModeTracker) IsFinishingBatch() bool { return t.checkpointDue == 1 }

// BatchSize returns the size of the current (or next) fallback batch.
func (t *RowstoreScanModeTracker) BatchSize() int {
	if t.batchSize == 0 {
		return t.cfg.MinBatchSize
	}
	return t.batchSize
}

// StartScan enters row-store scan mode. Consecutive starts grow the batch
// exponentially up to the configured maximum.
func (t *RowstoreScanModeTracker) StartScan() {
	if t.batchSize == 0 {
		t.batchSize = t.cfg.MinBatchSize
	} else {
		t.batchSize *= t.cfg.GrowthFactor
		if t.batchSize > t.cfg.MaxBatchSize {
			t.batchSize = t.cfg.MaxBatchSize
		}
	}
	t.checkpointDue = t.batchSize
}

// Track counts one row served from the row store and returns true when the
// batch is finished and the columnar attempt should resume.
func (t *RowstoreScanModeTracker) Track() bool {
	if t.checkpointDue == 0 {
		return true
	}
	t.checkpointDue--
	return t.checkpointDue == 0
}

// Reset returns the tracker to idle and forgets the adaptive batch size.
// Used when a scan is reopened from scratch.
func (t *RowstoreScanModeTracker) Reset() {
	t.checkpointDue = 0
	t.batchSize = 0
}
