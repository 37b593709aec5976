package domain

import "time"

// CycleStatus summarizes the most recent ingestion cycle. It backs the
// operational /statusz endpoint.
type CycleStatus struct {
	CyclesCompleted      int        `json:"cycles_completed"`
	LastCycleStart       *time.Time `json:"last_cycle_start,omitempty"`
	LastCycleEnd         *time.Time `json:"last_cycle_end,omitempty"`
	FilesProcessed       int        `json:"files_processed"`
	FilesSkipped         int        `json:"files_skipped"`
	FilesFailed          int        `json:"files_failed"`
	ObservationsInserted int        `json:"observations_inserted"`
	ObservationsUpdated  int        `json:"observations_updated"`
}
