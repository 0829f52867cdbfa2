package sync

// Phase describes the current sync phase.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseDone    Phase = "done"
)

// Progress is the per-source sync status snapshot served to the
// dashboard: the current phase plus the last completed pass's
// counters.
type Progress struct {
	Phase     Phase     `json:"phase"`
	Source    string    `json:"source"`
	LastPass  SyncStats `json:"last_pass"`
	LastRunAt int64     `json:"last_run_at"`
	LastError string    `json:"last_error,omitempty"`
}

// SyncStats summarizes one sync pass over one source.
//
// FilesSeen counts candidate files (or foreign-row batches).
// Skipped counts unchanged fingerprints. Unstable counts files
// still being written, retried next pass. Failed counts hard
// parse/read errors. Imported counts events written.
type SyncStats struct {
	FilesSeen int `json:"files_seen"`
	Skipped   int `json:"skipped"`
	Unstable  int `json:"unstable"`
	Failed    int `json:"failed"`
	Imported  int `json:"imported"`
	Repaired  int `json:"repaired"`
}

// Add merges another pass's counters into s.
func (s *SyncStats) Add(o SyncStats) {
	s.FilesSeen += o.FilesSeen
	s.Skipped += o.Skipped
	s.Unstable += o.Unstable
	s.Failed += o.Failed
	s.Imported += o.Imported
	s.Repaired += o.Repaired
}
