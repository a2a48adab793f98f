package models

import "time"

// SyncStatus is the aggregate read model exposed to the UI.
// It is derived from the queue and never persisted as such.
type SyncStatus struct {
	IsOnline            bool       `json:"is_online"`
	PendingCount        int        `json:"pending_count"`
	FailedCount         int        `json:"failed_count"`
	IsSyncing           bool       `json:"is_syncing"`
	LastSyncTime        *time.Time `json:"last_sync_time,omitempty"`
	LastSyncSuccessful  bool       `json:"last_sync_successful"`
	SyncProgressPercent int        `json:"sync_progress_percent"`
}

// SkipReason explains why a flush pass did not run.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipAlreadyRunning  SkipReason = "already_running"
	SkipOffline         SkipReason = "offline"
	SkipEmpty           SkipReason = "empty"
	SkipLockUnavailable SkipReason = "lock_unavailable"
)

// PassSummary reports the outcome of one flush pass.
type PassSummary struct {
	Attempted  int        `json:"attempted"`
	Succeeded  int        `json:"succeeded"`
	Retried    int        `json:"retried"`
	Failed     int        `json:"failed"`
	Skipped    SkipReason `json:"skipped,omitempty"`
	Cancelled  bool       `json:"cancelled"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Ran reports whether the pass executed at all.
func (p PassSummary) Ran() bool {
	return p.Skipped == SkipNone
}

// Duration returns how long the pass took.
func (p PassSummary) Duration() time.Duration {
	if p.FinishedAt.IsZero() {
		return 0
	}
	return p.FinishedAt.Sub(p.StartedAt)
}

// Notable reports whether the pass produced an outcome worth surfacing to the user.
func (p PassSummary) Notable() bool {
	return p.Succeeded > 0 || p.Failed > 0
}
