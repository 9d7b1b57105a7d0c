package model

import "time"

// EventMapping links one local event to its remote counterpart.
type EventMapping struct {
	LocalID          string
	RemoteID         string
	RemoteCalendarID string
	ETag             string
	LastSyncedAt     time.Time
}

// SyncMetadata is the per-user sync bookkeeping. An empty Cursor forces the
// next cycle to run a full sync.
type SyncMetadata struct {
	UserID                string
	Cursor                string
	LastFullSyncAt        *time.Time
	LastIncrementalSyncAt *time.Time
	Mappings              []EventMapping
}

// LastCycleAt is the completion time of the latest successful cycle.
func (m *SyncMetadata) LastCycleAt() time.Time {
	var last time.Time
	if m == nil {
		return last
	}
	if m.LastFullSyncAt != nil && m.LastFullSyncAt.After(last) {
		last = *m.LastFullSyncAt
	}
	if m.LastIncrementalSyncAt != nil && m.LastIncrementalSyncAt.After(last) {
		last = *m.LastIncrementalSyncAt
	}
	return last
}
