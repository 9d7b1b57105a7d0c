// Package conflict decides which copy of a linked event wins when both
// sides changed.
package conflict

import (
	"github.com/bobuk/calsync/internal/model"
	"github.com/bobuk/calsync/internal/remote"
)

type Decision int

const (
	KeepRemote Decision = iota
	KeepLocal
)

func (d Decision) String() string {
	if d == KeepLocal {
		return "keep_local"
	}
	return "keep_remote"
}

// Resolve is last-writer-wins on local.LastSyncedAt against r.Updated.
// Ties and never-synced local copies go to the remote side.
func Resolve(local model.CalendarEvent, r remote.Event) Decision {
	if local.LastSyncedAt == nil {
		return KeepRemote
	}
	if local.LastSyncedAt.After(r.Updated) {
		return KeepLocal
	}
	return KeepRemote
}
