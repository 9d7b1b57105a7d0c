package syncer

import "time"

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

type Outcome string

const (
	OutcomeSynced  Outcome = "synced"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// ItemError is a failure confined to one event; the cycle carries on.
type ItemError struct {
	EventID  string `json:"eventId,omitempty"`
	RemoteID string `json:"remoteId,omitempty"`
	Op       string `json:"op"`
	Error    string `json:"error"`
}

type SyncResult struct {
	UserID   string  `json:"userId"`
	Success  bool    `json:"success"`
	Outcome  Outcome `json:"outcome"`
	FullSync bool    `json:"fullSync"`

	Added   int `json:"added"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Pushed  int `json:"pushed"`

	Errors            []ItemError `json:"errors,omitempty"`
	Error             string      `json:"error,omitempty"`
	ReconnectRequired bool        `json:"reconnectRequired,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

type Status struct {
	UserID     string     `json:"userId"`
	State      State      `json:"state"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	Connected  bool       `json:"connected"`
}

func (r *SyncResult) itemError(op, eventID, remoteID string, err error) {
	r.Errors = append(r.Errors, ItemError{EventID: eventID, RemoteID: remoteID, Op: op, Error: err.Error()})
}

func (r *SyncResult) finish(now time.Time) {
	r.FinishedAt = now
	switch {
	case r.Error != "":
		r.Success = false
		r.Outcome = OutcomeFailed
	case len(r.Errors) > 0:
		r.Success = true
		r.Outcome = OutcomePartial
	default:
		r.Success = true
		r.Outcome = OutcomeSynced
	}
}
