// Package model holds the locally owned calendar types shared by the
// sync engine, the store and the HTTP API.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

var ErrNotFound = errors.New("not found")

type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

type SyncStatus string

const (
	StatusUnsynced SyncStatus = "unsynced"
	StatusPending  SyncStatus = "pending"
	StatusSynced   SyncStatus = "synced"
	StatusError    SyncStatus = "error"
)

// CalendarEvent is the local copy of an event. Content fields are edited by
// the dashboard; sync fields are written only by the sync engine.
type CalendarEvent struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`

	Title       string `json:"title"`
	Description string `json:"description"`
	Date        string `json:"date"`
	StartTime   string `json:"startTime,omitempty"`
	EndTime     string `json:"endTime,omitempty"`

	Source           Source     `json:"source"`
	RemoteID         string     `json:"remoteId,omitempty"`
	RemoteCalendarID string     `json:"remoteCalendarId,omitempty"`
	ETag             string     `json:"etag,omitempty"`
	LastSyncedAt     *time.Time `json:"lastSyncedAt,omitempty"`
	SyncStatus       SyncStatus `json:"syncStatus"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SyncFields is the sync-owned subset of CalendarEvent. Writing it never
// touches title, description, date or times.
type SyncFields struct {
	Source           Source
	RemoteID         string
	RemoteCalendarID string
	ETag             string
	LastSyncedAt     *time.Time
	SyncStatus       SyncStatus
}

func (e *CalendarEvent) AllDay() bool {
	return e.StartTime == ""
}

func (e *CalendarEvent) Linked() bool {
	return e.RemoteID != ""
}

// LocallyModified reports whether the content changed after the last
// reconciliation, or the event never reached the remote side.
func (e *CalendarEvent) LocallyModified() bool {
	switch e.SyncStatus {
	case StatusUnsynced, StatusPending, StatusError:
		return true
	}
	if e.LastSyncedAt == nil {
		return true
	}
	return e.UpdatedAt.After(*e.LastSyncedAt)
}

func (e *CalendarEvent) SyncFields() SyncFields {
	return SyncFields{
		Source:           e.Source,
		RemoteID:         e.RemoteID,
		RemoteCalendarID: e.RemoteCalendarID,
		ETag:             e.ETag,
		LastSyncedAt:     e.LastSyncedAt,
		SyncStatus:       e.SyncStatus,
	}
}

func (e *CalendarEvent) ApplySyncFields(f SyncFields) {
	e.Source = f.Source
	e.RemoteID = f.RemoteID
	e.RemoteCalendarID = f.RemoteCalendarID
	e.ETag = f.ETag
	e.LastSyncedAt = f.LastSyncedAt
	e.SyncStatus = f.SyncStatus
}

// Unlink drops the remote identity so the next push creates a new remote
// event.
func (e *CalendarEvent) Unlink() {
	e.RemoteID = ""
	e.RemoteCalendarID = ""
	e.ETag = ""
	e.SyncStatus = StatusUnsynced
}

// ValidationError rejects a malformed event before it reaches the network.
type ValidationError struct {
	EventID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid event %s: %s %s", e.EventID, e.Field, e.Reason)
}

// Validate checks the user-visible fields and the link invariant.
func (e *CalendarEvent) Validate() error {
	invalid := func(field, reason string) error {
		return &ValidationError{EventID: e.ID, Field: field, Reason: reason}
	}
	if strings.TrimSpace(e.ID) == "" {
		return invalid("id", "is required")
	}
	if strings.TrimSpace(e.Title) == "" {
		return invalid("title", "is required")
	}
	if _, err := time.Parse(DateLayout, e.Date); err != nil {
		return invalid("date", "must be YYYY-MM-DD")
	}
	if e.StartTime == "" && e.EndTime != "" {
		return invalid("endTime", "requires startTime")
	}
	if e.StartTime != "" {
		if _, err := time.Parse(TimeLayout, e.StartTime); err != nil {
			return invalid("startTime", "must be HH:MM")
		}
	}
	if e.EndTime != "" {
		if _, err := time.Parse(TimeLayout, e.EndTime); err != nil {
			return invalid("endTime", "must be HH:MM")
		}
	}
	if e.RemoteID != "" && (e.RemoteCalendarID == "" || e.LastSyncedAt == nil) {
		return invalid("remoteId", "linked event lacks calendar id or sync time")
	}
	return nil
}
