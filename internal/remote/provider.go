// Package remote defines the contract every calendar provider adapter
// implements, independent of its wire schema.
package remote

import (
	"context"
	"time"
)

const StatusCancelled = "cancelled"

// EventTime is either a date-only value (all-day events) or an instant.
type EventTime struct {
	// Date is "2006-01-02" for all-day events, empty otherwise.
	Date     string
	DateTime time.Time
}

func (t EventTime) IsDate() bool {
	return t.Date != ""
}

func (t EventTime) IsZero() bool {
	return t.Date == "" && t.DateTime.IsZero()
}

// Event is a provider event normalized to the fields the engine needs.
type Event struct {
	ID          string
	CalendarID  string
	ETag        string
	Status      string
	Summary     string
	Description string
	Start       EventTime
	// End is exclusive for all-day events: a single day event on the 1st
	// ends on the 2nd.
	End     EventTime
	Updated time.Time
}

func (e *Event) Cancelled() bool {
	return e.Status == StatusCancelled
}

// Payload is what the engine sends on create and update.
type Payload struct {
	Summary     string
	Description string
	Start       EventTime
	End         EventTime
}

type ListQuery struct {
	TimeMin time.Time
	TimeMax time.Time
	// Cursor continues an incremental sync; empty means full listing.
	Cursor    string
	PageToken string
}

type ListResult struct {
	Events        []Event
	NextPageToken string
	// NextCursor is set on the last page only.
	NextCursor string
}

// Provider is one remote calendar bound to a single calendar id.
type Provider interface {
	CalendarID() string
	// ListEvents fails with ErrCursorInvalidated when q.Cursor is stale.
	ListEvents(ctx context.Context, q ListQuery) (ListResult, error)
	GetEvent(ctx context.Context, remoteID string) (Event, error)
	CreateEvent(ctx context.Context, p Payload) (Event, error)
	// UpdateEvent fails with ErrStaleWrite when etag no longer matches.
	UpdateEvent(ctx context.Context, remoteID string, p Payload, etag string) (Event, error)
	DeleteEvent(ctx context.Context, remoteID string) error
}
