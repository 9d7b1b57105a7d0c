// Package mapper converts between provider events and local events. It
// performs no I/O.
package mapper

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobuk/calsync/internal/model"
	"github.com/bobuk/calsync/internal/remote"
)

const DefaultDuration = time.Hour

type Mapper struct {
	// Location is the wall clock local times are expressed in.
	Location *time.Location
	Now      func() time.Time
	NewID    func() string
}

func New(loc *time.Location) Mapper {
	if loc == nil {
		loc = time.UTC
	}
	return Mapper{
		Location: loc,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

func (m Mapper) loc() *time.Location {
	if m.Location == nil {
		return time.UTC
	}
	return m.Location
}

func (m Mapper) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// ToLocal builds a fresh local event for r. Callers merging into an
// existing record keep their own ID and CreatedAt.
func (m Mapper) ToLocal(r remote.Event, calendarID string) model.CalendarEvent {
	now := m.now()
	id := ""
	if m.NewID != nil {
		id = m.NewID()
	}
	if calendarID == "" {
		calendarID = r.CalendarID
	}
	e := model.CalendarEvent{
		ID:               id,
		Title:            r.Summary,
		Description:      r.Description,
		Source:           model.SourceRemote,
		RemoteID:         r.ID,
		RemoteCalendarID: calendarID,
		ETag:             r.ETag,
		LastSyncedAt:     &now,
		SyncStatus:       model.StatusSynced,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if r.Start.IsDate() {
		e.Date = r.Start.Date
		return e
	}

	start := r.Start.DateTime.In(m.loc())
	end := r.End.DateTime
	if r.End.IsZero() || r.End.IsDate() {
		end = start.Add(DefaultDuration)
	}
	end = end.In(m.loc())
	e.Date = start.Format(model.DateLayout)
	e.StartTime = start.Format(model.TimeLayout)
	e.EndTime = end.Format(model.TimeLayout)
	return e
}

// ToRemote builds the provider payload for e. All-day events end on the
// following date, as providers treat the end date as exclusive.
func (m Mapper) ToRemote(e model.CalendarEvent) (remote.Payload, error) {
	p := remote.Payload{
		Summary:     e.Title,
		Description: e.Description,
	}
	day, err := time.ParseInLocation(model.DateLayout, e.Date, m.loc())
	if err != nil {
		return p, &model.ValidationError{EventID: e.ID, Field: "date", Reason: "must be YYYY-MM-DD"}
	}

	if e.AllDay() {
		p.Start = remote.EventTime{Date: day.Format(model.DateLayout)}
		p.End = remote.EventTime{Date: day.AddDate(0, 0, 1).Format(model.DateLayout)}
		return p, nil
	}

	start, err := clockOn(day, e.StartTime)
	if err != nil {
		return p, clockError(e.ID, "startTime", err)
	}
	end := start.Add(DefaultDuration)
	if e.EndTime != "" {
		end, err = clockOn(day, e.EndTime)
		if err != nil {
			return p, clockError(e.ID, "endTime", err)
		}
		// Crosses midnight.
		if end.Before(start) {
			end = end.AddDate(0, 0, 1)
		}
	}
	p.Start = remote.EventTime{DateTime: start}
	p.End = remote.EventTime{DateTime: end}
	return p, nil
}

func clockOn(day time.Time, clock string) (time.Time, error) {
	t, err := time.Parse(model.TimeLayout, clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", clock, err)
	}
	at := time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location())
	// time.Date moves clock times skipped by a DST change.
	if at.Hour() != t.Hour() || at.Minute() != t.Minute() {
		return time.Time{}, fmt.Errorf("%s on %s in %s: %w", clock, day.Format(model.DateLayout), day.Location(), errSkippedTime)
	}
	return at, nil
}

var errSkippedTime = errors.New("time does not exist")

func clockError(eventID, field string, err error) error {
	if errors.Is(err, errSkippedTime) {
		return &model.ValidationError{EventID: eventID, Field: field, Reason: err.Error()}
	}
	return &model.ValidationError{EventID: eventID, Field: field, Reason: "must be HH:MM"}
}
