package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobuk/calsync/internal/model"
)

const eventColumns = `id, user_id, title, description, date, start_time, end_time, source,
	remote_id, remote_calendar_id, etag, last_synced_at, sync_status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*model.CalendarEvent, error) {
	var (
		e                    model.CalendarEvent
		source, status       string
		lastSynced           sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&e.ID, &e.UserID, &e.Title, &e.Description, &e.Date, &e.StartTime, &e.EndTime, &source,
		&e.RemoteID, &e.RemoteCalendarID, &e.ETag, &lastSynced, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Source = model.Source(source)
	e.SyncStatus = model.SyncStatus(status)
	if e.LastSyncedAt, err = parseNullTime(lastSynced); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]model.CalendarEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.CalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *Store) GetEvent(ctx context.Context, userID, id string) (*model.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE user_id = ? AND id = ?`, userID, id)
	e, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", id, err)
	}
	return e, nil
}

func (s *Store) GetEventByRemoteID(ctx context.Context, userID, remoteID string) (*model.CalendarEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE user_id = ? AND remote_id = ?`, userID, remoteID)
	e, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("event with remote id %s: %w", remoteID, err)
	}
	return e, nil
}

// UpsertEvent writes the whole record.
func (s *Store) UpsertEvent(ctx context.Context, e *model.CalendarEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			date = excluded.date,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			source = excluded.source,
			remote_id = excluded.remote_id,
			remote_calendar_id = excluded.remote_calendar_id,
			etag = excluded.etag,
			last_synced_at = excluded.last_synced_at,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at
	`, e.ID, e.UserID, e.Title, e.Description, e.Date, e.StartTime, e.EndTime, string(e.Source),
		e.RemoteID, e.RemoteCalendarID, e.ETag, nullTime(e.LastSyncedAt), string(e.SyncStatus),
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", e.ID, err)
	}
	return nil
}

// UpdateSyncFields writes only the sync-owned columns, leaving content
// edited concurrently by the user intact.
func (s *Store) UpdateSyncFields(ctx context.Context, userID, id string, f model.SyncFields) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET source = ?, remote_id = ?, remote_calendar_id = ?, etag = ?, last_synced_at = ?, sync_status = ?
		WHERE user_id = ? AND id = ?
	`, string(f.Source), f.RemoteID, f.RemoteCalendarID, f.ETag, nullTime(f.LastSyncedAt), string(f.SyncStatus), userID, id)
	if err != nil {
		return fmt.Errorf("update sync fields of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteEvent(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE user_id = ? AND id = ?`, userID, id)
	return err
}

// ListEventsModifiedSince returns events edited after since plus every
// event that has not reached synced state. A nil since lists everything.
func (s *Store) ListEventsModifiedSince(ctx context.Context, userID string, since *time.Time) ([]model.CalendarEvent, error) {
	if since == nil {
		return s.ListEvents(ctx, userID)
	}
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events
		WHERE user_id = ? AND (updated_at > ? OR sync_status != ?)
		ORDER BY id`, userID, formatTime(*since), string(model.StatusSynced))
}

func (s *Store) ListEvents(ctx context.Context, userID string) ([]model.CalendarEvent, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE user_id = ? ORDER BY date, start_time, id`, userID)
}

func (s *Store) CountEvents(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// UnlinkEvents drops remote identity from every event of the user, e.g.
// after the account was disconnected.
func (s *Store) UnlinkEvents(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET remote_id = '', remote_calendar_id = '', etag = '', sync_status = ?
		WHERE user_id = ? AND remote_id != ''`, string(model.StatusUnsynced), userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateEventContent writes only the user-editable columns and the edit
// time, leaving the sync-owned columns to the sync engine.
func (s *Store) UpdateEventContent(ctx context.Context, e *model.CalendarEvent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET title = ?, description = ?, date = ?, start_time = ?, end_time = ?, updated_at = ?
		WHERE user_id = ? AND id = ?
	`, e.Title, e.Description, e.Date, e.StartTime, e.EndTime, formatTime(e.UpdatedAt), e.UserID, e.ID)
	if err != nil {
		return fmt.Errorf("update event %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %s: %w", e.ID, model.ErrNotFound)
	}
	return nil
}
