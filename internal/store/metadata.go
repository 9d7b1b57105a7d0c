package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobuk/calsync/internal/model"
)

// LoadMetadata returns the user's sync metadata, or nil before the first
// successful full sync.
func (s *Store) LoadMetadata(ctx context.Context, userID string) (*model.SyncMetadata, error) {
	var (
		md         = model.SyncMetadata{UserID: userID}
		full, incr sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT cursor, last_full_sync_at, last_incremental_sync_at FROM sync_metadata WHERE user_id = ?`,
		userID).Scan(&md.Cursor, &full, &incr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync metadata: %w", err)
	}
	if md.LastFullSyncAt, err = parseNullTime(full); err != nil {
		return nil, err
	}
	if md.LastIncrementalSyncAt, err = parseNullTime(incr); err != nil {
		return nil, err
	}
	if md.Mappings, err = s.ListMappings(ctx, userID); err != nil {
		return nil, err
	}
	return &md, nil
}

// SaveMetadata stores the cursor and timestamps and replaces the mapping
// set in one transaction.
func (s *Store) SaveMetadata(ctx context.Context, md *model.SyncMetadata) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_metadata (user_id, cursor, last_full_sync_at, last_incremental_sync_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				cursor = excluded.cursor,
				last_full_sync_at = excluded.last_full_sync_at,
				last_incremental_sync_at = excluded.last_incremental_sync_at
		`, md.UserID, md.Cursor, nullTime(md.LastFullSyncAt), nullTime(md.LastIncrementalSyncAt))
		if err != nil {
			return fmt.Errorf("save sync metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM event_mappings WHERE user_id = ?`, md.UserID); err != nil {
			return err
		}
		for _, m := range md.Mappings {
			if err := upsertMapping(ctx, tx, md.UserID, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteMetadata(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_metadata WHERE user_id = ?`, userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM event_mappings WHERE user_id = ?`, userID)
		return err
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertMapping(ctx context.Context, db execer, userID string, m model.EventMapping) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO event_mappings (user_id, local_id, remote_id, remote_calendar_id, etag, last_synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, local_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			remote_calendar_id = excluded.remote_calendar_id,
			etag = excluded.etag,
			last_synced_at = excluded.last_synced_at
	`, userID, m.LocalID, m.RemoteID, m.RemoteCalendarID, m.ETag, formatTime(m.LastSyncedAt))
	if err != nil {
		return fmt.Errorf("upsert mapping %s: %w", m.LocalID, err)
	}
	return nil
}

func (s *Store) UpsertMapping(ctx context.Context, userID string, m model.EventMapping) error {
	return upsertMapping(ctx, s.db, userID, m)
}

func (s *Store) DeleteMapping(ctx context.Context, userID, localID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM event_mappings WHERE user_id = ? AND local_id = ?`, userID, localID)
	return err
}

func (s *Store) ListMappings(ctx context.Context, userID string) ([]model.EventMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT local_id, remote_id, remote_calendar_id, etag, last_synced_at
		FROM event_mappings WHERE user_id = ? ORDER BY local_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EventMapping
	for rows.Next() {
		var (
			m      model.EventMapping
			synced string
		)
		if err := rows.Scan(&m.LocalID, &m.RemoteID, &m.RemoteCalendarID, &m.ETag, &synced); err != nil {
			return nil, err
		}
		if m.LastSyncedAt, err = parseTime(synced); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteOrphanMappings drops mappings whose local event no longer exists.
func (s *Store) DeleteOrphanMappings(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM event_mappings
		WHERE NOT EXISTS (
			SELECT 1 FROM events e WHERE e.user_id = event_mappings.user_id AND e.id = event_mappings.local_id
		)`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
