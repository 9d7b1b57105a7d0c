package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bobuk/calsync/internal/model"
)

const (
	ProviderGoogle = "google"
	ProviderCalDAV = "caldav"
)

// CalendarLink binds an account to the remote calendar it syncs with.
type CalendarLink struct {
	AccountName  string
	CalendarID   string
	ProviderType string
	// ProviderConfig names the [caldavs.<name>] server for CalDAV links.
	ProviderConfig string
}

// LinkCalendar replaces the account's calendar link; an account syncs
// with exactly one calendar.
func (s *Store) LinkCalendar(ctx context.Context, link CalendarLink) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM calendars WHERE account_name = ?`, link.AccountName); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO calendars (account_name, calendar_id, provider_type, provider_config) VALUES (?, ?, ?, ?)`,
			link.AccountName, link.CalendarID, link.ProviderType, link.ProviderConfig)
		return err
	})
}

func (s *Store) CalendarLink(ctx context.Context, accountName string) (CalendarLink, error) {
	link := CalendarLink{AccountName: accountName}
	err := s.db.QueryRowContext(ctx, `SELECT calendar_id, provider_type, provider_config FROM calendars WHERE account_name = ? ORDER BY calendar_id LIMIT 1`,
		accountName).Scan(&link.CalendarID, &link.ProviderType, &link.ProviderConfig)
	if err == sql.ErrNoRows {
		return link, fmt.Errorf("calendar for account %s: %w", accountName, model.ErrNotFound)
	}
	return link, err
}

func (s *Store) ListCalendarLinks(ctx context.Context) ([]CalendarLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_name, calendar_id, provider_type, provider_config FROM calendars ORDER BY account_name, calendar_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []CalendarLink
	for rows.Next() {
		var l CalendarLink
		if err := rows.Scan(&l.AccountName, &l.CalendarID, &l.ProviderType, &l.ProviderConfig); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *Store) UnlinkCalendar(ctx context.Context, accountName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM calendars WHERE account_name = ?`, accountName)
	return err
}
