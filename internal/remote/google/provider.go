// Package google adapts Google Calendar API v3 to remote.Provider.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bobuk/calsync/internal/remote"
)

const pageSize = 250

type Provider struct {
	service          *calendar.Service
	calendarID       string
	disableReminders bool
}

type Option func(*Provider)

// WithoutReminders strips default reminders from events written by the sync.
func WithoutReminders(disable bool) Option {
	return func(p *Provider) {
		p.disableReminders = disable
	}
}

// New builds a provider on an already authorized client; the oauth2
// transport inside client is responsible for attaching fresh tokens.
func New(ctx context.Context, client *http.Client, calendarID string, opts []Option, clientOpts ...option.ClientOption) (*Provider, error) {
	if calendarID == "" {
		calendarID = "primary"
	}
	clientOpts = append([]option.ClientOption{option.WithHTTPClient(client)}, clientOpts...)
	service, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	p := &Provider{
		service:    service,
		calendarID: calendarID,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (g *Provider) CalendarID() string {
	return g.calendarID
}

// Validate checks that the calendar is reachable with the current token.
func (g *Provider) Validate(ctx context.Context) error {
	_, err := g.service.CalendarList.Get(g.calendarID).Context(ctx).Do()
	if err != nil {
		return classify("get calendar", err)
	}
	return nil
}

func (g *Provider) ListEvents(ctx context.Context, q remote.ListQuery) (remote.ListResult, error) {
	call := g.service.Events.List(g.calendarID).
		Context(ctx).
		SingleEvents(true).
		ShowDeleted(true).
		MaxResults(pageSize)

	// A sync token cannot be combined with time bounds.
	if q.Cursor != "" {
		call = call.SyncToken(q.Cursor)
	} else {
		if !q.TimeMin.IsZero() {
			call = call.TimeMin(q.TimeMin.Format(time.RFC3339))
		}
		if !q.TimeMax.IsZero() {
			call = call.TimeMax(q.TimeMax.Format(time.RFC3339))
		}
	}
	if q.PageToken != "" {
		call = call.PageToken(q.PageToken)
	}

	events, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if q.Cursor != "" && errors.As(err, &gerr) && gerr.Code == http.StatusGone {
			return remote.ListResult{}, fmt.Errorf("list events: %w: %v", remote.ErrCursorInvalidated, err)
		}
		return remote.ListResult{}, classify("list events", err)
	}

	result := remote.ListResult{
		Events:        make([]remote.Event, 0, len(events.Items)),
		NextPageToken: events.NextPageToken,
		NextCursor:    events.NextSyncToken,
	}
	for _, item := range events.Items {
		result.Events = append(result.Events, fromGoogle(g.calendarID, item))
	}
	return result, nil
}

func (g *Provider) GetEvent(ctx context.Context, remoteID string) (remote.Event, error) {
	item, err := g.service.Events.Get(g.calendarID, remoteID).Context(ctx).Do()
	if err != nil {
		if isGone(err) {
			return remote.Event{}, fmt.Errorf("get event %s: %w", remoteID, remote.ErrNotFound)
		}
		return remote.Event{}, classify("get event", err)
	}
	return fromGoogle(g.calendarID, item), nil
}

func (g *Provider) CreateEvent(ctx context.Context, p remote.Payload) (remote.Event, error) {
	created, err := g.service.Events.Insert(g.calendarID, g.toGoogle(p)).Context(ctx).Do()
	if err != nil {
		return remote.Event{}, classify("create event", err)
	}
	return fromGoogle(g.calendarID, created), nil
}

func (g *Provider) UpdateEvent(ctx context.Context, remoteID string, p remote.Payload, etag string) (remote.Event, error) {
	call := g.service.Events.Update(g.calendarID, remoteID, g.toGoogle(p)).Context(ctx)
	if etag != "" {
		call.Header().Set("If-Match", etag)
	}
	updated, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return remote.Event{}, fmt.Errorf("update event %s: %w: %v", remoteID, remote.ErrStaleWrite, err)
		}
		if isGone(err) {
			return remote.Event{}, fmt.Errorf("update event %s: %w", remoteID, remote.ErrNotFound)
		}
		return remote.Event{}, classify("update event", err)
	}
	return fromGoogle(g.calendarID, updated), nil
}

func (g *Provider) DeleteEvent(ctx context.Context, remoteID string) error {
	err := g.service.Events.Delete(g.calendarID, remoteID).Context(ctx).Do()
	if err != nil {
		if isGone(err) {
			return fmt.Errorf("delete event %s: %w", remoteID, remote.ErrNotFound)
		}
		return classify("delete event", err)
	}
	return nil
}

func (g *Provider) toGoogle(p remote.Payload) *calendar.Event {
	ev := &calendar.Event{
		Summary:     p.Summary,
		Description: p.Description,
		Start:       toDateTime(p.Start),
		End:         toDateTime(p.End),
	}
	if g.disableReminders {
		ev.Reminders = &calendar.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
		}
	}
	return ev
}

func toDateTime(t remote.EventTime) *calendar.EventDateTime {
	if t.IsDate() {
		return &calendar.EventDateTime{Date: t.Date}
	}
	return &calendar.EventDateTime{DateTime: t.DateTime.Format(time.RFC3339)}
}

func fromGoogle(calendarID string, item *calendar.Event) remote.Event {
	ev := remote.Event{
		ID:          item.Id,
		CalendarID:  calendarID,
		ETag:        item.Etag,
		Status:      item.Status,
		Summary:     item.Summary,
		Description: item.Description,
		Start:       fromDateTime(item.Start),
		End:         fromDateTime(item.End),
	}
	if item.Updated != "" {
		if updated, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			ev.Updated = updated
		}
	}
	return ev
}

func fromDateTime(dt *calendar.EventDateTime) remote.EventTime {
	if dt == nil {
		return remote.EventTime{}
	}
	if dt.Date != "" {
		return remote.EventTime{Date: dt.Date}
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return remote.EventTime{}
	}
	return remote.EventTime{DateTime: t}
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone)
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &remote.StatusError{
		Op:          op,
		Code:        gerr.Code,
		RetryAfter:  parseRetryAfter(gerr.Header.Get("Retry-After")),
		RateLimited: rateLimited(gerr),
		Err:         err,
	}
}

// rateLimited reports quota errors, which Google usually sends as 403.
func rateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}
