// Package caldav adapts a CalDAV collection to remote.Provider.
//
// CalDAV has no change tokens, so the cursor is the RFC 3339 time of the
// previous listing and incremental listings keep only objects modified
// after it. Deletions on the server are not reported incrementally.
//
// Remote ids are object hrefs. Other clients may store an event under any
// name, so the href cannot be derived from the UID.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/bobuk/calsync/internal/model"
	"github.com/bobuk/calsync/internal/remote"
)

const productID = "-//bobuk//calsync//EN"

type Provider struct {
	client       *caldav.Client
	calendarURL  string
	calendarPath string
	now          func() time.Time
}

func New(ctx context.Context, serverURL, username, password, calendarURL string) (*Provider, error) {
	baseURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid CalDAV server URL: %w", err)
	}
	calURL, err := url.Parse(calendarURL)
	if err != nil {
		return nil, fmt.Errorf("invalid calendar URL: %w", err)
	}

	var httpClient webdav.HTTPClient = http.DefaultClient
	if username != "" && password != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(httpClient, username, password)
	}

	c, err := caldav.NewClient(httpClient, baseURL.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create CalDAV client: %w", err)
	}

	return &Provider{
		client:       c,
		calendarURL:  calendarURL,
		calendarPath: strings.TrimRight(calURL.Path, "/"),
		now:          time.Now,
	}, nil
}

func (c *Provider) CalendarID() string {
	return c.calendarURL
}

// Validate checks that the calendar collection exists in its home set.
func (c *Provider) Validate(ctx context.Context) error {
	homeSetPath := "/"
	parts := strings.Split(strings.Trim(c.calendarPath, "/"), "/")
	if len(parts) > 1 {
		homeSetPath = "/" + strings.Join(parts[:len(parts)-1], "/")
	}

	calendars, err := c.client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return classify("find calendars", err)
	}
	for _, cal := range calendars {
		if strings.TrimRight(cal.Path, "/") == c.calendarPath {
			return nil
		}
	}
	return fmt.Errorf("calendar not found at path: %s", c.calendarPath)
}

func (c *Provider) ListEvents(ctx context.Context, q remote.ListQuery) (remote.ListResult, error) {
	var since time.Time
	if q.Cursor != "" {
		parsed, err := time.Parse(time.RFC3339Nano, q.Cursor)
		if err != nil {
			return remote.ListResult{}, fmt.Errorf("list events: %w: %q", remote.ErrCursorInvalidated, q.Cursor)
		}
		since = parsed
	}
	listedAt := c.now().UTC()

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: q.TimeMin,
				End:   q.TimeMax,
			}},
		},
	}

	objects, err := c.client.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return remote.ListResult{}, classify("list events", err)
	}

	result := remote.ListResult{NextCursor: listedAt.Format(time.RFC3339Nano)}
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name != "VEVENT" {
				continue
			}
			ev := fromComponent(c.calendarURL, comp, obj.ETag, obj.ModTime)
			ev.ID = obj.Path
			if !since.IsZero() && !ev.Updated.After(since) {
				continue
			}
			result.Events = append(result.Events, ev)
		}
	}
	return result, nil
}

func (c *Provider) GetEvent(ctx context.Context, remoteID string) (remote.Event, error) {
	obj, err := c.client.GetCalendarObject(ctx, c.eventPath(remoteID))
	if err != nil {
		return remote.Event{}, classifyFor("get event", remoteID, err)
	}
	comp := firstEvent(obj.Data)
	if comp == nil {
		return remote.Event{}, fmt.Errorf("no VEVENT component found in calendar object %s", remoteID)
	}
	ev := fromComponent(c.calendarURL, comp, obj.ETag, obj.ModTime)
	ev.ID = remoteID
	return ev, nil
}

func (c *Provider) CreateEvent(ctx context.Context, p remote.Payload) (remote.Event, error) {
	uid := "calsync-" + uuid.NewString()
	return c.put(ctx, c.calendarPath+"/"+uid+".ics", uid, p)
}

// UpdateEvent compares the stored ETag with the server copy before writing,
// since the client cannot send If-Match on PUT.
func (c *Provider) UpdateEvent(ctx context.Context, remoteID string, p remote.Payload, etag string) (remote.Event, error) {
	current, err := c.client.GetCalendarObject(ctx, c.eventPath(remoteID))
	if err != nil {
		return remote.Event{}, classifyFor("update event", remoteID, err)
	}
	if etag != "" && current.ETag != "" && current.ETag != etag {
		return remote.Event{}, fmt.Errorf("update event %s: %w", remoteID, remote.ErrStaleWrite)
	}
	// The object keeps its UID; only our own events use it as file name.
	uid := ""
	if comp := firstEvent(current.Data); comp != nil {
		uid = getTextProp(comp.Props, "UID")
	}
	if uid == "" {
		uid = strings.TrimSuffix(path.Base(c.eventPath(remoteID)), ".ics")
	}
	ev, err := c.put(ctx, c.eventPath(remoteID), uid, p)
	if err != nil {
		return remote.Event{}, err
	}
	ev.ID = remoteID
	return ev, nil
}

func (c *Provider) DeleteEvent(ctx context.Context, remoteID string) error {
	if err := c.client.Client.RemoveAll(ctx, c.eventPath(remoteID)); err != nil {
		return classifyFor("delete event", remoteID, err)
	}
	return nil
}

func (c *Provider) put(ctx context.Context, href, uid string, p remote.Payload) (remote.Event, error) {
	now := c.now().UTC()
	obj, err := c.client.PutCalendarObject(ctx, href, buildCalendar(uid, p, now))
	if err != nil {
		return remote.Event{}, classify("put event", err)
	}
	if obj == nil || obj.ETag == "" {
		// Some servers omit the ETag on PUT.
		obj, err = c.client.GetCalendarObject(ctx, href)
		if err != nil {
			return remote.Event{}, classify("get event", err)
		}
	}
	ev := fromComponent(c.calendarURL, firstEvent(obj.Data), obj.ETag, obj.ModTime)
	ev.ID = href
	return ev, nil
}

// eventPath resolves a remote id to an object path. Bare UIDs name objects
// this adapter created under the calendar collection.
func (c *Provider) eventPath(remoteID string) string {
	if strings.HasPrefix(remoteID, "/") {
		return remoteID
	}
	return c.calendarPath + "/" + remoteID + ".ics"
}

func buildCalendar(uid string, p remote.Payload, now time.Time) *ical.Calendar {
	event := ical.NewEvent()
	event.Props.SetText("UID", uid)
	event.Props.SetDateTime("DTSTAMP", now)
	event.Props.SetDateTime("LAST-MODIFIED", now)
	event.Props.SetText("SUMMARY", p.Summary)
	if p.Description != "" {
		event.Props.SetText("DESCRIPTION", p.Description)
	}
	setTime(event.Props, "DTSTART", p.Start)
	setTime(event.Props, "DTEND", p.End)
	event.Props.SetText("STATUS", "CONFIRMED")

	cal := ical.NewCalendar()
	cal.Props.SetText("VERSION", "2.0")
	cal.Props.SetText("PRODID", productID)
	cal.Children = append(cal.Children, event.Component)
	return cal
}

func setTime(props ical.Props, name string, t remote.EventTime) {
	if t.IsDate() {
		d, err := time.Parse(model.DateLayout, t.Date)
		if err == nil {
			props.SetDate(name, d)
		}
		return
	}
	props.SetDateTime(name, t.DateTime.UTC())
}

func firstEvent(cal *ical.Calendar) *ical.Component {
	if cal == nil {
		return nil
	}
	for _, comp := range cal.Children {
		if comp.Name == "VEVENT" {
			return comp
		}
	}
	return nil
}

func fromComponent(calendarID string, comp *ical.Component, etag string, modTime time.Time) remote.Event {
	if comp == nil {
		return remote.Event{CalendarID: calendarID, ETag: etag}
	}
	status := strings.ToLower(getTextProp(comp.Props, "STATUS"))
	if status == "" {
		status = "confirmed"
	}
	ev := remote.Event{
		ID:          getTextProp(comp.Props, "UID"),
		CalendarID:  calendarID,
		ETag:        etag,
		Status:      status,
		Summary:     getTextProp(comp.Props, "SUMMARY"),
		Description: getTextProp(comp.Props, "DESCRIPTION"),
		Start:       getTime(comp.Props, "DTSTART"),
		End:         getTime(comp.Props, "DTEND"),
		Updated:     modTime,
	}
	for _, name := range []string{"LAST-MODIFIED", "DTSTAMP"} {
		if prop := comp.Props.Get(name); prop != nil {
			if t, err := prop.DateTime(time.UTC); err == nil {
				ev.Updated = t
				break
			}
		}
	}
	return ev
}

func getTime(props ical.Props, name string) remote.EventTime {
	prop := props.Get(name)
	if prop == nil {
		return remote.EventTime{}
	}
	if prop.ValueType() == ical.ValueDate {
		t, err := prop.DateTime(time.UTC)
		if err != nil {
			return remote.EventTime{}
		}
		return remote.EventTime{Date: t.Format(model.DateLayout)}
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return remote.EventTime{}
	}
	return remote.EventTime{DateTime: t}
}

func getTextProp(props ical.Props, name string) string {
	prop := props.Get(name)
	if prop == nil {
		return ""
	}
	return prop.Value
}

func classifyFor(op, remoteID string, err error) error {
	if statusFromError(err) == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", op, remoteID, remote.ErrNotFound)
	}
	return classify(op, err)
}

// classify recovers the HTTP status from go-webdav errors, which only
// expose it through their message.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if code := statusFromError(err); code != 0 {
		return &remote.StatusError{Op: op, Code: code, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func statusFromError(err error) int {
	if err == nil {
		return 0
	}
	for _, field := range strings.Fields(err.Error()) {
		code, convErr := strconv.Atoi(strings.Trim(field, ":()"))
		if convErr != nil || code < 400 || code > 599 {
			continue
		}
		if http.StatusText(code) != "" {
			return code
		}
	}
	return 0
}
