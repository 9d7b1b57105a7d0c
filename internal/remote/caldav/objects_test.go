package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobuk/calsync/internal/remote"
)

const importedEvent = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Other Client//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:x@host\r\n" +
	"DTSTAMP:20240506T100000Z\r\n" +
	"LAST-MODIFIED:20240506T100000Z\r\n" +
	"DTSTART:20240510T090000Z\r\n" +
	"DTEND:20240510T100000Z\r\n" +
	"SUMMARY:Imported\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

// davServer serves one calendar object whose href is unrelated to its UID.
type davServer struct {
	mu       sync.Mutex
	requests []string
	puts     map[string]string
}

func (s *davServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.mu.Unlock()

	switch r.Method {
	case "REPORT":
		var data bytes.Buffer
		_ = xml.EscapeText(&data, []byte(importedEvent))
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.WriteHeader(http.StatusMultiStatus)
		fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:response>
    <D:href>/cal/abc.ics</D:href>
    <D:propstat>
      <D:prop>
        <D:getetag>"e1"</D:getetag>
        <D:getlastmodified>Mon, 06 May 2024 10:00:00 GMT</D:getlastmodified>
        <D:getcontentlength>%d</D:getcontentlength>
        <C:calendar-data>%s</C:calendar-data>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`, len(importedEvent), data.String())
	case http.MethodGet:
		if r.URL.Path != "/cal/abc.ics" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("ETag", `"e1"`)
		io.WriteString(w, importedEvent)
	case http.MethodPut:
		s.mu.Lock()
		s.puts[r.URL.Path] = string(body)
		s.mu.Unlock()
		w.Header().Set("ETag", `"e2"`)
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if r.URL.Path != "/cal/abc.ics" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *davServer) sawRequest(req string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, got := range s.requests {
		if got == req {
			return true
		}
	}
	return false
}

func newDAVProvider(t *testing.T) (*Provider, *davServer) {
	t.Helper()
	dav := &davServer{puts: make(map[string]string)}
	srv := httptest.NewServer(dav)
	t.Cleanup(srv.Close)

	p, err := New(context.Background(), srv.URL, "", "", srv.URL+"/cal/")
	if err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return time.Date(2024, 5, 7, 8, 0, 0, 0, time.UTC) }
	return p, dav
}

func TestObjectsAreAddressedByHref(t *testing.T) {
	p, dav := newDAVProvider(t)
	ctx := context.Background()

	res, err := p.ListEvents(ctx, remote.ListQuery{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(res.Events))
	}
	ev := res.Events[0]
	if ev.ID != "/cal/abc.ics" || ev.Summary != "Imported" || ev.ETag != "e1" {
		t.Fatalf("unexpected listed event: %+v", ev)
	}

	got, err := p.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.ID != ev.ID || got.Summary != "Imported" {
		t.Fatalf("unexpected fetched event: %+v", got)
	}

	payload := remote.Payload{
		Summary: "Imported, edited",
		Start:   remote.EventTime{DateTime: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)},
		End:     remote.EventTime{DateTime: time.Date(2024, 5, 10, 11, 0, 0, 0, time.UTC)},
	}
	updated, err := p.UpdateEvent(ctx, ev.ID, payload, ev.ETag)
	if err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}
	if updated.ID != "/cal/abc.ics" || updated.ETag != "e2" {
		t.Fatalf("unexpected updated event: %+v", updated)
	}
	put, ok := dav.puts["/cal/abc.ics"]
	if !ok {
		t.Fatalf("update was not written to the listed href: %v", dav.requests)
	}
	if !strings.Contains(put, "UID:x@host") {
		t.Fatalf("update changed the UID:\n%s", put)
	}
	if dav.sawRequest("GET /cal/x@host.ics") {
		t.Fatal("object addressed by UID")
	}

	if err := p.DeleteEvent(ctx, ev.ID); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if !dav.sawRequest("DELETE /cal/abc.ics") {
		t.Fatalf("delete did not target the href: %v", dav.requests)
	}
}

func TestUpdateEventStaleETag(t *testing.T) {
	p, dav := newDAVProvider(t)
	payload := remote.Payload{Summary: "x", Start: remote.EventTime{Date: "2024-05-10"}, End: remote.EventTime{Date: "2024-05-11"}}
	_, err := p.UpdateEvent(context.Background(), "/cal/abc.ics", payload, "e0")
	if !errors.Is(err, remote.ErrStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}
	if len(dav.puts) != 0 {
		t.Fatalf("stale update was written: %v", dav.puts)
	}
}

func TestCreateEventNamesObjectAfterUID(t *testing.T) {
	p, dav := newDAVProvider(t)
	payload := remote.Payload{Summary: "New", Start: remote.EventTime{Date: "2024-05-10"}, End: remote.EventTime{Date: "2024-05-11"}}
	ev, err := p.CreateEvent(context.Background(), payload)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if !strings.HasPrefix(ev.ID, "/cal/calsync-") || !strings.HasSuffix(ev.ID, ".ics") {
		t.Fatalf("unexpected id %q", ev.ID)
	}
	body, ok := dav.puts[ev.ID]
	if !ok {
		t.Fatalf("no PUT at %s: %v", ev.ID, dav.requests)
	}
	uid := strings.TrimSuffix(strings.TrimPrefix(ev.ID, "/cal/"), ".ics")
	if !strings.Contains(body, "UID:"+uid) {
		t.Fatalf("object body lacks UID %s:\n%s", uid, body)
	}
}
