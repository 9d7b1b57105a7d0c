package google

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/option"

	"github.com/bobuk/calsync/internal/remote"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := New(context.Background(), srv.Client(), "primary", opts, option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("new provider failed: %v", err)
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestListEventsPagesAndReturnsSyncToken(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/calendars/primary/events") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		switch r.URL.Query().Get("pageToken") {
		case "":
			if r.URL.Query().Get("timeMin") == "" {
				t.Errorf("full listing should send timeMin")
			}
			writeJSON(w, http.StatusOK, `{"items":[{"id":"a","etag":"\"1\"","status":"confirmed","summary":"A",
				"updated":"2024-05-01T10:00:00.000Z",
				"start":{"dateTime":"2024-05-02T09:00:00Z"},"end":{"dateTime":"2024-05-02T10:00:00Z"}}],
				"nextPageToken":"p2"}`)
		case "p2":
			writeJSON(w, http.StatusOK, `{"items":[{"id":"b","etag":"\"2\"","status":"confirmed","summary":"B",
				"start":{"date":"2024-05-03"},"end":{"date":"2024-05-04"}}],
				"nextSyncToken":"sync-1"}`)
		}
	})

	q := remote.ListQuery{TimeMin: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)}
	first, err := p.ListEvents(context.Background(), q)
	if err != nil {
		t.Fatalf("list page 1 failed: %v", err)
	}
	if first.NextPageToken != "p2" || first.NextCursor != "" || len(first.Events) != 1 {
		t.Fatalf("unexpected first page: %+v", first)
	}
	a := first.Events[0]
	if a.ETag != `"1"` || a.Start.DateTime.Hour() != 9 || a.Updated.IsZero() {
		t.Fatalf("unexpected event a: %+v", a)
	}

	q.PageToken = first.NextPageToken
	second, err := p.ListEvents(context.Background(), q)
	if err != nil {
		t.Fatalf("list page 2 failed: %v", err)
	}
	if second.NextCursor != "sync-1" {
		t.Fatalf("expected sync token, got %q", second.NextCursor)
	}
	b := second.Events[0]
	if !b.Start.IsDate() || b.Start.Date != "2024-05-03" || b.End.Date != "2024-05-04" {
		t.Fatalf("unexpected all-day event: %+v", b)
	}
}

func TestListEventsStaleSyncTokenIsCursorInvalidated(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("syncToken") != "stale" {
			t.Errorf("expected syncToken=stale, got %q", r.URL.RawQuery)
		}
		if r.URL.Query().Get("timeMin") != "" {
			t.Errorf("syncToken must not be combined with timeMin")
		}
		writeJSON(w, http.StatusGone, `{"error":{"code":410,"message":"Sync token is no longer valid"}}`)
	})

	_, err := p.ListEvents(context.Background(), remote.ListQuery{Cursor: "stale", TimeMin: time.Now()})
	if !errors.Is(err, remote.ErrCursorInvalidated) {
		t.Fatalf("expected cursor invalidated, got %v", err)
	}
}

func TestUpdateEventSendsIfMatchAndMapsPreconditionFailed(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if got := r.Header.Get("If-Match"); got != `"old"` {
			t.Errorf("expected If-Match \"old\", got %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"useDefault":false`) {
			t.Errorf("expected reminders to be disabled, body %s", body)
		}
		writeJSON(w, http.StatusPreconditionFailed, `{"error":{"code":412,"message":"Precondition Failed"}}`)
	}, WithoutReminders(true))

	payload := remote.Payload{
		Summary: "x",
		Start:   remote.EventTime{Date: "2024-05-01"},
		End:     remote.EventTime{Date: "2024-05-02"},
	}
	_, err := p.UpdateEvent(context.Background(), "r1", payload, `"old"`)
	if !errors.Is(err, remote.ErrStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}
}

func TestServerErrorsCarryStatusAndRetryAfter(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusServiceUnavailable, `{"error":{"code":503,"message":"backend error"}}`)
	})

	_, err := p.CreateEvent(context.Background(), remote.Payload{Summary: "x"})
	var serr *remote.StatusError
	if !errors.As(err, &serr) {
		t.Fatalf("expected status error, got %v", err)
	}
	if serr.Code != http.StatusServiceUnavailable || !serr.Temporary() {
		t.Fatalf("unexpected status error: %+v", serr)
	}
	if serr.RetryAfter != 2*time.Second {
		t.Fatalf("expected retry-after 2s, got %s", serr.RetryAfter)
	}
}

func TestDeleteMissingEventIsNotFound(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusGone, `{"error":{"code":410,"message":"Resource has been deleted"}}`)
	})
	if err := p.DeleteEvent(context.Background(), "r1"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRateLimitForbiddenIsTemporary(t *testing.T) {
	for _, reason := range []string{"rateLimitExceeded", "userRateLimitExceeded"} {
		p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"Rate Limit Exceeded","errors":[{"domain":"usageLimits","reason":"`+reason+`","message":"Rate Limit Exceeded"}]}}`)
		})
		_, err := p.ListEvents(context.Background(), remote.ListQuery{})
		var serr *remote.StatusError
		if !errors.As(err, &serr) {
			t.Fatalf("%s: expected status error, got %v", reason, err)
		}
		if !serr.RateLimited || !serr.Temporary() {
			t.Fatalf("%s: expected retryable rate limit, got %+v", reason, serr)
		}
	}

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"Forbidden","errors":[{"domain":"global","reason":"forbidden"}]}}`)
	})
	_, err := p.ListEvents(context.Background(), remote.ListQuery{})
	var serr *remote.StatusError
	if !errors.As(err, &serr) || serr.Temporary() {
		t.Fatalf("expected terminal forbidden, got %v", err)
	}
}
