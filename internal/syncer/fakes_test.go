package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bobuk/calsync/internal/mapper"
	"github.com/bobuk/calsync/internal/model"
	"github.com/bobuk/calsync/internal/remote"
	"github.com/bobuk/calsync/internal/transport"
)

type testClock struct {
	mu  sync.Mutex
	cur time.Time
}

// Now advances by a millisecond per call so timestamps are strictly ordered.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Millisecond)
	return c.cur
}

type memStore struct {
	mu       sync.Mutex
	events   map[string]model.CalendarEvent
	meta     map[string]*model.SyncMetadata
	mappings map[string]map[string]model.EventMapping
	saves    int
}

func newMemStore() *memStore {
	return &memStore{
		events:   make(map[string]model.CalendarEvent),
		meta:     make(map[string]*model.SyncMetadata),
		mappings: make(map[string]map[string]model.EventMapping),
	}
}

func (s *memStore) put(e model.CalendarEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
}

func (s *memStore) get(id string) (model.CalendarEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	return e, ok
}

func (s *memStore) GetEvent(ctx context.Context, userID, id string) (*model.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok || e.UserID != userID {
		return nil, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	return &e, nil
}

func (s *memStore) GetEventByRemoteID(ctx context.Context, userID, remoteID string) (*model.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.UserID == userID && e.RemoteID == remoteID {
			return &e, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *memStore) UpsertEvent(ctx context.Context, e *model.CalendarEvent) error {
	s.put(*e)
	return nil
}

func (s *memStore) UpdateSyncFields(ctx context.Context, userID, id string, f model.SyncFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return model.ErrNotFound
	}
	e.ApplySyncFields(f)
	s.events[id] = e
	return nil
}

func (s *memStore) DeleteEvent(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, id)
	return nil
}

func (s *memStore) ListEventsModifiedSince(ctx context.Context, userID string, since *time.Time) ([]model.CalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CalendarEvent
	for _, e := range s.events {
		if e.UserID != userID {
			continue
		}
		if since == nil || e.UpdatedAt.After(*since) || e.SyncStatus != model.StatusSynced {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) LoadMetadata(ctx context.Context, userID string) (*model.SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.meta[userID]
	if !ok {
		return nil, nil
	}
	cp := *md
	cp.Mappings = nil
	for _, m := range s.mappings[userID] {
		cp.Mappings = append(cp.Mappings, m)
	}
	sort.Slice(cp.Mappings, func(i, j int) bool { return cp.Mappings[i].LocalID < cp.Mappings[j].LocalID })
	return &cp, nil
}

func (s *memStore) SaveMetadata(ctx context.Context, md *model.SyncMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *md
	s.meta[md.UserID] = &cp
	s.mappings[md.UserID] = make(map[string]model.EventMapping)
	for _, m := range md.Mappings {
		s.mappings[md.UserID][m.LocalID] = m
	}
	s.saves++
	return nil
}

func (s *memStore) UpsertMapping(ctx context.Context, userID string, m model.EventMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mappings[userID] == nil {
		s.mappings[userID] = make(map[string]model.EventMapping)
	}
	s.mappings[userID][m.LocalID] = m
	return nil
}

func (s *memStore) DeleteMapping(ctx context.Context, userID, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings[userID], localID)
	return nil
}

func (s *memStore) metadata(userID string) *model.SyncMetadata {
	md, _ := s.LoadMetadata(context.Background(), userID)
	return md
}

type fakeProvider struct {
	mu      sync.Mutex
	events  map[string]remote.Event
	changes []remote.Event
	cursor  string
	invalid map[string]bool
	listErr error
	// createErr fails every CreateEvent call.
	createErr error
	pageSize  int
	// listHook runs before every ListEvents call.
	listHook func(ctx context.Context) error
	calls    map[string]int
	queries  []remote.ListQuery
	seq      int
	now      func() time.Time
}

func newFakeProvider(now func() time.Time) *fakeProvider {
	return &fakeProvider{
		events:  make(map[string]remote.Event),
		invalid: make(map[string]bool),
		calls:   make(map[string]int),
		cursor:  "cursor-1",
		now:     now,
	}
}

func (p *fakeProvider) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *fakeProvider) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

func (p *fakeProvider) nextETag() string {
	p.seq++
	return fmt.Sprintf(`"%d"`, p.seq)
}

func (p *fakeProvider) CalendarID() string { return "primary" }

func (p *fakeProvider) ListEvents(ctx context.Context, q remote.ListQuery) (remote.ListResult, error) {
	p.mu.Lock()
	p.calls["list"]++
	p.queries = append(p.queries, q)
	hook := p.listHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return remote.ListResult{}, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return remote.ListResult{}, p.listErr
	}
	var all []remote.Event
	if q.Cursor != "" {
		if p.invalid[q.Cursor] {
			return remote.ListResult{}, remote.ErrCursorInvalidated
		}
		all = append(all, p.changes...)
	} else {
		for _, e := range p.events {
			if !e.Cancelled() {
				all = append(all, e)
			}
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	}

	start := 0
	if q.PageToken != "" {
		fmt.Sscanf(q.PageToken, "%d", &start)
	}
	end := len(all)
	if p.pageSize > 0 && start+p.pageSize < end {
		end = start + p.pageSize
	}
	res := remote.ListResult{Events: all[start:end]}
	if end < len(all) {
		res.NextPageToken = fmt.Sprintf("%d", end)
	} else {
		res.NextCursor = p.cursor
	}
	return res, nil
}

func (p *fakeProvider) GetEvent(ctx context.Context, remoteID string) (remote.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["get"]++
	e, ok := p.events[remoteID]
	if !ok {
		return remote.Event{}, remote.ErrNotFound
	}
	return e, nil
}

func (p *fakeProvider) CreateEvent(ctx context.Context, pl remote.Payload) (remote.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["create"]++
	if p.createErr != nil {
		return remote.Event{}, p.createErr
	}
	id := fmt.Sprintf("remote-%d", len(p.events)+1)
	e := remote.Event{ID: id, CalendarID: "primary", ETag: p.nextETag(), Summary: pl.Summary,
		Description: pl.Description, Start: pl.Start, End: pl.End, Updated: p.now()}
	p.events[id] = e
	return e, nil
}

func (p *fakeProvider) UpdateEvent(ctx context.Context, remoteID string, pl remote.Payload, etag string) (remote.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["update"]++
	e, ok := p.events[remoteID]
	if !ok {
		return remote.Event{}, remote.ErrNotFound
	}
	if etag != e.ETag {
		return remote.Event{}, remote.ErrStaleWrite
	}
	e.Summary, e.Description, e.Start, e.End = pl.Summary, pl.Description, pl.Start, pl.End
	e.ETag = p.nextETag()
	e.Updated = p.now()
	p.events[remoteID] = e
	return e, nil
}

func (p *fakeProvider) DeleteEvent(ctx context.Context, remoteID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls["delete"]++
	if _, ok := p.events[remoteID]; !ok {
		return remote.ErrNotFound
	}
	delete(p.events, remoteID)
	return nil
}

type fakeAuth struct {
	mu     sync.Mutex
	err    error
	reauth int
}

func (a *fakeAuth) Authorize(ctx context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *fakeAuth) Reauthorize(ctx context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reauth++
	return a.err
}

type fakeConnector struct {
	p remote.Provider
}

func (c fakeConnector) Connect(ctx context.Context, userID string) (remote.Provider, error) {
	return c.p, nil
}

type revokedErr struct{}

func (revokedErr) Error() string           { return "refresh token revoked" }
func (revokedErr) ReconnectRequired() bool { return true }

type harness struct {
	clock    *testClock
	store    *memStore
	provider *fakeProvider
	auth     *fakeAuth
	engine   *Engine
}

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newHarness() *harness {
	clock := &testClock{cur: t0.Add(time.Hour)}
	h := &harness{
		clock: clock,
		store: newMemStore(),
		auth:  &fakeAuth{},
	}
	h.provider = newFakeProvider(clock.Now)
	tr := transport.New(transport.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		transport.WithWait(func(ctx context.Context, d time.Duration) error { return ctx.Err() }))
	m := mapper.New(time.UTC)
	m.NewID = func() string {
		return fmt.Sprintf("local-%d", clock.Now().UnixNano())
	}
	h.engine = New(h.store, h.store, h.auth, fakeConnector{p: h.provider}, Options{
		Transport: tr,
		Mapper:    m,
		Now:       clock.Now,
	})
	return h
}

// linked stores a local event and its remote twin as of t0.
func (h *harness) linked(id, remoteID, title string) model.CalendarEvent {
	synced := t0
	e := model.CalendarEvent{
		ID: id, UserID: "alice", Title: title, Date: "2024-06-03", StartTime: "10:00", EndTime: "11:00",
		Source: model.SourceLocal, RemoteID: remoteID, RemoteCalendarID: "primary", ETag: `"100"`,
		LastSyncedAt: &synced, SyncStatus: model.StatusSynced, CreatedAt: t0, UpdatedAt: t0,
	}
	h.store.put(e)
	p, _ := h.engine.mapper.ToRemote(e)
	h.provider.events[remoteID] = remote.Event{ID: remoteID, CalendarID: "primary", ETag: `"100"`,
		Summary: title, Start: p.Start, End: p.End, Updated: t0}
	_ = h.store.UpsertMapping(context.Background(), "alice", mappingOf(e))
	return e
}

func (h *harness) withCursor(cursor string) {
	synced := t0
	h.store.meta["alice"] = &model.SyncMetadata{UserID: "alice", Cursor: cursor, LastFullSyncAt: &synced}
}
