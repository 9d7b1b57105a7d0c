// Package syncer reconciles a user's local events with their remote
// calendar. Each user has one session; at most one cycle runs per user.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	appLog "github.com/bobuk/calsync/internal/log"
	"github.com/bobuk/calsync/internal/mapper"
	"github.com/bobuk/calsync/internal/model"
	"github.com/bobuk/calsync/internal/remote"
	"github.com/bobuk/calsync/internal/transport"
)

var ErrDisconnected = errors.New("account disconnected, reconnect required")

const DefaultLookback = 90 * 24 * time.Hour

type EventStore interface {
	GetEvent(ctx context.Context, userID, id string) (*model.CalendarEvent, error)
	GetEventByRemoteID(ctx context.Context, userID, remoteID string) (*model.CalendarEvent, error)
	UpsertEvent(ctx context.Context, e *model.CalendarEvent) error
	// UpdateSyncFields must only write the sync-owned columns.
	UpdateSyncFields(ctx context.Context, userID, id string, f model.SyncFields) error
	DeleteEvent(ctx context.Context, userID, id string) error
	ListEventsModifiedSince(ctx context.Context, userID string, since *time.Time) ([]model.CalendarEvent, error)
}

type MetadataStore interface {
	// LoadMetadata returns nil, nil before the first successful cycle.
	LoadMetadata(ctx context.Context, userID string) (*model.SyncMetadata, error)
	SaveMetadata(ctx context.Context, md *model.SyncMetadata) error
	UpsertMapping(ctx context.Context, userID string, m model.EventMapping) error
	DeleteMapping(ctx context.Context, userID, localID string) error
}

// Authorizer makes sure the user holds usable credentials. Reauthorize is
// called after the provider rejected the current ones.
type Authorizer interface {
	Authorize(ctx context.Context, userID string) error
	Reauthorize(ctx context.Context, userID string) error
}

// Connector builds the provider bound to the user's linked calendar.
type Connector interface {
	Connect(ctx context.Context, userID string) (remote.Provider, error)
}

type Options struct {
	Lookback  time.Duration
	Transport *transport.Transport
	Mapper    mapper.Mapper
	Now       func() time.Time
}

type Engine struct {
	events    EventStore
	meta      MetadataStore
	auth      Authorizer
	connector Connector
	transport *transport.Transport
	mapper    mapper.Mapper
	lookback  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func New(events EventStore, meta MetadataStore, auth Authorizer, connector Connector, opts Options) *Engine {
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	if opts.Transport == nil {
		opts.Transport = transport.New(transport.DefaultPolicy())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Mapper.Location == nil {
		opts.Mapper = mapper.New(time.UTC)
	}
	opts.Mapper.Now = opts.Now
	return &Engine{
		events:    events,
		meta:      meta,
		auth:      auth,
		connector: connector,
		transport: opts.Transport,
		mapper:    opts.Mapper,
		lookback:  opts.Lookback,
		now:       opts.Now,
		sessions:  make(map[string]*session),
	}
}

func (e *Engine) session(userID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[userID]
	if !ok {
		s = newSession(userID)
		e.sessions[userID] = s
	}
	return s
}

// TriggerSync runs one cycle for the user. A call made while a cycle is
// already running waits for that cycle and returns its result.
func (e *Engine) TriggerSync(ctx context.Context, userID string) SyncResult {
	s := e.session(userID)

	s.mu.Lock()
	if c := s.inflight; c != nil {
		c.waiters++
		s.mu.Unlock()
		appLog.Debug("sync already running, joining", "user", userID)
		select {
		case <-c.done:
			return c.result
		case <-ctx.Done():
			r := SyncResult{UserID: userID, Error: ctx.Err().Error(), StartedAt: e.now()}
			r.finish(e.now())
			return r
		}
	}
	if s.disconnected {
		s.mu.Unlock()
		r := SyncResult{UserID: userID, Error: ErrDisconnected.Error(), ReconnectRequired: true, StartedAt: e.now()}
		r.finish(e.now())
		return r
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	c := &cycle{done: make(chan struct{})}
	s.inflight = c
	s.cancel = cancel
	s.state = StateSyncing
	s.mu.Unlock()

	result := e.runCycle(cycleCtx, s)
	cancel()

	s.mu.Lock()
	s.inflight = nil
	s.cancel = nil
	if result.Success {
		s.state = StateIdle
		s.lastError = ""
		finished := result.FinishedAt
		s.lastSyncAt = &finished
	} else {
		s.state = StateError
		s.lastError = result.Error
	}
	if result.ReconnectRequired {
		s.disconnected = true
		s.provider = nil
	}
	c.result = result
	close(c.done)
	s.mu.Unlock()

	if result.Success {
		appLog.Info("sync finished", "user", userID, "outcome", result.Outcome, "added", result.Added,
			"updated", result.Updated, "deleted", result.Deleted, "pushed", result.Pushed, "item_errors", len(result.Errors))
	} else {
		appLog.Error("sync failed", errors.New(result.Error), "user", userID, "reconnect_required", result.ReconnectRequired)
	}
	return result
}

func (e *Engine) SyncStatus(userID string) Status {
	s := e.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		UserID:    userID,
		State:     s.state,
		LastError: s.lastError,
		Connected: !s.disconnected,
	}
	if s.lastSyncAt != nil {
		t := *s.lastSyncAt
		st.LastSyncAt = &t
	}
	return st
}

// Connect re-enables syncing for a user after Disconnect or a revoked
// token.
func (e *Engine) Connect(userID string) {
	s := e.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = false
	s.provider = nil
	if s.state == StateError && s.inflight == nil {
		s.state = StateIdle
		s.lastError = ""
	}
}

// Disconnect aborts the running cycle, if any, before its next remote call
// and blocks further triggers until Connect. Effects already applied stay.
func (e *Engine) Disconnect(userID string) {
	s := e.session(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
	s.provider = nil
	if s.cancel != nil {
		s.cancel()
	}
	appLog.Info("account disconnected", "user", userID)
}

// Users lists users that have a session, sorted.
func (e *Engine) Users() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (e *Engine) provider(ctx context.Context, s *session) (remote.Provider, error) {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	p := s.provider
	s.mu.Unlock()

	if err := e.auth.Authorize(ctx, s.userID); err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}
	p, err := e.connector.Connect(ctx, s.userID)
	if err != nil {
		return nil, fmt.Errorf("connect provider: %w", err)
	}
	s.mu.Lock()
	if !s.disconnected {
		s.provider = p
	}
	s.mu.Unlock()
	return p, nil
}

func (e *Engine) refresher(userID string) transport.RefreshFunc {
	return func(ctx context.Context) error {
		return e.auth.Reauthorize(ctx, userID)
	}
}
