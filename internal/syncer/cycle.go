package syncer

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bobuk/calsync/internal/conflict"
	appLog "github.com/bobuk/calsync/internal/log"
	"github.com/bobuk/calsync/internal/model"
	"github.com/bobuk/calsync/internal/remote"
	"github.com/bobuk/calsync/internal/transport"
)

// abortsCycle reports errors that end the whole cycle rather than a single
// event.
func abortsCycle(err error) bool {
	if errors.Is(err, ErrDisconnected) {
		return true
	}
	switch transport.KindOf(err) {
	case transport.KindAuth, transport.KindCanceled, transport.KindTransient:
		return true
	}
	return false
}

func reconnectRequired(err error) bool {
	return errors.Is(err, ErrDisconnected) || transport.KindOf(err) == transport.KindAuth
}

func (e *Engine) runCycle(ctx context.Context, s *session) SyncResult {
	userID := s.userID
	res := SyncResult{UserID: userID, StartedAt: e.now()}
	fail := func(err error) SyncResult {
		res.Error = err.Error()
		res.ReconnectRequired = reconnectRequired(err)
		res.finish(e.now())
		return res
	}

	p, err := e.provider(ctx, s)
	if err != nil {
		return fail(err)
	}
	md, err := e.meta.LoadMetadata(ctx, userID)
	if err != nil {
		return fail(err)
	}
	if md == nil {
		md = &model.SyncMetadata{UserID: userID}
	}
	lastCycle := md.LastCycleAt()

	pulled, err := e.pull(ctx, userID, p, md.Cursor)
	if err != nil {
		return fail(err)
	}
	res.FullSync = pulled.full
	appLog.Debug("pulled remote events", "user", userID, "count", len(pulled.events), "full", pulled.full)

	mappings := newMappingSet(md.Mappings)
	scheduled := make(map[string]bool)
	for _, r := range pulled.events {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := e.mergeOne(ctx, s, p, r, mappings, scheduled, &res); err != nil {
			if abortsCycle(err) {
				return fail(err)
			}
			appLog.Error("merge failed", err, "user", userID, "remote_id", r.ID)
			res.itemError("merge", "", r.ID, err)
		}
	}

	var since *time.Time
	if !lastCycle.IsZero() {
		since = &lastCycle
	}
	candidates, err := e.events.ListEventsModifiedSince(ctx, userID, since)
	if err != nil {
		return fail(err)
	}
	ids := make(map[string]bool, len(candidates)+len(scheduled))
	for _, ev := range candidates {
		if ev.LocallyModified() {
			ids[ev.ID] = true
		}
	}
	for id := range scheduled {
		ids[id] = true
	}
	order := make([]string, 0, len(ids))
	for id := range ids {
		order = append(order, id)
	}
	sort.Strings(order)

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		action, err := e.pushEvent(ctx, s, p, id, mappings)
		if err != nil {
			if abortsCycle(err) {
				return fail(err)
			}
			appLog.Error("push failed", err, "user", userID, "event", id)
			res.itemError("push", id, "", err)
			continue
		}
		switch action {
		case actionPushed:
			res.Pushed++
		case actionPulled:
			res.Updated++
		}
	}

	md.Cursor = pulled.cursor
	// Edits made while this cycle ran are newer than StartedAt and get
	// picked up next time.
	started := res.StartedAt
	if pulled.full {
		md.LastFullSyncAt = &started
	} else {
		md.LastIncrementalSyncAt = &started
	}
	md.Mappings = mappings.sorted()
	if err := e.meta.SaveMetadata(ctx, md); err != nil {
		return fail(err)
	}
	res.finish(e.now())
	return res
}

type pullResult struct {
	events []remote.Event
	cursor string
	full   bool
}

// pull lists changes since cursor, or the look-back window when the cursor
// is empty or the provider rejects it.
func (e *Engine) pull(ctx context.Context, userID string, p remote.Provider, cursor string) (pullResult, error) {
	if cursor != "" {
		events, next, err := e.listAll(ctx, userID, p, remote.ListQuery{Cursor: cursor})
		if err == nil {
			return pullResult{events: events, cursor: next}, nil
		}
		if transport.KindOf(err) != transport.KindCursorInvalidated {
			return pullResult{}, err
		}
		appLog.Info("sync cursor invalidated, running full sync", "user", userID)
	}
	events, next, err := e.listAll(ctx, userID, p, remote.ListQuery{TimeMin: e.now().Add(-e.lookback)})
	if err != nil {
		return pullResult{}, err
	}
	return pullResult{events: events, cursor: next, full: true}, nil
}

func (e *Engine) listAll(ctx context.Context, userID string, p remote.Provider, q remote.ListQuery) ([]remote.Event, string, error) {
	var all []remote.Event
	for {
		page, err := transport.Execute(ctx, e.transport, "list events", e.refresher(userID), func(ctx context.Context) (remote.ListResult, error) {
			return p.ListEvents(ctx, q)
		})
		if err != nil {
			return nil, "", err
		}
		all = append(all, page.Events...)
		if page.NextPageToken == "" {
			return all, page.NextCursor, nil
		}
		q.PageToken = page.NextPageToken
	}
}

func (e *Engine) mergeOne(ctx context.Context, s *session, p remote.Provider, r remote.Event, mappings *mappingSet, scheduled map[string]bool, res *SyncResult) error {
	userID := s.userID
	found, err := e.events.GetEventByRemoteID(ctx, userID, r.ID)
	if errors.Is(err, model.ErrNotFound) {
		if r.Cancelled() {
			return nil
		}
		ev := e.mapper.ToLocal(r, p.CalendarID())
		ev.UserID = userID
		if err := e.events.UpsertEvent(ctx, &ev); err != nil {
			return err
		}
		res.Added++
		return e.track(ctx, userID, mappingOf(ev), mappings)
	}
	if err != nil {
		return err
	}

	unlock := s.eventLocks.Lock(found.ID)
	defer unlock()
	local, err := e.events.GetEvent(ctx, userID, found.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	localChanged := local.LocallyModified()

	if r.Cancelled() {
		if localChanged && conflict.Resolve(*local, r) == conflict.KeepLocal {
			// The local edit survives as a new remote event.
			local.Unlink()
			if err := e.events.UpdateSyncFields(ctx, userID, local.ID, local.SyncFields()); err != nil {
				return err
			}
			scheduled[local.ID] = true
			return e.untrack(ctx, userID, local.ID, mappings)
		}
		if err := e.events.DeleteEvent(ctx, userID, local.ID); err != nil {
			return err
		}
		res.Deleted++
		return e.untrack(ctx, userID, local.ID, mappings)
	}

	remoteChanged := r.ETag != local.ETag
	switch {
	case !remoteChanged && !localChanged:
		mappings.set(mappingOf(*local))
		return nil
	case !localChanged:
		res.Updated++
		return e.overwrite(ctx, userID, local, r, p.CalendarID(), mappings)
	case !remoteChanged:
		scheduled[local.ID] = true
		return nil
	}

	decision := conflict.Resolve(*local, r)
	appLog.Debug("both sides changed", "user", userID, "event", local.ID, "decision", decision)
	if decision == conflict.KeepRemote {
		res.Updated++
		return e.overwrite(ctx, userID, local, r, p.CalendarID(), mappings)
	}
	// Push against the version just seen so the update is not stale.
	f := local.SyncFields()
	f.ETag = r.ETag
	f.SyncStatus = model.StatusPending
	if err := e.events.UpdateSyncFields(ctx, userID, local.ID, f); err != nil {
		return err
	}
	scheduled[local.ID] = true
	return nil
}

// overwrite replaces local content with the remote copy.
func (e *Engine) overwrite(ctx context.Context, userID string, local *model.CalendarEvent, r remote.Event, calendarID string, mappings *mappingSet) error {
	fresh := e.mapper.ToLocal(r, calendarID)
	fresh.ID = local.ID
	fresh.UserID = userID
	fresh.CreatedAt = local.CreatedAt
	if err := e.events.UpsertEvent(ctx, &fresh); err != nil {
		return err
	}
	*local = fresh
	return e.track(ctx, userID, mappingOf(fresh), mappings)
}

// track persists a link as soon as its event row is written, so the
// mapping table always agrees with the events even when the cycle aborts
// later. Only the cursor and cycle timestamps wait for SaveMetadata.
func (e *Engine) track(ctx context.Context, userID string, m model.EventMapping, mappings *mappingSet) error {
	mappings.set(m)
	return e.meta.UpsertMapping(ctx, userID, m)
}

func (e *Engine) untrack(ctx context.Context, userID, localID string, mappings *mappingSet) error {
	mappings.remove(localID)
	return e.meta.DeleteMapping(ctx, userID, localID)
}

func mappingOf(ev model.CalendarEvent) model.EventMapping {
	m := model.EventMapping{
		LocalID:          ev.ID,
		RemoteID:         ev.RemoteID,
		RemoteCalendarID: ev.RemoteCalendarID,
		ETag:             ev.ETag,
	}
	if ev.LastSyncedAt != nil {
		m.LastSyncedAt = *ev.LastSyncedAt
	}
	return m
}

// mappingSet is the cycle's working copy of the metadata mappings. A nil
// set ignores writes.
type mappingSet struct {
	byLocal map[string]model.EventMapping
}

func newMappingSet(ms []model.EventMapping) *mappingSet {
	set := &mappingSet{byLocal: make(map[string]model.EventMapping, len(ms))}
	for _, m := range ms {
		set.byLocal[m.LocalID] = m
	}
	return set
}

func (s *mappingSet) set(m model.EventMapping) {
	if s == nil {
		return
	}
	s.byLocal[m.LocalID] = m
}

func (s *mappingSet) remove(localID string) {
	if s == nil {
		return
	}
	delete(s.byLocal, localID)
}

func (s *mappingSet) sorted() []model.EventMapping {
	out := make([]model.EventMapping, 0, len(s.byLocal))
	for _, m := range s.byLocal {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}
