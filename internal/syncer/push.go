package syncer

import (
	"context"
	"errors"

	"github.com/bobuk/calsync/internal/conflict"
	appLog "github.com/bobuk/calsync/internal/log"
	"github.com/bobuk/calsync/internal/model"
	"github.com/bobuk/calsync/internal/remote"
	"github.com/bobuk/calsync/internal/transport"
)

type PushOp int

const (
	PushUpsert PushOp = iota
	PushDelete
)

type pushAction int

const (
	actionNone pushAction = iota
	actionPushed
	// actionPulled means a stale write was resolved in favour of the
	// remote copy.
	actionPulled
)

// Push sends one local mutation to the remote calendar right away. For
// PushDelete the local record is removed as well; an event that was never
// linked is deleted without contacting the provider.
func (e *Engine) Push(ctx context.Context, userID, localID string, op PushOp) error {
	s := e.session(userID)
	if op == PushDelete {
		ev, err := e.events.GetEvent(ctx, userID, localID)
		if err != nil {
			return err
		}
		if !ev.Linked() {
			return e.pushDelete(ctx, s, nil, localID)
		}
	}

	p, err := e.provider(ctx, s)
	if err == nil {
		if op == PushDelete {
			err = e.pushDelete(ctx, s, p, localID)
		} else {
			_, err = e.pushEvent(ctx, s, p, localID, nil)
		}
	}
	if err != nil && reconnectRequired(err) {
		s.mu.Lock()
		s.disconnected = true
		s.provider = nil
		s.mu.Unlock()
	}
	return err
}

func (e *Engine) pushEvent(ctx context.Context, s *session, p remote.Provider, localID string, mappings *mappingSet) (pushAction, error) {
	unlock := s.eventLocks.Lock(localID)
	defer unlock()

	userID := s.userID
	ev, err := e.events.GetEvent(ctx, userID, localID)
	if err != nil {
		return actionNone, err
	}
	if err := ev.Validate(); err != nil {
		e.markError(ctx, userID, ev)
		return actionNone, err
	}
	payload, err := e.mapper.ToRemote(*ev)
	if err != nil {
		e.markError(ctx, userID, ev)
		return actionNone, err
	}

	if !ev.Linked() {
		return e.create(ctx, userID, p, ev, payload, mappings)
	}

	updated, err := transport.Execute(ctx, e.transport, "update event", e.refresher(userID), func(ctx context.Context) (remote.Event, error) {
		return p.UpdateEvent(ctx, ev.RemoteID, payload, ev.ETag)
	})
	if err == nil {
		return actionPushed, e.link(ctx, userID, ev, updated, p.CalendarID(), mappings)
	}
	switch transport.KindOf(err) {
	case transport.KindStaleWrite:
		return e.reconcileStale(ctx, userID, p, ev, payload, mappings)
	case transport.KindNotFound:
		appLog.Info("remote event gone, recreating", "user", userID, "event", ev.ID, "remote_id", ev.RemoteID)
		ev.Unlink()
		return e.create(ctx, userID, p, ev, payload, mappings)
	}
	if !abortsCycle(err) {
		e.markError(ctx, userID, ev)
	}
	return actionNone, err
}

// reconcileStale runs after the provider rejected an update because the
// remote copy moved on. The fresh copy and the resolver decide who wins.
func (e *Engine) reconcileStale(ctx context.Context, userID string, p remote.Provider, ev *model.CalendarEvent, payload remote.Payload, mappings *mappingSet) (pushAction, error) {
	fresh, err := transport.Execute(ctx, e.transport, "get event", e.refresher(userID), func(ctx context.Context) (remote.Event, error) {
		return p.GetEvent(ctx, ev.RemoteID)
	})
	if err != nil {
		if transport.KindOf(err) == transport.KindNotFound {
			ev.Unlink()
			return e.create(ctx, userID, p, ev, payload, mappings)
		}
		if !abortsCycle(err) {
			e.markError(ctx, userID, ev)
		}
		return actionNone, err
	}

	if fresh.Cancelled() || conflict.Resolve(*ev, fresh) == conflict.KeepRemote {
		appLog.Info("stale write, keeping remote copy", "user", userID, "event", ev.ID)
		if fresh.Cancelled() {
			if err := e.events.DeleteEvent(ctx, userID, ev.ID); err != nil {
				return actionNone, err
			}
			return actionPulled, e.untrack(ctx, userID, ev.ID, mappings)
		}
		return actionPulled, e.overwrite(ctx, userID, ev, fresh, p.CalendarID(), mappings)
	}

	appLog.Info("stale write, keeping local copy", "user", userID, "event", ev.ID)
	updated, err := transport.Execute(ctx, e.transport, "update event", e.refresher(userID), func(ctx context.Context) (remote.Event, error) {
		return p.UpdateEvent(ctx, ev.RemoteID, payload, fresh.ETag)
	})
	if err != nil {
		if !abortsCycle(err) {
			e.markError(ctx, userID, ev)
		}
		return actionNone, err
	}
	return actionPushed, e.link(ctx, userID, ev, updated, p.CalendarID(), mappings)
}

func (e *Engine) create(ctx context.Context, userID string, p remote.Provider, ev *model.CalendarEvent, payload remote.Payload, mappings *mappingSet) (pushAction, error) {
	created, err := transport.Execute(ctx, e.transport, "create event", e.refresher(userID), func(ctx context.Context) (remote.Event, error) {
		return p.CreateEvent(ctx, payload)
	})
	if err != nil {
		if !abortsCycle(err) {
			e.markError(ctx, userID, ev)
		}
		return actionNone, err
	}
	return actionPushed, e.link(ctx, userID, ev, created, p.CalendarID(), mappings)
}

// link records that ev and r are now the same version.
func (e *Engine) link(ctx context.Context, userID string, ev *model.CalendarEvent, r remote.Event, calendarID string, mappings *mappingSet) error {
	now := e.now()
	f := model.SyncFields{
		Source:           ev.Source,
		RemoteID:         r.ID,
		RemoteCalendarID: calendarID,
		ETag:             r.ETag,
		LastSyncedAt:     &now,
		SyncStatus:       model.StatusSynced,
	}
	if f.Source == "" {
		f.Source = model.SourceLocal
	}
	if err := e.events.UpdateSyncFields(ctx, userID, ev.ID, f); err != nil {
		return err
	}
	ev.ApplySyncFields(f)
	return e.track(ctx, userID, mappingOf(*ev), mappings)
}

func (e *Engine) markError(ctx context.Context, userID string, ev *model.CalendarEvent) {
	f := ev.SyncFields()
	f.SyncStatus = model.StatusError
	if err := e.events.UpdateSyncFields(ctx, userID, ev.ID, f); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("cannot mark event as failed", err, "user", userID, "event", ev.ID)
	}
}

func (e *Engine) pushDelete(ctx context.Context, s *session, p remote.Provider, localID string) error {
	unlock := s.eventLocks.Lock(localID)
	defer unlock()

	userID := s.userID
	ev, err := e.events.GetEvent(ctx, userID, localID)
	if errors.Is(err, model.ErrNotFound) {
		return e.meta.DeleteMapping(ctx, userID, localID)
	}
	if err != nil {
		return err
	}
	if ev.Linked() && p != nil {
		err := transport.Do(ctx, e.transport, "delete event", e.refresher(userID), func(ctx context.Context) error {
			return p.DeleteEvent(ctx, ev.RemoteID)
		})
		if err != nil && transport.KindOf(err) != transport.KindNotFound {
			return err
		}
	}
	if err := e.events.DeleteEvent(ctx, userID, localID); err != nil {
		return err
	}
	return e.meta.DeleteMapping(ctx, userID, localID)
}
