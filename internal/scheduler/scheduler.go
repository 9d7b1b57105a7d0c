// Package scheduler drives sync cycles from a cron schedule and from
// network-restored signals.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"

	appLog "github.com/bobuk/calsync/internal/log"
	"github.com/bobuk/calsync/internal/syncer"
)

const DefaultSchedule = "@every 30m"

type Trigger interface {
	TriggerSync(ctx context.Context, userID string) syncer.SyncResult
}

type Scheduler struct {
	ctx      context.Context
	trigger  Trigger
	schedule cron.Schedule
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New parses spec (standard cron or descriptors such as "@every 30m").
// Jobs run with ctx until it is cancelled.
func New(ctx context.Context, trigger Trigger, spec string) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sync schedule %q: %w", spec, err)
	}
	logger := cronLogger{}
	return &Scheduler{
		ctx:      ctx,
		trigger:  trigger,
		schedule: schedule,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		entries: make(map[string]cron.EntryID),
	}, nil
}

// Add schedules periodic syncs for userID. Adding a user twice is a no-op.
func (s *Scheduler) Add(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[userID]; ok {
		return
	}
	s.entries[userID] = s.cron.Schedule(s.schedule, s.job(userID))
	appLog.Debug("scheduled periodic sync", "user", userID)
}

// Remove stops periodic syncs for userID.
func (s *Scheduler) Remove(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[userID]; ok {
		s.cron.Remove(id)
		delete(s.entries, userID)
	}
}

func (s *Scheduler) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.entries))
	for u := range s.entries {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (s *Scheduler) job(userID string) cron.Job {
	return cron.FuncJob(func() {
		if s.ctx.Err() != nil {
			return
		}
		s.trigger.TriggerSync(s.ctx, userID)
	})
}

// NetworkRestored triggers a cycle for every scheduled user and waits for
// all of them.
func (s *Scheduler) NetworkRestored(ctx context.Context) map[string]syncer.SyncResult {
	users := s.Users()
	appLog.Info("network restored, syncing", "users", len(users))

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]syncer.SyncResult, len(users))
	)
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			r := s.trigger.TriggerSync(ctx, userID)
			mu.Lock()
			results[userID] = r
			mu.Unlock()
		}(u)
	}
	wg.Wait()
	return results
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and returns a context done once running jobs
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
