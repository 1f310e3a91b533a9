// Package scheduler decides when each mirror should sync, enforces
// at-most-one concurrent sync per mirror via the store's lease, and caps
// total parallelism with a fixed worker pool. Its shape uses a pollingCtx and
// a jobsCtx, a done channel signaling drain completion, and a force-shutdown
// path once the grace window elapses.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gitea-mirror/syncd/internal/metrics"
	"github.com/gitea-mirror/syncd/internal/store"
)

// TriggerResult is returned by TriggerManual.
type TriggerResult string

const (
	Accepted       TriggerResult = "accepted"
	AlreadyRunning TriggerResult = "already_running"
)

type job struct {
	mirrorID string
	trigger  store.Trigger
}

// Scheduler owns the planner goroutine and the worker pool.
type Scheduler struct {
	store  Store
	engine Engine
	log    *slog.Logger
	metric *metrics.Metrics

	workers         int
	defaultInterval time.Duration
	leaseTTL        time.Duration
	holderID        string

	jobs chan job
	wake chan struct{}
	sf   singleflight.Group

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	pollingCtx      context.Context
	shutdownPolling context.CancelFunc
	jobsCtx         context.Context
	shutdownJobs    context.CancelFunc
	done            chan struct{}
}

// Config configures a Scheduler.
type Config struct {
	Workers         int
	DefaultInterval time.Duration
	LeaseTTL        time.Duration
	HolderID        string // stable identifier for this process, used as the lease holder
}

// New builds a Scheduler. Call Start to begin the planner and worker pool.
func New(cfg Config, st Store, eng Engine, m *metrics.Metrics, log *slog.Logger) *Scheduler {
	pollingCtx, shutdownPolling := context.WithCancel(context.Background())
	jobsCtx, shutdownJobs := context.WithCancel(context.Background())

	return &Scheduler{
		store:           st,
		engine:          eng,
		log:             log,
		metric:          m,
		workers:         maxInt(1, cfg.Workers),
		defaultInterval: cfg.DefaultInterval,
		leaseTTL:        cfg.LeaseTTL,
		holderID:        cfg.HolderID,
		jobs:            make(chan job, 256),
		wake:            make(chan struct{}, 1),
		cancels:         make(map[string]context.CancelFunc),
		pollingCtx:      pollingCtx,
		shutdownPolling: shutdownPolling,
		jobsCtx:         jobsCtx,
		shutdownJobs:    shutdownJobs,
		done:            make(chan struct{}),
	}
}

// Start launches the planner and the worker pool. It returns immediately;
// call Shutdown to stop.
func (s *Scheduler) Start() {
	var wg sync.WaitGroup
	wg.Add(1 + s.workers)

	go func() {
		defer wg.Done()
		s.planLoop()
	}()
	for i := 0; i < s.workers; i++ {
		go func() {
			defer wg.Done()
			s.workerLoop()
		}()
	}

	go func() {
		wg.Wait()
		close(s.done)
	}()
}

// Shutdown stops issuing new jobs, signals in-flight jobs, and waits up to
// grace for them to finish before forcing cancellation.
func (s *Scheduler) Shutdown(ctx context.Context, grace time.Duration) {
	s.shutdownPolling()
	close(s.jobs)

	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	select {
	case <-s.done:
	case <-graceCtx.Done():
		s.log.Warn("scheduler: grace period elapsed, forcing job cancellation")
		s.shutdownJobs()
		<-s.done
	}
}

// planLoop wakes on the nearest due mirror's remaining time, or immediately
// on an explicit wake, and enqueues scheduled jobs for every due, enabled
// mirror.
func (s *Scheduler) planLoop() {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.pollingCtx.Done():
			return
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		next := s.enqueueDue()
		if next <= 0 {
			next = s.defaultInterval
		}
		timer.Reset(next)
	}
}

// enqueueDue scans all enabled mirrors, enqueues the due ones, and returns
// the wait until the next one becomes due.
func (s *Scheduler) enqueueDue() time.Duration {
	mirrors, err := s.store.ListMirrors(s.pollingCtx, store.ListFilter{EnabledOnly: true})
	if err != nil {
		s.log.Error("scheduler: list mirrors failed", "err", err)
		return s.defaultInterval
	}

	now := time.Now()
	nextDue := s.defaultInterval

	for _, m := range mirrors {
		interval := s.defaultInterval
		if m.SyncIntervalSeconds > 0 {
			interval = time.Duration(m.SyncIntervalSeconds) * time.Second
		}
		last := time.Time{}
		if m.LastAttemptAt != nil {
			last = *m.LastAttemptAt
		}
		due := last.Add(interval)
		if !now.Before(due) {
			s.submit(job{mirrorID: m.ID, trigger: store.TriggerScheduled})
			continue
		}
		if remaining := due.Sub(now); remaining < nextDue {
			nextDue = remaining
		}
	}
	return nextDue
}

func (s *Scheduler) submit(j job) {
	select {
	case s.jobs <- j:
	default:
		s.log.Warn("scheduler: job queue full, dropping job", "mirror_id", j.mirrorID)
	}
}

// TriggerManual enqueues an immediate sync for mirrorID, bypassing enabled
// and due checks. A trigger that arrives while a sync for the same mirror is
// already in flight is coalesced: the caller is told AlreadyRunning instead
// of being queued behind it.
func (s *Scheduler) TriggerManual(mirrorID string) TriggerResult {
	s.mu.Lock()
	_, running := s.cancels[mirrorID]
	s.mu.Unlock()
	if running {
		return AlreadyRunning
	}

	result := Accepted
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		_, err, shared := s.sf.Do(mirrorID, func() (interface{}, error) {
			s.submit(job{mirrorID: mirrorID, trigger: store.TriggerManual})
			return nil, nil
		})
		if shared {
			result = AlreadyRunning
		}
		_ = err
	}()
	<-doneCh
	return result
}

// TriggerAll enqueues every enabled mirror, bypassing the due check.
func (s *Scheduler) TriggerAll(ctx context.Context) error {
	mirrors, err := s.store.ListMirrors(ctx, store.ListFilter{EnabledOnly: true})
	if err != nil {
		return fmt.Errorf("trigger all: %w", err)
	}
	for _, m := range mirrors {
		s.submit(job{mirrorID: m.ID, trigger: store.TriggerManual})
	}
	return nil
}

// Cancel trips the cancellation token for mirrorID's in-flight sync, if any.
// It reports whether a job was actually cancelled.
func (s *Scheduler) Cancel(mirrorID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[mirrorID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (s *Scheduler) workerLoop() {
	for j := range s.jobs {
		s.runJob(j)
	}
}

func (s *Scheduler) runJob(j job) {
	granted, stolen, err := s.store.AcquireLease(s.jobsCtx, j.mirrorID, s.holderID, s.leaseTTL)
	if err != nil {
		s.log.Error("scheduler: acquire lease failed", "mirror_id", j.mirrorID, "err", err)
		return
	}
	if !granted {
		// Another worker holds the lease; the next scheduled tick will
		// re-enqueue if still due.
		return
	}
	if stolen {
		s.log.Warn("scheduler: reclaimed expired lease", "mirror_id", j.mirrorID)
		if s.metric != nil {
			s.metric.LeaseSteals.WithLabelValues(j.mirrorID).Inc()
		}
	}

	jobCtx, cancel := context.WithCancel(s.jobsCtx)
	s.mu.Lock()
	s.cancels[j.mirrorID] = cancel
	s.mu.Unlock()

	if s.metric != nil {
		s.metric.ActiveSyncs.Inc()
	}

	_, err = s.engine.Sync(jobCtx, j.mirrorID, j.trigger)

	if s.metric != nil {
		s.metric.ActiveSyncs.Dec()
	}

	s.mu.Lock()
	delete(s.cancels, j.mirrorID)
	s.mu.Unlock()
	cancel()

	if err != nil {
		s.log.Error("scheduler: sync failed to even run", "mirror_id", j.mirrorID, "err", err)
		if relErr := s.store.ReleaseLease(context.Background(), j.mirrorID, s.holderID); relErr != nil {
			s.log.Error("scheduler: release lease after failed sync", "mirror_id", j.mirrorID, "err", relErr)
		}
	}
	// On a normal return, Engine.Sync's FinalizeAttempt already released
	// the lease and flipped last_status away from running.
}

// Wake nudges the planner to re-scan immediately, used after a mirror is
// created, updated, or re-enabled.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
