// Package gc reclaims resources the normal request path leaves behind:
// idle sessions, expired sandboxes, orphaned cargo rows, and containers
// nothing references anymore.
package gc

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/log"
	"github.com/shipyard-neo/bay/pkg/metrics"
)

// Task is one reclamation pass. Tasks must be idempotent; the scheduler
// may run them again before the previous cycle's effects are visible.
type Task interface {
	Name() string
	Run(ctx context.Context) (cleaned int, err error)
}

// Coordinator gates cycle execution across replicas. The single-replica
// coordinator always grants; a multi-replica deployment swaps in one
// backed by shared storage.
type Coordinator interface {
	// TryAcquire returns a release func when this instance may run a
	// cycle, nil when another instance holds the slot.
	TryAcquire(ctx context.Context) (func(), bool)
}

// SingleReplica is the default coordinator: always grants.
type SingleReplica struct{}

func (SingleReplica) TryAcquire(ctx context.Context) (func(), bool) {
	return func() {}, true
}

// TaskResult is the outcome of one task in a cycle.
type TaskResult struct {
	Cleaned int    `json:"cleaned"`
	Error   string `json:"error,omitempty"`
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Tasks      map[string]TaskResult `json:"tasks"`
}

// TotalCleaned sums cleanups across tasks.
func (c *CycleResult) TotalCleaned() int {
	n := 0
	for _, t := range c.Tasks {
		n += t.Cleaned
	}
	return n
}

// Scheduler runs the task list serially on a fixed interval. Exactly one
// cycle runs at a time; a manual trigger during a cycle is refused rather
// than queued.
type Scheduler struct {
	tasks       []Task
	interval    time.Duration
	coordinator Coordinator
	logger      zerolog.Logger

	cycleMu sync.Mutex

	stateMu sync.Mutex
	lastRun *CycleResult

	stopCh  chan struct{}
	stopped sync.Once
}

func NewScheduler(tasks []Task, interval time.Duration, coordinator Coordinator) *Scheduler {
	if coordinator == nil {
		coordinator = SingleReplica{}
	}
	return &Scheduler{
		tasks:       tasks,
		interval:    interval,
		coordinator: coordinator,
		logger:      log.WithComponent("gc"),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the periodic loop. When runOnStartup is set, one cycle runs
// before the first tick.
func (s *Scheduler) Start(runOnStartup bool) {
	go func() {
		if runOnStartup {
			if _, err := s.RunOnce(context.Background(), nil); err != nil && !bayerr.HasCode(err, bayerr.CodeLocked) {
				s.logger.Error().Err(err).Msg("startup gc cycle failed")
			}
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.RunOnce(context.Background(), nil); err != nil && !bayerr.HasCode(err, bayerr.CodeLocked) {
					s.logger.Error().Err(err).Msg("gc cycle failed")
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop. A cycle in flight finishes.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
}

// RunOnce runs one cycle now. A nil or empty task filter runs everything;
// otherwise only the named tasks run, in the scheduler's fixed order.
// Returns locked if a cycle is already running.
func (s *Scheduler) RunOnce(ctx context.Context, only []string) (*CycleResult, error) {
	if !s.cycleMu.TryLock() {
		return nil, bayerr.Locked("a gc cycle is already running")
	}
	defer s.cycleMu.Unlock()

	release, ok := s.coordinator.TryAcquire(ctx)
	if !ok {
		return nil, bayerr.Locked("another instance is running gc")
	}
	defer release()

	want := make(map[string]bool, len(only))
	for _, name := range only {
		want[name] = true
	}

	result := &CycleResult{
		StartedAt: time.Now().UTC(),
		Tasks:     make(map[string]TaskResult),
	}

	for _, task := range s.tasks {
		if len(want) > 0 && !want[task.Name()] {
			continue
		}
		cleaned, err := task.Run(ctx)
		tr := TaskResult{Cleaned: cleaned}
		if err != nil {
			tr.Error = err.Error()
			metrics.GCErrorsTotal.WithLabelValues(task.Name()).Inc()
			s.logger.Error().Err(err).Str("task", task.Name()).Msg("gc task failed")
		}
		if cleaned > 0 {
			metrics.GCCleanedTotal.WithLabelValues(task.Name()).Add(float64(cleaned))
			s.logger.Info().Str("task", task.Name()).Int("cleaned", cleaned).Msg("gc task reclaimed resources")
		}
		result.Tasks[task.Name()] = tr
	}

	result.FinishedAt = time.Now().UTC()
	metrics.GCCyclesTotal.Inc()

	s.stateMu.Lock()
	s.lastRun = result
	s.stateMu.Unlock()

	return result, nil
}

// LastRun returns the most recent cycle result, nil before the first.
func (s *Scheduler) LastRun() *CycleResult {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastRun
}
