// Package sched wraps robfig/cron as the shared background-job scheduler.
// Jobs are registered and removed by id; invocations of one job never
// overlap (single-flight).
package sched

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job describes one periodic task. Cron is a standard five-field expression.
type Job struct {
	ID          string
	Cron        string
	Description string
	Execute     func()
}

// JobInfo is the introspection view of a registered job.
type JobInfo struct {
	ID          string
	Cron        string
	Description string
	Next        time.Time
}

// Scheduler owns the cron runner and the id → entry mapping.
type Scheduler struct {
	c *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	jobs    map[string]Job
}

// New creates a stopped Scheduler. Call Start after boot wiring.
func New() *Scheduler {
	return &Scheduler{
		c: cron.New(cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		entries: make(map[string]cron.EntryID),
		jobs:    make(map[string]Job),
	}
}

// RegisterJob installs a job. A job id can be registered only once; the cron
// expression is validated before installation.
func (s *Scheduler) RegisterJob(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("sched: empty job id")
	}
	if job.Execute == nil {
		return fmt.Errorf("sched: job %s has no execute func", job.ID)
	}
	if _, err := cron.ParseStandard(job.Cron); err != nil {
		return fmt.Errorf("sched: job %s: invalid cron %q: %w", job.ID, job.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[job.ID]; exists {
		return fmt.Errorf("sched: job %s already registered", job.ID)
	}

	id := job.ID
	entryID, err := s.c.AddFunc(job.Cron, func() {
		start := time.Now()
		job.Execute()
		if d := time.Since(start); d > time.Minute {
			log.Printf("[sched] job %s ran for %s", id, d.Round(time.Second))
		}
	})
	if err != nil {
		return fmt.Errorf("sched: add job %s: %w", job.ID, err)
	}
	s.entries[job.ID] = entryID
	s.jobs[job.ID] = job
	return nil
}

// UnregisterJob removes a job by id. Unknown ids are ignored.
func (s *Scheduler) UnregisterJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[id]
	if !ok {
		return
	}
	s.c.Remove(entryID)
	delete(s.entries, id)
	delete(s.jobs, id)
}

// Has reports whether a job id is currently registered.
func (s *Scheduler) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Jobs returns the registered jobs sorted by id, with next-fire times.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for id, job := range s.jobs {
		info := JobInfo{ID: id, Cron: job.Cron, Description: job.Description}
		if entry := s.c.Entry(s.entries[id]); entry.ID != 0 {
			info.Next = entry.Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start begins scheduling in its own goroutine.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.c.Stop()
	<-ctx.Done()
}
