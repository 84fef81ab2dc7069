// Package cron runs named housekeeping jobs on seconds-first cron schedules.
package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const stopTimeout = 5 * time.Second

// Job status values recorded after each run.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// JobFunc is the work a job performs. The returned string is logged.
type JobFunc func(ctx context.Context) (string, error)

// JobState describes a registered job and its last run.
type JobState struct {
	Name       string
	Schedule   string
	LastRunAt  time.Time
	LastStatus string
	LastError  string
	Runs       int
}

type job struct {
	state JobState
	fn    JobFunc
	entry rcron.EntryID
}

type Service struct {
	logger *zap.SugaredLogger

	mu      sync.Mutex
	cron    *rcron.Cron
	jobs    map[string]*job
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

func NewService(logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{
		logger: logger,
		cron:   rcron.New(rcron.WithSeconds()),
		jobs:   make(map[string]*job),
	}
}

// AddJob registers fn under name. Names are unique; the schedule is validated
// immediately.
func (s *Service) AddJob(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{state: JobState{Name: name, Schedule: schedule}, fn: fn}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, schedule, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

func (s *Service) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.entry)
	delete(s.jobs, name)
	return true
}

// ListJobs returns a snapshot of every job, ordered by name.
func (s *Service) ListJobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.state)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunNow executes the named job synchronously.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not found", name)
	}
	s.execute(name)
	return nil
}

func (s *Service) execute(name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Debugw("executing job", "job", name)
	result, err := j.fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.state.LastRunAt = time.Now()
	j.state.Runs++
	if err != nil {
		j.state.LastStatus = StatusError
		j.state.LastError = err.Error()
		s.logger.Errorw("job failed", "job", name, "error", err)
		return
	}
	j.state.LastStatus = StatusOK
	j.state.LastError = ""
	s.logger.Infow("job finished", "job", name, "result", result)
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cron already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Infow("started", "jobs", n)
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopTimeout):
		s.logger.Warnw("stop timeout waiting for running jobs")
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Infow("stopped")
}
