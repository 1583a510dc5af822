// Package scheduler invokes the detector and executor on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Poller is the part of the engine the scheduler drives. Satisfied by
// *engine.Engine.
type Poller interface {
	DetectAndEnroll(ctx context.Context) (int, error)
	AdvancePendingRuns(ctx context.Context, batchLimit int) (int, int, error)
}

// Job names.
const (
	JobDetect  = "detect"
	JobAdvance = "advance"
)

// Job is a named function run on a cron schedule.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Options configure a Scheduler.
type Options struct {
	// RunOnStart fires every job once as soon as Start is called.
	RunOnStart bool
	Location   *time.Location
}

// Scheduler fires jobs on their schedules. A job that is still running when
// its next tick arrives is skipped for that tick, so one process never
// overlaps itself; overlapping with other processes is the store's business.
type Scheduler struct {
	jobs   []Job
	parser cron.Parser
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	initial sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewParser returns the cron parser used for job specs: five fields with an
// optional leading seconds field, plus descriptors such as "@every 30s".
func NewParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// NewScheduler creates a Scheduler for jobs. Every spec is parsed up front.
func NewScheduler(logger *slog.Logger, opts Options, jobs ...Job) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	s := &Scheduler{
		jobs:     jobs,
		parser:   NewParser(),
		opts:     opts,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if j.Name == "" || j.Run == nil {
			return nil, fmt.Errorf("scheduler job needs a name and a function")
		}
		if seen[j.Name] {
			return nil, fmt.Errorf("duplicate scheduler job %q", j.Name)
		}
		seen[j.Name] = true
		if _, err := s.parser.Parse(j.Spec); err != nil {
			return nil, fmt.Errorf("job %q: parse cron expression %q: %w", j.Name, j.Spec, err)
		}
	}
	return s, nil
}

// PollerJobs returns the detect and advance jobs for p.
func PollerJobs(p Poller, detectSpec, advanceSpec string, batchLimit int) []Job {
	return []Job{
		{Name: JobDetect, Spec: detectSpec, Run: func(ctx context.Context) error {
			_, err := p.DetectAndEnroll(ctx)
			return err
		}},
		{Name: JobAdvance, Spec: advanceSpec, Run: func(ctx context.Context) error {
			_, _, err := p.AdvancePendingRuns(ctx, batchLimit)
			return err
		}},
	}
}

// Start schedules every job. Jobs run with a context derived from ctx that
// is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.opts.Location), cron.WithLogger(cronLogger{s.logger}))
	for _, j := range s.jobs {
		sched, err := s.parser.Parse(j.Spec)
		if err != nil {
			cancel()
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
		c.Schedule(sched, cron.FuncJob(func() { s.fire(runCtx, j) }))
	}
	s.cron = c
	s.cancel = cancel
	c.Start()

	if s.opts.RunOnStart {
		for _, j := range s.jobs {
			s.initial.Add(1)
			go func() {
				defer s.initial.Done()
				s.fire(runCtx, j)
			}()
		}
	}
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}

	s.cancel()
	<-s.cron.Stop().Done()
	s.initial.Wait()
	s.cron = nil
	s.cancel = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RunNow fires the named job synchronously, honouring the in-flight check.
// It reports whether the job ran.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	for _, j := range s.jobs {
		if j.Name == name {
			if !s.tryAcquire(name) {
				return false, nil
			}
			defer s.releaseJob(name)
			return true, j.Run(ctx)
		}
	}
	return false, fmt.Errorf("unknown scheduler job %q", name)
}

// Entry describes a scheduled job.
type Entry struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	NextRun time.Time `json:"next_run"`
	Running bool      `json:"running"`
}

// Entries lists jobs with their next fire time after now.
func (s *Scheduler) Entries(now time.Time) []Entry {
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		next, _ := s.CalculateNextRun(j.Spec, now)
		out = append(out, Entry{Name: j.Name, Spec: j.Spec, NextRun: next, Running: s.running(j.Name)})
	}
	return out
}

func (s *Scheduler) fire(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	if !s.tryAcquire(j.Name) {
		s.logger.Debug("scheduled job still running, skipping tick", slog.String("job", j.Name))
		return
	}
	defer s.releaseJob(j.Name)

	start := time.Now()
	if err := j.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed",
			slog.String("job", j.Name),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("scheduled job finished", slog.String("job", j.Name), slog.Duration("elapsed", time.Since(start)))
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

func (s *Scheduler) running(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	_, ok := s.inflight[name]
	return ok
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from.In(s.opts.Location)), nil
}

// cronLogger routes the cron library's own messages to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
