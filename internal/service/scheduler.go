package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/qr-claim/internal/metrics"
)

// Task is a periodic background job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs each task on its own ticker.  A run always finishes (or
// hits the per-tick timeout) before the task's next run starts; ticks that
// fire meanwhile are dropped, so a task never overlaps itself.
type Scheduler struct {
	tasks   []Task
	timeout time.Duration
	metrics *metrics.Engine
	logger  *log.Logger
}

func NewScheduler(tickTimeout time.Duration, m *metrics.Engine, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	if tickTimeout <= 0 {
		tickTimeout = time.Minute
	}
	return &Scheduler{timeout: tickTimeout, metrics: m, logger: logger}
}

// Add registers a task.  Tasks with a non-positive interval are ignored.
func (s *Scheduler) Add(name string, interval time.Duration, run func(ctx context.Context) error) {
	if interval <= 0 || run == nil {
		return
	}
	s.tasks = append(s.tasks, Task{Name: name, Interval: interval, Run: run})
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		g.Go(func() error {
			s.loop(ctx, t)
			return nil
		})
	}
	s.logf("scheduler: started %d tasks", len(s.tasks))
	err := g.Wait()
	s.logf("scheduler: stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	s.runOnce(ctx, t)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	if err := safeRun(tctx, t.Run); err != nil && ctx.Err() == nil {
		s.logf("scheduler: %s: %v", t.Name, err)
	}
	s.metrics.ObserveTick(t.Name, time.Since(start).Seconds())
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
