// Package schedule plans and drives one trading day of pipeline jobs:
// a snapshot per grid slot, the close-and-rollup pass after the bell,
// and the enrichment pass the next morning.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/optlake/optlake/internal/calendar"
)

// JobKind names one schedulable unit of work.
type JobKind string

const (
	KindSnapshot            JobKind = "snapshot"
	KindCloseSnapshotRollup JobKind = "close_snapshot_rollup"
	KindEnrichment          JobKind = "enrichment"
)

// Job is one planned execution.
type Job struct {
	Kind    JobKind
	RunTime time.Time // ET wall clock
	Slot    int       // snapshot jobs only; -1 otherwise
	Symbols []string
	Fields  []string
}

// Name returns a stable identifier for logs and dedup.
func (j Job) Name() string {
	if j.Kind == KindSnapshot {
		return fmt.Sprintf("%s_%s_slot%02d", j.Kind, j.RunTime.Format("2006-01-02"), j.Slot)
	}
	return fmt.Sprintf("%s_%s", j.Kind, j.RunTime.Format("2006-01-02T15:04"))
}

// Handler executes one job. The scheduler treats a returned error as a
// job failure, not a day failure.
type Handler func(ctx context.Context, job Job) error

// JobError pairs a failed job with its error.
type JobError struct {
	Job Job
	Err error
}

// Outcome summarizes a day's execution.
type Outcome struct {
	Planned  int
	Executed int
	Skipped  int // live mode: misfire window already passed
	Errors   []JobError
}

// Config controls planning and live execution.
type Config struct {
	SlotMinutes  int
	MisfireGrace time.Duration // live mode: run late jobs within this window
}

// Scheduler plans trading-day jobs and runs them in simulate or live mode.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
}

// New wires a scheduler.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = 5 * time.Minute
	}
	return &Scheduler{cfg: cfg, logger: logger}
}

// PlanDay builds the job list for a trade date, sorted by run time.
// Non-trading days plan nothing.
func (s *Scheduler) PlanDay(tradeDate time.Time, symbols, fields []string) []Job {
	if !calendar.IsTradingDay(tradeDate) {
		return nil
	}

	grid := calendar.BuildSlotGrid(tradeDate, s.cfg.SlotMinutes)
	jobs := make([]Job, 0, grid.Len()+2)
	for _, slot := range grid.Slots {
		jobs = append(jobs, Job{
			Kind:    KindSnapshot,
			RunTime: slot.ET,
			Slot:    slot.Index,
			Symbols: symbols,
			Fields:  fields,
		})
	}

	y, m, d := tradeDate.Date()
	jobs = append(jobs, Job{
		Kind:    KindCloseSnapshotRollup,
		RunTime: time.Date(y, m, d, 17, 0, 0, 0, calendar.Eastern),
		Slot:    -1,
		Symbols: symbols,
		Fields:  fields,
	})

	next := tradeDate.AddDate(0, 0, 1)
	ny, nm, nd := next.Date()
	jobs = append(jobs, Job{
		Kind:    KindEnrichment,
		RunTime: time.Date(ny, nm, nd, 4, 0, 0, 0, calendar.Eastern),
		Slot:    -1,
		Symbols: symbols,
	})

	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].RunTime.Before(jobs[j].RunTime) })
	return jobs
}

// Simulate runs the jobs synchronously in plan order, capturing per-job
// errors instead of aborting the day.
func (s *Scheduler) Simulate(ctx context.Context, jobs []Job, handler Handler) (*Outcome, error) {
	out := &Outcome{Planned: len(jobs)}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		s.runJob(ctx, job, handler, out)
	}
	return out, nil
}

// Live waits out each job's run time and fires it. Jobs whose time is
// already past run immediately if still inside the misfire grace
// window, otherwise they are skipped. Jobs run sequentially; a slow job
// delays later ones rather than overlapping broker sessions.
func (s *Scheduler) Live(ctx context.Context, jobs []Job, handler Handler) (*Outcome, error) {
	out := &Outcome{Planned: len(jobs)}
	for _, job := range jobs {
		now := time.Now().In(calendar.Eastern)
		switch {
		case !now.Before(job.RunTime):
			if now.Sub(job.RunTime) > s.cfg.MisfireGrace {
				s.logger.Warn("job missed its window", "job", job.Name(), "run_time", job.RunTime)
				out.Skipped++
				continue
			}
		default:
			timer := time.NewTimer(job.RunTime.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return out, ctx.Err()
			case <-timer.C:
			}
		}
		s.runJob(ctx, job, handler, out)
	}
	return out, nil
}

func (s *Scheduler) runJob(ctx context.Context, job Job, handler Handler, out *Outcome) {
	logger := s.logger.With("job", job.Name(), "kind", string(job.Kind))
	logger.Info("job starting")
	start := time.Now()
	if err := handler(ctx, job); err != nil {
		logger.Error("job failed", "error", err, "elapsed", time.Since(start))
		out.Errors = append(out.Errors, JobError{Job: job, Err: err})
	} else {
		logger.Info("job finished", "elapsed", time.Since(start))
	}
	out.Executed++
}
