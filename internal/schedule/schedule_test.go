package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/optlake/optlake/internal/calendar"
)

func date(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func TestPlanDayFullSession(t *testing.T) {
	s := New(Config{SlotMinutes: 30}, nil)
	jobs := s.PlanDay(date("2025-10-06"), []string{"AAPL"}, nil) // a Monday

	// 14 slots (09:30..16:00) + close/rollup + enrichment.
	if len(jobs) != 16 {
		t.Fatalf("planned %d jobs, want 16", len(jobs))
	}

	first := jobs[0]
	if first.Kind != KindSnapshot || first.Slot != 0 || first.RunTime.Format("15:04") != "09:30" {
		t.Errorf("first job = %+v", first)
	}
	if got := jobs[13]; got.Kind != KindSnapshot || got.RunTime.Format("15:04") != "16:00" {
		t.Errorf("last snapshot = %+v", got)
	}

	rollup := jobs[14]
	if rollup.Kind != KindCloseSnapshotRollup || rollup.RunTime.Format("15:04") != "17:00" {
		t.Errorf("rollup job = %+v", rollup)
	}
	enrich := jobs[15]
	if enrich.Kind != KindEnrichment ||
		enrich.RunTime.Format("2006-01-02 15:04") != "2025-10-07 04:00" {
		t.Errorf("enrichment job = %+v", enrich)
	}

	for i := 1; i < len(jobs); i++ {
		if jobs[i].RunTime.Before(jobs[i-1].RunTime) {
			t.Fatal("jobs not sorted by run time")
		}
	}
	if jobs[0].RunTime.Location() != calendar.Eastern {
		t.Error("run times must be ET wall clock")
	}
}

func TestPlanDayEarlyClose(t *testing.T) {
	s := New(Config{SlotMinutes: 30}, nil)
	// 2025-07-03 closes at 13:00: 8 slots.
	jobs := s.PlanDay(date("2025-07-03"), nil, nil)
	if len(jobs) != 10 {
		t.Fatalf("planned %d jobs, want 10", len(jobs))
	}
}

func TestPlanDaySkipsNonTradingDays(t *testing.T) {
	s := New(Config{SlotMinutes: 30}, nil)
	if jobs := s.PlanDay(date("2025-10-04"), nil, nil); jobs != nil { // Saturday
		t.Errorf("Saturday planned %d jobs", len(jobs))
	}
	if jobs := s.PlanDay(date("2025-12-25"), nil, nil); jobs != nil {
		t.Errorf("Christmas planned %d jobs", len(jobs))
	}
}

func TestSimulateRunsInOrderAndCapturesErrors(t *testing.T) {
	s := New(Config{SlotMinutes: 30}, nil)
	jobs := s.PlanDay(date("2025-10-06"), nil, nil)

	var ran []string
	boom := errors.New("broker down")
	out, err := s.Simulate(context.Background(), jobs, func(ctx context.Context, job Job) error {
		ran = append(ran, job.Name())
		if job.Kind == KindCloseSnapshotRollup {
			return boom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if out.Executed != len(jobs) {
		t.Errorf("executed = %d, want %d", out.Executed, len(jobs))
	}
	if len(out.Errors) != 1 || !errors.Is(out.Errors[0].Err, boom) {
		t.Errorf("errors = %+v", out.Errors)
	}
	if ran[0] != jobs[0].Name() || ran[len(ran)-1] != jobs[len(jobs)-1].Name() {
		t.Error("simulate must preserve plan order")
	}
}

func TestSimulateStopsOnContextCancel(t *testing.T) {
	s := New(Config{SlotMinutes: 30}, nil)
	jobs := s.PlanDay(date("2025-10-06"), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	_, err := s.Simulate(ctx, jobs, func(ctx context.Context, job Job) error {
		count++
		if count == 3 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if count != 3 {
		t.Errorf("ran %d jobs after cancel", count)
	}
}

func TestLiveRunsDueJobWithinGrace(t *testing.T) {
	s := New(Config{SlotMinutes: 30, MisfireGrace: time.Hour}, nil)
	now := time.Now().In(calendar.Eastern)
	jobs := []Job{
		{Kind: KindSnapshot, RunTime: now.Add(-10 * time.Minute), Slot: 0},     // within grace
		{Kind: KindSnapshot, RunTime: now.Add(-2 * time.Hour), Slot: 1},        // missed
		{Kind: KindSnapshot, RunTime: now.Add(50 * time.Millisecond), Slot: 2}, // future
	}

	var ran []int
	out, err := s.Live(context.Background(), jobs, func(ctx context.Context, job Job) error {
		ran = append(ran, job.Slot)
		return nil
	})
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if out.Skipped != 1 || out.Executed != 2 {
		t.Errorf("skipped=%d executed=%d", out.Skipped, out.Executed)
	}
	if len(ran) != 2 || ran[0] != 0 || ran[1] != 2 {
		t.Errorf("ran = %v", ran)
	}
}

func TestLiveCancelWhileWaiting(t *testing.T) {
	s := New(Config{SlotMinutes: 30}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	jobs := []Job{{Kind: KindSnapshot, RunTime: time.Now().In(calendar.Eastern).Add(time.Hour)}}
	_, err := s.Live(ctx, jobs, func(ctx context.Context, job Job) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestJobNames(t *testing.T) {
	j := Job{Kind: KindSnapshot, RunTime: time.Date(2025, 10, 6, 9, 30, 0, 0, calendar.Eastern), Slot: 3}
	if j.Name() != "snapshot_2025-10-06_slot03" {
		t.Errorf("name = %s", j.Name())
	}
	r := Job{Kind: KindEnrichment, RunTime: time.Date(2025, 10, 7, 4, 0, 0, 0, calendar.Eastern)}
	if r.Name() != "enrichment_2025-10-07T04:00" {
		t.Errorf("name = %s", r.Name())
	}
}
