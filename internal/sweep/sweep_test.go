package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingEvicter struct {
	calls     atomic.Int32
	threshold atomic.Int64
	panics    bool
}

func (e *countingEvicter) Evict(_ context.Context, threshold time.Duration) int {
	e.calls.Add(1)
	e.threshold.Store(int64(threshold))
	if e.panics {
		panic("evict exploded")
	}
	return 1
}

func TestNew_RejectsSubSecondInterval(t *testing.T) {
	if _, err := New(context.Background(), &countingEvicter{}, 500*time.Millisecond, time.Minute); err == nil {
		t.Error("New() accepted a sub-second interval")
	}
}

func TestSweep_PassesThreshold(t *testing.T) {
	e := &countingEvicter{}
	s, err := New(context.Background(), e, time.Minute, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	s.Sweep()

	if e.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", e.calls.Load())
	}
	if got := time.Duration(e.threshold.Load()); got != 10*time.Minute {
		t.Errorf("threshold = %s, want 10m", got)
	}
}

func TestSweeper_RunsOnSchedule(t *testing.T) {
	e := &countingEvicter{}
	s, err := New(context.Background(), e, time.Second, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	s.Start()
	deadline := time.Now().Add(3 * time.Second)
	for e.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if e.calls.Load() == 0 {
		t.Fatal("sweep never ran")
	}
}

func TestSweeper_SurvivesPanic(t *testing.T) {
	e := &countingEvicter{panics: true}
	s, err := New(context.Background(), e, time.Second, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	s.Start()
	deadline := time.Now().Add(4 * time.Second)
	for e.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	_ = s.Shutdown()

	if e.calls.Load() < 2 {
		t.Errorf("calls = %d, want the schedule to keep running after a panic", e.calls.Load())
	}
}
