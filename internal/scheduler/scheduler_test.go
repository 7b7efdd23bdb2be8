package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"taskcal/internal/ics"
)

type countingRefresher struct{ calls atomic.Int32 }

func (c *countingRefresher) RefreshAll() int {
	c.calls.Add(1)
	return 2
}

type fakeImporter struct {
	err      error
	deadline atomic.Bool
	calls    atomic.Int32
}

func (f *fakeImporter) Run(ctx context.Context) (ics.Stats, error) {
	f.calls.Add(1)
	_, ok := ctx.Deadline()
	f.deadline.Store(ok)
	return ics.Stats{Feeds: 1}, f.err
}

func TestAddRejectsBadSpec(t *testing.T) {
	s := New(time.UTC)
	if err := s.AddRollover("not a spec", &countingRefresher{}); err == nil {
		t.Error("expected rollover spec error")
	}
	if err := s.AddImport("61 * * * *", &fakeImporter{}, time.Second); err == nil {
		t.Error("expected import spec error")
	}
	if err := s.AddRollover("0 0 * * *", &countingRefresher{}); err != nil {
		t.Fatal(err)
	}
	if s.Jobs() != 1 {
		t.Errorf("jobs = %d", s.Jobs())
	}
}

func TestRolloverRunsOnSchedule(t *testing.T) {
	s := New(time.UTC)
	r := &countingRefresher{}
	if err := s.AddRollover("@every 1s", r); err != nil {
		t.Fatal(err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for r.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("rollover never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRunImportAppliesTimeout(t *testing.T) {
	im := &fakeImporter{}
	RunImport(context.Background(), im, time.Minute)
	if im.calls.Load() != 1 || !im.deadline.Load() {
		t.Errorf("calls = %d, deadline = %v", im.calls.Load(), im.deadline.Load())
	}

	im = &fakeImporter{err: errors.New("boom")}
	RunImport(context.Background(), im, 0)
	if im.calls.Load() != 1 || im.deadline.Load() {
		t.Errorf("calls = %d, deadline = %v", im.calls.Load(), im.deadline.Load())
	}
}
