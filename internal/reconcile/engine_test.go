package reconcile

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"taskcal/internal/model"
	"taskcal/internal/recur"
	"taskcal/internal/source"
	"taskcal/internal/source/memsource"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newEngine(t *testing.T) (*Engine, *memsource.Source, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: today}
	src := memsource.New()
	src.SetClock(clock.Now)
	e := NewEngine(src, Config{Location: time.UTC, Now: clock.Now})
	t.Cleanup(e.Close)
	return e, src, clock
}

func TestEngineTracksPushes(t *testing.T) {
	ctx := context.Background()
	e, src, _ := newEngine(t)

	if _, err := src.CreateTask(ctx, model.Task{ID: "a", UID: "u1", Description: "a", StartDate: "2024-06-16"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Track(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if got := ids(e.Occurrences("u1").AfterToday); !slices.Equal(got, []string{"a-2024-06-16"}) {
		t.Fatalf("initial view = %v", got)
	}

	updates := make(chan model.Buckets, 16)
	e.Subscribe(func(uid string, b model.Buckets) {
		if uid != "u1" {
			return
		}
		select {
		case updates <- b:
		default:
		}
	})

	if _, err := src.CreateTask(ctx, model.Task{ID: "b", UID: "u1", Description: "b", StartDate: "2024-06-14"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "new task in view", func() bool {
		return len(e.Occurrences("u1").BeforeToday) == 1
	})
	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("listener not called")
	}

	if err := src.RecordOverride(ctx, "u1", "a-2024-06-16", model.OverrideDeleted, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, "deleted occurrence gone", func() bool {
		return len(e.Occurrences("u1").AfterToday) == 0
	})

	if err := src.RecordOverride(ctx, "u1", "b-2024-06-14", model.OverrideCompleted, true); err != nil {
		t.Fatal(err)
	}
	eventually(t, "completion applied", func() bool {
		b := e.Occurrences("u1")
		return len(b.BeforeToday) == 0 && len(b.CompletedToday) == 1
	})

	if err := src.DeleteTask(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "task removed", func() bool { return e.Occurrences("u1").Len() == 0 })
}

func TestEngineDayRollover(t *testing.T) {
	ctx := context.Background()
	e, src, clock := newEngine(t)
	if _, err := src.CreateTask(ctx, model.Task{ID: "a", UID: "u1", StartDate: "2024-06-16"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Track(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if len(e.Occurrences("u1").AfterToday) != 1 {
		t.Fatal("task should be upcoming")
	}

	clock.Set(today.AddDate(0, 0, 1))
	if got := ids(e.Occurrences("u1").Today); !slices.Equal(got, []string{"a-2024-06-16"}) {
		t.Fatalf("after rollover today = %v", got)
	}
	if n := e.RefreshAll(); n != 1 {
		t.Errorf("RefreshAll refreshed %d users", n)
	}
}

func TestEngineExpandTask(t *testing.T) {
	ctx := context.Background()
	e, src, _ := newEngine(t)
	task := weeklyT1()
	if _, err := src.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := e.Track(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	dates, err := e.ExpandTask("u1", "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, d := range dates {
		got = append(got, recur.FormatDate(d))
	}
	want := []string{"2024-06-03", "2024-06-07", "2024-06-10", "2024-06-14", "2024-06-17", "2024-06-21"}
	if !slices.Equal(got, want) {
		t.Errorf("dates = %v, want %v", got, want)
	}
	if first, _ := e.ExpandTask("u1", "t1", 2); len(first) != 2 {
		t.Errorf("limit 2 gave %d dates", len(first))
	}
	if _, err := e.ExpandTask("u1", "missing", 0); !errors.Is(err, source.ErrNotFound) {
		t.Errorf("missing task err = %v", err)
	}
}

func TestEngineTrackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)
	for range 2 {
		if err := e.Track(ctx, "u1"); err != nil {
			t.Fatal(err)
		}
	}
	if got := e.Users(); !slices.Equal(got, []string{"u1"}) {
		t.Errorf("Users() = %v", got)
	}
}

type failingSource struct{ *memsource.Source }

func (failingSource) SubscribeOverrides(context.Context, string, model.OverrideKind) (<-chan model.OverrideSnapshot, error) {
	return nil, errors.New("backend down")
}

func TestEngineTrackFailure(t *testing.T) {
	e := NewEngine(failingSource{memsource.New()}, Config{Location: time.UTC})
	defer e.Close()
	if err := e.Track(context.Background(), "u1"); err == nil {
		t.Fatal("expected error")
	}
	if len(e.Users()) != 0 {
		t.Error("failed user still tracked")
	}
}

// gatedSource holds task subscriptions until gate is closed.
type gatedSource struct {
	*memsource.Source
	gate chan struct{}
}

func (g gatedSource) SubscribeTasks(ctx context.Context, uid string) (<-chan []model.Task, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Source.SubscribeTasks(ctx, uid)
}

func TestEngineConcurrentTrackWaitsForSnapshot(t *testing.T) {
	ctx := context.Background()
	src := memsource.New()
	if _, err := src.CreateTask(ctx, model.Task{ID: "a", UID: "u1", Description: "a", StartDate: "2024-06-16"}); err != nil {
		t.Fatal(err)
	}
	gated := gatedSource{Source: src, gate: make(chan struct{})}
	e := NewEngine(gated, Config{Location: time.UTC, Now: func() time.Time { return today }})
	defer e.Close()

	first := make(chan error, 1)
	go func() { first <- e.Track(ctx, "u1") }()
	eventually(t, "first track in flight", func() bool { return len(e.Users()) == 1 })

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := e.Track(short, "u1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiting Track err = %v, want deadline exceeded", err)
	}

	second := make(chan error, 1)
	go func() { second <- e.Track(ctx, "u1") }()
	select {
	case err := <-second:
		t.Fatalf("second Track returned before the first snapshot: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.gate)
	for _, ch := range []chan error{first, second} {
		if err := <-ch; err != nil {
			t.Fatal(err)
		}
	}
	if got := ids(e.Occurrences("u1").AfterToday); !slices.Equal(got, []string{"a-2024-06-16"}) {
		t.Errorf("afterToday = %v", got)
	}
}

func TestEngineTrackRetriesAfterFailedAttempt(t *testing.T) {
	src := memsource.New()
	gated := gatedSource{Source: src, gate: make(chan struct{})}
	e := NewEngine(gated, Config{Location: time.UTC, Now: func() time.Time { return today }})
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- e.Track(ctx, "u1") }()
	eventually(t, "first track in flight", func() bool { return len(e.Users()) == 1 })

	second := make(chan error, 1)
	go func() { second <- e.Track(context.Background(), "u1") }()
	cancel()
	if err := <-first; err == nil {
		t.Fatal("cancelled Track should fail")
	}
	close(gated.gate)
	if err := <-second; err != nil {
		t.Fatalf("waiting Track err = %v", err)
	}
	if got := e.Users(); !slices.Equal(got, []string{"u1"}) {
		t.Errorf("Users() = %v", got)
	}
}
