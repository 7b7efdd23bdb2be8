package reconcile

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
	"taskcal/internal/recur"
	"taskcal/internal/source"
	"taskcal/internal/store"
)

type Config struct {
	Location             *time.Location
	Recur                recur.Options
	MergeSameDescription bool
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Listener is called with a user's fresh view after every recomputation.
type Listener func(uid string, b model.Buckets)

// tracking is one user's subscription. ready is closed once the first
// snapshots are installed or the attempt failed with err.
type tracking struct {
	cancel context.CancelFunc
	ready  chan struct{}
	err    error
}

type view struct {
	day     time.Time
	buckets model.Buckets
}

// Engine keeps the stores of tracked users current from a Source and
// recomputes their view on every push.
type Engine struct {
	src       source.Source
	cfg       Config
	tasks     *store.TaskStore
	overrides *store.OverrideStore

	calc      sync.Mutex // serialises read-compute-store of views
	mu        sync.Mutex
	tracked   map[string]*tracking
	views     map[string]view
	listeners []Listener
	wg        sync.WaitGroup
}

func NewEngine(src source.Source, cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		src:       src,
		cfg:       cfg,
		tasks:     store.NewTaskStore(),
		overrides: store.NewOverrideStore(),
		tracked:   make(map[string]*tracking),
		views:     make(map[string]view),
	}
}

// Track subscribes to uid's task stream and its three override streams. It
// returns once the first snapshot of each has been installed, also when
// another caller is already tracking uid. Tracking stops when ctx is done or
// the engine is closed.
func (e *Engine) Track(ctx context.Context, uid string) error {
	e.mu.Lock()
	for {
		tr, ok := e.tracked[uid]
		if !ok {
			break
		}
		e.mu.Unlock()
		select {
		case <-tr.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if tr.err == nil {
			return nil
		}
		e.mu.Lock()
	}
	ctx, cancel := context.WithCancel(ctx)
	tr := &tracking{cancel: cancel, ready: make(chan struct{})}
	e.tracked[uid] = tr
	e.mu.Unlock()

	fail := func(err error) error {
		cancel()
		tr.err = fmt.Errorf("track %s: %w", uid, err)
		e.mu.Lock()
		if e.tracked[uid] == tr {
			delete(e.tracked, uid)
		}
		e.mu.Unlock()
		close(tr.ready)
		return tr.err
	}

	tasks, err := e.src.SubscribeTasks(ctx, uid)
	if err != nil {
		return fail(err)
	}
	sets := make(map[model.OverrideKind]<-chan model.OverrideSnapshot, len(model.OverrideKinds))
	for _, kind := range model.OverrideKinds {
		ch, err := e.src.SubscribeOverrides(ctx, uid, kind)
		if err != nil {
			return fail(err)
		}
		sets[kind] = ch
	}

	first, err := receive(ctx, tasks)
	if err != nil {
		return fail(err)
	}
	e.tasks.Replace(uid, first)
	for _, kind := range model.OverrideKinds {
		snap, err := receive(ctx, sets[kind])
		if err != nil {
			return fail(err)
		}
		e.overrides.ReplaceKind(uid, kind, snap)
	}
	e.recompute(uid)
	close(tr.ready)
	appLog.Info("tracking user", "uid", uid, "tasks", len(first))

	e.wg.Add(1 + len(sets))
	go func() {
		defer e.wg.Done()
		for ts := range tasks {
			e.tasks.Replace(uid, ts)
			e.recompute(uid)
		}
	}()
	for kind, ch := range sets {
		go func() {
			defer e.wg.Done()
			for snap := range ch {
				e.overrides.ReplaceKind(uid, kind, snap)
				e.recompute(uid)
			}
		}()
	}
	return nil
}

func receive[T any](ctx context.Context, ch <-chan T) (T, error) {
	var zero T
	select {
	case v, ok := <-ch:
		if !ok {
			return zero, fmt.Errorf("stream closed before first snapshot")
		}
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Users lists the tracked users, sorted.
func (e *Engine) Users() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.tracked))
	for uid := range e.tracked {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

func (e *Engine) options() Options {
	return Options{
		Today:                e.cfg.Now(),
		Location:             e.cfg.Location,
		Recur:                e.cfg.Recur,
		MergeSameDescription: e.cfg.MergeSameDescription,
	}
}

func (e *Engine) recompute(uid string) model.Buckets {
	e.calc.Lock()
	opts := e.options()
	b := Reconcile(e.tasks.All(uid), e.overrides.Snapshot(uid), opts)
	e.mu.Lock()
	e.views[uid] = view{day: opts.today(), buckets: b}
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()
	e.calc.Unlock()

	for _, fn := range listeners {
		fn(uid, b)
	}
	return b
}

// Occurrences returns uid's reconciled view. The cached view is reused until
// the date changes. The returned value is shared and must not be modified.
func (e *Engine) Occurrences(uid string) model.Buckets {
	today := e.options().today()
	e.mu.Lock()
	v, ok := e.views[uid]
	e.mu.Unlock()
	if ok && v.day.Equal(today) {
		return v.buckets
	}
	return e.recompute(uid)
}

// Tasks returns a copy of uid's canonical tasks.
func (e *Engine) Tasks(uid string) []model.Task {
	return e.tasks.All(uid)
}

func (e *Engine) Task(uid, id string) (model.Task, bool) {
	return e.tasks.Get(uid, id)
}

// ExpandTask returns the raw occurrence dates of one of uid's tasks, without
// overrides. limit > 0 pulls that many dates regardless of the horizon.
func (e *Engine) ExpandTask(uid, id string, limit int) ([]time.Time, error) {
	t, ok := e.tasks.Get(uid, id)
	if !ok {
		return nil, source.ErrNotFound
	}
	return ExpandDates(t, limit, e.cfg.Recur)
}

// RefreshAll recomputes every tracked user's view, e.g. after midnight.
func (e *Engine) RefreshAll() int {
	users := e.Users()
	for _, uid := range users {
		e.recompute(uid)
	}
	return len(users)
}

// Subscribe registers fn for view updates.
func (e *Engine) Subscribe(fn Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Close stops tracking every user and waits for the stream loops to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	for uid, tr := range e.tracked {
		tr.cancel()
		delete(e.tracked, uid)
	}
	e.mu.Unlock()
	e.wg.Wait()
}
