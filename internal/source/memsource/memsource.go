// Package memsource is an in-process Source used for development and tests.
package memsource

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"taskcal/internal/model"
	"taskcal/internal/source"
)

type Source struct {
	mu        sync.Mutex
	tasks     map[string]map[string]model.Task // uid -> id -> task
	owners    map[string]string                // id -> uid
	overrides map[string]map[model.OverrideKind]model.OverrideSnapshot
	hub       *source.Hub
	now       func() time.Time
}

func New() *Source {
	return &Source{
		tasks:     make(map[string]map[string]model.Task),
		owners:    make(map[string]string),
		overrides: make(map[string]map[model.OverrideKind]model.OverrideSnapshot),
		hub:       source.NewHub(),
		now:       time.Now,
	}
}

// SetClock replaces the time source used for timestamps.
func (s *Source) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Source) SubscribeTasks(ctx context.Context, uid string) (<-chan []model.Task, error) {
	changes := s.hub.Watch(ctx, uid, source.StreamTasks)
	return source.Pump(ctx, changes, func(context.Context) ([]model.Task, error) {
		return s.loadTasks(uid), nil
	}, "tasks:"+uid), nil
}

func (s *Source) SubscribeOverrides(ctx context.Context, uid string, kind model.OverrideKind) (<-chan model.OverrideSnapshot, error) {
	changes := s.hub.Watch(ctx, uid, source.OverrideStream(kind))
	return source.Pump(ctx, changes, func(context.Context) (model.OverrideSnapshot, error) {
		return s.loadOverrides(uid, kind), nil
	}, string(kind)+":"+uid), nil
}

func (s *Source) loadTasks(uid string) []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Task, 0, len(s.tasks[uid]))
	for _, t := range s.tasks[uid] {
		out = append(out, t.Clone())
	}
	slices.SortFunc(out, func(a, b model.Task) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (s *Source) loadOverrides(uid string, kind model.OverrideKind) model.OverrideSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.overrides[uid][kind]
	out := make(model.OverrideSnapshot, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// CreateTask stores t, replacing any task with the same preset id.
func (s *Source) CreateTask(_ context.Context, t model.Task) (string, error) {
	s.mu.Lock()
	t, err := source.PrepareNew(t, s.now())
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	prev, existed := s.owners[t.ID]
	if existed {
		if old, ok := s.tasks[prev][t.ID]; ok {
			t.CreatedAt = old.CreatedAt
		}
		delete(s.tasks[prev], t.ID)
	}
	if s.tasks[t.UID] == nil {
		s.tasks[t.UID] = make(map[string]model.Task)
	}
	s.tasks[t.UID][t.ID] = t
	s.owners[t.ID] = t.UID
	s.mu.Unlock()

	if existed && prev != t.UID {
		s.hub.Notify(prev, source.StreamTasks)
	}
	s.hub.Notify(t.UID, source.StreamTasks)
	return t.ID, nil
}

func (s *Source) UpdateTask(_ context.Context, id string, patch model.TaskPatch) error {
	s.mu.Lock()
	uid, ok := s.owners[id]
	if !ok {
		s.mu.Unlock()
		return source.ErrNotFound
	}
	t, err := source.ApplyPatch(s.tasks[uid][id], patch, s.now())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.tasks[uid][id] = t
	s.mu.Unlock()

	s.hub.Notify(uid, source.StreamTasks)
	return nil
}

func (s *Source) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	uid, ok := s.owners[id]
	if !ok {
		s.mu.Unlock()
		return source.ErrNotFound
	}
	delete(s.tasks[uid], id)
	delete(s.owners, id)
	s.mu.Unlock()

	s.hub.Notify(uid, source.StreamTasks)
	return nil
}

func (s *Source) RecordOverride(_ context.Context, uid, occurrenceID string, kind model.OverrideKind, value bool) error {
	s.mu.Lock()
	byKind, ok := s.overrides[uid]
	if !ok {
		byKind = make(map[model.OverrideKind]model.OverrideSnapshot)
		s.overrides[uid] = byKind
	}
	if byKind[kind] == nil {
		byKind[kind] = make(model.OverrideSnapshot)
	}
	byKind[kind][occurrenceID] = model.OverrideValue{Value: value, At: s.now()}
	s.mu.Unlock()

	s.hub.Notify(uid, source.OverrideStream(kind))
	return nil
}

func (s *Source) Close() error { return nil }

var _ source.Source = (*Source)(nil)
