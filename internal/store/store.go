// Package store holds the in-memory snapshots pushed by the data source.
// Every update replaces a snapshot wholesale; readers get copies.
package store

import (
	"slices"
	"sync"
	"time"

	"taskcal/internal/model"
)

// TaskStore caches the canonical task list of each user.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string][]model.Task
}

func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string][]model.Task)}
}

// Replace installs tasks as the complete task list of uid.
func (s *TaskStore) Replace(uid string, tasks []model.Task) {
	cp := make([]model.Task, len(tasks))
	for i, t := range tasks {
		cp[i] = t.Clone()
	}
	s.mu.Lock()
	s.tasks[uid] = cp
	s.mu.Unlock()
}

// All returns a copy of uid's tasks, empty when nothing has arrived yet.
func (s *TaskStore) All(uid string) []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.tasks[uid]
	out := make([]model.Task, len(src))
	for i, t := range src {
		out[i] = t.Clone()
	}
	return out
}

func (s *TaskStore) Get(uid, id string) (model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks[uid] {
		if t.ID == id {
			return t.Clone(), true
		}
	}
	return model.Task{}, false
}

// Users lists every uid with a snapshot, sorted.
func (s *TaskStore) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tasks))
	for uid := range s.tasks {
		out = append(out, uid)
	}
	slices.Sort(out)
	return out
}

// OverrideStore is the single owner of per-occurrence override state. The
// three override sets arrive as independent streams and are merged here.
type OverrideStore struct {
	mu   sync.RWMutex
	sets map[string]map[model.OverrideKind]model.OverrideSnapshot
}

func NewOverrideStore() *OverrideStore {
	return &OverrideStore{sets: make(map[string]map[model.OverrideKind]model.OverrideSnapshot)}
}

// ReplaceKind installs snap as the complete override set of kind for uid.
func (s *OverrideStore) ReplaceKind(uid string, kind model.OverrideKind, snap model.OverrideSnapshot) {
	cp := make(model.OverrideSnapshot, len(snap))
	for k, v := range snap {
		cp[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byKind, ok := s.sets[uid]
	if !ok {
		byKind = make(map[model.OverrideKind]model.OverrideSnapshot)
		s.sets[uid] = byKind
	}
	byKind[kind] = cp
}

// Deleted returns the occurrence ids excluded from uid's view.
func (s *OverrideStore) Deleted(uid string) map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for id, v := range s.sets[uid][model.OverrideDeleted] {
		if v.Value {
			out[id] = struct{}{}
		}
	}
	return out
}

// Completed returns uid's per-occurrence completion flags.
func (s *OverrideStore) Completed(uid string) map[string]bool {
	return s.flags(uid, model.OverrideCompleted)
}

// Important returns uid's per-occurrence importance flags.
func (s *OverrideStore) Important(uid string) map[string]bool {
	return s.flags(uid, model.OverrideImportant)
}

func (s *OverrideStore) flags(uid string, kind model.OverrideKind) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for id, v := range s.sets[uid][kind] {
		out[id] = v.Value
	}
	return out
}

// Snapshot merges the three sets into one state per occurrence id.
func (s *OverrideStore) Snapshot(uid string) map[string]model.OverrideState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mergeStates(s.sets[uid])
}

func mergeStates(byKind map[model.OverrideKind]model.OverrideSnapshot) map[string]model.OverrideState {
	out := make(map[string]model.OverrideState)
	for id, v := range byKind[model.OverrideDeleted] {
		st := out[id]
		st.Deleted = v.Value
		out[id] = st
	}
	for id, v := range byKind[model.OverrideCompleted] {
		st := out[id]
		st.Completed = boolPtr(v.Value)
		if v.Value {
			st.CompletedAt = v.At
		} else {
			st.CompletedAt = time.Time{}
		}
		out[id] = st
	}
	for id, v := range byKind[model.OverrideImportant] {
		st := out[id]
		st.Important = boolPtr(v.Value)
		out[id] = st
	}
	return out
}

func boolPtr(b bool) *bool { return &b }
