package store

import (
	"sync"
	"testing"
	"time"

	"taskcal/internal/model"
	"taskcal/internal/recur"
)

func TestTaskStoreReplaceIsWholesale(t *testing.T) {
	s := NewTaskStore()
	if got := s.All("u1"); len(got) != 0 {
		t.Fatalf("empty store returned %d tasks", len(got))
	}

	s.Replace("u1", []model.Task{{ID: "a"}, {ID: "b"}})
	s.Replace("u1", []model.Task{{ID: "c"}})

	got := s.All("u1")
	if len(got) != 1 || got[0].ID != "c" {
		t.Fatalf("expected only task c, got %+v", got)
	}
	if _, ok := s.Get("u1", "a"); ok {
		t.Error("task a should be gone after replace")
	}
	if users := s.Users(); len(users) != 1 || users[0] != "u1" {
		t.Errorf("Users() = %v", users)
	}
}

func TestTaskStoreReturnsCopies(t *testing.T) {
	s := NewTaskStore()
	in := []model.Task{{ID: "a", Repeat: recur.KindWeek, RepeatDays: []int{1, 3}}}
	s.Replace("u1", in)
	in[0].RepeatDays[0] = 6

	got := s.All("u1")
	if got[0].RepeatDays[0] != 1 {
		t.Fatal("store aliases the caller's slice")
	}
	got[0].RepeatDays[1] = 6
	if again, _ := s.Get("u1", "a"); again.RepeatDays[1] != 3 {
		t.Fatal("store aliases returned slices")
	}
}

func TestOverrideStoreKinds(t *testing.T) {
	s := NewOverrideStore()
	at := time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC)

	s.ReplaceKind("u1", model.OverrideDeleted, model.OverrideSnapshot{
		"t1-2024-06-14": {Value: true},
		"t1-2024-06-15": {Value: false},
	})
	s.ReplaceKind("u1", model.OverrideCompleted, model.OverrideSnapshot{
		"t1-2024-06-16": {Value: true, At: at},
		"t1-2024-06-17": {Value: false, At: at},
	})
	s.ReplaceKind("u1", model.OverrideImportant, model.OverrideSnapshot{
		"t1-2024-06-16": {Value: true},
	})

	deleted := s.Deleted("u1")
	if _, ok := deleted["t1-2024-06-14"]; !ok || len(deleted) != 1 {
		t.Errorf("Deleted() = %v", deleted)
	}
	if c := s.Completed("u1"); !c["t1-2024-06-16"] || c["t1-2024-06-17"] || len(c) != 2 {
		t.Errorf("Completed() = %v", c)
	}
	if imp := s.Important("u1"); !imp["t1-2024-06-16"] {
		t.Errorf("Important() = %v", imp)
	}

	snap := s.Snapshot("u1")
	st := snap["t1-2024-06-16"]
	if st.Completed == nil || !*st.Completed || !st.CompletedAt.Equal(at) || st.Important == nil || !*st.Important {
		t.Errorf("merged state = %+v", st)
	}
	if st := snap["t1-2024-06-17"]; st.Completed == nil || *st.Completed || !st.CompletedAt.IsZero() {
		t.Errorf("uncompleted state = %+v", st)
	}

	// Replacing one kind leaves the others alone.
	s.ReplaceKind("u1", model.OverrideDeleted, nil)
	if len(s.Deleted("u1")) != 0 || len(s.Completed("u1")) != 2 {
		t.Error("replacing deleted set touched other kinds")
	}
	if len(s.Snapshot("nobody")) != 0 {
		t.Error("unknown user should have no overrides")
	}
}

func TestStoresConcurrentAccess(t *testing.T) {
	ts := NewTaskStore()
	ovr := NewOverrideStore()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ts.Replace("u1", []model.Task{{ID: "a"}})
				ovr.ReplaceKind("u1", model.OverrideImportant, model.OverrideSnapshot{"a-2024-06-14": {Value: true}})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = ts.All("u1")
				_ = ovr.Snapshot("u1")
			}
		}()
	}
	wg.Wait()
}
