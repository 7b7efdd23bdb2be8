package model

import (
	"time"

	"taskcal/internal/recur"
)

// Subtask is an independent checklist entry on a task. It takes no part in
// recurrence.
type Subtask struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	IsCompleted bool   `json:"isCompleted"`
}

// Task is the canonical, user-authored record. Dates are YYYY-MM-DD and
// times HH:MM as received from the data source; they are parsed when the
// task is expanded so one malformed record cannot fail a whole snapshot.
type Task struct {
	ID          string `json:"id"`
	UID         string `json:"uid"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	StartDate   string     `json:"startDate,omitempty"`
	StartTime   string     `json:"startTime,omitempty"`
	Repeat      recur.Kind `json:"repeat,omitempty"`
	RepeatDays  []int      `json:"repeatDays,omitempty"`
	RepeatCount *int       `json:"repeatCount,omitempty"`

	Category    string    `json:"category,omitempty"`
	Priority    int       `json:"priority,omitempty"`
	IsImportant bool      `json:"isImportant"`
	IsCompleted bool      `json:"isCompleted"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	Subtasks []Subtask `json:"subtasks,omitempty"`
}

// Rule builds the task's recurrence rule from its stored fields in one step.
func (t Task) Rule() (recur.Rule, error) {
	kind, err := recur.ParseKind(string(t.Repeat))
	if err != nil {
		return nil, err
	}
	return recur.NewRule(kind, t.RepeatDays, recur.CountOf(t.RepeatCount))
}

// IsRecurring reports whether the task expands to more than its start date.
func (t Task) IsRecurring() bool {
	return t.Repeat != "" && t.Repeat != recur.KindNo && t.StartDate != ""
}

// SetRule stores r and start on the task, replacing every recurrence field
// together.
func (t *Task) SetRule(start string, r recur.Rule) {
	t.StartDate = start
	t.Repeat = r.Kind()
	t.RepeatDays = r.Days()
	t.RepeatCount = r.Count().Ptr()
	if r.Kind() == recur.KindNo {
		t.RepeatCount = nil
	}
}

// Clone returns a deep copy so derived values never alias the store.
func (t Task) Clone() Task {
	c := t
	if t.RepeatDays != nil {
		c.RepeatDays = append([]int(nil), t.RepeatDays...)
	}
	if t.RepeatCount != nil {
		n := *t.RepeatCount
		c.RepeatCount = &n
	}
	if t.Subtasks != nil {
		c.Subtasks = append([]Subtask(nil), t.Subtasks...)
	}
	return c
}

// RulePatch replaces a task's recurrence rule as a unit. EndDate, when set
// and Count is nil, is converted to a step count.
type RulePatch struct {
	StartDate string     `json:"startDate"`
	Repeat    recur.Kind `json:"repeat"`
	Days      []int      `json:"repeatDays,omitempty"`
	Count     *int       `json:"repeatCount,omitempty"`
	EndDate   string     `json:"endDate,omitempty"`
}

// Rule validates the patch and builds the rule it describes.
func (p RulePatch) Rule() (recur.Rule, error) {
	kind, err := recur.ParseKind(string(p.Repeat))
	if err != nil {
		return nil, err
	}
	count := recur.CountOf(p.Count)
	if p.Count == nil && p.EndDate != "" {
		start, err := recur.ParseDate(p.StartDate)
		if err != nil {
			return nil, err
		}
		end, err := recur.ParseDate(p.EndDate)
		if err != nil {
			return nil, err
		}
		count = recur.Times(recur.StepsUntil(kind, start, end))
	}
	return recur.NewRule(kind, p.Days, count)
}

// TaskPatch is a partial update. Nil fields are left untouched; the
// recurrence fields can only change through Recurrence.
type TaskPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	StartTime   *string    `json:"startTime,omitempty"`
	Category    *string    `json:"category,omitempty"`
	Priority    *int       `json:"priority,omitempty"`
	IsImportant *bool      `json:"isImportant,omitempty"`
	IsCompleted *bool      `json:"isCompleted,omitempty"`
	Subtasks    *[]Subtask `json:"subtasks,omitempty"`
	Recurrence  *RulePatch `json:"recurrence,omitempty"`
}

// Apply returns a copy of t with the patch applied.
func (p TaskPatch) Apply(t Task, now time.Time) (Task, error) {
	out := t.Clone()
	if p.Recurrence != nil {
		r, err := p.Recurrence.Rule()
		if err != nil {
			return t, err
		}
		if _, err := recur.ParseDate(p.Recurrence.StartDate); err != nil {
			return t, err
		}
		out.SetRule(p.Recurrence.StartDate, r)
	}
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.StartTime != nil {
		out.StartTime = *p.StartTime
	}
	if p.Category != nil {
		out.Category = *p.Category
	}
	if p.Priority != nil {
		out.Priority = *p.Priority
	}
	if p.IsImportant != nil {
		out.IsImportant = *p.IsImportant
	}
	if p.IsCompleted != nil {
		out.IsCompleted = *p.IsCompleted
	}
	if p.Subtasks != nil {
		out.Subtasks = append([]Subtask(nil), (*p.Subtasks)...)
	}
	out.UpdatedAt = now
	return out, nil
}
