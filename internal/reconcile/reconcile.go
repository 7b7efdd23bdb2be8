// Package reconcile turns canonical tasks and per-occurrence overrides into
// the bucketed occurrence view shown to users.
package reconcile

import (
	"errors"
	"slices"
	"time"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
	"taskcal/internal/recur"
)

var ErrUndated = errors.New("reconcile: task has no start date")

// Options control one reconciliation pass. Reconcile never reads the clock
// itself when Today is set.
type Options struct {
	Today    time.Time
	Location *time.Location
	Recur    recur.Options
	// MergeSameDescription collapses not-completed occurrences with the same
	// description into the first one within each date bucket. When false
	// every occurrence is listed under its own id.
	MergeSameDescription bool
}

func (o Options) loc() *time.Location {
	if o.Location == nil {
		return time.Local
	}
	return o.Location
}

func (o Options) today() time.Time {
	now := o.Today
	if now.IsZero() {
		now = time.Now()
	}
	return recur.Day(now.In(o.loc()))
}

// Materialize expands one task into its occurrences, each carrying a copy of
// the task with StartDate set to the occurrence date. A task without a start
// date yields one undated occurrence keyed by the task id.
func Materialize(t model.Task, opts Options) ([]model.Occurrence, error) {
	if t.StartDate == "" {
		return []model.Occurrence{{Task: t.Clone(), OccurrenceID: t.ID}}, nil
	}
	dates, err := ExpandDates(t, 0, opts.Recur)
	if err != nil {
		return nil, err
	}
	var hour, minute int
	if t.StartTime != "" {
		if hour, minute, err = recur.ParseClock(t.StartTime); err != nil {
			return nil, err
		}
	}

	out := make([]model.Occurrence, 0, len(dates))
	for _, d := range dates {
		occ := model.Occurrence{
			Task:         t.Clone(),
			OccurrenceID: model.OccurrenceID(t.ID, d),
			Date:         d,
			At:           recur.At(d, hour, minute, opts.loc()),
		}
		occ.StartDate = recur.FormatDate(d)
		out = append(out, occ)
	}
	return out, nil
}

// ExpandDates returns the raw occurrence dates of t. limit > 0 pulls exactly
// that many dates from the lazy sequence; otherwise the rule's count applies,
// clamped to the expansion horizon.
func ExpandDates(t model.Task, limit int, opts recur.Options) ([]time.Time, error) {
	if t.StartDate == "" {
		return nil, ErrUndated
	}
	start, err := recur.ParseDate(t.StartDate)
	if err != nil {
		return nil, err
	}
	r, err := t.Rule()
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		return recur.First(r, start, limit, opts), nil
	}
	return recur.Expand(r, start, opts), nil
}

type partition int

const (
	partBefore partition = iota
	partToday
	partAfter
)

// Reconcile builds the bucketed view. It does not modify its inputs, and
// identical inputs give identical output. Tasks that cannot be expanded are
// logged and left out.
func Reconcile(tasks []model.Task, overrides map[string]model.OverrideState, opts Options) model.Buckets {
	loc := opts.loc()
	today := opts.today()

	b := model.Buckets{
		BeforeToday:    []model.Occurrence{},
		Today:          []model.Occurrence{},
		AfterToday:     []model.Occurrence{},
		CompletedToday: []model.Occurrence{},
	}
	var seen [3]map[string]struct{}
	for i := range seen {
		seen[i] = make(map[string]struct{})
	}

	for _, t := range tasks {
		occs, err := Materialize(t, opts)
		if err != nil {
			appLog.Warn("skipping task", "task", t.ID, "uid", t.UID, "err", err)
			continue
		}
		for _, occ := range occs {
			st := overrides[occ.OccurrenceID]
			if st.Deleted {
				continue
			}
			if st.Important != nil {
				occ.IsImportant = *st.Important
			}
			if st.Completed != nil {
				occ.IsCompleted = *st.Completed
			} else if occ.IsCompleted && occ.Dated() && occ.Date.After(today) {
				// Task-level completion covers only occurrences already due.
				occ.IsCompleted = false
			}

			if occ.IsCompleted {
				occ.CompletedAt = completionInstant(occ, st)
				day := occ.Date
				if !occ.CompletedAt.IsZero() {
					day = recur.Day(occ.CompletedAt.In(loc))
				}
				if !day.IsZero() && day.Equal(today) {
					b.CompletedToday = append(b.CompletedToday, occ)
				}
				continue
			}
			if !occ.Dated() {
				continue
			}

			p := partAfter
			switch occ.Date.Compare(today) {
			case -1:
				p = partBefore
			case 0:
				p = partToday
			}
			key := occ.OccurrenceID
			if opts.MergeSameDescription && occ.Description != "" {
				key = occ.Description
			}
			if _, dup := seen[p][key]; dup {
				continue
			}
			seen[p][key] = struct{}{}

			switch p {
			case partBefore:
				b.BeforeToday = append(b.BeforeToday, occ)
			case partToday:
				b.Today = append(b.Today, occ)
			default:
				b.AfterToday = append(b.AfterToday, occ)
			}
		}
	}

	slices.SortStableFunc(b.BeforeToday, func(x, y model.Occurrence) int { return y.At.Compare(x.At) })
	slices.SortStableFunc(b.AfterToday, func(x, y model.Occurrence) int { return x.At.Compare(y.At) })
	return b
}

// completionInstant is when an occurrence became completed: the override's
// timestamp, or the task's last update when completion is inherited from the
// task itself. Zero when unknown.
func completionInstant(occ model.Occurrence, st model.OverrideState) time.Time {
	if st.Completed != nil {
		return st.CompletedAt
	}
	return occ.UpdatedAt
}
