package model

import (
	"fmt"
	"strings"
	"time"

	"taskcal/internal/recur"
)

// OccurrenceSeparator joins a task id and an ISO date into an occurrence id.
const OccurrenceSeparator = "-"

// OccurrenceID builds the natural key of one dated occurrence of a task.
// Every override record is keyed by it.
func OccurrenceID(taskID string, date time.Time) string {
	return taskID + OccurrenceSeparator + recur.FormatDate(date)
}

// SplitOccurrenceID recovers the task id and date from an occurrence id.
// Task ids may themselves contain the separator; the date is always the
// trailing ten characters.
func SplitOccurrenceID(id string) (taskID string, date time.Time, err error) {
	const n = len(recur.DateLayout)
	if len(id) < n+len(OccurrenceSeparator)+1 {
		return "", time.Time{}, fmt.Errorf("occurrence id %q too short", id)
	}
	head, tail := id[:len(id)-n], id[len(id)-n:]
	if !strings.HasSuffix(head, OccurrenceSeparator) {
		return "", time.Time{}, fmt.Errorf("occurrence id %q has no date suffix", id)
	}
	date, err = recur.ParseDate(tail)
	if err != nil {
		return "", time.Time{}, err
	}
	return strings.TrimSuffix(head, OccurrenceSeparator), date, nil
}

// Occurrence is one dated instance of a task, carrying the task's fields with
// per-occurrence completion and importance applied.
type Occurrence struct {
	Task

	OccurrenceID string `json:"occurrenceId"`
	// Date is the occurrence's calendar date; zero for undated tasks.
	Date time.Time `json:"date"`
	// At is Date combined with the task's start time in the display location.
	At time.Time `json:"at"`
	// CompletedAt is when the occurrence was completed, if known.
	CompletedAt time.Time `json:"completedAt,omitzero"`
}

// Dated reports whether the occurrence has a calendar date.
func (o Occurrence) Dated() bool { return !o.Date.IsZero() }

// Buckets is the presentation view of all occurrences of a user.
type Buckets struct {
	BeforeToday    []Occurrence `json:"beforeToday"`
	Today          []Occurrence `json:"today"`
	AfterToday     []Occurrence `json:"afterToday"`
	CompletedToday []Occurrence `json:"completedToday"`
}

// Len is the total number of occurrences across all buckets.
func (b Buckets) Len() int {
	return len(b.BeforeToday) + len(b.Today) + len(b.AfterToday) + len(b.CompletedToday)
}
