// Package source defines the contract of the external data source that
// owns canonical tasks and override records, plus helpers its backends share.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskcal/internal/model"
	"taskcal/internal/recur"
)

var (
	ErrNotFound    = errors.New("source: task not found")
	ErrInvalidTask = errors.New("source: invalid task")
)

// Source is the data-source collaborator. Every subscription first delivers
// the complete current snapshot and then a complete snapshot after each
// change; consumers replace, never merge. Writes are fire-and-forget from
// the consumer's point of view: their effect arrives through the streams.
type Source interface {
	SubscribeTasks(ctx context.Context, uid string) (<-chan []model.Task, error)
	SubscribeOverrides(ctx context.Context, uid string, kind model.OverrideKind) (<-chan model.OverrideSnapshot, error)

	CreateTask(ctx context.Context, t model.Task) (string, error)
	UpdateTask(ctx context.Context, id string, patch model.TaskPatch) error
	DeleteTask(ctx context.Context, id string) error
	RecordOverride(ctx context.Context, uid, occurrenceID string, kind model.OverrideKind, value bool) error

	Close() error
}

// ValidateTask rejects records whose recurrence rule or dates cannot be
// expanded. It runs at the creation boundary so the reconciler only has
// to tolerate data written by other clients.
func ValidateTask(t model.Task) error {
	if t.UID == "" {
		return fmt.Errorf("%w: missing uid", ErrInvalidTask)
	}
	if _, err := t.Rule(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	if t.StartDate != "" {
		if _, err := recur.ParseDate(t.StartDate); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTask, err)
		}
	} else if t.Repeat != "" && t.Repeat != recur.KindNo {
		return fmt.Errorf("%w: repeating task needs a start date", ErrInvalidTask)
	}
	if t.StartTime != "" {
		if _, _, err := recur.ParseClock(t.StartTime); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTask, err)
		}
	}
	return nil
}

// PrepareNew validates t and fills in what the backend assigns on creation:
// a task id when none was given, subtask ids, and timestamps. A preset id is
// kept so imports can upsert.
func PrepareNew(t model.Task, now time.Time) (model.Task, error) {
	t = t.Clone()
	if r, err := t.Rule(); err == nil {
		// Store the normalised rule so every reader sees sorted days.
		t.SetRule(t.StartDate, r)
	}
	if err := ValidateTask(t); err != nil {
		return t, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == "" {
			t.Subtasks[i].ID = uuid.NewString()
		}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return t, nil
}

// ApplyPatch applies patch to t, assigns ids to new subtasks and validates
// the result.
func ApplyPatch(t model.Task, patch model.TaskPatch, now time.Time) (model.Task, error) {
	out, err := patch.Apply(t, now)
	if err != nil {
		return t, fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	for i := range out.Subtasks {
		if out.Subtasks[i].ID == "" {
			out.Subtasks[i].ID = uuid.NewString()
		}
	}
	if err := ValidateTask(out); err != nil {
		return t, err
	}
	return out, nil
}
