// Package sqlsource keeps tasks and overrides in a SQLite database through
// gorm. Change notifications are fanned out in process.
package sqlsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
	"taskcal/internal/recur"
	"taskcal/internal/source"
)

type taskRow struct {
	ID          string `gorm:"primaryKey"`
	UID         string `gorm:"index"`
	Title       string
	Description string
	StartDate   string
	StartTime   string
	Repeat      string
	RepeatDays  []int `gorm:"serializer:json"`
	RepeatCount *int
	Category    string
	Priority    int
	IsImportant bool
	IsCompleted bool
	Subtasks    []model.Subtask `gorm:"serializer:json"`
	CreatedAt   time.Time       `gorm:"autoCreateTime:false"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime:false"`
}

func (taskRow) TableName() string { return "tasks" }

type overrideRow struct {
	UID          string `gorm:"primaryKey"`
	Kind         string `gorm:"primaryKey"`
	OccurrenceID string `gorm:"primaryKey"`
	Value        bool
	At           time.Time
}

func (overrideRow) TableName() string { return "overrides" }

func rowFromTask(t model.Task) taskRow {
	return taskRow{
		ID: t.ID, UID: t.UID, Title: t.Title, Description: t.Description,
		StartDate: t.StartDate, StartTime: t.StartTime,
		Repeat: string(t.Repeat), RepeatDays: t.RepeatDays, RepeatCount: t.RepeatCount,
		Category: t.Category, Priority: t.Priority,
		IsImportant: t.IsImportant, IsCompleted: t.IsCompleted,
		Subtasks:  t.Subtasks,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

func (r taskRow) task() model.Task {
	return model.Task{
		ID: r.ID, UID: r.UID, Title: r.Title, Description: r.Description,
		StartDate: r.StartDate, StartTime: r.StartTime,
		Repeat: recur.Kind(r.Repeat), RepeatDays: r.RepeatDays, RepeatCount: r.RepeatCount,
		Category: r.Category, Priority: r.Priority,
		IsImportant: r.IsImportant, IsCompleted: r.IsCompleted,
		Subtasks:  r.Subtasks,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type Source struct {
	db  *gorm.DB
	hub *source.Hub
	now func() time.Time
}

// gormWriter routes gorm's own messages into the application log.
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...any) {
	appLog.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "gorm")
}

// Open opens (creating if needed) the SQLite database at dsn and migrates it.
func Open(dsn string) (*Source, error) {
	if dsn == "" {
		dsn = "taskcal.db"
	}
	if err := ensureDirForSQLite(dsn); err != nil {
		return nil, err
	}

	dbLogger := logger.New(gormWriter{}, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: dbLogger})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&taskRow{}, &overrideRow{}); err != nil {
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	return &Source{db: db, hub: source.NewHub(), now: time.Now}, nil
}

// ensureDirForSQLite creates the parent directory of a file DSN.
func ensureDirForSQLite(dsn string) error {
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	clean := strings.TrimPrefix(dsn, "file:")
	clean = strings.Split(clean, "?")[0]
	dir := filepath.Dir(clean)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create db dir %q: %w", dir, err)
	}
	return nil
}

func (s *Source) SubscribeTasks(ctx context.Context, uid string) (<-chan []model.Task, error) {
	changes := s.hub.Watch(ctx, uid, source.StreamTasks)
	return source.Pump(ctx, changes, func(ctx context.Context) ([]model.Task, error) {
		return s.loadTasks(ctx, uid)
	}, "tasks:"+uid), nil
}

func (s *Source) SubscribeOverrides(ctx context.Context, uid string, kind model.OverrideKind) (<-chan model.OverrideSnapshot, error) {
	changes := s.hub.Watch(ctx, uid, source.OverrideStream(kind))
	return source.Pump(ctx, changes, func(ctx context.Context) (model.OverrideSnapshot, error) {
		return s.loadOverrides(ctx, uid, kind)
	}, string(kind)+":"+uid), nil
}

func (s *Source) loadTasks(ctx context.Context, uid string) ([]model.Task, error) {
	var rows []taskRow
	if err := s.db.WithContext(ctx).Where("uid = ?", uid).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]model.Task, len(rows))
	for i, r := range rows {
		out[i] = r.task()
	}
	return out, nil
}

func (s *Source) loadOverrides(ctx context.Context, uid string, kind model.OverrideKind) (model.OverrideSnapshot, error) {
	var rows []overrideRow
	if err := s.db.WithContext(ctx).Where("uid = ? AND kind = ?", uid, string(kind)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	out := make(model.OverrideSnapshot, len(rows))
	for _, r := range rows {
		out[r.OccurrenceID] = model.OverrideValue{Value: r.Value, At: r.At}
	}
	return out, nil
}

// CreateTask stores t, replacing any task with the same preset id.
func (s *Source) CreateTask(ctx context.Context, t model.Task) (string, error) {
	t, err := source.PrepareNew(t, s.now())
	if err != nil {
		return "", err
	}
	var prevUID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev taskRow
		err := tx.First(&prev, "id = ?", t.ID).Error
		switch {
		case err == nil:
			prevUID = prev.UID
			t.CreatedAt = prev.CreatedAt
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		row := rowFromTask(t)
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if prevUID != "" && prevUID != t.UID {
		s.hub.Notify(prevUID, source.StreamTasks)
	}
	s.hub.Notify(t.UID, source.StreamTasks)
	return t.ID, nil
}

func (s *Source) UpdateTask(ctx context.Context, id string, patch model.TaskPatch) error {
	var uid string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row taskRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return source.ErrNotFound
			}
			return err
		}
		t, err := source.ApplyPatch(row.task(), patch, s.now())
		if err != nil {
			return err
		}
		uid = t.UID
		row = rowFromTask(t)
		return tx.Save(&row).Error
	})
	if err != nil {
		return err
	}
	s.hub.Notify(uid, source.StreamTasks)
	return nil
}

func (s *Source) DeleteTask(ctx context.Context, id string) error {
	var row taskRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return source.ErrNotFound
			}
			return err
		}
		return tx.Delete(&taskRow{}, "id = ?", id).Error
	})
	if err != nil {
		return err
	}
	s.hub.Notify(row.UID, source.StreamTasks)
	return nil
}

func (s *Source) RecordOverride(ctx context.Context, uid, occurrenceID string, kind model.OverrideKind, value bool) error {
	row := overrideRow{UID: uid, Kind: string(kind), OccurrenceID: occurrenceID, Value: value, At: s.now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("record %s override %s: %w", kind, occurrenceID, err)
	}
	s.hub.Notify(uid, source.OverrideStream(kind))
	return nil
}

func (s *Source) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ source.Source = (*Source)(nil)
