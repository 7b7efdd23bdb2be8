package ics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
	"taskcal/internal/source"
)

// Stats summarises one import run.
type Stats struct {
	Feeds    int
	Upserted int
	Removed  int
	Deleted  int
}

// Importer keeps feed-backed tasks in the source in step with the feeds.
type Importer struct {
	src      source.Source
	fetcher  *Fetcher
	feeds    []Feed
	location *time.Location
}

func NewImporter(src source.Source, fetcher *Fetcher, feeds []Feed, loc *time.Location) *Importer {
	if loc == nil {
		loc = time.Local
	}
	return &Importer{src: src, fetcher: fetcher, feeds: feeds, location: loc}
}

// Run fetches every feed, upserts its tasks, records its EXDATEs as deleted
// occurrences and removes tasks whose events left the feed. A failing feed
// does not stop the others; the joined errors are returned.
func (im *Importer) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	results, errs := im.fetcher.FetchAll(ctx, im.feeds)
	for _, res := range results {
		parsed, err := ParseFeed(res.Feed, res.Body, im.location)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := im.apply(ctx, res.Feed, parsed, &stats); err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", res.Feed.ID, err))
			continue
		}
		stats.Feeds++
	}
	appLog.Info("feed import finished", "feeds", stats.Feeds, "upserted", stats.Upserted, "removed", stats.Removed, "deleted", stats.Deleted)
	return stats, errors.Join(errs...)
}

func (im *Importer) apply(ctx context.Context, feed Feed, parsed Parsed, stats *Stats) error {
	current, err := im.snapshot(ctx, feed.UID)
	if err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(parsed.Tasks))
	for _, t := range parsed.Tasks {
		if _, err := im.src.CreateTask(ctx, t); err != nil {
			return fmt.Errorf("upsert %s: %w", t.ID, err)
		}
		keep[t.ID] = struct{}{}
		stats.Upserted++
	}

	prefix := TaskID(feed.ID, "")
	for _, t := range current {
		if !strings.HasPrefix(t.ID, prefix) {
			continue
		}
		if _, ok := keep[t.ID]; ok {
			continue
		}
		if err := im.src.DeleteTask(ctx, t.ID); err != nil && !errors.Is(err, source.ErrNotFound) {
			return fmt.Errorf("remove %s: %w", t.ID, err)
		}
		stats.Removed++
	}

	for _, id := range parsed.Deleted {
		if err := im.src.RecordOverride(ctx, feed.UID, id, model.OverrideDeleted, true); err != nil {
			return fmt.Errorf("record exdate %s: %w", id, err)
		}
		stats.Deleted++
	}
	return nil
}

// snapshot reads the current task list of uid through a short-lived
// subscription.
func (im *Importer) snapshot(ctx context.Context, uid string) ([]model.Task, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := im.src.SubscribeTasks(ctx, uid)
	if err != nil {
		return nil, err
	}
	select {
	case tasks, ok := <-ch:
		if !ok {
			return nil, errors.New("task stream closed")
		}
		return tasks, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
