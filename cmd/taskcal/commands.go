package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"taskcal/internal/config"
	"taskcal/internal/ics"
	appLog "taskcal/internal/log"
	"taskcal/internal/model"
	"taskcal/internal/reconcile"
	"taskcal/internal/recur"
	"taskcal/internal/scheduler"
	"taskcal/internal/source"
	"taskcal/internal/source/memsource"
	"taskcal/internal/source/redissource"
	"taskcal/internal/source/sqlsource"
	"taskcal/internal/web"
)

const importTimeout = 2 * time.Minute

func openSource(ctx context.Context, conf *config.Config) (source.Source, error) {
	switch conf.Backend {
	case config.BackendMemory:
		return memsource.New(), nil
	case config.BackendRedis:
		src, err := redissource.Open(ctx, redissource.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
			Prefix:   conf.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case config.BackendSQLite:
		src, err := sqlsource.Open(conf.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", conf.Backend)
	}
}

func newEngine(conf *config.Config, src source.Source) (*reconcile.Engine, *time.Location, error) {
	loc, err := conf.Location()
	if err != nil {
		return nil, nil, err
	}
	opts, err := conf.RecurOptions()
	if err != nil {
		return nil, nil, err
	}
	eng := reconcile.NewEngine(src, reconcile.Config{
		Location:             loc,
		Recur:                opts,
		MergeSameDescription: conf.MergeSameDescription,
	})
	return eng, loc, nil
}

func closeSource(src source.Source) {
	if err := src.Close(); err != nil {
		appLog.Error("failed to close data source", err)
	}
}

type ServeCmd struct {
	NoImport bool `help:"Skip the feed import at startup."`
}

func (c *ServeCmd) Run(app *appContext) error {
	conf := app.conf
	appLog.Info("taskcal starting",
		"version", version,
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"backend", conf.Backend,
		"feeds", len(conf.Feeds),
		"users", len(conf.Users),
	)

	src, err := openSource(app.ctx, conf)
	if err != nil {
		return fmt.Errorf("open %s backend: %w", conf.Backend, err)
	}
	defer closeSource(src)

	eng, loc, err := newEngine(conf, src)
	if err != nil {
		return err
	}
	defer eng.Close()

	for _, uid := range conf.Users {
		if err := eng.Track(app.ctx, uid); err != nil {
			return err
		}
	}

	sched := scheduler.New(loc)
	if err := sched.AddRollover(conf.RolloverCron, eng); err != nil {
		return err
	}
	if len(conf.Feeds) > 0 {
		im := ics.NewImporter(src, ics.NewFetcher(conf.CacheDir), conf.Feeds, loc)
		if err := sched.AddImport(conf.ImportCron, im, importTimeout); err != nil {
			return err
		}
		if !c.NoImport {
			go scheduler.RunImport(app.ctx, im, importTimeout)
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := web.NewServer(app.ctx, conf, eng, src)
	if err := srv.Run(app.ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	appLog.Info("taskcal exiting")
	return nil
}

type ImportCmd struct{}

func (c *ImportCmd) Run(app *appContext) error {
	conf := app.conf
	if len(conf.Feeds) == 0 {
		return errors.New("no feeds configured")
	}
	loc, err := conf.Location()
	if err != nil {
		return err
	}
	src, err := openSource(app.ctx, conf)
	if err != nil {
		return err
	}
	defer closeSource(src)

	ctx, cancel := context.WithTimeout(app.ctx, importTimeout)
	defer cancel()
	stats, err := ics.NewImporter(src, ics.NewFetcher(conf.CacheDir), conf.Feeds, loc).Run(ctx)
	fmt.Printf("feeds=%d upserted=%d removed=%d deleted=%d\n", stats.Feeds, stats.Upserted, stats.Removed, stats.Deleted)
	return err
}

type OccurrencesCmd struct {
	UID  string `arg:"" help:"User id."`
	JSON bool   `help:"Print JSON instead of a table."`
}

func (c *OccurrencesCmd) Run(app *appContext) error {
	src, err := openSource(app.ctx, app.conf)
	if err != nil {
		return err
	}
	defer closeSource(src)
	eng, _, err := newEngine(app.conf, src)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Track(app.ctx, c.UID); err != nil {
		return err
	}
	b := eng.Occurrences(c.UID)
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUCKET\tDATE\tTIME\tOCCURRENCE\tTEXT")
	for _, part := range []struct {
		name string
		occs []model.Occurrence
	}{
		{"before", b.BeforeToday},
		{"today", b.Today},
		{"after", b.AfterToday},
		{"done", b.CompletedToday},
	} {
		for _, o := range part.occs {
			date := "-"
			if o.Dated() {
				date = recur.FormatDate(o.Date)
			}
			text := o.Title
			if text == "" {
				text = o.Description
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", part.name, date, o.StartTime, o.OccurrenceID, text)
		}
	}
	return tw.Flush()
}

type ExpandCmd struct {
	UID    string `arg:"" help:"User id."`
	TaskID string `arg:"" help:"Task id."`
	Limit  int    `help:"Number of dates to print; 0 expands up to the horizon." default:"0"`
}

func (c *ExpandCmd) Run(app *appContext) error {
	src, err := openSource(app.ctx, app.conf)
	if err != nil {
		return err
	}
	defer closeSource(src)
	eng, _, err := newEngine(app.conf, src)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Track(app.ctx, c.UID); err != nil {
		return err
	}
	dates, err := eng.ExpandTask(c.UID, c.TaskID, c.Limit)
	if err != nil {
		return err
	}
	for _, d := range dates {
		fmt.Println(recur.FormatDate(d))
	}
	return nil
}
