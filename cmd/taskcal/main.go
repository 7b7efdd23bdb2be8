package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"taskcal/internal/config"
	appLog "taskcal/internal/log"
)

const version = "0.1.0"

var CLI struct {
	Version kong.VersionFlag
	Config  string `help:"Path to config file." type:"path" default:"/etc/taskcal/config.yaml"`
	Listen  string `help:"HTTP listen address (overrides config if set)."`
	Backend string `help:"Data source backend: memory, redis or sqlite (overrides config if set)."`

	Serve       ServeCmd       `cmd:"" default:"1" help:"Run the API server, rollover and feed import."`
	Import      ImportCmd      `cmd:"" help:"Sync the configured timetable feeds once and exit."`
	Occurrences OccurrencesCmd `cmd:"" help:"Print a user's reconciled occurrences."`
	Expand      ExpandCmd      `cmd:"" help:"Print the raw dates of one task."`
}

// appContext is handed to every command's Run.
type appContext struct {
	ctx  context.Context
	conf *config.Config
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name("taskcal"),
		kong.Description("Recurring task expansion and occurrence reconciliation"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	conf, err := config.Load(CLI.Config)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", CLI.Config)
		os.Exit(1)
	}
	if CLI.Listen != "" {
		conf.Listen = CLI.Listen
	}
	if CLI.Backend != "" {
		conf.Backend = CLI.Backend
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", CLI.Config)
		os.Exit(1)
	}
	if err := appLog.Init(appLog.Options{Level: conf.Log.Level, File: conf.Log.File}); err != nil {
		appLog.Error("failed to open log file", err, "file", conf.Log.File)
		os.Exit(1)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := kctx.Run(&appContext{ctx: ctx, conf: conf}); err != nil {
		appLog.Error("command failed", err, "command", kctx.Command())
		os.Exit(1)
	}
}
