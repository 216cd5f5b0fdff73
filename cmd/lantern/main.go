package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"lantern/cli/internal/application"
	"lantern/cli/internal/command"
	"lantern/cli/internal/config"
	"lantern/cli/internal/global"
	"lantern/cli/internal/logging"
)

var startApplication = application.StartApplication

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig:    config.LoadConfig,
		RunServe:      runServe,
		RunMigrateUp:  runMigrateUp,
		ListThoughts:  listThoughts,
		HarvestQuests: harvestQuests,
		SaveService:   saveService,
		SaveWorkerKey: saveWorkerKey,
	})
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "lantern"}).Error("lantern failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.NewLogger(logging.Options{
		Level:     cfg.LogLevel,
		Writer:    os.Stderr,
		Component: "lantern",
		Journal:   cfg.LogJournal,
	})
}

func startOptions(cfg config.Config) (application.StartOptions, error) {
	configDir := strings.TrimSpace(cfg.ConfigDir)
	if configDir == "" {
		dir, err := global.DefaultConfigDir()
		if err != nil {
			return application.StartOptions{}, err
		}
		configDir = dir
	}
	return application.StartOptions{
		ConfigDir: configDir,
		DBDSN:     cfg.DBDSN,
		LocalHost: cfg.LocalHost,
		LocalPort: cfg.LocalPort,
		Service: application.ServiceOptions{
			Endpoint: cfg.OpenAIEndpoint,
			Model:    cfg.OpenAIModel,
			APIKey:   cfg.OpenAIAPIKey,
		},
		Logger: newLogger(cfg),
	}, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	opts, err := startOptions(cfg)
	if err != nil {
		return err
	}
	app, err := startApplication(ctx, opts)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func runMigrateUp(_ context.Context, cfg config.Config) error {
	opts, err := startOptions(cfg)
	if err != nil {
		return err
	}
	if err := application.MigrateUp(opts); err != nil {
		return err
	}
	opts.Logger.Info("migrations applied", "config_dir", opts.ConfigDir)
	return nil
}

func listThoughts(_ context.Context, cfg config.Config, w io.Writer) error {
	opts, err := startOptions(cfg)
	if err != nil {
		return err
	}
	items, err := application.ListThoughts(opts)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		_, err := io.WriteString(w, "No thoughts are scheduled.\n")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tFIRES\tREPEAT\tCONTENT")
	for _, t := range items {
		repeat := "-"
		if t.Repeating() {
			repeat = t.RepeatInterval.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(t.ID), t.Source, humanize.Time(t.FireDate), repeat, oneLine(t.Content))
	}
	return tw.Flush()
}

func harvestQuests(_ context.Context, cfg config.Config, w io.Writer) error {
	opts, err := startOptions(cfg)
	if err != nil {
		return err
	}
	results, err := application.HarvestQuests(opts)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		_, err := io.WriteString(w, "No finished sub-agent results.\n")
		return err
	}
	for _, r := range results {
		finished := "unknown"
		if !r.FinishedAt.IsZero() {
			finished = humanize.RelTime(r.FinishedAt, time.Now(), "ago", "from now")
		}
		fmt.Fprintf(w, "%s  %s  (finished %s, $%.2f)\n  goal: %s\n  %s\n", shortID(r.ID), r.Status, finished, r.CostUSD, oneLine(r.Goal), r.Summary)
	}
	return nil
}

func saveService(_ context.Context, cfg config.Config, in command.ServiceSettings) error {
	opts, err := startOptions(cfg)
	if err != nil {
		return err
	}
	saved, err := application.SaveServiceCredentials(opts, in.Endpoint, in.Model, in.APIKey)
	if err != nil {
		return err
	}
	opts.Logger.Info("service credentials saved", "endpoint", saved.Endpoint, "model", saved.Model, "api_key_set", saved.APIKeySet)
	return nil
}

func saveWorkerKey(_ context.Context, cfg config.Config, key string) error {
	opts, err := startOptions(cfg)
	if err != nil {
		return err
	}
	if err := application.SaveWorkerKey(opts, key); err != nil {
		return err
	}
	opts.Logger.Info("worker key saved")
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
