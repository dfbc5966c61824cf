package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"wellflow/internal/api"
	"wellflow/internal/app"
	"wellflow/internal/config"
	"wellflow/internal/jobs"
	"wellflow/internal/registry"
	"wellflow/internal/scheduler"
	"wellflow/internal/store"
)

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "wellflow",
		Short:         "Background task orchestration for the wellness app",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (YAML)")

	root.AddCommand(
		newServeCmd(&configFile),
		newTasksCmd(),
		newSchedulesCmd(&configFile),
	)
	return root
}

func newServeCmd(configFile *string) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, scheduler and the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if err := setupLogger(cfg.Log, os.Stdout); err != nil {
				return err
			}
			return serve(cmd.Context(), *cfg, shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for running tasks on shutdown")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, shutdownTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := store.Open(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	var deliverer jobs.Deliverer
	if cfg.Notify.WebhookURL != "" {
		deliverer = jobs.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.RatePerSec, cfg.Notify.Timeout, nil)
	}

	a, err := app.New(cfg, app.Deps{
		Repo:      store.NewSQLiteRepo(db),
		Deliverer: deliverer,
		Log:       log.Logger,
	})
	if err != nil {
		return err
	}
	if err := a.Initialize(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(api.Deps{
			Tasks:       a.Registry(),
			Pool:        a.Pool(),
			Results:     a.Results(),
			Scheduler:   a.Scheduler(),
			Metrics:     a.Metrics().Handler(),
			Log:         log.Logger,
			EnableDebug: cfg.HTTP.EnableDebug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	// Graceful shutdown
	sig, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	var runErr error
	select {
	case <-sig.Done():
		log.Info().Msg("shutting down")
	case runErr = <-srvErr:
		log.Error().Err(runErr).Msg("http server")
	}

	ctxTimeout, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := a.Shutdown(ctxTimeout); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the registered background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New()
			if err := jobs.New(jobs.Deps{Log: zerolog.Nop()}).Register(reg); err != nil {
				return err
			}
			for _, name := range reg.List() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

type scheduleView struct {
	Task    string         `yaml:"task"`
	Cron    string         `yaml:"cron"`
	Params  map[string]any `yaml:"params,omitempty"`
	NextRun string         `yaml:"next_run"`
}

func newSchedulesCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "Print the effective schedule table with next run times",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			return printSchedules(cmd.OutOrStdout(), *cfg, time.Now())
		},
	}
}

func printSchedules(w io.Writer, cfg config.Config, now time.Time) error {
	loc, err := scheduler.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return err
	}
	var out []scheduleView
	for _, sc := range cfg.EffectiveSchedules() {
		next, err := scheduler.NextRunTime(sc.Cron, now, loc)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", sc.Task, err)
		}
		out = append(out, scheduleView{Task: sc.Task, Cron: sc.Cron, Params: sc.Params, NextRun: next.Format(time.RFC3339)})
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}

func setupLogger(cfg config.LogConfig, w io.Writer) error {
	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Format == "json" {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return nil
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	return nil
}
