package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/tickle/internal/clean"
	"github.com/t77yq/tickle/internal/config"
	"github.com/t77yq/tickle/internal/executor"
	"github.com/t77yq/tickle/internal/history"
	"github.com/t77yq/tickle/internal/logging"
	"github.com/t77yq/tickle/internal/reactor"
	"github.com/t77yq/tickle/internal/watch"
)

// Set by ldflags at build time
var version = "dev"

// Exit codes: 0 success, 1 user error, 2 task failure, 3 internal error
const (
	exitOK       = 0
	exitUser     = 1
	exitTask     = 2
	exitInternal = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid settings: %v\n", err)
		return exitUser
	}

	code := exitOK
	root := &cobra.Command{
		Use:           "tickle",
		Short:         "Task graph scheduling with concurrent incremental evaluation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&settings.Debug, "debug", settings.Debug, "sets debug logging level for tool messages")
	root.PersistentFlags().IntVarP(&settings.Workers, "workers", "w", settings.Workers, "number of concurrent workers; defaults to the logical core count minus one")
	root.PersistentFlags().StringVarP(&settings.AgendaPath, "agenda", "a", settings.AgendaPath, "agenda YAML file with procedure, stage, and task definitions")
	root.PersistentFlags().StringVarP(&settings.DependPath, "depend", "d", settings.DependPath, "depend YAML file with implicit file dependencies; optional")
	root.PersistentFlags().StringVarP(&settings.CachePath, "cache", "c", settings.CachePath, "binary cache file holding inter-run persistent state")
	root.PersistentFlags().StringVarP(&settings.LogPath, "log", "l", settings.LogPath, "log file location")

	root.AddCommand(
		&cobra.Command{
			Use:   "offline",
			Short: "Evaluate the stale task set once and exit on quiescence",
			RunE: func(cmd *cobra.Command, args []string) error {
				code = evaluate(settings, reactor.ModeOffline)
				return nil
			},
		},
		&cobra.Command{
			Use:   "online",
			Short: "Evaluate continuously, rescheduling on file and document changes",
			RunE: func(cmd *cobra.Command, args []string) error {
				code = evaluate(settings, reactor.ModeOnline)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clean",
			Short: "Delete all files generated during evaluation",
			RunE: func(cmd *cobra.Command, args []string) error {
				code = runClean(settings)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the tool version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		},
	)

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUser
	}
	return code
}

// evaluate drives one offline or online invocation
func evaluate(settings *config.Settings, mode reactor.Mode) int {
	logger, err := logging.New(settings.Debug, settings.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUser
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var watcher watch.Watcher
	if mode == reactor.ModeOnline {
		fsWatcher, err := watch.NewFSWatcher(logger)
		if err != nil {
			logger.Error("Failed to create file watcher", zap.Error(err))
			return exitInternal
		}
		defer fsWatcher.Close()
		watcher = fsWatcher
	}

	var journal history.Journal
	if sqlite, err := history.OpenSQLite(logger, settings.HistoryPath); err != nil {
		logger.Warn("History journal unavailable", zap.Error(err))
	} else {
		journal = sqlite
		defer sqlite.Close()
	}

	cwd, err := os.Getwd()
	if err != nil {
		logger.Error("Failed to resolve working directory", zap.Error(err))
		return exitInternal
	}

	result, err := reactor.New(reactor.Options{
		Mode:           mode,
		Dir:            cwd,
		AgendaPath:     settings.AgendaPath,
		DependPath:     settings.DependPath,
		CachePath:      settings.CachePath,
		Workers:        settings.Workers,
		RescanSchedule: settings.RescanSchedule,
		Runner:         executor.NewExecRunner(),
		Watcher:        watcher,
		Journal:        journal,
		Logger:         logger,
	}).Run(ctx)
	if err != nil {
		logger.Error("Evaluation aborted", zap.Error(err))
		if errors.Is(err, reactor.ErrInternal) {
			return exitInternal
		}
		return exitUser
	}

	logger.Info("Evaluation finished",
		zap.Int("executed", result.Executed),
		zap.Bool("failed", result.Failed))
	if result.Failed {
		return exitTask
	}
	return exitOK
}

// runClean drives one clean invocation
func runClean(settings *config.Settings) int {
	logger, err := logging.New(settings.Debug, settings.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUser
	}
	defer logger.Sync()

	if err := clean.Run(settings.AgendaPath, settings.CachePath, logger); err != nil {
		logger.Error("Clean failed", zap.Error(err))
		return exitUser
	}
	return exitOK
}
