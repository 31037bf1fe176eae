package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/sashelper/SDVBridge/internal/api"
	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/backend/batch"
	"github.com/sashelper/SDVBridge/internal/backend/catalog"
	"github.com/sashelper/SDVBridge/internal/backend/session"
	"github.com/sashelper/SDVBridge/internal/config"
	"github.com/sashelper/SDVBridge/internal/engine"
	"github.com/sashelper/SDVBridge/internal/export"
	"github.com/sashelper/SDVBridge/internal/model"
	"github.com/sashelper/SDVBridge/internal/preview"
	"github.com/sashelper/SDVBridge/internal/registry"
	"github.com/sashelper/SDVBridge/internal/store"
)

var (
	flagVerbose          bool
	flagServerLogPath    string
	flagServerOutputPath string
)

func main() {
	serveCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "debug logging")
	settingsCmd.Flags().StringVar(&flagServerLogPath, "server-log-path", "", "default server-side log capture path")
	settingsCmd.Flags().StringVar(&flagServerOutputPath, "server-output-path", "", "default server-side listing capture path")

	// never print messages
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("sdvbridge failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "sdvbridge",
	Short:        "Local HTTP bridge for running SAS programs and browsing datasets",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the bridge on the configured listen address",
	RunE:  doServe,
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "show or change the default server-side capture paths",
	RunE:  doSettings,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the bridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sdvbridge: %s\n", version())
		if info, ok := debug.ReadBuildInfo(); ok {
			fmt.Printf("go:        %s\n", info.GoVersion)
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					fmt.Printf("commit:    %s\n", s.Value)
				}
			}
		}
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

func doServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if flagVerbose {
		cfg.LogLevel = slog.LevelDebug
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("sdvbridge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backend", cfg.Backend,
		"work_dir", cfg.WorkDir,
	)

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return err
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}

	backends := backend.NewRegistry()
	backends.Register("session", session.New(session.Options{
		Catalog:      cat,
		Logger:       logger,
		Step:         cfg.SessionStep,
		SpoolDir:     cfg.SpoolDir,
		TempFilerefs: cfg.TempFilerefs,
	}))
	if cfg.BatchCommand != "" {
		b, err := batch.New(batch.Options{Command: cfg.BatchCommand, Logger: logger})
		if err != nil {
			return err
		}
		backends.Register("batch", b)
	}
	selected, err := backends.Resolve(cfg.Backend)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var eng *engine.Engine
	jobs := registry.New(cfg.MaxJobs, registry.WithOnEvict(func(j model.Job) { eng.Evicted(j) }))
	eng = engine.NewEngine(selected, jobs, db, engine.Config{
		WorkDir:          cfg.WorkDir,
		PollInterval:     cfg.PollInterval,
		JobTimeout:       cfg.JobTimeout,
		ServerLogPath:    settings.ServerLogPath,
		ServerOutputPath: settings.ServerOutputPath,
	}, logger)

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Engine:   eng,
		Jobs:     jobs,
		History:  db,
		Backends: backends,
		Metadata: cat,
		Preview:  preview.NewService(cat, eng, logger),
		Export:   export.NewService(cat, eng.Gate(), cfg.WorkDir, logger),
		WorkDir:  cfg.WorkDir,
		Version:  version(),
	}, logger)

	return srv.Run()
}

func doSettings(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	s, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		return err
	}

	logChanged := cmd.Flags().Changed("server-log-path")
	outChanged := cmd.Flags().Changed("server-output-path")
	if logChanged || outChanged {
		if logChanged {
			s.ServerLogPath = flagServerLogPath
		}
		if outChanged {
			s.ServerOutputPath = flagServerOutputPath
		}
		if err := config.SaveSettings(cfg.SettingsPath, s); err != nil {
			return err
		}
	}

	fmt.Printf("settings:         %s\n", cfg.SettingsPath)
	fmt.Printf("serverlogpath:    %s\n", s.ServerLogPath)
	fmt.Printf("serveroutputpath: %s\n", s.ServerOutputPath)
	return nil
}
