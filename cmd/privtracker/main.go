package main

import (
	"context"
	"errors"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chihaya/privtracker/api"
	"github.com/chihaya/privtracker/config"
	"github.com/chihaya/privtracker/hitandrun"
	"github.com/chihaya/privtracker/middleware"
	"github.com/chihaya/privtracker/pkg/log"
	"github.com/chihaya/privtracker/pkg/metrics"
	"github.com/chihaya/privtracker/pkg/stop"
	"github.com/chihaya/privtracker/pkg/timecache"
	"github.com/chihaya/privtracker/storage"
)

// Run represents the state of a running instance of the tracker.
type Run struct {
	configFilePath string
	configs        *config.Cache
	stores         storage.Stores
	servers        *stop.Group
	closers        *stop.Group
}

// NewRun runs an instance of the tracker.
func NewRun(configFilePath string) (*Run, error) {
	r := &Run{
		configFilePath: configFilePath,
		configs:        config.NewCache(trackerLoader(configFilePath)),
	}

	return r, r.Start()
}

// Start begins an instance of the tracker. Anything already started is
// stopped again when a later step fails.
func (r *Run) Start() error {
	r.servers = stop.NewGroup()
	r.closers = stop.NewGroup()

	if err := r.start(); err != nil {
		if stopErr := r.Stop(); stopErr != nil {
			log.Warn("failed to stop a partially started tracker", log.Err(stopErr))
		}
		return err
	}

	return nil
}

func (r *Run) start() error {
	configFile, err := ParseConfigFile(r.configFilePath)
	if err != nil {
		return errors.New("failed to read config: " + err.Error())
	}
	cfg := configFile.Main

	// Fail early on an unreadable tracker block.
	if _, err := r.configs.Current(context.Background()); err != nil {
		return errors.New("failed to load tracker config: " + err.Error())
	}

	if cfg.MetricsAddr != "" {
		log.Info("starting metrics server", log.Fields{"addr": cfg.MetricsAddr})
		r.servers.Add("metrics", metrics.NewServer(cfg.MetricsAddr))
	}

	log.Info("starting storage", log.Fields{"name": cfg.Storage.Name})
	stores, closers, err := openStores(cfg)
	if err != nil {
		return errors.New("failed to create storage: " + err.Error())
	}
	r.stores, r.closers = stores, closers

	pipeline, err := middleware.PipelineFromNames(cfg.Checks, r.stores)
	if err != nil {
		return errors.New("failed to build check pipeline: " + err.Error())
	}
	log.Info("configured check pipeline", log.Fields{"checks": pipeline.Names()})

	clock := timecache.System
	logic := middleware.NewLogic(clock, r.configs, r.stores, pipeline, hitandrun.NewTracker(r.stores.HitAndRuns))
	r.servers.Add("logic", logic)

	sweeper := hitandrun.NewSweeper(cfg.Sweeper, clock, r.configs, r.stores.HitAndRuns)
	sweeper.Start()
	r.servers.Add("sweeper", sweeper)

	apiServer := api.NewServer(cfg.API, logic, r.stores)
	apiServer.ListenAndServe()
	r.servers.Add("api", apiServer)

	return nil
}

func combineErrors(prefix string, errs []error) error {
	errStrs := make([]string, 0, len(errs))
	for _, err := range errs {
		errStrs = append(errStrs, err.Error())
	}

	return errors.New(prefix + ": " + strings.Join(errStrs, "; "))
}

// Stop shuts down an instance of the tracker.
//
// The API, sweeper and metrics stop before the stores so that nothing writes
// to a store while it is closed.
func (r *Run) Stop() error {
	log.Debug("stopping servers, then storage")
	if errs := stop.Sequence(r.servers, r.closers).Wait(); len(errs) != 0 {
		return combineErrors("failed while shutting down", errs)
	}

	return nil
}

// RootRunCmdFunc implements a Cobra command that runs an instance of the
// tracker and handles reloading and shutdown via process signals.
func RootRunCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	r, err := NewRun(configFilePath)
	if err != nil {
		return err
	}

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()
	reload := makeReloadChan()

	for {
		select {
		case <-reload:
			log.Info("reloading tracker config; received reload signal")
			if _, err := r.configs.Reload(ctx); err != nil {
				log.Error("failed to reload tracker config; keeping the previous one", log.Err(err))
			}
		case <-ctx.Done():
			log.Info("shutting down; received shutdown signal")
			return r.Stop()
		}
	}
}

// SweepCmdFunc implements a Cobra command that runs a single hit-and-run
// grace period sweep and exits.
func SweepCmdFunc(cmd *cobra.Command, args []string) error {
	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	configFile, err := ParseConfigFile(configFilePath)
	if err != nil {
		return errors.New("failed to read config: " + err.Error())
	}
	cfg := configFile.Main

	s, err := storage.NewStore(cfg.Storage.Name, cfg.Storage.Config)
	if err != nil {
		return errors.New("failed to create storage: " + err.Error())
	}
	defer s.Stop().Wait()

	sweeper := hitandrun.NewSweeper(cfg.Sweeper, timecache.System, config.NewStatic(cfg.Tracker), s)
	flagged, err := sweeper.Sweep(cmd.Context())
	if err != nil {
		return err
	}

	log.Info("sweep finished", log.Fields{"flagged": flagged})
	return nil
}

// RootPreRunCmdFunc handles command line flags for the Run command.
func RootPreRunCmdFunc(cmd *cobra.Command, args []string) error {
	debugLog, err := cmd.Flags().GetBool("debug")
	if err != nil {
		return err
	}
	if debugLog {
		log.SetDebug(true)
		log.Info("enabled debug logging")
	}

	jsonLog, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}
	if jsonLog {
		log.SetFormatter(&logrus.JSONFormatter{})
		log.Info("enabled JSON logging")
	}

	logFile, err := cmd.Flags().GetString("log-file")
	if err != nil {
		return err
	}
	if logFile != "" {
		logCloser = log.SetRotatingOutput(log.RotationConfig{
			Filename:   logFile,
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 28,
			Compress:   true,
		})
	}

	return nil
}

// RootPostRunCmdFunc closes the log file opened by RootPreRunCmdFunc.
func RootPostRunCmdFunc(cmd *cobra.Command, args []string) error {
	if logCloser != nil {
		return logCloser.Close()
	}
	return nil
}

var logCloser io.Closer

func main() {
	rootCmd := &cobra.Command{
		Use:                "privtracker",
		Short:              "Private BitTorrent Tracker",
		Long:               "The announce core of a private BitTorrent tracker",
		PersistentPreRunE:  RootPreRunCmdFunc,
		RunE:               RootRunCmdFunc,
		PersistentPostRunE: RootPostRunCmdFunc,
	}

	rootCmd.PersistentFlags().String("config", "/etc/privtracker.yaml", "location of configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "enable json logging")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to a rotated file instead of stderr")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Flag silent hit-and-runs once",
		Long:  "Run a single hit-and-run grace period sweep against the configured storage",
		RunE:  SweepCmdFunc,
	}
	rootCmd.AddCommand(sweepCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal("failed when executing root cobra command: " + err.Error())
	}
}
