package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/testoor/pkg/classifier"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/coordinator"
	"github.com/ethpandaops/testoor/pkg/dispatch"
	"github.com/ethpandaops/testoor/pkg/executor"
	"github.com/ethpandaops/testoor/pkg/report"
	"github.com/ethpandaops/testoor/pkg/result"
	"github.com/ethpandaops/testoor/pkg/sink"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runPlatform    string
	runApp         string
	runParallel    int
	runRetry       int
	runTimeout     string
	runAIAnalysis  bool
	runScreenshots bool
	runVideo       bool
	runTestIDs     []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the configured test run",
	Long:  `Schedule all configured tests for the selected platform and record every attempt.`,
	RunE:  runTests,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runPlatform, "platform", "", "target platform (web, mobile)")
	runCmd.Flags().StringVar(&runApp, "app", "", "application under test")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "worker pool size")
	runCmd.Flags().IntVar(&runRetry, "retry", -1, "retries per failing test")
	runCmd.Flags().StringVar(&runTimeout, "timeout", "", "per-attempt timeout (e.g. 90s)")
	runCmd.Flags().BoolVar(&runAIAnalysis, "ai-analysis", false, "classify failures after the run")
	runCmd.Flags().BoolVar(&runScreenshots, "screenshots", false, "ask drivers to capture screenshots")
	runCmd.Flags().BoolVar(&runVideo, "video", false, "ask drivers to capture video")
	runCmd.Flags().StringSliceVar(&runTestIDs, "tests", nil,
		"limit to tests with these IDs (comma-separated or repeated flag)")
}

func runTests(cmd *cobra.Command, args []string) error {
	defer func() {
		if r := recover(); r != nil {
			exitStatus = 3

			log.WithField("panic", r).Error("Internal fault")
		}
	}()

	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	mergeRunFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	platform := result.Platform(cfg.Runner.Platform)
	if !platform.Valid() {
		return fmt.Errorf("platform is required (use --platform or config)")
	}

	driver, ok := cfg.Runner.Drivers[cfg.Runner.Platform]
	if !ok {
		return fmt.Errorf("no driver configured for platform %q", cfg.Runner.Platform)
	}

	// Setup context with signal handling. A signal cancels scheduling;
	// in-flight attempts still finish and get recorded.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	// Local store is mandatory; the remote tracker is optional.
	store := sink.NewLocalStore(log, &cfg.Sinks.Local)
	if err := store.Open(ctx); err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}

	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("Closing local store failed")
		}
	}()

	sinks := []sink.Sink{store}

	if cfg.Sinks.Remote.Enabled {
		sinks = append(sinks, sink.NewRemoteSink(log, &cfg.Sinks.Remote))
	}

	var clf classifier.Classifier
	if cfg.Runner.AIAnalysis {
		clf = classifier.WithBudget(
			log, classifier.NewKeywordClassifier(log), cfg.ClassifierBudget(),
		)
	}

	exec, err := executor.NewCommandExecutor(log, &executor.Config{
		Command: driver.Command,
		WorkDir: driver.WorkDir,
		Artifacts: executor.Artifacts{
			Screenshots: cfg.Runner.Screenshots,
			Video:       cfg.Runner.Video,
		},
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	dispatcher := dispatch.New(log, &dispatch.Config{
		Parallelism:    cfg.Runner.Parallelism,
		DefaultTimeout: cfg.AttemptTimeout(),
	}, exec)

	coord := coordinator.New(log, dispatcher, sinks, clf, cfg.Classifier.Concurrency)

	units := filterUnits(cfg.Units(platform, cfg.Runner.App), runTestIDs)
	if len(units) == 0 {
		return fmt.Errorf("no tests match the specified filters")
	}

	run, err := coord.CreateRun(
		units,
		result.RunConfig{
			Parallelism: cfg.Runner.Parallelism,
			MaxRetries:  cfg.Runner.MaxRetries,
			Timeout:     cfg.AttemptTimeout(),
			AIAnalysis:  cfg.Runner.AIAnalysis,
			Screenshots: cfg.Runner.Screenshots,
			Video:       cfg.Runner.Video,
		},
		platform,
		cfg.Runner.App,
	)
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	log.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"platform": platform,
		"tests":    len(run.Units),
		"parallel": cfg.Runner.Parallelism,
	}).Info("Starting run")

	res, execErr := coord.Execute(ctx, run)

	// Flush pending failure classifications before reporting.
	if err := coord.Close(); err != nil {
		log.WithError(err).Warn("Classifier shutdown error")
	}

	for _, w := range res.SinkWarnings {
		log.WithError(w.Err).WithFields(logrus.Fields{
			"sink":     w.Sink,
			"failures": w.Failures,
		}).Warn("Sink was unavailable during the run")
	}

	if execErr != nil {
		exitStatus = 2

		return fmt.Errorf("executing run: %w", execErr)
	}

	printRunReport(ctx, store, run.ID)

	exitStatus = runExitStatus(res.Run.Status)

	return nil
}

// filterUnits keeps only units whose ID is in ids; an empty filter
// keeps everything.
func filterUnits(units []result.TestUnit, ids []string) []result.TestUnit {
	if len(ids) == 0 {
		return units
	}

	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	filtered := make([]result.TestUnit, 0, len(units))

	for _, unit := range units {
		if _, ok := keep[unit.ID]; ok {
			filtered = append(filtered, unit)
		}
	}

	return filtered
}

// mergeRunFlags overlays explicitly set CLI flags onto the config.
func mergeRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("platform") {
		cfg.Runner.Platform = runPlatform
	}

	if cmd.Flags().Changed("app") {
		cfg.Runner.App = runApp
	}

	if cmd.Flags().Changed("parallel") {
		cfg.Runner.Parallelism = runParallel
	}

	if cmd.Flags().Changed("retry") {
		cfg.Runner.MaxRetries = runRetry
	}

	if cmd.Flags().Changed("timeout") {
		cfg.Runner.Timeout = runTimeout
	}

	if cmd.Flags().Changed("ai-analysis") {
		cfg.Runner.AIAnalysis = runAIAnalysis
	}

	if cmd.Flags().Changed("screenshots") {
		cfg.Runner.Screenshots = runScreenshots
	}

	if cmd.Flags().Changed("video") {
		cfg.Runner.Video = runVideo
	}
}

func printRunReport(ctx context.Context, store sink.Store, runID string) {
	reporter := report.NewReporter(log, store)

	rep, err := reporter.Generate(ctx, runID)
	if err != nil {
		log.WithError(err).Warn("Generating run report failed")

		return
	}

	out, err := reporter.Render(rep, report.FormatText)
	if err != nil {
		log.WithError(err).Warn("Rendering run report failed")

		return
	}

	fmt.Print(out)
}

func runExitStatus(status result.RunStatus) int {
	switch status {
	case result.RunCompleted:
		return 0
	case result.RunPartiallyFailed:
		return 1
	default:
		return 2
	}
}
