package cli

import (
	"runtime"
	"time"

	"github.com/datasetops/hubfetch/internal/cache"
	"github.com/datasetops/hubfetch/internal/config"
	"github.com/datasetops/hubfetch/internal/discover"
	"github.com/datasetops/hubfetch/internal/downloader"
	"github.com/datasetops/hubfetch/internal/hub"
	"github.com/datasetops/hubfetch/internal/logctx"
	"github.com/datasetops/hubfetch/internal/report"
	"github.com/datasetops/hubfetch/internal/retry"
	"github.com/datasetops/hubfetch/internal/storage"
	"github.com/datasetops/hubfetch/internal/storage/sqlite"
	"github.com/datasetops/hubfetch/internal/telemetry"
	"github.com/spf13/cobra"
)

type downloadFlags struct {
	configs       string
	workers       int
	maxRetries    int
	baseBackoff   time.Duration
	backoffFactor float64
	force         bool
	cacheDir      string
	historyDB     string
	metricsAddr   string
}

func newDownloadCmd(version string) *cobra.Command {
	var flags downloadFlags

	cmd := &cobra.Command{
		Use:   "download <owner/dataset>",
		Short: "Download every config of a dataset into the local cache",
		Long: `Download discovers the dataset's configs, fetches each one's files into
the content-addressed cache with retries, and reports per-config outcomes.
Configs that are already fully cached are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			applyDownloadFlags(cfg, &flags)

			return runDownload(cmd, cfg, &flags, args[0], version)
		},
	}

	cmd.Flags().StringVar(&flags.configs, "configs", "",
		"comma-separated config names, skips discovery when set")
	cmd.Flags().IntVar(&flags.workers, "workers", 0,
		"parallel config downloads (default: half the CPUs)")
	cmd.Flags().IntVar(&flags.maxRetries, "max-retries", 0,
		"retry attempts per config before giving up")
	cmd.Flags().DurationVar(&flags.baseBackoff, "base-backoff", 0,
		"first retry wait, doubled (by --backoff-factor) per attempt")
	cmd.Flags().Float64Var(&flags.backoffFactor, "backoff-factor", 0,
		"multiplier applied to the wait after each attempt")
	cmd.Flags().BoolVar(&flags.force, "force-redownload", false,
		"redownload configs even when already cached")
	cmd.Flags().StringVar(&flags.cacheDir, "cache-dir", "",
		"cache root (default: $HUBFETCH_CACHE_DIR or ~/.cache/hubfetch/hub)")
	cmd.Flags().StringVar(&flags.historyDB, "history-db", "",
		"sqlite file recording per-config outcomes across runs")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "",
		"expose prometheus metrics on this address while running")

	return cmd
}

func applyDownloadFlags(cfg *config.Config, flags *downloadFlags) {
	if flags.maxRetries > 0 {
		cfg.MaxRetries = flags.maxRetries
	}

	if flags.baseBackoff > 0 {
		cfg.BaseBackoff = flags.baseBackoff
	}

	if flags.backoffFactor > 0 {
		cfg.BackoffFactor = flags.backoffFactor
	}

	if flags.cacheDir != "" {
		cfg.CacheDir = flags.cacheDir
	}

	if flags.historyDB != "" {
		cfg.DBPath = flags.historyDB
	}

	if flags.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.BindAddress = flags.metricsAddr
	}
}

func runDownload(cmd *cobra.Command, cfg *config.Config, flags *downloadFlags, dataset, version string) error {
	ctx, cancel := bootstrap(cmd, cfg)
	defer cancel()

	logger := logctx.LoggerFromContext(ctx)

	logger.Info("starting download",
		"dataset", dataset,
		"auth", authStatus(cfg.HubToken),
		"cache_dir", cfg.CacheDir,
		"max_retries", cfg.MaxRetries,
	)

	// =========================================================================
	// Check Cache Roots
	layout := cache.Layout{
		HubRoot:      cfg.CacheDir,
		PreparedRoot: cfg.PreparedDir,
	}

	// An unusable cache root fails the whole run up front rather than
	// surfacing as per-config retry exhaustion.
	if err := layout.EnsureRoots(); err != nil {
		return &exitError{code: report.ExitFatal, err: err}
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Metrics.Enabled,
		ServiceName:    "hubfetch",
		ServiceVersion: version,
	})
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer tel.Shutdown(ctx)

	if cfg.Metrics.Enabled {
		serveMetrics(ctx, tel, cfg.Metrics.BindAddress)
	}

	// =========================================================================
	// Start Run History
	var history storage.HistoryRepository

	if cfg.DBPath != "" {
		database, err := sqlite.InitDB(cfg.DBPath)
		if err != nil {
			return &exitError{code: 2, err: err}
		}
		defer database.Close()

		history = sqlite.NewInstrumentedHistoryRepository(database, tel)
	}

	// =========================================================================
	// Discover Configs
	hubClient := hub.NewClient(cfg.HubEndpoint, cfg.HubToken)

	policy := retry.Policy{
		MaxAttempts:   cfg.MaxRetries,
		BaseBackoff:   cfg.BaseBackoff,
		BackoffFactor: cfg.BackoffFactor,
		MaxWait:       cfg.MaxBackoff,
	}

	// Nothing sane can happen without the config list, so discovery failures
	// are fatal rather than partial.
	configs, err := discover.Discover(ctx, hubClient, dataset, flags.configs, policy)
	if err != nil {
		return &exitError{code: report.ExitFatal, err: err}
	}

	logger.Info("configs resolved", "count", len(configs))

	// =========================================================================
	// Run Downloads
	workers := flags.workers
	if workers <= 0 {
		workers = max(1, runtime.NumCPU()/2)
	}

	dl := downloader.New(hubClient, layout, policy,
		downloader.WithWorkers(workers),
		downloader.WithForceRedownload(flags.force),
		downloader.WithHistory(history),
		downloader.WithTelemetry(tel),
	)

	started := time.Now()
	outcomes := dl.Run(ctx, dataset, configs)

	logger.Info("download run finished",
		"dataset", dataset,
		"elapsed", time.Since(started).String(),
	)

	// =========================================================================
	// Report
	rep := report.NewDownloadReport(dataset, outcomes)

	if err := rep.Write(cmd.OutOrStdout()); err != nil {
		return err
	}

	if path, err := rep.WriteFailureFile(cfg.ReportDir); err != nil {
		logger.Error("failed to write failure file", "err", err)
	} else if path != "" {
		logger.Warn("failure manifest written", "path", path)
	}

	if code := rep.ExitCode(); code != report.ExitOK {
		return &exitError{code: code}
	}

	return nil
}
