package cli

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/datasetops/hubfetch/internal/config"
	"github.com/datasetops/hubfetch/internal/logctx"
	"github.com/datasetops/hubfetch/internal/report"
	"github.com/datasetops/hubfetch/internal/telemetry"
	"github.com/datasetops/hubfetch/internal/verify"
	"github.com/spf13/cobra"
)

type verifyFlags struct {
	list      bool
	workers   int
	batchSize int
	cacheDir  string
	progress  bool
}

func newVerifyCmd(version string) *cobra.Command {
	var flags verifyFlags

	cmd := &cobra.Command{
		Use:   "verify [owner/dataset]",
		Short: "Check every cached blob against its content hash",
		Long: `Verify rehashes each blob in the content-addressed cache and compares the
result with the hash the file is named after. With --list it only
enumerates the cached datasets and touches no file contents.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if flags.cacheDir != "" {
				cfg.CacheDir = flags.cacheDir
			}

			dataset := ""
			if len(args) == 1 {
				dataset = args[0]
			}

			return runVerify(cmd, cfg, &flags, dataset, version)
		},
	}

	cmd.Flags().BoolVar(&flags.list, "list", false,
		"list cached datasets instead of verifying")
	cmd.Flags().IntVar(&flags.workers, "workers", 0,
		"parallel hash workers (default: all CPUs)")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0,
		"blobs per worker batch")
	cmd.Flags().StringVar(&flags.cacheDir, "cache-dir", "",
		"cache root (default: $HUBFETCH_CACHE_DIR or ~/.cache/hubfetch/hub)")
	cmd.Flags().BoolVar(&flags.progress, "progress", true,
		"render a progress bar during verification")

	return cmd
}

func runVerify(cmd *cobra.Command, cfg *config.Config, flags *verifyFlags, dataset, version string) error {
	ctx, cancel := bootstrap(cmd, cfg)
	defer cancel()

	logger := logctx.LoggerFromContext(ctx)

	if flags.list {
		list, err := verify.List(ctx, cfg.CacheDir)
		if err != nil {
			return &exitError{code: report.ExitFatal, err: err}
		}

		for _, entry := range list {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d blobs\n", entry.Dataset, entry.Blobs)
		}

		return nil
	}

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Metrics.Enabled,
		ServiceName:    "hubfetch",
		ServiceVersion: version,
	})
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer tel.Shutdown(ctx)

	workers := flags.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	scanCfg := verify.Config{
		Root:      cfg.CacheDir,
		Dataset:   dataset,
		Workers:   workers,
		BatchSize: flags.batchSize,
		Telemetry: tel,
	}

	var (
		bar     *pb.ProgressBar
		barOnce sync.Once
	)

	if flags.progress {
		scanCfg.OnProgress = func(done, total int) {
			barOnce.Do(func() {
				bar = pb.New(total)
				bar.SetWriter(cmd.ErrOrStderr())
				bar.Start()
			})

			bar.SetCurrent(int64(done))
		}
	}

	started := time.Now()

	results, err := verify.Scan(ctx, scanCfg)

	if bar != nil {
		bar.Finish()
	}

	if err != nil {
		return &exitError{code: report.ExitFatal, err: err}
	}

	rep := &report.VerifyReport{Results: results}

	logger.Info("verification finished",
		"blobs", len(results),
		"elapsed", time.Since(started).String(),
	)

	if err := rep.Write(cmd.OutOrStdout()); err != nil {
		return err
	}

	if code := rep.ExitCode(); code != report.ExitOK {
		return &exitError{code: code}
	}

	return nil
}
