// Package downloader drives a worker pool over a dataset's configs, fetching
// raw content into the blob store and materializing the prepared form of each
// config. Failures are isolated per config; a rerun makes forward progress
// without redoing completed work.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/datasetops/hubfetch/internal/cache"
	"github.com/datasetops/hubfetch/internal/hub"
	"github.com/datasetops/hubfetch/internal/logctx"
	"github.com/datasetops/hubfetch/internal/retry"
	"github.com/datasetops/hubfetch/internal/storage"
	"github.com/datasetops/hubfetch/internal/telemetry"
	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// incompletePattern names in-flight temp blobs; anything matching it
	// at the start of a run is debris from a crashed one.
	incompletePattern = "incomplete-*"

	// progressLogInterval is how many bytes pass between progress log
	// lines while streaming a large blob.
	progressLogInterval = 100 * 1024 * 1024
)

// HubClient is the fetch capability the orchestrator delegates to.
type HubClient interface {
	ListFiles(ctx context.Context, dataset, config string) ([]hub.File, error)
	FetchFile(ctx context.Context, dataset string, f hub.File) (io.ReadCloser, error)
}

type Downloader struct {
	hub     HubClient
	layout  cache.Layout
	policy  retry.Policy
	workers int
	force   bool
	history storage.HistoryRepository
	tel     *telemetry.Telemetry

	// sleep waits out a backoff; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Downloader)

// WithWorkers bounds the pool; values below one fall back to the default.
func WithWorkers(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithForceRedownload bypasses the already-cached skip.
func WithForceRedownload(force bool) Option {
	return func(d *Downloader) {
		d.force = force
	}
}

// WithHistory records every terminal outcome into the given repository.
func WithHistory(repo storage.HistoryRepository) Option {
	return func(d *Downloader) {
		d.history = repo
	}
}

// WithTelemetry attaches metrics and tracing.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(d *Downloader) {
		d.tel = tel
	}
}

func New(hubClient HubClient, layout cache.Layout, policy retry.Policy, opts ...Option) *Downloader {
	d := &Downloader{
		hub:     hubClient,
		layout:  layout,
		policy:  policy,
		workers: max(1, runtime.NumCPU()/2),
		sleep:   sleepCtx,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.tel == nil {
		d.tel = &telemetry.Telemetry{}
	}

	return d
}

// Run processes every config and returns one outcome per config, in the
// given order regardless of completion order. It never aborts the batch for
// a single config's failure; cancellation stops dispatch of new tasks and
// surfaces in the affected outcomes.
func (d *Downloader) Run(ctx context.Context, dataset string, configs []string) []Outcome {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("starting download run",
		"dataset", dataset,
		"configs", len(configs),
		"workers", d.workers,
		"force_redownload", d.force,
	)

	d.sweepIncompleteBlobs(ctx, dataset)

	outcomes := make([]Outcome, len(configs))
	sem := make(chan struct{}, d.workers)

	var wg errgroup.Group

	for i := range configs {
		i := i
		config := configs[i]

		wg.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }() // release the slot
			case <-ctx.Done():
				outcomes[i] = Outcome{Config: config, Status: StatusFailedExhausted, Err: ctx.Err()}

				return nil
			}

			outcomes[i] = d.processConfig(ctx, dataset, config)

			return nil
		})
	}

	_ = wg.Wait() // tasks convert their failures into outcomes

	d.recordHistory(ctx, dataset, outcomes)

	return outcomes
}

func (d *Downloader) processConfig(ctx context.Context, dataset, config string) Outcome {
	logger := logctx.LoggerFromContext(ctx).With("dataset", dataset, "config", DisplayConfig(config))

	ctx, span := d.tel.Tracer().Start(ctx, "download_config",
		trace.WithAttributes(attribute.String("config", DisplayConfig(config))))
	defer span.End()

	ctx = logctx.WithLogger(ctx, logger)

	start := time.Now()
	out := Outcome{Config: config}

	preparedDir := d.layout.PreparedDir(dataset, config)

	switch {
	case d.layout.IsPreparedComplete(dataset, config) && !d.force:
		logger.Info("config already prepared, skipping")

		out.Status = StatusSkipped
		out.Duration = time.Since(start)
		d.tel.RecordDownload(ctx, string(out.Status), out.Duration)

		return out
	case d.force:
		if err := os.RemoveAll(preparedDir); err != nil {
			logger.Warn("failed to clear prepared dir for redownload", "dir", preparedDir, "err", err)
		}
	default:
		// A crashed run may have left partial output behind; redoing it
		// is the recovery, not an error.
		if _, err := os.Stat(preparedDir); err == nil {
			logger.Warn("removing stale partial prepared dir", "dir", preparedDir)

			if err := os.RemoveAll(preparedDir); err != nil {
				logger.Warn("failed to remove stale prepared dir", "dir", preparedDir, "err", err)
			}
		}
	}

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt

		fetched, err := d.downloadConfig(ctx, dataset, config)
		out.Bytes += fetched

		if err == nil {
			out.Status = StatusSucceeded
			out.Err = nil

			break
		}

		out.Err = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			out.Status = StatusFailedExhausted

			break
		}

		class, _ := retry.Classify(err)

		decision := retry.Decide(err, attempt, d.policy)
		if !decision.Retry {
			if class == retry.ClassPermanent {
				out.Status = StatusFailedPermanent
			} else {
				out.Status = StatusFailedExhausted
			}

			break
		}

		d.tel.RecordRetry(ctx, class.String())
		logger.Warn("attempt failed, backing off",
			"attempt", attempt, "class", class.String(), "wait", decision.Wait.String(), "err", err)

		if err := d.sleep(ctx, decision.Wait); err != nil {
			out.Status = StatusFailedExhausted
			out.Err = err

			break
		}
	}

	out.Duration = time.Since(start)
	d.tel.RecordDownload(ctx, string(out.Status), out.Duration)

	if out.Status.IsFailure() {
		logger.Error("config download failed",
			"status", string(out.Status), "attempts", out.Attempts, "err", out.Err)
	} else {
		logger.Info("config download finished",
			"status", string(out.Status),
			"attempts", out.Attempts,
			"fetched", humanize.Bytes(uint64(out.Bytes)),
			"duration", out.Duration.String(),
		)
	}

	return out
}

// downloadConfig is one attempt at the whole unit of work: list the config's
// files, fetch the missing blobs and materialize the prepared form.
func (d *Downloader) downloadConfig(ctx context.Context, dataset, config string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	files, err := d.hub.ListFiles(ctx, dataset, config)
	if err != nil {
		return 0, err
	}

	if len(files) == 0 {
		return 0, &hub.PermanentError{Operation: "list_files", Reason: "config has no files"}
	}

	if err := os.MkdirAll(d.layout.BlobDir(dataset), dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create blob dir: %w", err)
	}

	var fetched int64

	blobs := make([]string, len(files))

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}

		// Blobs from an interrupted run survive by content hash; a
		// retry resumes from them instead of refetching.
		if f.SHA256 != "" {
			p := d.layout.BlobPath(dataset, f.SHA256)
			if fi, err := os.Stat(p); err == nil && (f.Size == 0 || fi.Size() == f.Size) {
				blobs[i] = p

				continue
			}
		}

		hash, n, err := d.fetchBlob(ctx, dataset, f)
		if err != nil {
			return fetched, err
		}

		fetched += n
		blobs[i] = d.layout.BlobPath(dataset, hash)
	}

	if err := d.prepare(ctx, dataset, config, files, blobs); err != nil {
		return fetched, &PrepareError{Config: config, Err: err}
	}

	return fetched, nil
}

// fetchBlob streams one file into the blob store through a sha256 tee. The
// temp file is renamed to its digest name only once the hash checks out, so
// the store never holds a blob whose name lies about its content.
func (d *Downloader) fetchBlob(ctx context.Context, dataset string, f hub.File) (string, int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	body, err := d.hub.FetchFile(ctx, dataset, f)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(d.layout.BlobDir(dataset), incompletePattern)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp blob: %w", err)
	}

	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	digester := digest.SHA256.Digester()
	pr := newProgressReader(body, f.Size, logger.With("path", f.Path))

	n, copyErr := io.Copy(io.MultiWriter(tmp, digester.Hash()), pr)
	if err := tmp.Close(); copyErr == nil {
		copyErr = err
	}

	if copyErr != nil {
		return "", 0, &hub.TransientError{Operation: "fetch_file", Err: copyErr}
	}

	computed := digester.Digest().Encoded()
	if f.SHA256 != "" && computed != f.SHA256 {
		return "", 0, &hub.TransientError{
			Operation: "fetch_file",
			Err:       fmt.Errorf("content hash mismatch for %s: expected %s, got %s", f.Path, f.SHA256, computed),
		}
	}

	dst := d.layout.BlobPath(dataset, computed)
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", 0, fmt.Errorf("failed to commit blob: %w", err)
	}

	d.tel.RecordBlobFetched(ctx, n)
	logger.Debug("fetched blob", "path", f.Path, "size", humanize.Bytes(uint64(n)), "hash", computed)

	return computed, n, nil
}

// prepare materializes the prepared-dataset form of a config by linking
// blobs under their tree paths. The incomplete marker brackets the work so a
// crash never leaves output that passes for valid.
func (d *Downloader) prepare(ctx context.Context, dataset, config string, files []hub.File, blobs []string) error {
	dir := d.layout.PreparedDir(dataset, config)

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, cache.IncompleteMarker), nil, filePerm); err != nil {
		return err
	}

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		rel := f.Path
		if config != "" {
			rel = strings.TrimPrefix(rel, config+"/")
		}

		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
			return err
		}

		if err := materialize(blobs[i], target); err != nil {
			return err
		}
	}

	if err := os.WriteFile(filepath.Join(dir, cache.CompleteMarker), nil, filePerm); err != nil {
		return err
	}

	return os.Remove(filepath.Join(dir, cache.IncompleteMarker))
}

// sweepIncompleteBlobs clears temp blobs a crashed run left in the blob
// store. It runs before any worker starts writing, so it never races a live
// fetch.
func (d *Downloader) sweepIncompleteBlobs(ctx context.Context, dataset string) {
	logger := logctx.LoggerFromContext(ctx)

	stale, err := filepath.Glob(filepath.Join(d.layout.BlobDir(dataset), incompletePattern))
	if err != nil {
		return
	}

	for _, path := range stale {
		logger.Warn("removing stale partial blob", "path", path)

		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove stale partial blob", "path", path, "err", err)
		}
	}
}

func (d *Downloader) recordHistory(ctx context.Context, dataset string, outcomes []Outcome) {
	if d.history == nil {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	for _, out := range outcomes {
		rec := storage.OutcomeRecord{
			Dataset:    dataset,
			Config:     DisplayConfig(out.Config),
			Status:     string(out.Status),
			Attempts:   out.Attempts,
			FinishedAt: time.Now(),
		}
		if out.Err != nil {
			rec.Error = out.Err.Error()
		}

		if err := d.history.RecordOutcome(ctx, rec); err != nil {
			logger.Warn("failed to record outcome history", "config", rec.Config, "err", err)
		}
	}
}

// materialize hardlinks a blob to its prepared location, copying when the
// caches live on different filesystems.
func materialize(blob, target string) error {
	_ = os.Remove(target)

	if err := os.Link(blob, target); err == nil {
		return nil
	}

	src, err := os.Open(blob)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()

		return err
	}

	return dst.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// progressReader logs coarse progress while a large blob streams through.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	sinceLog int64
	logger   *slog.Logger
}

func newProgressReader(r io.Reader, total int64, logger *slog.Logger) *progressReader {
	return &progressReader{r: r, total: total, logger: logger}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLog += int64(n)

		if pr.sinceLog >= progressLogInterval {
			pr.sinceLog = 0

			if pr.total > 0 {
				pr.logger.Debug("fetch progress",
					"downloaded", humanize.Bytes(uint64(pr.read)),
					"total", humanize.Bytes(uint64(pr.total)),
					"percent", humanize.FtoaWithDigits(float64(pr.read)*100/float64(pr.total), 2))
			} else {
				pr.logger.Debug("fetch progress", "downloaded", humanize.Bytes(uint64(pr.read)))
			}
		}
	}

	return n, err
}
