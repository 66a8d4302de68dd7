// Package verify walks the content-addressed blob store and checks every
// blob's identity hash in parallel. Verification is strictly read-only:
// findings are reported, never acted on.
package verify

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/datasetops/hubfetch/internal/cache"
	"github.com/datasetops/hubfetch/internal/logctx"
	"github.com/datasetops/hubfetch/internal/telemetry"
	"github.com/opencontainers/go-digest"
	"golang.org/x/exp/mmap"
	"golang.org/x/sync/errgroup"
)

// mmapThreshold is the file size above which hashing goes through a
// memory-mapped reader, so multi-gigabyte blobs are not buffered twice.
const mmapThreshold = 1 << 20

const defaultBatchSize = 10

// Status classifies one blob's verification result.
type Status string

const (
	StatusMatch      Status = "match"
	StatusMismatch   Status = "mismatch"
	StatusUnreadable Status = "unreadable"
	StatusSkipped    Status = "skipped" // file name is not a content hash
)

// Result is one blob's verification outcome. Immutable once produced.
type Result struct {
	Path     string
	Size     int64
	Expected string // hash embedded in the file name
	Computed string // hash of the actual bytes, empty when unreadable
	Status   Status
	Err      error // set for StatusUnreadable
}

// Config controls a scan.
type Config struct {
	Root      string // cache root holding datasets--* trees
	Dataset   string // optional single-dataset filter, "owner/name"
	Workers   int    // parallel hash workers, defaults to NumCPU
	BatchSize int    // files per worker batch

	// OnProgress, when set, is called after every verified file with the
	// running completed count and the total.
	OnProgress func(done, total int)

	Telemetry *telemetry.Telemetry
}

// Scan enumerates every blob under the store and verifies each one's content
// hash against its file name. The result slice preserves enumeration order
// and contains exactly one entry per enumerated blob.
func Scan(ctx context.Context, cfg Config) ([]Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	tel := cfg.Telemetry
	if tel == nil {
		tel = &telemetry.Telemetry{}
	}

	blobs, err := FindBlobs(ctx, cfg.Root, cfg.Dataset)
	if err != nil {
		return nil, err
	}

	logger.Info("verifying blobs",
		"root", cfg.Root,
		"blobs", len(blobs),
		"workers", cfg.Workers,
		"batch_size", cfg.BatchSize,
	)

	results := make([]Result, len(blobs))

	var done atomic.Int64

	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(cfg.Workers)

	// Each batch owns a disjoint slice of the results, so workers never
	// touch the same index.
	for start := 0; start < len(blobs); start += cfg.BatchSize {
		start := start
		end := min(start+cfg.BatchSize, len(blobs))

		wg.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}

				results[i] = verifyBlob(blobs[i])
				tel.RecordVerification(ctx, string(results[i].Status))

				if cfg.OnProgress != nil {
					cfg.OnProgress(int(done.Add(1)), len(blobs))
				}
			}

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// verifyBlob recomputes one blob's content hash and compares it against the
// hash its file name claims.
func verifyBlob(path string) Result {
	r := Result{Path: path, Expected: filepath.Base(path)}

	if !cache.IsBlobName(r.Expected) {
		r.Expected = ""
		r.Status = StatusSkipped

		return r
	}

	info, err := os.Stat(path)
	if err != nil {
		r.Status = StatusUnreadable
		r.Err = err

		return r
	}

	r.Size = info.Size()

	computed, err := hashFile(path, r.Size)
	if err != nil {
		r.Status = StatusUnreadable
		r.Err = err

		return r
	}

	r.Computed = computed.Encoded()
	if r.Computed == r.Expected {
		r.Status = StatusMatch
	} else {
		r.Status = StatusMismatch
	}

	return r
}

// hashFile computes the sha256 of a file, memory-mapping large ones.
func hashFile(path string, size int64) (digest.Digest, error) {
	if size < mmapThreshold {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()

		return digest.SHA256.FromReader(f)
	}

	r, err := mmap.Open(path)
	if err != nil {
		return "", err
	}
	defer r.Close()

	return digest.SHA256.FromReader(io.NewSectionReader(r, 0, int64(r.Len())))
}

// FindBlobs enumerates every file under a blobs directory of the store,
// optionally restricted to one dataset. The walk is an explicit work queue
// rather than recursion, so memory stays bounded and cancellation can cut it
// short cleanly.
func FindBlobs(ctx context.Context, root, dataset string) ([]string, error) {
	type walkItem struct {
		path      string
		inDataset bool
	}

	wantCacheName := ""
	if dataset != "" {
		wantCacheName = cache.DatasetCacheName(dataset)
	}

	var blobs []string

	stack := []walkItem{{path: root}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(item.path)
		if err != nil {
			// A root that cannot be read at all is a precondition failure,
			// not an empty cache. Unreadable subtrees below it are skipped;
			// the scanner reports on what it can reach.
			if item.path == root {
				return nil, err
			}

			continue
		}

		// Keep enumeration deterministic across platforms.
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			sub := filepath.Join(item.path, entry.Name())

			if !entry.IsDir() {
				continue
			}

			switch {
			case item.inDataset && entry.Name() == "blobs":
				files, err := os.ReadDir(sub)
				if err != nil {
					continue
				}

				for _, f := range files {
					if !f.IsDir() {
						blobs = append(blobs, filepath.Join(sub, f.Name()))
					}
				}
			case !item.inDataset:
				if _, ok := cache.DatasetFromCacheName(entry.Name()); ok {
					if wantCacheName != "" && entry.Name() != wantCacheName {
						continue
					}

					stack = append(stack, walkItem{path: sub, inDataset: true})
				} else {
					stack = append(stack, walkItem{path: sub})
				}
			default:
				stack = append(stack, walkItem{path: sub, inDataset: true})
			}
		}
	}

	return blobs, nil
}

// DatasetEntry is one dataset found in the cache by List.
type DatasetEntry struct {
	Dataset string
	Blobs   int
}

// List enumerates the datasets present in the cache without touching any
// file contents. It is a pure query: no writes, no hashing.
func List(ctx context.Context, root string) ([]DatasetEntry, error) {
	entries, err := collectDatasetDirs(ctx, root)
	if err != nil {
		return nil, err
	}

	list := make([]DatasetEntry, 0, len(entries))

	for _, dir := range entries {
		dataset, _ := cache.DatasetFromCacheName(filepath.Base(dir))

		blobs := 0

		if files, err := os.ReadDir(filepath.Join(dir, "blobs")); err == nil {
			for _, f := range files {
				if !f.IsDir() {
					blobs++
				}
			}
		}

		list = append(list, DatasetEntry{Dataset: dataset, Blobs: blobs})
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Dataset < list[j].Dataset })

	return list, nil
}

// collectDatasetDirs finds every datasets--* directory under root with the
// same bounded iterative walk the scanner uses.
func collectDatasetDirs(ctx context.Context, root string) ([]string, error) {
	var dirs []string

	stack := []string{root}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			if dir == root {
				return nil, err
			}

			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}

			if _, ok := cache.DatasetFromCacheName(entry.Name()); ok {
				dirs = append(dirs, filepath.Join(dir, entry.Name()))
			} else {
				stack = append(stack, filepath.Join(dir, entry.Name()))
			}
		}
	}

	return dirs, nil
}
