// Package cache defines the shared on-disk layout of the two local caches:
// the content-addressed blob store mirroring the hub cache convention, and
// the prepared-dataset cache holding ready-to-use output. Both the downloader
// and the verifier derive paths from here so the two can never drift.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// CompleteMarker is the sentinel file written into a prepared config
	// directory once all of its content is in place. Its presence is the
	// "safe to skip" signal on reruns.
	CompleteMarker = ".complete"

	// IncompleteMarker is written before a prepare starts and removed when
	// it finishes. A leftover marker identifies a crashed run's partial
	// output.
	IncompleteMarker = ".incomplete"

	datasetPrefix = "datasets--"

	// DefaultConfig is the directory name used for datasets without named
	// configurations.
	DefaultConfig = "default"
)

// Layout computes cache paths for a pair of cache roots. Beyond EnsureRoots
// and existence checks it performs no I/O.
type Layout struct {
	HubRoot      string // root of the content-addressed blob store
	PreparedRoot string // root of the prepared-dataset cache
}

// DatasetDir returns the hub-cache directory for a dataset identity.
func (l Layout) DatasetDir(dataset string) string {
	return filepath.Join(l.HubRoot, DatasetCacheName(dataset))
}

// BlobDir returns the blob store directory for a dataset.
func (l Layout) BlobDir(dataset string) string {
	return filepath.Join(l.DatasetDir(dataset), "blobs")
}

// BlobPath returns the path of a content-addressed blob. The file name is the
// hex sha256 of the blob's own bytes.
func (l Layout) BlobPath(dataset, hash string) string {
	return filepath.Join(l.BlobDir(dataset), hash)
}

// PreparedDir returns the prepared-dataset directory for one config. An empty
// config maps to the default config directory.
func (l Layout) PreparedDir(dataset, config string) string {
	if config == "" {
		config = DefaultConfig
	}

	return filepath.Join(l.PreparedRoot, strings.ReplaceAll(dataset, "/", "___"), config)
}

// EnsureRoots creates both cache roots and proves they are writable. A root
// that cannot be created or written is a whole-run precondition failure, so
// callers check this once before dispatching any work.
func (l Layout) EnsureRoots() error {
	for _, root := range []string{l.HubRoot, l.PreparedRoot} {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return fmt.Errorf("cache root %s is unusable: %w", root, err)
		}

		f, err := os.CreateTemp(root, ".write-check-*")
		if err != nil {
			return fmt.Errorf("cache root %s is not writable: %w", root, err)
		}

		f.Close()
		os.Remove(f.Name())
	}

	return nil
}

// IsPreparedComplete reports whether a prepared config directory holds a
// complete, validated representation.
func (l Layout) IsPreparedComplete(dataset, config string) bool {
	info, err := os.Stat(filepath.Join(l.PreparedDir(dataset, config), CompleteMarker))

	return err == nil && info.Mode().IsRegular()
}

// DatasetCacheName converts an "owner/name" identity into its hub-cache
// directory name.
func DatasetCacheName(dataset string) string {
	return datasetPrefix + strings.ReplaceAll(dataset, "/", "--")
}

// DatasetFromCacheName inverts DatasetCacheName. The second return is false
// when the directory name is not a dataset cache entry.
func DatasetFromCacheName(name string) (string, bool) {
	if !strings.HasPrefix(name, datasetPrefix) {
		return "", false
	}

	return strings.Replace(strings.TrimPrefix(name, datasetPrefix), "--", "/", 1), true
}

// IsBlobName reports whether a file name looks like a hex sha256 digest, the
// naming scheme of the blob store.
func IsBlobName(name string) bool {
	if len(name) != 64 {
		return false
	}

	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
