// Package report turns run results into operator-facing summaries: a
// console digest, a failure manifest on disk, and the process exit code.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datasetops/hubfetch/internal/downloader"
	"github.com/datasetops/hubfetch/internal/verify"
	"github.com/dustin/go-humanize"
)

// Exit codes for the process. Fatal setup failures use ExitFatal and are
// handled before any report exists.
const (
	ExitOK      = 0
	ExitPartial = 1
	ExitFatal   = 2
)

// DownloadReport summarizes one download run across all configs.
type DownloadReport struct {
	Dataset    string
	Outcomes   []downloader.Outcome
	FinishedAt time.Time
}

// NewDownloadReport builds a report over a finished run.
func NewDownloadReport(dataset string, outcomes []downloader.Outcome) *DownloadReport {
	return &DownloadReport{
		Dataset:    dataset,
		Outcomes:   outcomes,
		FinishedAt: time.Now(),
	}
}

// Failures returns the outcomes that ended in failure, in run order.
func (r *DownloadReport) Failures() []downloader.Outcome {
	var failed []downloader.Outcome

	for _, o := range r.Outcomes {
		if o.Status.IsFailure() {
			failed = append(failed, o)
		}
	}

	return failed
}

// ExitCode is ExitOK when every config succeeded or was already cached,
// ExitPartial otherwise.
func (r *DownloadReport) ExitCode() int {
	if len(r.Failures()) > 0 {
		return ExitPartial
	}

	return ExitOK
}

// Write renders the human-readable summary.
func (r *DownloadReport) Write(w io.Writer) error {
	var succeeded, skipped int
	var bytes uint64

	for _, o := range r.Outcomes {
		switch o.Status {
		case downloader.StatusSucceeded:
			succeeded++
			bytes += uint64(o.Bytes)
		case downloader.StatusSkipped:
			skipped++
		}
	}

	failed := r.Failures()

	fmt.Fprintf(w, "dataset %s: %d configs, %d downloaded (%s), %d already cached, %d failed\n",
		r.Dataset, len(r.Outcomes), succeeded, humanize.Bytes(bytes), skipped, len(failed))

	for _, o := range failed {
		fmt.Fprintf(w, "  FAILED %s after %d attempt(s): %v\n",
			downloader.DisplayConfig(o.Config), o.Attempts, o.Err)
	}

	return nil
}

// WriteFailureFile persists the failed config names so a follow-up run can
// be pointed at exactly the configs that need redoing. Returns the file
// path, or "" when there was nothing to write.
func (r *DownloadReport) WriteFailureFile(dir string) (string, error) {
	failed := r.Failures()
	if len(failed) == 0 {
		return "", nil
	}

	name := fmt.Sprintf("download_failures_%s_%s.txt",
		strings.ReplaceAll(r.Dataset, "/", "_"),
		r.FinishedAt.Format("20060102_150405"),
	)

	path := filepath.Join(dir, name)

	var b strings.Builder
	for _, o := range failed {
		fmt.Fprintf(&b, "%s\t%s\t%v\n", downloader.DisplayConfig(o.Config), o.Status, o.Err)
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing failure file: %w", err)
	}

	return path, nil
}

// VerifyReport summarizes one integrity scan.
type VerifyReport struct {
	Results []verify.Result
}

// Counts tallies results per status.
func (r *VerifyReport) Counts() (match, mismatch, unreadable, skipped int) {
	for _, res := range r.Results {
		switch res.Status {
		case verify.StatusMatch:
			match++
		case verify.StatusMismatch:
			mismatch++
		case verify.StatusUnreadable:
			unreadable++
		case verify.StatusSkipped:
			skipped++
		}
	}

	return match, mismatch, unreadable, skipped
}

// ExitCode is ExitOK only when no blob was corrupted or unreadable.
func (r *VerifyReport) ExitCode() int {
	_, mismatch, unreadable, _ := r.Counts()
	if mismatch > 0 || unreadable > 0 {
		return ExitPartial
	}

	return ExitOK
}

// Write renders the scan summary, listing each problem blob.
func (r *VerifyReport) Write(w io.Writer) error {
	match, mismatch, unreadable, skipped := r.Counts()

	var bytes uint64
	for _, res := range r.Results {
		if res.Status == verify.StatusMatch {
			bytes += uint64(res.Size)
		}
	}

	fmt.Fprintf(w, "verified %d blobs (%s): %d ok, %d corrupted, %d unreadable, %d skipped\n",
		len(r.Results), humanize.Bytes(bytes), match, mismatch, unreadable, skipped)

	for _, res := range r.Results {
		switch res.Status {
		case verify.StatusMismatch:
			fmt.Fprintf(w, "  CORRUPTED %s\n    expected %s\n    computed %s\n",
				res.Path, res.Expected, res.Computed)
		case verify.StatusUnreadable:
			fmt.Fprintf(w, "  UNREADABLE %s: %v\n", res.Path, res.Err)
		}
	}

	return nil
}
