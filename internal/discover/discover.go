// Package discover plans the work for a download run: the set of
// sub-configurations a dataset is made of.
package discover

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/datasetops/hubfetch/internal/logctx"
	"github.com/datasetops/hubfetch/internal/retry"
)

// metadataAttempts bounds discovery's own retry budget. Discovery is a
// whole-run precondition, so it does not deserve the full download budget.
const metadataAttempts = 3

// ConfigLister is the hub capability discovery needs.
type ConfigLister interface {
	ListConfigs(ctx context.Context, dataset string) ([]string, error)
}

// DiscoveryError means no work plan could be produced. It is fatal for the
// run: nothing can be downloaded without it.
type DiscoveryError struct {
	Dataset string
	Err     error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("could not discover configs for %s: %v", e.Dataset, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Discover returns the ordered sequence of configs to process. A non-empty
// explicit list is parsed and returned verbatim with no network call;
// otherwise the hub's metadata is queried with a small bounded retry and the
// result sorted so reruns produce the same work order. A dataset with no
// named configs yields the single default config (empty string).
func Discover(ctx context.Context, lister ConfigLister, dataset, explicit string, pol retry.Policy) ([]string, error) {
	if configs := ParseExplicit(explicit); len(configs) > 0 {
		return configs, nil
	}

	logger := logctx.LoggerFromContext(ctx)

	pol.MaxAttempts = metadataAttempts

	var (
		configs []string
		err     error
	)

	for attempt := 1; ; attempt++ {
		configs, err = lister.ListConfigs(ctx, dataset)
		if err == nil {
			break
		}

		decision := retry.Decide(err, attempt, pol)
		if !decision.Retry {
			return nil, &DiscoveryError{Dataset: dataset, Err: err}
		}

		logger.Warn("config discovery failed, retrying",
			"dataset", dataset, "attempt", attempt, "wait", decision.Wait.String(), "err", err)

		select {
		case <-ctx.Done():
			return nil, &DiscoveryError{Dataset: dataset, Err: ctx.Err()}
		case <-time.After(decision.Wait):
		}
	}

	if len(configs) == 0 {
		logger.Info("no named configs found, using default config", "dataset", dataset)

		return []string{""}, nil
	}

	sort.Strings(configs)

	return configs, nil
}

// ParseExplicit splits a comma-separated config list, trimming whitespace and
// dropping empties and duplicates while preserving first-seen order.
func ParseExplicit(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}

	seen := make(map[string]struct{})

	var configs []string

	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}

		if _, ok := seen[name]; ok {
			continue
		}

		seen[name] = struct{}{}
		configs = append(configs, name)
	}

	return configs
}
