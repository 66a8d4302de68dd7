package storage

import (
	"context"
	"time"
)

// OutcomeRecord is one config's terminal outcome from one run. The blob and
// prepared caches themselves are index-free; this history exists purely for
// inspecting how past runs went.
type OutcomeRecord struct {
	Dataset    string
	Config     string
	Status     string
	Attempts   int
	Error      string
	FinishedAt time.Time
}

// HistoryRepository records and queries past download outcomes.
type HistoryRepository interface {
	RecordOutcome(ctx context.Context, rec OutcomeRecord) error
	ListOutcomes(ctx context.Context, dataset string, limit int) ([]OutcomeRecord, error)
}
