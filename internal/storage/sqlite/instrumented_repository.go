package sqlite

import (
	"context"
	"database/sql"

	"github.com/datasetops/hubfetch/internal/storage"
	"github.com/datasetops/hubfetch/internal/telemetry"
)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      NewHistoryRepository(dbConn),
		telemetry: tel,
	}
}

// RecordOutcome appends one outcome with telemetry.
func (r *InstrumentedHistoryRepository) RecordOutcome(ctx context.Context, rec storage.OutcomeRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_outcome", func(ctx context.Context) error {
		return r.repo.RecordOutcome(ctx, rec)
	})
}

// ListOutcomes queries outcomes with telemetry.
func (r *InstrumentedHistoryRepository) ListOutcomes(ctx context.Context, dataset string, limit int) ([]storage.OutcomeRecord, error) {
	var result []storage.OutcomeRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_outcomes", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListOutcomes(ctx, dataset, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
