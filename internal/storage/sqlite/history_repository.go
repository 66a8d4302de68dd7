package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/datasetops/hubfetch/internal/storage"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(dbConn *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: dbConn}
}

// RecordOutcome appends one terminal outcome to the history.
func (r *HistoryRepository) RecordOutcome(ctx context.Context, rec storage.OutcomeRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO outcomes (dataset, config, status, attempts, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.Dataset, rec.Config, rec.Status, rec.Attempts, rec.Error, rec.FinishedAt.Format(time.RFC3339))

	return err
}

// ListOutcomes returns the most recent outcomes for a dataset, newest first.
func (r *HistoryRepository) ListOutcomes(ctx context.Context, dataset string, limit int) ([]storage.OutcomeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT dataset, config, status, attempts, error, finished_at
		FROM outcomes
		WHERE dataset = ?
		ORDER BY id DESC
		LIMIT ?
	`, dataset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []storage.OutcomeRecord

	for rows.Next() {
		var (
			rec        storage.OutcomeRecord
			errMsg     sql.NullString
			finishedAt string
		)

		if err := rows.Scan(&rec.Dataset, &rec.Config, &rec.Status, &rec.Attempts, &errMsg, &finishedAt); err != nil {
			return nil, err
		}

		if errMsg.Valid {
			rec.Error = errMsg.String
		}

		if at, err := time.Parse(time.RFC3339, finishedAt); err == nil {
			rec.FinishedAt = at
		}

		outcomes = append(outcomes, rec)
	}

	return outcomes, rows.Err()
}
