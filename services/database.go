package services

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"vid2gif/models"
)

// DatabaseService mirrors terminal job outcomes into Postgres for
// auditing. The queue remains the source of truth for live job state;
// rows here outlast queue records and explicit history deletions.
type DatabaseService struct {
	db *sql.DB
}

func NewDatabaseService(databaseURL string) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{db: db}, nil
}

// RecordOutcome upserts one terminal job. Re-recording the same job,
// for example after a stall requeue raced a completion, keeps the
// latest outcome.
func (d *DatabaseService) RecordOutcome(ctx context.Context, job models.Job) error {
	query := `INSERT INTO conversions
			(job_id, owner_id, input_filename, output_filename, state, error_message, attempts, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state,
			error_message = EXCLUDED.error_message,
			attempts = EXCLUDED.attempts,
			finished_at = EXCLUDED.finished_at`

	_, err := d.db.ExecContext(ctx, query,
		job.ID, job.OwnerID, job.InputFilename, job.OutputFilename,
		string(job.State), job.Error, job.Attempts, job.CreatedAt, job.FinishedAt,
	)
	return err
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}
