package sqlite

import (
	"context"
	"database/sql"

	"github.com/applivery/updater/internal/storage"
	"github.com/applivery/updater/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// StartDownload records a new run with telemetry.
func (r *InstrumentedDownloadRepository) StartDownload(ctx context.Context, buildID, filePath string) (int64, error) {
	var id int64

	err := r.telemetry.InstrumentDBOperation(ctx, "start_download", func(ctx context.Context) error {
		var err error
		id, err = r.repo.StartDownload(ctx, buildID, filePath)

		return err
	})

	return id, err
}

// FinishDownload finishes a run with telemetry.
func (r *InstrumentedDownloadRepository) FinishDownload(ctx context.Context, id int64, status string, bytes int64, errMsg string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "finish_download", func(ctx context.Context) error {
		return r.repo.FinishDownload(ctx, id, status, bytes, errMsg)
	})
}

// LastCompleted looks up the newest completed run with telemetry.
func (r *InstrumentedDownloadRepository) LastCompleted(ctx context.Context, buildID string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "last_completed", func(ctx context.Context) error {
		var err error
		result, err = r.repo.LastCompleted(ctx, buildID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetDownloads retrieves all downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownloads(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
