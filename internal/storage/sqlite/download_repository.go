package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/applivery/updater/internal/storage"
)

type DownloadRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn, now: time.Now}
}

func (r *DownloadRepository) StartDownload(ctx context.Context, buildID, filePath string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (build_id, file_path, status, started_at) VALUES (?, ?, ?, ?)`,
		buildID, filePath, storage.StatusDownloading, r.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}

	return res.LastInsertId()
}

// FinishDownload sets the terminal status of a run.
func (r *DownloadRepository) FinishDownload(ctx context.Context, id int64, status string, bytes int64, errMsg string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, bytes = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, bytes, errMsg, r.now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *DownloadRepository) LastCompleted(ctx context.Context, buildID string) (*storage.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, build_id, file_path, status, error, bytes, started_at, finished_at
		FROM downloads
		WHERE build_id = ? AND status = ?
		ORDER BY id DESC
		LIMIT 1`, buildID, storage.StatusCompleted)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return record, nil
}

func (r *DownloadRepository) GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, build_id, file_path, status, error, bytes, started_at, finished_at
		FROM downloads
		ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, *record)
	}

	return downloads, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.DownloadRecord, error) {
	var (
		record     storage.DownloadRecord
		startedAt  string
		finishedAt sql.NullString
	)

	if err := s.Scan(&record.ID, &record.BuildID, &record.FilePath, &record.Status,
		&record.Error, &record.Bytes, &startedAt, &finishedAt); err != nil {
		return nil, err
	}

	var err error

	record.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid && finishedAt.String != "" {
		record.FinishedAt, err = time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return nil, err
		}
	}

	return &record, nil
}
