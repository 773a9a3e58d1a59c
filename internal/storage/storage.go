package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("download record not found")

// Download statuses.
const (
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// DownloadRecord represents one pipeline run for a build.
type DownloadRecord struct {
	ID         int64     `json:"id"`
	BuildID    string    `json:"build_id"`
	FilePath   string    `json:"file_path"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Bytes      int64     `json:"bytes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// DownloadRepository keeps the download history.
type DownloadRepository interface {
	// StartDownload records a new run in the downloading status and returns its id.
	StartDownload(ctx context.Context, buildID, filePath string) (int64, error)
	// FinishDownload moves a run to a terminal status.
	FinishDownload(ctx context.Context, id int64, status string, bytes int64, errMsg string) error
	// LastCompleted returns the newest completed run of a build or ErrNotFound.
	LastCompleted(ctx context.Context, buildID string) (*DownloadRecord, error)
	// GetDownloads returns every run, newest first.
	GetDownloads(ctx context.Context) ([]DownloadRecord, error)
}
