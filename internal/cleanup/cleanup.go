package cleanup

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/applivery/updater/internal/logctx"
	"github.com/applivery/updater/internal/storage"
	"github.com/spf13/afero"
)

// DeleteExpiredFiles deletes downloaded packages whose newest completed run
// finished more than keepDuration ago. Runs of the same build share a path,
// so a path is judged by its newest record only. It returns the number of
// files removed.
func DeleteExpiredFiles(ctx context.Context, fs afero.Fs, dr []storage.DownloadRecord, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	var (
		removed int
		errs    []error
	)

	for _, rec := range newestCompletedByPath(dr) {
		finishedAt := rec.FinishedAt
		if finishedAt.IsZero() {
			info, err := fs.Stat(rec.FilePath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue // already deleted
				}

				logger.ErrorContext(ctx, "failed to stat file", "file", rec.FilePath, "err", err)
				errs = append(errs, err)

				continue
			}

			// fallback: use file mod time
			finishedAt = info.ModTime()
		}

		if now.Sub(finishedAt) <= keepDuration {
			continue
		}

		if err := fs.Remove(rec.FilePath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			logger.ErrorContext(ctx, "failed to delete expired file", "file", rec.FilePath, "err", err)
			errs = append(errs, err)

			continue
		}

		removed++

		logger.InfoContext(ctx, "deleted expired file", "file", rec.FilePath, "build_id", rec.BuildID)
	}

	return removed, errors.Join(errs...)
}

// newestCompletedByPath keeps one completed record per file path, the one
// that finished last, in order of first appearance.
func newestCompletedByPath(dr []storage.DownloadRecord) []storage.DownloadRecord {
	index := make(map[string]int)

	var out []storage.DownloadRecord

	for _, rec := range dr {
		if rec.Status != storage.StatusCompleted || rec.FilePath == "" {
			continue
		}

		i, seen := index[rec.FilePath]
		if !seen {
			index[rec.FilePath] = len(out)
			out = append(out, rec)

			continue
		}

		if rec.FinishedAt.After(out[i].FinishedAt) {
			out[i] = rec
		}
	}

	return out
}

// HistorySource lists the download history.
type HistorySource interface {
	GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error)
}

// Run deletes expired files every interval until ctx is done.
func Run(ctx context.Context, fs afero.Fs, history HistorySource, keepDuration, interval time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			records, err := history.GetDownloads(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "failed to list downloads for cleanup", "err", err)
				continue
			}

			if _, err := DeleteExpiredFiles(ctx, fs, records, keepDuration); err != nil {
				logger.WarnContext(ctx, "cleanup finished with errors", "err", err)
			}
		}
	}
}
