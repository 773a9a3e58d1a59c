package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/applivery/updater/internal/applivery"
	"github.com/applivery/updater/internal/downloader/progress"
	"github.com/applivery/updater/internal/logctx"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// DefaultChunkSize is the copy buffer size. It is not part of any protocol.
	DefaultChunkSize = 8 * 1024

	partialSuffix = ".part"
)

// BuildSource opens the byte stream of a build.
type BuildSource interface {
	DownloadBuild(ctx context.Context, token applivery.Token) (*applivery.Download, error)
}

// ProgressFunc receives a snapshot after every chunk written to disk.
type ProgressFunc func(progress.Progress)

// Result describes a completed download.
type Result struct {
	Path       string
	Bytes      int64
	TotalBytes int64
	Duration   time.Duration
}

type Downloader struct {
	src       BuildSource
	fs        afero.Fs
	chunkSize int
}

func NewDownloader(src BuildSource, fs afero.Fs, chunkSize int) *Downloader {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Downloader{
		src:       src,
		fs:        fs,
		chunkSize: chunkSize,
	}
}

// Download streams the build authorized by token into dest. The data is
// written to dest+".part" and renamed on success; on failure the partial
// file is removed and dest is left untouched. onProgress may be nil.
//
// Errors from opening the stream are returned as the source produced them.
// Failures reading the stream are *applivery.TransportError, failures
// touching the filesystem *StorageError.
func (d *Downloader) Download(ctx context.Context, token applivery.Token, dest string, onProgress ProgressFunc) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("target", dest)
	start := time.Now()

	dl, err := d.src.DownloadBuild(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to open build stream: %w", err)
	}
	defer dl.Body.Close()

	if err := d.fs.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: filepath.Dir(dest), Err: err}
	}

	partial := dest + partialSuffix

	out, err := d.fs.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, &StorageError{Op: "create", Path: partial, Err: err}
	}

	logger.InfoContext(ctx, "downloading build", "file_size", sizeText(dl.ContentLength))

	written, err := d.copy(ctx, out, dl.Body, dl.ContentLength, onProgress)

	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = &StorageError{Op: "close", Path: partial, Err: closeErr}
	}

	if err == nil {
		if renameErr := d.fs.Rename(partial, dest); renameErr != nil {
			err = &StorageError{Op: "rename", Path: dest, Err: renameErr}
		}
	}

	if err != nil {
		if rmErr := d.fs.Remove(partial); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.WarnContext(ctx, "failed to remove partial download", "path", partial, "err", rmErr)
		}

		return nil, err
	}

	res := &Result{
		Path:       dest,
		Bytes:      written,
		TotalBytes: dl.ContentLength,
		Duration:   time.Since(start),
	}

	logger.InfoContext(ctx, "downloaded and saved build",
		"size", humanize.Bytes(uint64(written)),
		"duration", res.Duration.String(),
	)

	return res, nil
}

func (d *Downloader) copy(ctx context.Context, dst io.Writer, src io.Reader, total int64, onProgress ProgressFunc) (int64, error) {
	buf := make([]byte, d.chunkSize)
	tracker := progress.NewTracker(total)

	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, &applivery.TransportError{Operation: "read_body", Err: err}
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, &StorageError{Op: "write", Err: err}
			}

			written += int64(n)

			if onProgress != nil {
				onProgress(tracker.Add(int64(n)))
			}
		}

		if errors.Is(readErr, io.EOF) {
			return written, nil
		}

		if readErr != nil {
			return written, &applivery.TransportError{Operation: "read_body", Err: readErr}
		}
	}
}

func sizeText(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(n))
}
