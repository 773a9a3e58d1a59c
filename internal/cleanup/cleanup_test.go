package cleanup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/applivery/updater/internal/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteExpiredFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.Now()

	for _, p := range []string{"/d/old.apk", "/d/fresh.apk", "/d/failed.apk"} {
		require.NoError(t, afero.WriteFile(fs, p, []byte("apk"), 0o644))
	}

	records := []storage.DownloadRecord{
		{BuildID: "old", FilePath: "/d/old.apk", Status: storage.StatusCompleted, FinishedAt: now.Add(-48 * time.Hour)},
		{BuildID: "fresh", FilePath: "/d/fresh.apk", Status: storage.StatusCompleted, FinishedAt: now.Add(-time.Hour)},
		{BuildID: "failed", FilePath: "/d/failed.apk", Status: storage.StatusFailed, FinishedAt: now.Add(-48 * time.Hour)},
		{BuildID: "gone", FilePath: "/d/gone.apk", Status: storage.StatusCompleted, FinishedAt: now.Add(-48 * time.Hour)},
	}

	removed, err := DeleteExpiredFiles(context.Background(), fs, records, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	exists, _ := afero.Exists(fs, "/d/old.apk")
	assert.False(t, exists)

	for _, p := range []string{"/d/fresh.apk", "/d/failed.apk"} {
		exists, _ := afero.Exists(fs, p)
		assert.True(t, exists, p)
	}
}

func TestDeleteExpiredFiles_KeepsPathOfNewerRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.Now()
	require.NoError(t, afero.WriteFile(fs, "/d/My-App-b1.apk", []byte("apk"), 0o644))

	records := []storage.DownloadRecord{
		{ID: 2, BuildID: "b1", FilePath: "/d/My-App-b1.apk", Status: storage.StatusCompleted, FinishedAt: now.Add(-time.Hour)},
		{ID: 1, BuildID: "b1", FilePath: "/d/My-App-b1.apk", Status: storage.StatusCompleted, FinishedAt: now.Add(-200 * time.Hour)},
	}

	for _, order := range [][]storage.DownloadRecord{records, {records[1], records[0]}} {
		removed, err := DeleteExpiredFiles(context.Background(), fs, order, 168*time.Hour)
		require.NoError(t, err)
		assert.Zero(t, removed)

		exists, _ := afero.Exists(fs, "/d/My-App-b1.apk")
		assert.True(t, exists)
	}
}

func TestDeleteExpiredFiles_RemovesPathOnceWhenAllRunsExpired(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.Now()
	require.NoError(t, afero.WriteFile(fs, "/d/My-App-b1.apk", []byte("apk"), 0o644))

	records := []storage.DownloadRecord{
		{BuildID: "b1", FilePath: "/d/My-App-b1.apk", Status: storage.StatusCompleted, FinishedAt: now.Add(-190 * time.Hour)},
		{BuildID: "b1", FilePath: "/d/My-App-b1.apk", Status: storage.StatusCompleted, FinishedAt: now.Add(-200 * time.Hour)},
	}

	removed, err := DeleteExpiredFiles(context.Background(), fs, records, 168*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestDeleteExpiredFiles_FallsBackToModTime(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/d/app.apk", []byte("apk"), 0o644))

	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, fs.Chtimes("/d/app.apk", old, old))

	records := []storage.DownloadRecord{{FilePath: "/d/app.apk", Status: storage.StatusCompleted}}

	removed, err := DeleteExpiredFiles(context.Background(), fs, records, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestDeleteExpiredFiles_ReportsRemoveErrors(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/d/app.apk", []byte("apk"), 0o644))

	records := []storage.DownloadRecord{{FilePath: "/d/app.apk", Status: storage.StatusCompleted, FinishedAt: time.Now().Add(-48 * time.Hour)}}

	removed, err := DeleteExpiredFiles(context.Background(), afero.NewReadOnlyFs(base), records, time.Hour)
	require.Error(t, err)
	assert.Zero(t, removed)
}

type countingHistory struct {
	calls atomic.Int32
}

func (h *countingHistory) GetDownloads(context.Context) ([]storage.DownloadRecord, error) {
	h.calls.Add(1)
	return nil, nil
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	history := &countingHistory{}

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, afero.NewMemMapFs(), history, time.Hour, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return history.calls.Load() > 0 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
