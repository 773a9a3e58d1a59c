package update

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/applivery/updater/internal/applivery"
	"github.com/applivery/updater/internal/downloader"
	"github.com/applivery/updater/internal/downloader/progress"
	"github.com/applivery/updater/internal/logctx"
	"github.com/applivery/updater/internal/storage"
	"github.com/applivery/updater/internal/storage/sqlite"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	calls atomic.Int32
	token applivery.Token
	err   error
	gate  chan struct{}
}

func (f *fakeTokens) ObtainToken(_ context.Context, _ string) (applivery.Token, error) {
	f.calls.Add(1)

	if f.gate != nil {
		<-f.gate
	}

	return f.token, f.err
}

// chunkedBody yields data in fixed-size reads.
type chunkedBody struct {
	data []byte
	size int
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, io.EOF
	}

	n := min(b.size, len(p), len(b.data))
	copy(p, b.data[:n])
	b.data = b.data[n:]

	return n, nil
}

// gatedBody yields one chunk, then blocks until the gate opens (EOF) or the
// request context is cancelled.
type gatedBody struct {
	ctx     context.Context
	first   []byte
	sent    bool
	gate    <-chan struct{}
	started chan struct{}
}

func (b *gatedBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		n := copy(p, b.first)
		close(b.started)

		return n, nil
	}

	select {
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	case <-b.gate:
		return 0, io.EOF
	}
}

type fakeSource struct {
	calls  atomic.Int32
	body   func(ctx context.Context) io.Reader
	length int64
	err    error
}

func (s *fakeSource) DownloadBuild(ctx context.Context, _ applivery.Token) (*applivery.Download, error) {
	s.calls.Add(1)

	if s.err != nil {
		return nil, s.err
	}

	return &applivery.Download{Body: io.NopCloser(s.body(ctx)), ContentLength: s.length}, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	visible bool
	shows   int
	clears  int
	titles  []string
	updates []progress.Progress
}

func (n *fakeNotifier) Show(_ context.Context, title string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.visible = true
	n.shows++
	n.titles = append(n.titles, title)
}

func (n *fakeNotifier) Update(_ context.Context, p progress.Progress) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.visible {
		n.updates = append(n.updates, p)
	}
}

func (n *fakeNotifier) Clear(context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.visible {
		n.visible = false
		n.clears++
	}
}

func (n *fakeNotifier) Visible() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.visible
}

type fakeInstaller struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (i *fakeInstaller) Install(_ context.Context, path string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.paths = append(i.paths, path)

	return i.err
}

func (i *fakeInstaller) Installed() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	return append([]string(nil), i.paths...)
}

type harness struct {
	tokens    *fakeTokens
	source    *fakeSource
	notifier  *fakeNotifier
	installer *fakeInstaller
	fs        afero.Fs
	pipeline  *Pipeline
}

func newHarness(t *testing.T, tokens TokenSource, source *fakeSource, opts Options) *harness {
	t.Helper()

	h := &harness{
		source:    source,
		notifier:  &fakeNotifier{},
		installer: &fakeInstaller{},
		fs:        afero.NewMemMapFs(),
	}

	if ft, ok := tokens.(*fakeTokens); ok {
		h.tokens = ft
	}

	opts.FS = h.fs
	if opts.DownloadDir == "" {
		opts.DownloadDir = "/downloads"
	}

	fetcher := downloader.NewDownloader(source, h.fs, 1000)
	h.pipeline = NewPipeline(tokens, fetcher, h.notifier, h.installer, opts)

	return h
}

func bytesSource(n, chunk int) *fakeSource {
	return &fakeSource{
		body: func(context.Context) io.Reader {
			return &chunkedBody{data: bytes.Repeat([]byte{1}, n), size: chunk}
		},
		length: int64(n),
	}
}

func testRequest(t *testing.T) Request {
	t.Helper()

	req, err := NewRequest("My App", "b1")
	require.NoError(t, err)

	return req
}

func TestRun_Completed(t *testing.T) {
	h := newHarness(t, &fakeTokens{token: applivery.Token{Value: "tok"}}, bytesSource(10000, 1000), Options{})

	state, err := h.pipeline.Run(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, Completed, state)

	assert.False(t, h.pipeline.InProgress())
	assert.False(t, h.notifier.Visible())
	assert.Equal(t, 1, h.notifier.shows)
	assert.Equal(t, []string{"My App"}, h.notifier.titles)
	assert.Equal(t, []string{"/downloads/My-App-b1.apk"}, h.installer.Installed())

	require.Len(t, h.notifier.updates, 10)
	assert.Equal(t, 100, h.notifier.updates[9].Percent)

	var sum, prev int64
	for i, u := range h.notifier.updates {
		if i > 0 {
			assert.GreaterOrEqual(t, u.Percent, h.notifier.updates[i-1].Percent)
		}

		sum += u.BytesReceived - prev
		prev = u.BytesReceived
	}

	info, err := h.fs.Stat("/downloads/My-App-b1.apk")
	require.NoError(t, err)
	assert.Equal(t, info.Size(), sum)

	status := h.pipeline.Snapshot()
	assert.Equal(t, Completed, status.State)
	require.NotNil(t, status.Progress)
	assert.Equal(t, 100, status.Progress.Percent)
	assert.Empty(t, status.Error)
}

func TestRun_TokenFailure(t *testing.T) {
	tests := []struct {
		name    string
		tokens  *fakeTokens
		wantErr error
	}{
		{
			name:    "request fails",
			tokens:  &fakeTokens{err: &applivery.TransportError{Operation: "obtain_token", Err: errors.New("dial tcp: refused")}},
			wantErr: nil,
		},
		{
			name:    "empty token",
			tokens:  &fakeTokens{token: applivery.Token{}},
			wantErr: ErrEmptyToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := bytesSource(100, 10)
			h := newHarness(t, tt.tokens, source, Options{})

			state, err := h.pipeline.Run(context.Background(), testRequest(t))
			require.Error(t, err)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}

			assert.Equal(t, TokenFailed, state)
			assert.Zero(t, h.notifier.shows)
			assert.False(t, h.notifier.Visible())
			assert.Zero(t, source.calls.Load())
			assert.Empty(t, h.installer.Installed())
			assert.False(t, h.pipeline.InProgress())
		})
	}
}

func TestRun_LimitExceededIsLogged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/build/b1/downloadToken", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":false,"error":{"code":5430,"message":"limit","data":{"limit":"5"}}}`))
	}))
	defer srv.Close()

	client, err := applivery.NewClient(applivery.Options{BaseURL: srv.URL, AppToken: "app-token", Timeout: time.Second})
	require.NoError(t, err)

	var logs bytes.Buffer

	ctx := logctx.WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&logs, nil)))

	source := bytesSource(100, 10)
	h := newHarness(t, client, source, Options{})

	state, err := h.pipeline.Run(ctx, testRequest(t))
	assert.Equal(t, TokenFailed, state)

	var limitErr *applivery.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "5", limitErr.Limit)

	assert.Contains(t, logs.String(), "installations limit exceeded")
	assert.Contains(t, logs.String(), `"limit":"5"`)
	assert.Zero(t, source.calls.Load())
	assert.Zero(t, h.notifier.shows)
}

func TestRun_DownloadFailure(t *testing.T) {
	db, err := sqlite.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewDownloadRepository(db)
	source := &fakeSource{err: &applivery.APIError{Operation: "download_build", StatusCode: 404, Code: 4004, Message: "build not found"}}
	h := newHarness(t, &fakeTokens{token: applivery.Token{Value: "tok"}}, source, Options{Repository: repo})

	state, err := h.pipeline.Run(context.Background(), testRequest(t))
	require.Error(t, err)
	assert.Equal(t, DownloadFailed, state)

	assert.False(t, h.pipeline.InProgress())
	assert.False(t, h.notifier.Visible())
	assert.Equal(t, 1, h.notifier.shows)
	assert.Equal(t, 1, h.notifier.clears)
	assert.Empty(t, h.installer.Installed())

	records, err := repo.GetDownloads(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, storage.StatusFailed, records[0].Status)
	assert.Contains(t, records[0].Error, "build not found")

	assert.Contains(t, h.pipeline.Snapshot().Error, "build not found")
}

func TestRun_InstallFailureStillCompletes(t *testing.T) {
	h := newHarness(t, &fakeTokens{token: applivery.Token{Value: "tok"}}, bytesSource(10, 5), Options{})
	h.installer.err = errors.New("adb: device offline")

	state, err := h.pipeline.Run(context.Background(), testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, Completed, state)
	assert.Len(t, h.installer.Installed(), 1)
}

func TestStart_SecondStartIsNoop(t *testing.T) {
	tokens := &fakeTokens{token: applivery.Token{Value: "tok"}, gate: make(chan struct{})}
	h := newHarness(t, tokens, bytesSource(100, 10), Options{})
	req := testRequest(t)

	assert.True(t, h.pipeline.Start(context.Background(), req))
	assert.False(t, h.pipeline.Start(context.Background(), req))
	assert.True(t, h.pipeline.InProgress())

	_, err := h.pipeline.Run(context.Background(), req)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	close(tokens.gate)
	h.pipeline.Wait()

	assert.Equal(t, int32(1), tokens.calls.Load())
	assert.False(t, h.pipeline.InProgress())
	assert.Equal(t, Completed, h.pipeline.Snapshot().State)

	// released: a new start is accepted again
	assert.True(t, h.pipeline.Start(context.Background(), req))
	h.pipeline.Wait()
	assert.Equal(t, int32(2), tokens.calls.Load())
}

func TestStart_ConcurrentStartsIssueOneTokenRequest(t *testing.T) {
	tokens := &fakeTokens{token: applivery.Token{Value: "tok"}, gate: make(chan struct{})}
	h := newHarness(t, tokens, bytesSource(100, 10), Options{})
	req := testRequest(t)

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if h.pipeline.Start(context.Background(), req) {
				accepted.Add(1)
			}
		}()
	}

	wg.Wait()
	close(tokens.gate)
	h.pipeline.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(1), tokens.calls.Load())
}

func gatedSource(gate <-chan struct{}, started chan struct{}) *fakeSource {
	return &fakeSource{
		body: func(ctx context.Context) io.Reader {
			return &gatedBody{ctx: ctx, first: bytes.Repeat([]byte{1}, 500), gate: gate, started: started}
		},
		length: 1000,
	}
}

func TestInterrupt_CancelsTransfer(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(t, &fakeTokens{token: applivery.Token{Value: "tok"}}, gatedSource(gate, started), Options{})

	require.True(t, h.pipeline.Start(context.Background(), testRequest(t)))
	<-started

	h.pipeline.Interrupt(context.Background())
	h.pipeline.Wait()

	status := h.pipeline.Snapshot()
	assert.Equal(t, DownloadFailed, status.State)
	assert.False(t, status.InProgress)
	assert.Contains(t, status.Error, context.Canceled.Error())
	assert.False(t, h.notifier.Visible())
	assert.Empty(t, h.installer.Installed())

	exists, err := afero.Exists(h.fs, "/downloads/My-App-b1.apk")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInterrupt_KeepTransfer(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	h := newHarness(t, &fakeTokens{token: applivery.Token{Value: "tok"}}, gatedSource(gate, started), Options{KeepTransferOnInterrupt: true})

	require.True(t, h.pipeline.Start(context.Background(), testRequest(t)))
	<-started

	h.pipeline.Interrupt(context.Background())

	assert.False(t, h.notifier.Visible())
	assert.True(t, h.pipeline.InProgress())

	close(gate)
	h.pipeline.Wait()

	assert.Equal(t, Completed, h.pipeline.Snapshot().State)
	assert.False(t, h.pipeline.InProgress())
	assert.Equal(t, []string{"/downloads/My-App-b1.apk"}, h.installer.Installed())
}

func TestInterrupt_IdleIsNoop(t *testing.T) {
	h := newHarness(t, &fakeTokens{token: applivery.Token{Value: "tok"}}, bytesSource(10, 10), Options{})

	h.pipeline.Interrupt(context.Background())

	assert.Equal(t, Idle, h.pipeline.Snapshot().State)
	assert.Zero(t, h.notifier.clears)
}

func TestRun_ReusesPreviousDownload(t *testing.T) {
	db, err := sqlite.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewDownloadRepository(db)
	tokens := &fakeTokens{token: applivery.Token{Value: "tok"}}
	source := bytesSource(2048, 512)
	h := newHarness(t, tokens, source, Options{Repository: repo})

	ctx := context.Background()

	state, err := h.pipeline.Run(ctx, testRequest(t))
	require.NoError(t, err)
	require.Equal(t, Completed, state)

	state, err = h.pipeline.Run(ctx, testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, Completed, state)

	assert.Equal(t, int32(1), tokens.calls.Load())
	assert.Equal(t, int32(1), source.calls.Load())
	assert.Len(t, h.installer.Installed(), 2)

	// a truncated file is downloaded again
	require.NoError(t, afero.WriteFile(h.fs, "/downloads/My-App-b1.apk", []byte("short"), 0o644))

	_, err = h.pipeline.Run(ctx, testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, int32(2), tokens.calls.Load())
}

type panickingNotifier struct {
	fakeNotifier
}

func (n *panickingNotifier) Update(context.Context, progress.Progress) {
	panic("render failed")
}

func TestRun_PanicReleasesPipeline(t *testing.T) {
	fs := afero.NewMemMapFs()
	notifier := &panickingNotifier{}
	p := NewPipeline(
		&fakeTokens{token: applivery.Token{Value: "tok"}},
		downloader.NewDownloader(bytesSource(10, 5), fs, 5),
		notifier,
		&fakeInstaller{},
		Options{DownloadDir: "/downloads", FS: fs},
	)

	state, err := p.Run(context.Background(), testRequest(t))
	require.Error(t, err)
	assert.Equal(t, DownloadFailed, state)
	assert.False(t, p.InProgress())
	assert.False(t, notifier.Visible())
}

func TestRun_RejectsFileOutsideDownloadDir(t *testing.T) {
	tokens := &fakeTokens{token: applivery.Token{Value: "tok"}}
	source := bytesSource(10, 5)
	h := newHarness(t, tokens, source, Options{})

	state, err := h.pipeline.Run(context.Background(), Request{BuildID: "b1", DisplayName: "evil", FileName: "../../etc/evil-b1.apk"})
	require.ErrorIs(t, err, ErrUnsafeFileName)
	assert.Equal(t, DownloadFailed, state)
	assert.False(t, h.pipeline.InProgress())
	assert.Zero(t, tokens.calls.Load())
	assert.Zero(t, source.calls.Load())
	assert.Empty(t, h.installer.Installed())

	exists, _ := afero.Exists(h.fs, "/etc/evil-b1.apk")
	assert.False(t, exists)
}

func TestRun_SanitizedNameDownloadsIntoDownloadDir(t *testing.T) {
	h := newHarness(t, &fakeTokens{token: applivery.Token{Value: "tok"}}, bytesSource(10, 5), Options{})

	req, err := NewRequest("../../etc/evil", "b1")
	require.NoError(t, err)

	state, err := h.pipeline.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, Completed, state)
	assert.Equal(t, []string{"/downloads/.._.._etc_evil-b1.apk"}, h.installer.Installed())
}

func TestStart_ClaimAndCancelAreVisibleTogether(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := newHarness(t, &fakeTokens{token: applivery.Token{Value: "tok"}}, bytesSource(10, 10), Options{})
		p := h.pipeline

		var (
			wg   sync.WaitGroup
			gap  atomic.Bool
			stop = make(chan struct{})
		)

		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case <-stop:
					return
				default:
				}

				// What Interrupt sees: a claimed, unfinished run must be cancellable.
				p.mu.Lock()
				if p.inProgress.Load() && p.cancel == nil && !p.state.Terminal() {
					gap.Store(true)
				}
				p.mu.Unlock()
			}
		}()

		require.True(t, p.Start(context.Background(), testRequest(t)))
		p.Wait()
		close(stop)
		wg.Wait()

		require.False(t, gap.Load(), "run %d was claimed without a cancel func", i)
	}
}

// cancellingNotifier cancels the run from inside a progress update and
// records the context error every Clear receives.
type cancellingNotifier struct {
	fakeNotifier

	cancel context.CancelFunc
	panics bool

	errMu     sync.Mutex
	clearErrs []error
}

func (n *cancellingNotifier) Update(context.Context, progress.Progress) {
	n.cancel()

	if n.panics {
		panic("render failed")
	}
}

func (n *cancellingNotifier) Clear(ctx context.Context) {
	n.errMu.Lock()
	n.clearErrs = append(n.clearErrs, ctx.Err())
	n.errMu.Unlock()

	n.fakeNotifier.Clear(ctx)
}

func TestRun_ClearSurvivesCancelledRun(t *testing.T) {
	for _, panics := range []bool{false, true} {
		name := "cancelled transfer"
		if panics {
			name = "panic after cancel"
		}

		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			fs := afero.NewMemMapFs()
			notifier := &cancellingNotifier{cancel: cancel, panics: panics}
			p := NewPipeline(
				&fakeTokens{token: applivery.Token{Value: "tok"}},
				downloader.NewDownloader(bytesSource(10, 5), fs, 5),
				notifier,
				&fakeInstaller{},
				Options{DownloadDir: "/downloads", FS: fs},
			)

			state, err := p.Run(ctx, testRequest(t))
			require.Error(t, err)
			assert.Equal(t, DownloadFailed, state)
			assert.False(t, notifier.Visible())

			notifier.errMu.Lock()
			defer notifier.errMu.Unlock()

			require.NotEmpty(t, notifier.clearErrs)
			for _, e := range notifier.clearErrs {
				assert.NoError(t, e)
			}
		})
	}
}
