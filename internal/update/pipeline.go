package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/applivery/updater/internal/applivery"
	"github.com/applivery/updater/internal/downloader"
	"github.com/applivery/updater/internal/downloader/progress"
	"github.com/applivery/updater/internal/logctx"
	"github.com/applivery/updater/internal/storage"
	"github.com/applivery/updater/internal/telemetry"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

type TokenSource interface {
	ObtainToken(ctx context.Context, buildID string) (applivery.Token, error)
}

type Fetcher interface {
	Download(ctx context.Context, token applivery.Token, dest string, onProgress downloader.ProgressFunc) (*downloader.Result, error)
}

type Notifier interface {
	Show(ctx context.Context, title string)
	Update(ctx context.Context, p progress.Progress)
	Clear(ctx context.Context)
}

type Installer interface {
	Install(ctx context.Context, path string) error
}

type Options struct {
	DownloadDir string
	// KeepTransferOnInterrupt makes Interrupt only clear the notification and
	// let the transfer run to the end.
	KeepTransferOnInterrupt bool
	// FS is used to check whether a recorded download is still on disk.
	FS afero.Fs
	// Repository is optional; without it runs are not recorded and finished
	// downloads are never reused.
	Repository storage.DownloadRepository
	Telemetry  *telemetry.Telemetry
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	State      State              `json:"state"`
	InProgress bool               `json:"in_progress"`
	Request    *Request           `json:"request,omitempty"`
	Progress   *progress.Progress `json:"progress,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Pipeline downloads a build and hands it to the installer. At most one run
// is in progress at any time; starts while busy are ignored.
type Pipeline struct {
	tokens    TokenSource
	fetcher   Fetcher
	notifier  Notifier
	installer Installer
	opts      Options

	inProgress atomic.Bool

	mu       sync.Mutex
	state    State
	request  *Request
	progress *progress.Progress
	lastErr  error
	cancel   context.CancelFunc

	group errgroup.Group
}

func NewPipeline(tokens TokenSource, fetcher Fetcher, notifier Notifier, installer Installer, opts Options) *Pipeline {
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}

	return &Pipeline{
		tokens:    tokens,
		fetcher:   fetcher,
		notifier:  notifier,
		installer: installer,
		opts:      opts,
	}
}

// Start runs the pipeline for req in the background. It returns false, doing
// nothing, when a run is already in progress. The run outlives ctx; use
// Interrupt to stop it.
func (p *Pipeline) Start(ctx context.Context, req Request) bool {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if !p.acquire(req, cancel) {
		cancel()
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "download already in progress, ignoring start", "build_id", req.BuildID)
		p.opts.Telemetry.RecordPipelineStart(false)

		return false
	}

	p.opts.Telemetry.RecordPipelineStart(true)

	p.group.Go(func() error {
		defer cancel()

		_, _ = p.execute(runCtx, req)

		return nil
	})

	return true
}

// Run is the synchronous form of Start. The returned error is informational:
// the run has already logged and recorded it.
func (p *Pipeline) Run(ctx context.Context, req Request) (State, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !p.acquire(req, cancel) {
		p.opts.Telemetry.RecordPipelineStart(false)

		return p.Snapshot().State, ErrAlreadyRunning
	}

	p.opts.Telemetry.RecordPipelineStart(true)

	return p.execute(runCtx, req)
}

// Interrupt handles the host going away mid-run. The notification is always
// cleared; the transfer is cancelled unless KeepTransferOnInterrupt is set.
func (p *Pipeline) Interrupt(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	p.notifier.Clear(ctx)

	if p.opts.KeepTransferOnInterrupt {
		logger.InfoContext(ctx, "notification cleared, transfer continues")

		return
	}

	p.mu.Lock()
	cancel := p.cancel
	running := p.inProgress.Load()
	p.mu.Unlock()

	if cancel != nil && running {
		logger.InfoContext(ctx, "interrupting download")
		cancel()
	}
}

// Snapshot returns the current status.
func (p *Pipeline) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		State:      p.state,
		InProgress: p.inProgress.Load(),
	}

	if p.request != nil {
		req := *p.request
		s.Request = &req
	}

	if p.progress != nil {
		pr := *p.progress
		s.Progress = &pr
	}

	if p.lastErr != nil {
		s.Error = p.lastErr.Error()
	}

	return s
}

// InProgress reports whether a run holds the pipeline.
func (p *Pipeline) InProgress() bool {
	return p.inProgress.Load()
}

// Wait blocks until the background run, if any, has finished.
func (p *Pipeline) Wait() {
	_ = p.group.Wait()
}

// acquire claims the pipeline for req. The claim and the run's cancel
// function become visible together under p.mu, so an Interrupt never sees a
// claimed pipeline it cannot cancel.
func (p *Pipeline) acquire(req Request, cancel context.CancelFunc) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inProgress.CompareAndSwap(false, true) {
		return false
	}

	p.state = TokenRequested
	p.request = &req
	p.progress = nil
	p.lastErr = nil
	p.cancel = cancel

	return true
}

func (p *Pipeline) execute(ctx context.Context, req Request) (state State, err error) {
	ctx, logger := logctx.With(ctx, "build_id", req.BuildID, "file", req.FileName)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "download pipeline panic",
				"panic", r,
				"stack", string(debug.Stack()))

			p.notifier.Clear(context.WithoutCancel(ctx))
			state, err = p.finish(DownloadFailed, fmt.Errorf("panic: %v", r))
		}
	}()

	dest := filepath.Join(p.opts.DownloadDir, req.FileName)
	if filepath.Dir(dest) != filepath.Clean(p.opts.DownloadDir) {
		logger.ErrorContext(ctx, "refusing to write outside the download directory", "dest", dest)

		return p.finish(DownloadFailed, fmt.Errorf("%w: %q", ErrUnsafeFileName, req.FileName))
	}

	if p.reusable(ctx, req.BuildID, dest) {
		logger.InfoContext(ctx, "build already downloaded, skipping download")

		state, _ = p.finish(Completed, nil)
		p.install(ctx, dest)

		return state, nil
	}

	err = p.opts.Telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		var runErr error

		state, runErr = p.transfer(ctx, req, dest)

		return runErr
	})

	return state, err
}

func (p *Pipeline) transfer(ctx context.Context, req Request, dest string) (State, error) {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "requesting download token")

	token, err := p.tokens.ObtainToken(ctx, req.BuildID)
	if err == nil && token.Value == "" {
		err = ErrEmptyToken
	}

	if err != nil {
		logTokenFailure(ctx, logger, err)

		return p.finish(TokenFailed, err)
	}

	historyID := p.recordStart(ctx, req.BuildID, dest)

	p.setState(Downloading)
	p.notifier.Show(ctx, req.DisplayName)

	res, err := p.fetcher.Download(ctx, token, dest, func(pr progress.Progress) {
		p.setProgress(pr)
		p.notifier.Update(ctx, pr)
	})

	// The run context is cancelled on interrupt; the surface still has to be
	// told to drop the notification.
	p.notifier.Clear(context.WithoutCancel(ctx))

	if err != nil {
		logger.ErrorContext(ctx, "download failed", "err", err)
		p.recordFinish(ctx, historyID, storage.StatusFailed, p.receivedBytes(), err)

		return p.finish(DownloadFailed, err)
	}

	p.opts.Telemetry.AddDownloadedBytes(res.Bytes)
	p.recordFinish(ctx, historyID, storage.StatusCompleted, res.Bytes, nil)

	state, _ := p.finish(Completed, nil)
	p.install(ctx, res.Path)

	return state, nil
}

func logTokenFailure(ctx context.Context, logger *slog.Logger, err error) {
	var limitErr *applivery.LimitExceededError
	if errors.As(err, &limitErr) {
		logger.ErrorContext(ctx, "installations limit exceeded", "limit", limitErr.Limit, "err", err)

		return
	}

	logger.ErrorContext(ctx, "failed to obtain download token", "err", err)
}

// finish records the terminal state and releases the pipeline. Completed runs
// release before the install handoff so a new start is accepted right away.
func (p *Pipeline) finish(state State, err error) (State, error) {
	p.mu.Lock()
	p.state = state
	p.lastErr = err
	p.cancel = nil
	p.mu.Unlock()

	p.inProgress.Store(false)

	return state, err
}

// install runs after the pipeline has been released, so a panic here must not
// reach the recovery in execute.
func (p *Pipeline) install(ctx context.Context, path string) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "installer panic",
				"panic", r,
				"stack", string(debug.Stack()))
			p.opts.Telemetry.RecordInstall("error")
		}
	}()

	if err := p.installer.Install(ctx, path); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "install failed", "path", path, "err", err)
		p.opts.Telemetry.RecordInstall("error")

		return
	}

	p.opts.Telemetry.RecordInstall("success")
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Pipeline) setProgress(pr progress.Progress) {
	p.mu.Lock()
	p.progress = &pr
	p.mu.Unlock()
}

func (p *Pipeline) receivedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.progress == nil {
		return 0
	}

	return p.progress.BytesReceived
}

// reusable reports whether the newest completed download of buildID is still
// at dest with the recorded size.
func (p *Pipeline) reusable(ctx context.Context, buildID, dest string) bool {
	if p.opts.Repository == nil {
		return false
	}

	rec, err := p.opts.Repository.LastCompleted(ctx, buildID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to look up download history", "err", err)
		}

		return false
	}

	if rec.FilePath != dest {
		return false
	}

	info, err := p.opts.FS.Stat(dest)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to stat previous download", "err", err)
		}

		return false
	}

	return info.Mode().IsRegular() && info.Size() == rec.Bytes
}

func (p *Pipeline) recordStart(ctx context.Context, buildID, dest string) int64 {
	if p.opts.Repository == nil {
		return 0
	}

	id, err := p.opts.Repository.StartDownload(ctx, buildID, dest)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record download start", "err", err)

		return 0
	}

	return id
}

func (p *Pipeline) recordFinish(ctx context.Context, id int64, status string, bytes int64, runErr error) {
	if p.opts.Repository == nil || id == 0 {
		return
	}

	var msg string
	if runErr != nil {
		msg = runErr.Error()
	}

	// The run context may already be cancelled by Interrupt.
	ctx = context.WithoutCancel(ctx)

	if err := p.opts.Repository.FinishDownload(ctx, id, status, bytes, msg); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to record download result", "err", err)
	}
}
