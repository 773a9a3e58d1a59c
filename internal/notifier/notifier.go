package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/applivery/updater/internal/downloader/progress"
	"github.com/applivery/updater/internal/logctx"
	"github.com/dustin/go-humanize"
)

const (
	ChannelID      = "NOTIFICATION_CHANNEL_87234"
	NotificationID = 0x21
	MaxProgress    = 100

	// MinBytesBetweenUpdates bounds surface traffic when the total is unknown.
	MinBytesBetweenUpdates = 256 * 1024
)

// Notification is what a Surface renders.
type Notification struct {
	ID            int
	ChannelID     string
	Title         string
	Text          string
	Progress      int
	Max           int
	Indeterminate bool
	Ongoing       bool
	Silent        bool
}

// Surface displays and removes notifications.
type Surface interface {
	Post(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id int) error
}

// ProgressNotifier drives a single progress notification. It is hidden until
// Show is called; Update and Clear while hidden do nothing. Surface failures
// are logged and never returned.
type ProgressNotifier struct {
	surface Surface

	mu          sync.Mutex
	shown       bool
	title       string
	lastPercent int
	lastBytes   int64
}

func NewProgressNotifier(surface Surface) *ProgressNotifier {
	return &ProgressNotifier{surface: surface}
}

func (p *ProgressNotifier) Show(ctx context.Context, title string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.shown = true
	p.title = title
	p.lastPercent = progress.UnknownPercent
	p.lastBytes = 0

	p.post(ctx, Notification{
		ID:            NotificationID,
		ChannelID:     ChannelID,
		Title:         title,
		Max:           MaxProgress,
		Indeterminate: true,
		Ongoing:       true,
		Silent:        true,
	})
}

func (p *ProgressNotifier) Update(ctx context.Context, pr progress.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.shown || !p.due(pr) {
		return
	}

	p.lastPercent = pr.Percent
	p.lastBytes = pr.BytesReceived

	n := Notification{
		ID:        NotificationID,
		ChannelID: ChannelID,
		Title:     p.title,
		Max:       MaxProgress,
		Ongoing:   true,
		Silent:    true,
	}

	if pr.Known() {
		n.Progress = pr.Percent
		n.Text = fmt.Sprintf("%s of %s", humanize.Bytes(uint64(pr.BytesReceived)), humanize.Bytes(uint64(pr.TotalBytes)))
	} else {
		n.Indeterminate = true
		n.Text = fmt.Sprintf("%d bytes", pr.BytesReceived)
	}

	p.post(ctx, n)
}

func (p *ProgressNotifier) Clear(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.shown {
		return
	}

	p.shown = false

	if err := p.surface.Cancel(ctx, NotificationID); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to clear notification", "err", err)
	}
}

// Visible reports whether the notification is currently shown.
func (p *ProgressNotifier) Visible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.shown
}

func (p *ProgressNotifier) due(pr progress.Progress) bool {
	if pr.Known() {
		return pr.Percent != p.lastPercent
	}

	return p.lastBytes == 0 || pr.BytesReceived-p.lastBytes >= MinBytesBetweenUpdates
}

func (p *ProgressNotifier) post(ctx context.Context, n Notification) {
	if err := p.surface.Post(ctx, n); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to post notification", "err", err)
	}
}
