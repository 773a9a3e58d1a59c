package notifier

import (
	"context"
	"log/slog"

	"github.com/applivery/updater/internal/logctx"
)

// LogSurface renders notifications as log lines.
type LogSurface struct {
	Logger *slog.Logger
}

func (s *LogSurface) Post(ctx context.Context, n Notification) error {
	s.logger(ctx).InfoContext(ctx, "notification updated",
		"notification_id", n.ID,
		"channel_id", n.ChannelID,
		"title", n.Title,
		"text", n.Text,
		"progress", n.Progress,
		"max", n.Max,
		"indeterminate", n.Indeterminate,
	)

	return nil
}

func (s *LogSurface) Cancel(ctx context.Context, id int) error {
	s.logger(ctx).InfoContext(ctx, "notification cleared", "notification_id", id)

	return nil
}

func (s *LogSurface) logger(ctx context.Context) *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}

	return logctx.LoggerFromContext(ctx)
}
