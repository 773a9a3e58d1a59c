package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/applivery/updater/internal/applivery"
	"github.com/applivery/updater/internal/feedback"
	"github.com/applivery/updater/internal/logctx"
)

type FeedbackSender interface {
	SendFeedback(ctx context.Context, fb feedback.Feedback) error
}

type FeedbackRequest struct {
	Type       feedback.Type `json:"type"`
	Message    string        `json:"message"`
	Screenshot string        `json:"screenshot"`
}

type FeedbackHandler struct {
	sender   FeedbackSender
	composer feedback.Composer
}

func NewFeedbackHandler(sender FeedbackSender, composer feedback.Composer) *FeedbackHandler {
	return &FeedbackHandler{sender: sender, composer: composer}
}

// HandleFeedback attaches device and package details to the report and
// forwards it to the distribution API.
func (h *FeedbackHandler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var body FeedbackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&body); err != nil {
		logger.ErrorContext(ctx, "failed to decode request", "err", err)
		writeError(ctx, w, http.StatusBadRequest, "invalid request body")

		return
	}

	fb, err := h.composer.Compose(body.Type, body.Message, body.Screenshot)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, err.Error())

		return
	}

	if err := h.sender.SendFeedback(ctx, fb); err != nil {
		logger.ErrorContext(ctx, "failed to send feedback", "type", fb.Type, "err", err)
		writeError(ctx, w, http.StatusBadGateway, formatAPIError(err))

		return
	}

	logger.InfoContext(ctx, "feedback sent", "type", fb.Type)

	w.WriteHeader(http.StatusNoContent)
}

// formatAPIError produces the message shown to API callers for upstream failures.
func formatAPIError(err error) string {
	var apiErr *applivery.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("upstream rejected the request: %s", apiErr.Message)
	}

	var transportErr *applivery.TransportError
	if errors.As(err, &transportErr) {
		return "upstream unavailable"
	}

	var limitErr *applivery.LimitExceededError
	if errors.As(err, &limitErr) {
		return limitErr.Error()
	}

	return "upstream error"
}
