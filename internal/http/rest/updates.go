package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/applivery/updater/internal/logctx"
	"github.com/applivery/updater/internal/storage"
	"github.com/applivery/updater/internal/update"
	"github.com/go-chi/chi/v5"
)

// maxBodySize caps request bodies; the largest is a feedback screenshot.
const maxBodySize = 8 * 1024 * 1024

type Updater interface {
	Start(ctx context.Context, req update.Request) bool
	Interrupt(ctx context.Context)
	Snapshot() update.Status
}

// RequestResolver turns an optional build id into a download request.
type RequestResolver func(ctx context.Context, buildID string) (update.Request, error)

type HistorySource interface {
	GetDownloads(ctx context.Context) ([]storage.DownloadRecord, error)
}

type StartRequest struct {
	BuildID string `json:"build_id"`
}

type StartResponse struct {
	Started bool           `json:"started"`
	Request update.Request `json:"request"`
}

type UpdateHandler struct {
	updater Updater
	resolve RequestResolver
	history HistorySource
}

func NewUpdateHandler(updater Updater, resolve RequestResolver, history HistorySource) *UpdateHandler {
	return &UpdateHandler{
		updater: updater,
		resolve: resolve,
		history: history,
	}
}

func (h *UpdateHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/download", h.HandleStart)
	r.Delete("/download", h.HandleInterrupt)
	r.Get("/status", h.HandleStatus)
	r.Get("/history", h.HandleHistory)

	return r
}

// HandleStart starts a download in the background. A start while another
// download runs is accepted with started=false.
func (h *UpdateHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var body StartRequest
	if err := decodeOptional(w, r, &body); err != nil {
		logger.ErrorContext(ctx, "failed to decode request", "err", err)
		writeError(ctx, w, http.StatusBadRequest, "invalid request body")

		return
	}

	req, err := h.resolve(ctx, body.BuildID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to resolve build", "build_id", body.BuildID, "err", err)

		switch {
		case errors.Is(err, update.ErrInvalidBuildID):
			writeError(ctx, w, http.StatusBadRequest, err.Error())
		case errors.Is(err, update.ErrNoBuild):
			writeError(ctx, w, http.StatusNotFound, err.Error())
		default:
			writeError(ctx, w, http.StatusBadGateway, "failed to resolve build")
		}

		return
	}

	started := h.updater.Start(ctx, req)
	if !started {
		logger.InfoContext(ctx, "download already in progress", "build_id", req.BuildID)
	}

	writeJSON(ctx, w, http.StatusAccepted, StartResponse{Started: started, Request: req})
}

// HandleInterrupt clears the notification and, unless configured otherwise,
// cancels the running download.
func (h *UpdateHandler) HandleInterrupt(w http.ResponseWriter, r *http.Request) {
	h.updater.Interrupt(r.Context())

	w.WriteHeader(http.StatusNoContent)
}

func (h *UpdateHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.updater.Snapshot())
}

func (h *UpdateHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records, err := h.history.GetDownloads(ctx)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to get downloads", "err", err)
		writeError(ctx, w, http.StatusInternalServerError, "failed to get downloads")

		return
	}

	if records == nil {
		records = []storage.DownloadRecord{}
	}

	writeJSON(ctx, w, http.StatusOK, records)
}
