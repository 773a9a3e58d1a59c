package telemetry

import (
	"context"
	"net/http"
	"regexp"

	"github.com/applivery/updater/internal/logctx"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// Upstream ids end up in logs and response headers, so only short opaque
// tokens are accepted.
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestID tags the request with an id, reusing a well-formed upstream
// X-Request-ID. The id is echoed in the response and outlives the request in
// any context derived from it, so background downloads log it too.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID.MatchString(requestID) {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return logctx.WithRequestID(ctx, id)
}

// GetRequestID returns the request id, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	return logctx.RequestIDFromContext(ctx)
}
