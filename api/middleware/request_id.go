package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

const requestIDHeader = "X-Request-Id"

// RequestID tags every request with an id for log correlation. Payment
// providers do not send one, so most requests mint a fresh uuid; an inbound
// header from the edge proxy is honored and echoed back either way.
func RequestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			reqID := resolveRequestID(r)
			w.Header().Set(requestIDHeader, reqID)

			ctx := r.Context()
			if logg != nil {
				ctx = logg.WithRequestID(ctx, reqID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		}
		return http.HandlerFunc(fn)
	}
}

func resolveRequestID(r *http.Request) string {
	inbound := r.Header.Get(requestIDHeader)
	if _, err := uuid.Parse(inbound); err == nil {
		return inbound
	}
	return uuid.NewString()
}
