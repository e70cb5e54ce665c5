package middleware

import (
	"fmt"
	"net/http"

	"github.com/sellforgehq/sellforge-backend/api/responses"
	pkgerrors "github.com/sellforgehq/sellforge-backend/pkg/errors"
	"github.com/sellforgehq/sellforge-backend/pkg/logger"
)

// Recoverer converts a handler panic into a logged 500. A provider that sees
// a 500 will redeliver the webhook, so the connection must not just drop.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				err := fmt.Errorf("panic: %v", rec)
				ctx := r.Context()
				if logg != nil {
					ctx = logg.WithField(ctx, "panic", rec)
					logg.Error(ctx, "panic.recovered", err)
				}
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "panic"))
			}()
			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
}
