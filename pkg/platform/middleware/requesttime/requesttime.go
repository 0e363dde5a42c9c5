// Package requesttime pins one "now" per HTTP request so every timestamp a
// request writes (createdAt, updatedAt of demotions) is identical.
package requesttime

import (
	"net/http"
	"time"

	"linkage/pkg/requestcontext"
)

// Middleware stores the request start time in the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
