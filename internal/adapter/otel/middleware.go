package otel

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// untracedPaths are never traced.
var untracedPaths = map[string]bool{"/health": true, "/ready": true}

// HTTPMiddleware returns a chi-compatible middleware that traces inspection
// requests. Health and readiness endpoints are not traced; spans are named by method and path.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithFilter(func(r *http.Request) bool { return !untracedPaths[r.URL.Path] }),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}
