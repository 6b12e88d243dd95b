package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	traceIDHeader      = "X-Trace-Id"
	spanIDHeader       = "X-Span-Id"
	manifestHashHeader = "X-Manifest-Hash"
	manifestHashShort  = 12
)

// TraceResponseHeaders echoes the current trace and span IDs so a client
// report can be matched to a trace. Empty names select X-Trace-Id and
// X-Span-Id.
func TraceResponseHeaders(traceHeader, spanHeader string) Middleware {
	if traceHeader == "" {
		traceHeader = traceIDHeader
	}
	if spanHeader == "" {
		spanHeader = spanIDHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				h := w.Header()
				h.Set(traceHeader, sc.TraceID().String())
				h.Set(spanHeader, sc.SpanID().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ManifestInfo reports the manifest the process is currently serving from.
type ManifestInfo interface {
	ManifestHash() string
}

// ManifestHeaders stamps X-Manifest-Hash (first 12 hex chars) on every
// response once a manifest is loaded and tags the span with the full hash.
func ManifestHeaders(info ManifestInfo) Middleware {
	return func(next http.Handler) http.Handler {
		if info == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash := info.ManifestHash(); hash != "" {
				w.Header().Set(manifestHashHeader, shortHash(hash))
				if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
					span.SetAttributes(attribute.String("manifest.hash", hash))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func shortHash(h string) string {
	if len(h) > manifestHashShort {
		return h[:manifestHashShort]
	}
	return h
}
