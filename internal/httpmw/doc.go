// Package httpmw provides HTTP middleware for the bundle API server.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP resolution, rate limiting, OTEL
// tracing, manifest headers, trace response headers, metrics, request-scoped
// logging, and the chi router with access logging and route annotation.
//
// Query strings, user agents, and other client-supplied headers are kept out
// of logs.
package httpmw
