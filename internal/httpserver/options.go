package httpserver

import (
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/health"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
)

// Options configures the public API listener. Zero values are usable:
// no probes, no API routes, port 8080.
type Options struct {
	Logger log.Logger
	Port   int

	UseRecoverMW bool
	OnPanic      func()

	// MetricsMW records per-route request metrics; see metrics.Middleware.
	MetricsMW httpmw.Middleware

	Health    health.Probe
	Readiness health.Probe

	ClientIPOpts httpmw.ClientIPOptions

	// Manifest feeds the X-Manifest-Hash response header.
	Manifest httpmw.ManifestInfo

	// APIRoutes mounts the bundle API on the router.
	APIRoutes func(chi.Router)
}
