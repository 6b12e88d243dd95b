package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	errorsTotal    *prometheus.CounterVec
	buildInfo      *prometheus.GaugeVec

	profilingActive prometheus.Gauge

	// transport
	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchBytes    *prometheus.HistogramVec

	// catalog
	manifestRefreshTotal    *prometheus.CounterVec
	manifestRefreshDuration prometheus.Histogram
	manifestBundles         prometheus.Gauge
	manifestStale           prometheus.Gauge
	manifestChangesTotal    prometheus.Counter

	// loaders
	bundleLoadsTotal     *prometheus.CounterVec
	bundleLoadDuration   prometheus.Histogram
	loadersActive        prometheus.Gauge
	bundleDisposalsTotal prometheus.Counter

	rateLimitDeniedTotal *prometheus.CounterVec
}

// New returns a fresh registry + standard collectors + HTTP and bundle metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundle_fetch_total",
			Help: "Total transport fetches by url scheme and result (ok, error, checksum)",
		}, []string{"scheme", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bundle_fetch_duration_seconds",
			Help:    "Transport fetch latency by url scheme",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"scheme"}),
		fetchBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bundle_fetch_size_bytes",
			Help:    "Size of successfully fetched bodies by url scheme",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"scheme"}),
		manifestRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "manifest_refresh_total",
			Help: "Total manifest refreshes by result",
		}, []string{"result"}),
		manifestRefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "manifest_refresh_duration_seconds",
			Help:    "Time to locate, fetch, verify and parse the manifest",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		manifestBundles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "manifest_bundles",
			Help: "Number of bundles listed in the current manifest",
		}),
		manifestStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "manifest_stale",
			Help: "Whether the manifest is stale (1) or fresh (0)",
		}),
		manifestChangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "manifest_changes_total",
			Help: "Total number of refreshes that produced a different manifest",
		}),
		bundleLoadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bundle_loads_total",
			Help: "Total loader fetch attempts by result (ok, error, invalid, discarded)",
		}, []string{"result"}),
		bundleLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bundle_load_duration_seconds",
			Help:    "Time to download, verify, extract and register a bundle",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		loadersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bundle_loaders_active",
			Help: "Number of live loaders in the registry",
		}),
		bundleDisposalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bundle_disposals_total",
			Help: "Total number of disposed loaders",
		}),
		rateLimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_ratelimit_denied_total",
			Help: "Total requests rejected by a rate limiter",
		}, []string{"limiter"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.errorsTotal,
		m.buildInfo,
		m.profilingActive,
		m.fetchTotal,
		m.fetchDuration,
		m.fetchBytes,
		m.manifestRefreshTotal,
		m.manifestRefreshDuration,
		m.manifestBundles,
		m.manifestStale,
		m.manifestChangesTotal,
		m.bundleLoadsTotal,
		m.bundleLoadDuration,
		m.loadersActive,
		m.bundleDisposalsTotal,
		m.rateLimitDeniedTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// RegisterResourceGauges exposes the size of the shared atlas and audio
// registries. Call once after they are constructed.
func (m *ServerMetrics) RegisterResourceGauges(atlases, clips func() int) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "atlas_registered",
			Help: "Number of atlas names currently resolvable",
		}, func() float64 { return float64(atlases()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "audio_clips_registered",
			Help: "Number of audio clips currently registered",
		}, func() float64 { return float64(clips()) }),
	)
}

// fetch.Metrics

func (m *ServerMetrics) ObserveFetch(scheme, result string, bytes int, seconds float64) {
	m.fetchTotal.WithLabelValues(scheme, result).Inc()
	m.fetchDuration.WithLabelValues(scheme).Observe(seconds)
	if result == "ok" {
		m.fetchBytes.WithLabelValues(scheme).Observe(float64(bytes))
	}
}

// catalog.Metrics

func (m *ServerMetrics) ObserveManifestRefresh(result string, seconds float64) {
	m.manifestRefreshTotal.WithLabelValues(result).Inc()
	m.manifestRefreshDuration.Observe(seconds)
}

func (m *ServerMetrics) SetManifestBundles(n int) {
	m.manifestBundles.Set(float64(n))
}

func (m *ServerMetrics) SetManifestStale(stale bool) {
	m.manifestStale.Set(boolGauge(stale))
}

func (m *ServerMetrics) IncManifestChanges() {
	m.manifestChangesTotal.Inc()
}

// bundle.Metrics

func (m *ServerMetrics) ObserveBundleLoad(result string, seconds float64) {
	m.bundleLoadsTotal.WithLabelValues(result).Inc()
	m.bundleLoadDuration.Observe(seconds)
}

func (m *ServerMetrics) SetLoadersActive(n int) {
	m.loadersActive.Set(float64(n))
}

func (m *ServerMetrics) IncBundleDisposals() {
	m.bundleDisposalsTotal.Inc()
}

// IncRateLimitDenied counts a request rejected by the named limiter.
func (m *ServerMetrics) IncRateLimitDenied(limiter string) {
	m.rateLimitDeniedTotal.WithLabelValues(limiter).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
