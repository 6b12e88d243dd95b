package fetch

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// Metrics is implemented by the metrics package to observe fetches.
type Metrics interface {
	ObserveFetch(scheme, result string, bytes int, seconds float64)
}

// Mux dispatches requests to a Fetcher registered for the URL scheme.
type Mux struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
	metrics  Metrics
	tracer   trace.Tracer
}

// NewMux returns an empty Mux. metrics may be nil.
func NewMux(metrics Metrics) *Mux {
	return &Mux{
		fetchers: make(map[string]Fetcher),
		metrics:  metrics,
		tracer:   otel.Tracer("linnemanlabs/fetch"),
	}
}

// Handle registers f for scheme, replacing any previous registration.
func (m *Mux) Handle(scheme string, f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchers[strings.ToLower(scheme)] = f
}

// Supports reports whether a fetcher is registered for scheme.
func (m *Mux) Supports(scheme string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.fetchers[strings.ToLower(scheme)]
	return ok
}

func (m *Mux) Fetch(ctx context.Context, req Request) ([]byte, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fail(req.URL, xerrors.Wrap(err, "parse url"))
	}
	scheme := strings.ToLower(u.Scheme)

	m.mu.RLock()
	f, ok := m.fetchers[scheme]
	m.mu.RUnlock()
	if !ok {
		return nil, fail(req.URL, xerrors.Mark(xerrors.Newf("scheme %q", scheme), ErrUnsupportedScheme))
	}

	ctx, span := m.tracer.Start(ctx, "fetch."+scheme,
		trace.WithAttributes(
			attribute.String("url.full", req.URL),
			attribute.Bool("fetch.verify", req.Hash != ""),
		),
	)
	defer span.End()

	start := time.Now()
	data, err := f.Fetch(ctx, req)
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, ErrChecksumMismatch) {
			result = "checksum"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("fetch.bytes", len(data)))
	}
	if m.metrics != nil {
		m.metrics.ObserveFetch(scheme, result, len(data), time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fail(req.URL, err)
	}
	return data, nil
}
