package catalog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/fetch"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/oneshot"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// Executor runs tasks asynchronously.
type Executor interface {
	Go(fn func())
}

type goExecutor struct{}

func (goExecutor) Go(fn func()) { go fn() }

// SignatureVerifier checks a detached signature over the raw manifest bytes.
// Implemented by cryptoutil.KMSVerifier.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

// Metrics is implemented by the metrics package to observe the catalog.
type Metrics interface {
	ObserveManifestRefresh(result string, seconds float64)
	SetManifestBundles(n int)
	SetManifestStale(stale bool)
	IncManifestChanges()
}

type Options struct {
	Logger  log.Logger
	Fetcher fetch.Fetcher

	// ManifestURL is used when Locator is nil.
	ManifestURL string
	Locator     Locator

	// Verifier, when set, requires "<manifest url>.sig" to verify.
	Verifier SignatureVerifier

	// Executor runs Initialize's fetch. Defaults to a new goroutine.
	Executor Executor
	Metrics  Metrics
}

// Catalog holds the current manifest and the readiness flag.
type Catalog struct {
	logger   log.Logger
	fetcher  fetch.Fetcher
	url      string
	locator  Locator
	verifier SignatureVerifier
	exec     Executor
	metrics  Metrics
	tracer   trace.Tracer

	manifest atomic.Pointer[Manifest]
	ready    oneshot.Flag

	refreshMu sync.Mutex // one manifest fetch at a time

	mu       sync.Mutex
	inflight bool
	lastErr  error
}

func New(opts Options) (*Catalog, error) {
	if opts.Fetcher == nil {
		return nil, xerrors.New("catalog: Fetcher is required")
	}
	if opts.ManifestURL == "" && opts.Locator == nil {
		return nil, xerrors.New("catalog: ManifestURL or Locator is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Executor == nil {
		opts.Executor = goExecutor{}
	}
	return &Catalog{
		logger:   opts.Logger,
		fetcher:  opts.Fetcher,
		url:      opts.ManifestURL,
		locator:  opts.Locator,
		verifier: opts.Verifier,
		exec:     opts.Executor,
		metrics:  opts.Metrics,
		tracer:   otel.Tracer("linnemanlabs/catalog"),
	}, nil
}

// Initialize starts an asynchronous manifest fetch. It returns false when a
// fetch started by an earlier call is still in flight. Failures are logged
// and recorded in Err; readiness is left unchanged and nothing is retried.
func (c *Catalog) Initialize(ctx context.Context) bool {
	c.mu.Lock()
	if c.inflight {
		c.mu.Unlock()
		return false
	}
	c.inflight = true
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	c.exec.Go(func() {
		defer func() {
			c.mu.Lock()
			c.inflight = false
			c.mu.Unlock()
		}()
		_ = c.Refresh(ctx)
	})
	return true
}

// Refresh fetches, verifies and parses the manifest, then swaps it in and
// marks the catalog ready. On error the current manifest is kept. Concurrent
// calls run one after another.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, _, err := c.refresh(ctx)
	return err
}

// refresh is Refresh returning the manifest it replaced and the new one.
func (c *Catalog) refresh(ctx context.Context) (prev, m *Manifest, err error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "catalog.refresh")
	defer span.End()

	start := time.Now()
	m, err = c.load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.observe("error", start)
		c.logger.Error(ctx, err, "manifest refresh failed", "ready", c.Ready())
		return nil, nil, err
	}

	for _, name := range m.Duplicates() {
		c.logger.Warn(ctx, "manifest lists bundle more than once, using last entry", "bundle", name)
	}

	prev = c.manifest.Swap(m)
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()

	span.SetAttributes(
		attribute.Int("manifest.bundles", m.Len()),
		attribute.String("manifest.hash", truncHash(m.Hash)),
	)
	c.observe("ok", start)
	if c.metrics != nil {
		c.metrics.SetManifestBundles(m.Len())
	}

	if prev == nil || prev.Hash != m.Hash {
		c.logger.Info(ctx, "manifest loaded",
			"bundles", m.Len(),
			"hash", truncHash(m.Hash),
			"previous_hash", truncHash(prev.hash()),
		)
	}
	if c.ready.Set() {
		c.logger.Info(ctx, "catalog ready", "bundles", m.Len())
	}
	return prev, m, nil
}

func (c *Catalog) load(ctx context.Context) (*Manifest, error) {
	url := c.url
	if c.locator != nil {
		u, err := c.locator.Locate(ctx)
		if err != nil {
			return nil, xerrors.Mark(xerrors.Wrap(err, "locate manifest"), ErrManifestFetch)
		}
		url = u
	}

	data, err := c.fetcher.Fetch(ctx, fetch.Request{URL: url})
	if err != nil {
		return nil, xerrors.Mark(err, ErrManifestFetch)
	}

	if c.verifier != nil {
		sig, err := c.fetcher.Fetch(ctx, fetch.Request{URL: url + ".sig"})
		if err != nil {
			return nil, xerrors.Mark(xerrors.Wrap(err, "fetch manifest signature"), ErrManifestSignature)
		}
		if err := c.verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Mark(xerrors.Wrapf(err, "verify %s", url), ErrManifestSignature)
		}
	}

	return ParseManifest(data)
}

func (c *Catalog) observe(result string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveManifestRefresh(result, time.Since(start).Seconds())
	}
}

// Ready reports whether a manifest has been loaded. It never blocks.
func (c *Catalog) Ready() bool { return c.ready.IsSet() }

// OnReady runs fn once the catalog becomes ready, immediately if it already is.
func (c *Catalog) OnReady(fn func()) { c.ready.Subscribe(fn) }

// WaitReady blocks until the catalog is ready or ctx is done.
func (c *Catalog) WaitReady(ctx context.Context) error { return c.ready.Wait(ctx) }

// Lookup returns the current descriptor for name.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	return c.manifest.Load().Lookup(name)
}

// Descriptors returns the current manifest entries in order.
func (c *Catalog) Descriptors() []Descriptor {
	return c.manifest.Load().Descriptors()
}

// Manifest returns the current manifest, or nil before the first load.
func (c *Catalog) Manifest() *Manifest { return c.manifest.Load() }

// ManifestHash returns the hash of the active manifest, "" before the first load.
func (c *Catalog) ManifestHash() string { return c.manifest.Load().hash() }

// Err returns the error from the most recent refresh, nil if it succeeded.
func (c *Catalog) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (m *Manifest) hash() string {
	if m == nil {
		return ""
	}
	return m.Hash
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
