package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
)

const (
	// DefaultRefreshInterval is how often the refresher re-reads the manifest.
	DefaultRefreshInterval = 5 * time.Minute

	defaultStaleThreshold = 30 * time.Minute
)

type RefresherOptions struct {
	Logger   log.Logger
	Catalog  *Catalog
	Interval time.Duration

	// OnChange is called after a refresh that produced a different manifest.
	// Called synchronously on the refresh goroutine.
	OnChange func(m *Manifest)

	Metrics Metrics

	// StaleThreshold is how long without a successful refresh before the
	// manifest is reported stale. Zero defaults to 30 minutes.
	StaleThreshold time.Duration
}

// Refresher periodically refreshes a Catalog. A failed refresh keeps the
// current manifest and waits for the next tick.
type Refresher struct {
	catalog  *Catalog
	logger   log.Logger
	interval time.Duration
	onChange func(m *Manifest)
	metrics  Metrics

	staleThreshold time.Duration
	lastSuccessAt  time.Time
	staleLogged    bool

	pollCount   int64
	changeCount int64
}

func NewRefresher(opts RefresherOptions) *Refresher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	stale := opts.StaleThreshold
	if stale <= 0 {
		stale = defaultStaleThreshold
	}

	return &Refresher{
		catalog:        opts.Catalog,
		logger:         opts.Logger,
		interval:       interval,
		onChange:       opts.OnChange,
		metrics:        opts.Metrics,
		staleThreshold: stale,
		lastSuccessAt:  time.Now(),
	}
}

// Run refreshes on every tick until ctx is cancelled.
// Intended to be launched as: go refresher.Run(ctx)
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info(ctx, "manifest refresher starting",
		"interval", r.interval.String(),
		"current_hash", truncHash(r.catalog.Manifest().hash()),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "manifest refresher stopping",
				"reason", ctx.Err(),
				"polls", r.pollCount,
				"changes", r.changeCount,
			)
			return ctx.Err()
		case <-ticker.C:
			r.checkOnce(ctx)
		}
	}
}

// checkOnce performs one refresh and reports whether the manifest changed.
// The comparison is against the manifest this refresh replaced, so a load
// finished by Catalog.Initialize in the meantime is not reported.
func (r *Refresher) checkOnce(ctx context.Context) bool {
	r.pollCount++

	prev, m, err := r.catalog.refresh(ctx)
	if err != nil {
		// Refresh already logged the failure
		if !r.staleLogged && time.Since(r.lastSuccessAt) > r.staleThreshold {
			r.logger.Error(ctx, fmt.Errorf("last successful manifest refresh was %s ago", time.Since(r.lastSuccessAt).Truncate(time.Second)),
				"manifest refresher: manifest is stale",
			)
			r.staleLogged = true
			if r.metrics != nil {
				r.metrics.SetManifestStale(true)
			}
		}
		return false
	}

	r.lastSuccessAt = time.Now()
	if r.staleLogged {
		r.logger.Info(ctx, "manifest refresher: staleness recovered")
		r.staleLogged = false
		if r.metrics != nil {
			r.metrics.SetManifestStale(false)
		}
	}

	if m.hash() == prev.hash() {
		return false
	}

	r.logger.Info(ctx, "manifest refresher: manifest changed",
		"old_hash", truncHash(prev.hash()),
		"new_hash", truncHash(m.hash()),
		"bundles", m.Len(),
	)
	r.changeCount++
	if r.metrics != nil {
		r.metrics.IncManifestChanges()
	}

	if r.onChange != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error(ctx, fmt.Errorf("OnChange panic: %v", rec),
						"manifest refresher: OnChange callback panicked, continuing",
					)
				}
			}()
			r.onChange(m)
		}()
	}
	return true
}
