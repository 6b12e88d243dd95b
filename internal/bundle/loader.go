package bundle

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/fetch"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/oneshot"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/prof"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// State is a loader lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateDownloading
	StateReady
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Loader owns one bundle instance: its fetch, its extracted content and the
// resources it published. Obtain loaders from Manager.GetLoader.
type Loader struct {
	desc    catalog.Descriptor
	url     string
	fetcher fetch.Fetcher
	exec    Executor
	atlases AtlasRegistry
	audio   AudioSystem
	reg     *registry
	logger  log.Logger
	metrics Metrics
	tracer  trace.Tracer

	complete oneshot.Flag
	disposed chan struct{}

	mu      sync.Mutex
	state   State
	attempt chan struct{} // closed when the current fetch task finishes
	refs    int
	err     error
	content *Content
	owned   []string // atlas names published under this loader
	clips   []string
}

// Start begins fetching the bundle. It returns false without doing anything
// when the loader is already Ready, Downloading or Disposed. After a failure
// Start tries again. The fetch is not cancelled by ctx or by Dispose; only
// transport timeouts bound it.
func (l *Loader) Start(ctx context.Context) bool {
	l.mu.Lock()
	switch l.state {
	case StateReady, StateDownloading, StateDisposed:
		l.mu.Unlock()
		return false
	}
	l.state = StateDownloading
	l.err = nil
	done := make(chan struct{})
	l.attempt = done
	l.mu.Unlock()

	l.logger.Debug(ctx, "bundle fetch scheduled", "url", l.url)

	ctx = context.WithoutCancel(ctx)
	l.exec.Go(func() { l.run(ctx, done) })
	return true
}

func (l *Loader) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ctx, span := l.tracer.Start(ctx, "bundle.load",
		trace.WithAttributes(
			attribute.String("bundle.name", l.desc.Name),
			attribute.String("bundle.hash", l.desc.Hash),
			attribute.String("url.full", l.url),
		),
	)
	defer span.End()

	start := time.Now()
	var (
		content *Content
		res     *resources
		err     error
	)
	prof.Do(ctx, func(ctx context.Context) {
		content, res, err = l.fetchAndExtract(ctx)
	}, "bundle", l.desc.Name)
	result := l.finish(ctx, content, res, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("bundle.result", result))
	if l.metrics != nil {
		l.metrics.ObserveBundleLoad(result, time.Since(start).Seconds())
	}
}

func (l *Loader) fetchAndExtract(ctx context.Context) (*Content, *resources, error) {
	data, err := l.fetcher.Fetch(ctx, fetch.Request{URL: l.url, Hash: l.desc.Hash})
	if err != nil {
		return nil, nil, xerrors.Mark(err, ErrBundleFetch)
	}

	fsys, err := extractArchive(data)
	if err != nil {
		return nil, nil, xerrors.Mark(xerrors.Wrapf(err, "extract %s", l.url), ErrBundleInvalid)
	}
	res, err := readResources(fsys)
	if err != nil {
		return nil, nil, xerrors.Mark(xerrors.Wrapf(err, "resources %s", l.url), ErrBundleInvalid)
	}
	return newContent(fsys, l.desc.Hash, len(data)), res, nil
}

// finish applies the outcome of a fetch task. The disposed check and the
// registration happen under l.mu so Dispose sees either nothing published
// or everything it has to withdraw.
func (l *Loader) finish(ctx context.Context, content *Content, res *resources, err error) string {
	l.mu.Lock()

	if l.state == StateDisposed {
		l.mu.Unlock()
		if content != nil {
			content.Release()
		}
		l.logger.Debug(ctx, "bundle fetch finished after dispose, discarding", "error", err)
		return "discarded"
	}

	if err != nil {
		l.state = StateFailed
		l.err = err
		l.mu.Unlock()
		l.logger.Error(ctx, err, "bundle load failed", "url", l.url)
		if xerrors.KindOf(err) == ErrBundleInvalid {
			return "invalid"
		}
		return "error"
	}

	if len(res.atlases) > 0 {
		l.atlases.Add(l, res.atlases)
	}
	for _, g := range res.groups {
		l.audio.RegisterClips(g.Clips, g.Key)
	}
	l.owned = res.atlasNames()
	l.clips = res.clipIDs()
	l.content = content
	l.state = StateReady
	l.mu.Unlock()

	l.logger.Info(ctx, "bundle ready",
		"bytes", content.Size,
		"files", content.Files,
		"atlases", len(res.atlases),
		"clips", len(res.clipIDs()),
	)

	// Dispose may have run since the unlock above; it already withdrew
	// everything, so Complete must stay false.
	l.mu.Lock()
	if l.state == StateDisposed {
		l.mu.Unlock()
		l.logger.Debug(ctx, "bundle disposed before completion, not signalling")
		return "discarded"
	}
	notify, _ := l.complete.Arm()
	l.mu.Unlock()
	notify()
	return "ok"
}

// Dispose tears the loader down: it withdraws published atlases and clips,
// removes the loader from the manager and releases the content. A fetch
// still in flight completes in the background and is discarded. Dispose is
// idempotent and never fails.
func (l *Loader) Dispose() {
	l.mu.Lock()
	if l.state == StateDisposed {
		l.mu.Unlock()
		return
	}
	prev := l.state
	l.state = StateDisposed
	owned, clips, content := l.owned, l.clips, l.content
	l.owned, l.clips, l.content = nil, nil, nil
	l.refs = 0
	close(l.disposed)
	l.mu.Unlock()

	if len(owned) > 0 {
		l.atlases.Remove(l, owned)
	}
	if len(clips) > 0 {
		l.audio.UnregisterClips(clips)
	}
	if l.reg != nil {
		l.reg.remove(l)
	}
	if prev == StateReady && content != nil {
		content.Release()
	}

	if l.metrics != nil {
		l.metrics.IncBundleDisposals()
	}
	l.logger.Info(context.Background(), "bundle disposed", "previous_state", prev.String())
}

// Release drops one reference obtained from Manager.GetLoader and disposes
// the loader when none remain.
func (l *Loader) Release() {
	if l.reg == nil {
		if l.unref() {
			l.Dispose()
		}
		return
	}
	if l.reg.release(l) {
		l.Dispose()
	}
}

// retain adds a reference unless the loader is already disposed.
func (l *Loader) retain() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDisposed {
		return false
	}
	l.refs++
	return true
}

func (l *Loader) live() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state != StateDisposed
}

// unref drops a reference and reports whether it was the last live one.
func (l *Loader) unref() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDisposed || l.refs <= 0 {
		return false
	}
	l.refs--
	return l.refs == 0
}

// Wait blocks until the outstanding fetch finishes and returns its error.
// It returns ErrNotStarted for an idle loader and ErrDisposed once disposed.
func (l *Loader) Wait(ctx context.Context) error {
	l.mu.Lock()
	state, done, err := l.state, l.attempt, l.err
	l.mu.Unlock()

	switch state {
	case StateIdle:
		return ErrNotStarted
	case StateReady:
		return nil
	case StateFailed:
		return err
	case StateDisposed:
		return ErrDisposed
	}

	select {
	case <-done:
	case <-l.disposed:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateReady:
		return nil
	case StateDisposed:
		return ErrDisposed
	default:
		return l.err
	}
}

// Load starts the loader if needed and waits for the result.
func (l *Loader) Load(ctx context.Context) error {
	l.Start(ctx)
	return l.Wait(ctx)
}

func (l *Loader) Name() string                   { return l.desc.Name }
func (l *Loader) Descriptor() catalog.Descriptor { return l.desc }
func (l *Loader) URL() string                    { return l.url }

// Complete reports whether the bundle finished loading. Once true it stays true.
func (l *Loader) Complete() bool { return l.complete.IsSet() }

// OnComplete runs fn once the bundle has loaded, immediately if it already has.
// fn never runs for a loader disposed before its fetch finished.
func (l *Loader) OnComplete(fn func()) { l.complete.Subscribe(fn) }

func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the error of the last failed attempt.
func (l *Loader) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Content returns the extracted bundle, nil unless Ready.
func (l *Loader) Content() *Content {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.content
}

// Atlases returns the sorted names of atlases this loader published.
func (l *Loader) Atlases() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.owned))
	copy(out, l.owned)
	return out
}

// Clips returns the sorted clip ids this loader registered.
func (l *Loader) Clips() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.clips))
	copy(out, l.clips)
	sort.Strings(out)
	return out
}

// Refs returns the number of outstanding references.
func (l *Loader) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}
