package bundle

import (
	"context"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/fetch"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

// Catalog is the manifest view the manager needs. Implemented by catalog.Catalog.
type Catalog interface {
	Ready() bool
	Lookup(name string) (catalog.Descriptor, bool)
}

// Metrics is implemented by the metrics package to observe loaders.
type Metrics interface {
	ObserveBundleLoad(result string, seconds float64)
	SetLoadersActive(n int)
	IncBundleDisposals()
}

type Options struct {
	Logger  log.Logger
	Catalog Catalog
	Fetcher fetch.Fetcher

	// Atlases and Audio receive published sub-resources.
	Atlases AtlasRegistry
	Audio   AudioSystem

	// ContentRoot is the base URL bundles are fetched from.
	ContentRoot string

	// LocalFiles prefixes a scheme-less ContentRoot with file://.
	LocalFiles bool

	// Executor runs fetch tasks. Defaults to GoExecutor.
	Executor Executor
	Metrics  Metrics
}

// Manager hands out loaders, at most one live loader per bundle name.
type Manager struct {
	logger  log.Logger
	catalog Catalog
	fetcher fetch.Fetcher
	atlases AtlasRegistry
	audio   AudioSystem
	root    string
	local   bool
	exec    Executor
	metrics Metrics
	tracer  trace.Tracer

	reg *registry
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Catalog == nil {
		return nil, xerrors.New("bundle: Catalog is required")
	}
	if opts.Fetcher == nil {
		return nil, xerrors.New("bundle: Fetcher is required")
	}
	if opts.Atlases == nil || opts.Audio == nil {
		return nil, xerrors.New("bundle: Atlases and Audio are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Executor == nil {
		opts.Executor = GoExecutor{}
	}
	return &Manager{
		logger:  opts.Logger,
		catalog: opts.Catalog,
		fetcher: opts.Fetcher,
		atlases: opts.Atlases,
		audio:   opts.Audio,
		root:    opts.ContentRoot,
		local:   opts.LocalFiles,
		exec:    opts.Executor,
		metrics: opts.Metrics,
		tracer:  otel.Tracer("linnemanlabs/bundle"),
		reg:     newRegistry(opts.Metrics),
	}, nil
}

// GetLoader returns the live loader for name, creating it from the catalog
// descriptor when there is none. Each successful call adds a reference that
// the caller drops with Loader.Release. A new loader is not started.
func (m *Manager) GetLoader(name string) (*Loader, error) {
	if !m.catalog.Ready() {
		return nil, ErrNotInitialized
	}
	return m.reg.acquire(name, m.creator(name))
}

// Ensure returns the live loader for name, creating it like GetLoader when
// there is none. Only a loader created by this call carries a reference for
// the caller; an existing one is returned without adding one.
func (m *Manager) Ensure(name string) (l *Loader, created bool, err error) {
	if !m.catalog.Ready() {
		return nil, false, ErrNotInitialized
	}
	return m.reg.ensure(name, m.creator(name))
}

func (m *Manager) creator(name string) func() (*Loader, error) {
	return func() (*Loader, error) {
		desc, ok := m.catalog.Lookup(name)
		if !ok {
			return nil, xerrors.Mark(xerrors.Newf("bundle %q not in manifest", name), ErrUnknownBundle)
		}
		return m.newLoader(desc), nil
	}
}

func (m *Manager) newLoader(desc catalog.Descriptor) *Loader {
	return &Loader{
		desc:     desc,
		url:      BundleURL(m.root, desc.Name, m.local),
		fetcher:  m.fetcher,
		exec:     m.exec,
		atlases:  m.atlases,
		audio:    m.audio,
		reg:      m.reg,
		logger:   m.logger.With("bundle", desc.Name),
		metrics:  m.metrics,
		tracer:   m.tracer,
		disposed: make(chan struct{}),
		refs:     1,
	}
}

// Lookup returns the live loader for name without creating one or adding a reference.
func (m *Manager) Lookup(name string) (*Loader, bool) { return m.reg.get(name) }

// Loaders returns the live loaders sorted by name.
func (m *Manager) Loaders() []*Loader { return m.reg.snapshot() }

// Len returns the number of live loaders.
func (m *Manager) Len() int { return m.reg.len() }

// Close disposes every live loader.
func (m *Manager) Close(ctx context.Context) {
	loaders := m.reg.snapshot()
	for _, l := range loaders {
		l.Dispose()
	}
	if len(loaders) > 0 {
		m.logger.Info(ctx, "bundle manager closed", "disposed", len(loaders))
	}
}

// BundleURL returns {root}/Bundles/{name}. With localFiles set, a root
// without a scheme is turned into a file:// URL.
func BundleURL(root, name string, localFiles bool) string {
	root = strings.TrimRight(root, "/")
	if localFiles && !strings.Contains(root, "://") {
		root = "file://" + root
	}
	return root + "/Bundles/" + url.PathEscape(name)
}
