package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"sync"
	"testing"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/atlas"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/audio"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/fetch"
)

const testRoot = "https://cdn.example.com/content"

// makeTarGz creates a tar.gz archive in memory with the given files.
func makeTarGz(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	for name, content := range entries {
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0640,
			Size: int64(len(content)),
		}); err != nil {
			t.Fatalf("write tar header %q: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write tar content %q: %v", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

func env01Bundle(t *testing.T) []byte {
	t.Helper()
	return makeTarGz(t, map[string]string{
		"atlases/env01_atlas.json": `{"name":"env01_atlas","texture":"env01.png","sprites":[{"name":"tree","x":0,"y":0,"w":32,"h":64}]}`,
		"atlases/env01.png":        "PNGDATA",
		"readme.txt":               "env01",
	})
}

func sfx01Bundle(t *testing.T) []byte {
	t.Helper()
	return makeTarGz(t, map[string]string{
		"audio/sfx.json": `{"groups":[{"key":"ui","clips":["click","hover"]},{"key":"world","clips":["wind"]}]}`,
	})
}

// fakeCatalog is a fixed manifest.
type fakeCatalog struct {
	mu    sync.Mutex
	ready bool
	descs map[string]catalog.Descriptor
}

func newFakeCatalog(descs ...catalog.Descriptor) *fakeCatalog {
	c := &fakeCatalog{ready: true, descs: make(map[string]catalog.Descriptor)}
	for _, d := range descs {
		c.descs[d.Name] = d
	}
	return c
}

func (c *fakeCatalog) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeCatalog) Lookup(name string) (catalog.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.descs[name]
	return d, ok
}

// fakeFetcher serves bodies by URL, verifying hashes like the real fetchers.
// When gate is non-nil every fetch blocks until it is closed.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	errs   map[string]error
	calls  map[string]int
	gate   chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies: make(map[string][]byte),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeFetcher) put(name string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := BundleURL(testRoot, name, false)
	f.bodies[u] = body
	delete(f.errs, u)
}

func (f *fakeFetcher) fail(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[BundleURL(testRoot, name, false)] = err
}

func (f *fakeFetcher) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[BundleURL(testRoot, name, false)]
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) ([]byte, error) {
	f.mu.Lock()
	f.calls[req.URL]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[req.URL]; ok {
		return nil, &fetch.Error{URL: req.URL, Err: err}
	}
	body, ok := f.bodies[req.URL]
	if !ok {
		return nil, &fetch.Error{URL: req.URL, Err: &fetch.StatusError{Code: 404, Status: "404 Not Found"}}
	}
	if req.Hash != "" && !cryptoutil.HashEqual(cryptoutil.SHA256Hex(body), req.Hash) {
		return nil, &fetch.Error{URL: req.URL, Err: fetch.ErrChecksumMismatch}
	}
	return body, nil
}

// queueExecutor holds tasks until run is called.
type queueExecutor struct {
	mu    sync.Mutex
	tasks []func()
}

func (q *queueExecutor) Go(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, fn)
}

func (q *queueExecutor) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *queueExecutor) run() int {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
	return len(tasks)
}

type fakeMetrics struct {
	mu        sync.Mutex
	loads     map[string]int
	active    int
	disposals int
}

func newFakeMetrics() *fakeMetrics { return &fakeMetrics{loads: make(map[string]int)} }

func (m *fakeMetrics) ObserveBundleLoad(result string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads[result]++
}

func (m *fakeMetrics) SetLoadersActive(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = n
}

func (m *fakeMetrics) IncBundleDisposals() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposals++
}

// fixture wires a Manager to fakes and real atlas/audio registries.
type fixture struct {
	catalog  *fakeCatalog
	fetcher  *fakeFetcher
	exec     *queueExecutor
	resolver *atlas.Resolver
	bank     *audio.Bank
	metrics  *fakeMetrics
	mgr      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		fetcher:  newFakeFetcher(),
		exec:     &queueExecutor{},
		resolver: atlas.NewResolver(),
		bank:     audio.NewBank(),
		metrics:  newFakeMetrics(),
	}

	env := env01Bundle(t)
	sfx := sfx01Bundle(t)
	f.fetcher.put("env01", env)
	f.fetcher.put("sfx01", sfx)
	f.catalog = newFakeCatalog(
		catalog.Descriptor{Name: "env01", Hash: cryptoutil.SHA256Hex(env)},
		catalog.Descriptor{Name: "sfx01", Hash: cryptoutil.SHA256Hex(sfx)},
	)

	mgr, err := NewManager(Options{
		Catalog:     f.catalog,
		Fetcher:     f.fetcher,
		Atlases:     f.resolver,
		Audio:       f.bank,
		ContentRoot: testRoot,
		Executor:    f.exec,
		Metrics:     f.metrics,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	f.mgr = mgr
	return f
}

func (f *fixture) get(t *testing.T, name string) *Loader {
	t.Helper()
	l, err := f.mgr.GetLoader(name)
	if err != nil {
		t.Fatalf("GetLoader(%s): %v", name, err)
	}
	return l
}
