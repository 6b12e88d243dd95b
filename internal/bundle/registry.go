package bundle

import (
	"sort"
	"sync"
)

// registry maps bundle names to their live loader. Lock order is
// registry.mu before Loader.mu.
type registry struct {
	mu      sync.Mutex
	loaders map[string]*Loader
	metrics Metrics
}

func newRegistry(metrics Metrics) *registry {
	return &registry{loaders: make(map[string]*Loader), metrics: metrics}
}

// acquire returns the live loader for name with its reference count raised,
// or calls create and inserts the result.
func (r *registry) acquire(name string, create func() (*Loader, error)) (*Loader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.loaders[name]; ok && l.retain() {
		return l, nil
	}

	return r.insertLocked(name, create)
}

// ensure returns the live loader for name without touching its reference
// count, or calls create and inserts the result. created reports which.
func (r *registry) ensure(name string, create func() (*Loader, error)) (l *Loader, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.loaders[name]; ok && cur.live() {
		return cur, false, nil
	}
	l, err = r.insertLocked(name, create)
	return l, err == nil, err
}

func (r *registry) insertLocked(name string, create func() (*Loader, error)) (*Loader, error) {
	l, err := create()
	if err != nil {
		return nil, err
	}
	r.loaders[name] = l
	r.gaugeLocked()
	return l, nil
}

func (r *registry) get(name string) (*Loader, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loaders[name]
	return l, ok
}

// remove deletes l's entry only if it is still the registered instance.
func (r *registry) remove(l *Loader) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(l)
}

func (r *registry) removeLocked(l *Loader) bool {
	if cur, ok := r.loaders[l.Name()]; !ok || cur != l {
		return false
	}
	delete(r.loaders, l.Name())
	r.gaugeLocked()
	return true
}

// release drops one reference and reports whether it was the last one. The
// entry is removed under the same lock so a concurrent acquire never
// returns a loader that is about to be disposed.
func (r *registry) release(l *Loader) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !l.unref() {
		return false
	}
	r.removeLocked(l)
	return true
}

// snapshot returns the live loaders sorted by name.
func (r *registry) snapshot() []*Loader {
	r.mu.Lock()
	out := make([]*Loader, 0, len(r.loaders))
	for _, l := range r.loaders {
		out = append(out, l)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loaders)
}

func (r *registry) gaugeLocked() {
	if r.metrics != nil {
		r.metrics.SetLoadersActive(len(r.loaders))
	}
}
