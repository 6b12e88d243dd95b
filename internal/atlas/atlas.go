// Package atlas holds image atlases published by loaded bundles and answers
// name lookups for them.
//
// Several owners may publish atlases concurrently. The [Resolver] keeps one
// entry per owner in registration order; a lookup is answered by the most
// recently registered owner that still holds the name. Removing an owner's
// names never touches names held by other owners.
package atlas

import "sync"

// Sprite is a named rectangle inside an atlas texture.
type Sprite struct {
	Name string `json:"name"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
	W    int    `json:"w"`
	H    int    `json:"h"`
}

// Atlas is an image container consulted by name.
type Atlas struct {
	Name    string   `json:"name"`
	Texture string   `json:"texture,omitempty"`
	Sprites []Sprite `json:"sprites,omitempty"`

	// TextureData is the texture file contents when the bundle ships it.
	TextureData []byte `json:"-"`
}

// Sprite returns the sprite with the given name.
func (a *Atlas) Sprite(name string) (Sprite, bool) {
	for _, s := range a.Sprites {
		if s.Name == name {
			return s, true
		}
	}
	return Sprite{}, false
}

type entry struct {
	owner   any
	atlases map[string]*Atlas
}

// Resolver is the shared responder list. The zero value is ready to use.
type Resolver struct {
	mu      sync.RWMutex
	entries []*entry
}

func NewResolver() *Resolver { return &Resolver{} }

// Add publishes atlases under owner. owner must be comparable; a pointer to
// the publishing loader is typical. Adding again for the same owner merges
// names and moves the owner to the most recent position.
func (r *Resolver) Add(owner any, atlases map[string]*Atlas) {
	if len(atlases) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.takeLocked(owner)
	if e == nil {
		e = &entry{owner: owner, atlases: make(map[string]*Atlas, len(atlases))}
	}
	for name, a := range atlases {
		e.atlases[name] = a
	}
	r.entries = append(r.entries, e)
}

// Remove withdraws the given names from owner only. The owner's entry is
// dropped once it holds no names.
func (r *Resolver) Remove(owner any, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.owner != owner {
			continue
		}
		for _, n := range names {
			delete(e.atlases, n)
		}
		if len(e.atlases) == 0 {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
		}
		return
	}
}

// Resolve returns the atlas registered under name, or nil and false.
func (r *Resolver) Resolve(name string) (*Atlas, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.entries) - 1; i >= 0; i-- {
		if a, ok := r.entries[i].atlases[name]; ok {
			return a, true
		}
	}
	return nil, false
}

// Len returns the number of distinct resolvable names.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, e := range r.entries {
		for n := range e.atlases {
			seen[n] = struct{}{}
		}
	}
	return len(seen)
}

// takeLocked removes and returns owner's entry, or nil.
func (r *Resolver) takeLocked(owner any) *entry {
	for i, e := range r.entries {
		if e.owner == owner {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return e
		}
	}
	return nil
}
