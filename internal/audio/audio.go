// Package audio is the in-process clip registry that loaded bundles publish
// their audio clips to.
package audio

import (
	"sort"
	"sync"
)

// Bank maps clip ids to the group key they were registered under.
// A clip id belongs to exactly one key; registering it again moves it.
type Bank struct {
	mu    sync.RWMutex
	byID  map[string]string
	byKey map[string]map[string]struct{}
}

func NewBank() *Bank {
	return &Bank{
		byID:  make(map[string]string),
		byKey: make(map[string]map[string]struct{}),
	}
}

// RegisterClips records ids under key.
func (b *Bank) RegisterClips(ids []string, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.byKey[key]
	if !ok {
		set = make(map[string]struct{}, len(ids))
		b.byKey[key] = set
	}
	for _, id := range ids {
		if prev, ok := b.byID[id]; ok && prev != key {
			b.dropLocked(prev, id)
		}
		b.byID[id] = key
		set[id] = struct{}{}
	}
}

// UnregisterClips removes ids regardless of their key. Unknown ids are ignored.
func (b *Bank) UnregisterClips(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range ids {
		key, ok := b.byID[id]
		if !ok {
			continue
		}
		delete(b.byID, id)
		b.dropLocked(key, id)
	}
}

// Clips returns the sorted clip ids registered under key.
func (b *Bank) Clips(key string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := b.byKey[key]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered clips.
func (b *Bank) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

func (b *Bank) dropLocked(key, id string) {
	set := b.byKey[key]
	delete(set, id)
	if len(set) == 0 {
		delete(b.byKey, key)
	}
}
