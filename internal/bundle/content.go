package bundle

import (
	"io/fs"
	"sync"
	"time"
)

// Content is the extracted bundle held by a ready loader. It is released
// when the loader is disposed; reads after that fail with ErrDisposed.
type Content struct {
	Hash     string
	Size     int
	Files    int
	LoadedAt time.Time

	mu   sync.RWMutex
	fsys fs.FS
}

func newContent(fsys fs.FS, hash string, size int) *Content {
	n := 0
	_ = fs.WalkDir(fsys, ".", func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return nil
	})
	return &Content{
		Hash:     hash,
		Size:     size,
		Files:    n,
		LoadedAt: time.Now().UTC(),
		fsys:     fsys,
	}
}

// FS returns the extracted filesystem, or nil once released.
func (c *Content) FS() fs.FS {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fsys
}

func (c *Content) ReadFile(name string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fsys == nil {
		return nil, ErrDisposed
	}
	return fs.ReadFile(c.fsys, name)
}

func (c *Content) Released() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fsys == nil
}

// Release drops the extracted files. Safe to call more than once.
func (c *Content) Release() {
	c.mu.Lock()
	c.fsys = nil
	c.mu.Unlock()
}
