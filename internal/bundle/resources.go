package bundle

import (
	"encoding/json"
	"errors"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/atlas"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/audio"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

const (
	atlasGlob = "atlases/*.json"
	audioGlob = "audio/*.json"
)

// AtlasRegistry is the shared atlas lookup that loaders publish to.
// Implemented by atlas.Resolver.
type AtlasRegistry interface {
	Add(owner any, atlases map[string]*atlas.Atlas)
	Remove(owner any, names []string)
}

// AudioSystem is the clip registry that loaders publish to.
// Implemented by audio.Bank.
type AudioSystem interface {
	RegisterClips(ids []string, key string)
	UnregisterClips(ids []string)
}

var (
	_ AtlasRegistry = (*atlas.Resolver)(nil)
	_ AudioSystem   = (*audio.Bank)(nil)
)

// ClipGroup is a set of clip ids registered under one key.
type ClipGroup struct {
	Key   string   `json:"key"`
	Clips []string `json:"clips"`
}

type audioDoc struct {
	Groups []ClipGroup `json:"groups"`
}

// resources is what a bundle publishes once loaded.
type resources struct {
	atlases map[string]*atlas.Atlas
	groups  []ClipGroup
}

// readResources decodes every atlas and audio document in the bundle.
func readResources(fsys fs.FS) (*resources, error) {
	res := &resources{atlases: make(map[string]*atlas.Atlas)}

	docs, err := fs.Glob(fsys, atlasGlob)
	if err != nil {
		return nil, xerrors.Wrap(err, "list atlases")
	}
	for _, p := range docs {
		a, err := readAtlas(fsys, p)
		if err != nil {
			return nil, err
		}
		if _, dup := res.atlases[a.Name]; dup {
			return nil, xerrors.Newf("atlas %q defined more than once", a.Name)
		}
		res.atlases[a.Name] = a
	}

	docs, err = fs.Glob(fsys, audioGlob)
	if err != nil {
		return nil, xerrors.Wrap(err, "list audio")
	}
	for _, p := range docs {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, xerrors.Wrapf(err, "read %s", p)
		}
		var doc audioDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, xerrors.Wrapf(err, "decode %s", p)
		}
		for i, g := range doc.Groups {
			if strings.TrimSpace(g.Key) == "" {
				return nil, xerrors.Newf("%s: group %d has no key", p, i)
			}
			if len(g.Clips) == 0 {
				continue
			}
			res.groups = append(res.groups, g)
		}
	}

	return res, nil
}

func readAtlas(fsys fs.FS, p string) (*atlas.Atlas, error) {
	data, err := fs.ReadFile(fsys, p)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", p)
	}
	var a atlas.Atlas
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, xerrors.Wrapf(err, "decode %s", p)
	}
	if a.Name == "" {
		a.Name = strings.TrimSuffix(path.Base(p), path.Ext(p))
	}

	// texture paths are relative to the atlas document
	if a.Texture != "" {
		tp := path.Join(path.Dir(p), a.Texture)
		if !fs.ValidPath(tp) {
			return nil, xerrors.Newf("%s: texture %q escapes the bundle", p, a.Texture)
		}
		tex, err := fs.ReadFile(fsys, tp)
		switch {
		case err == nil:
			a.TextureData = tex
		case !errors.Is(err, fs.ErrNotExist):
			return nil, xerrors.Wrapf(err, "read texture %s", a.Texture)
		}
	}
	return &a, nil
}

func (r *resources) atlasNames() []string {
	names := make([]string, 0, len(r.atlases))
	for n := range r.atlases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *resources) clipIDs() []string {
	var ids []string
	for _, g := range r.groups {
		ids = append(ids, g.Clips...)
	}
	return ids
}
