// Package bundlehttp exposes bundle loaders and the resources they publish
// over a small JSON API.
package bundlehttp

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/atlas"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/bundle"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/log"
)

// Catalog is the manifest view the API reports on.
type Catalog interface {
	Ready() bool
	Manifest() *catalog.Manifest
	Err() error
}

// Manager hands out bundle loaders.
type Manager interface {
	Ensure(name string) (*bundle.Loader, bool, error)
	Lookup(name string) (*bundle.Loader, bool)
	Loaders() []*bundle.Loader
}

// AtlasResolver answers atlas lookups by name.
type AtlasResolver interface {
	Resolve(name string) (*atlas.Atlas, bool)
}

// ClipIndex lists the clip ids registered under a group key.
type ClipIndex interface {
	Clips(key string) []string
}

type Options struct {
	Logger  log.Logger
	Catalog Catalog
	Manager Manager
	Atlases AtlasResolver
	Audio   ClipIndex
	// Mutate wraps the load and dispose routes, typically a rate limiter.
	Mutate func(http.Handler) http.Handler
}

// API implements the bundle control endpoints.
type API struct {
	logger  log.Logger
	catalog Catalog
	manager Manager
	atlases AtlasResolver
	audio   ClipIndex
	mutate  func(http.Handler) http.Handler
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &API{
		logger:  opts.Logger,
		catalog: opts.Catalog,
		manager: opts.Manager,
		atlases: opts.Atlases,
		audio:   opts.Audio,
		mutate:  opts.Mutate,
	}
}

// RegisterRoutes attaches the API to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/bundles", func(r chi.Router) {
		r.Use(httpmw.Scope("bundles"))
		r.Get("/", api.HandleList)
		r.Get("/{name}", api.HandleGet)
		r.Group(func(r chi.Router) {
			if api.mutate != nil {
				r.Use(api.mutate)
			}
			r.Post("/{name}/load", api.HandleLoad)
			r.Delete("/{name}", api.HandleDispose)
		})
	})
	r.Route("/api/atlases", func(r chi.Router) {
		r.Use(httpmw.Scope("atlases"))
		r.Get("/{name}", api.HandleAtlas)
		r.Get("/{name}/texture", api.HandleTexture)
	})
	r.With(httpmw.Scope("audio")).Get("/api/audio/{key}", api.HandleClips)
}

// HandleList reports every manifest entry plus any live loader whose
// bundle has since left the manifest.
func (api *API) HandleList(w http.ResponseWriter, r *http.Request) {
	resp := ListResponse{Ready: api.catalog.Ready(), Bundles: []BundleStatus{}}
	if err := api.catalog.Err(); err != nil {
		resp.Error = err.Error()
	}

	listed := make(map[string]bool)
	if m := api.catalog.Manifest(); m != nil {
		resp.ManifestHash = m.Hash
		for _, d := range m.Descriptors() {
			listed[d.Name] = true
			st := BundleStatus{Name: d.Name, Hash: d.Hash, InManifest: true, State: stateUnloaded}
			if l, ok := api.manager.Lookup(d.Name); ok {
				st = statusOf(l, true)
			}
			resp.Bundles = append(resp.Bundles, st)
		}
	}
	for _, l := range api.manager.Loaders() {
		if !listed[l.Name()] {
			resp.Bundles = append(resp.Bundles, statusOf(l, false))
		}
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// HandleGet reports one bundle.
func (api *API) HandleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	desc, inManifest := api.describe(name)

	if l, ok := api.manager.Lookup(name); ok {
		api.writeJSON(r.Context(), w, http.StatusOK, statusOf(l, inManifest))
		return
	}
	if !api.catalog.Ready() {
		api.writeError(r.Context(), w, http.StatusServiceUnavailable, "catalog not ready")
		return
	}
	if !inManifest {
		api.writeError(r.Context(), w, http.StatusNotFound, "unknown bundle")
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, BundleStatus{
		Name:       desc.Name,
		Hash:       desc.Hash,
		InManifest: true,
		State:      stateUnloaded,
	})
}

// HandleLoad starts (or restarts after a failure) the loader for a bundle.
// A loader created here holds one reference until it is disposed; repeated
// requests reuse it without adding more.
func (api *API) HandleLoad(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	l, _, err := api.manager.Ensure(name)
	switch {
	case errors.Is(err, bundle.ErrNotInitialized):
		api.writeError(ctx, w, http.StatusServiceUnavailable, "catalog not ready")
		return
	case errors.Is(err, bundle.ErrUnknownBundle):
		api.writeError(ctx, w, http.StatusNotFound, "unknown bundle")
		return
	case err != nil:
		log.FromContextOr(ctx, api.logger).Error(ctx, err, "get loader failed", "bundle", name)
		api.writeError(ctx, w, http.StatusInternalServerError, "internal error")
		return
	}

	started := l.Start(ctx)
	log.FromContextOr(ctx, api.logger).Info(ctx, "bundle load requested",
		"bundle", name,
		"started", started,
		"state", l.State().String(),
	)
	_, inManifest := api.describe(name)
	api.writeJSON(ctx, w, http.StatusAccepted, statusOf(l, inManifest))
}

// HandleDispose tears down the live loader for a bundle.
func (api *API) HandleDispose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	l, ok := api.manager.Lookup(name)
	if !ok {
		api.writeError(ctx, w, http.StatusNotFound, "no live loader")
		return
	}
	l.Dispose()
	log.FromContextOr(ctx, api.logger).Info(ctx, "bundle dispose requested", "bundle", name)
	w.WriteHeader(http.StatusNoContent)
}

// HandleAtlas serves atlas metadata.
func (api *API) HandleAtlas(w http.ResponseWriter, r *http.Request) {
	a, ok := api.atlases.Resolve(chi.URLParam(r, "name"))
	if !ok {
		api.writeError(r.Context(), w, http.StatusNotFound, "unknown atlas")
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, AtlasResponse{Atlas: a, HasTexture: len(a.TextureData) > 0})
}

// HandleTexture serves the raw texture shipped with an atlas.
func (api *API) HandleTexture(w http.ResponseWriter, r *http.Request) {
	a, ok := api.atlases.Resolve(chi.URLParam(r, "name"))
	if !ok || len(a.TextureData) == 0 {
		api.writeError(r.Context(), w, http.StatusNotFound, "no texture")
		return
	}
	ct := mime.TypeByExtension(path.Ext(a.Texture))
	if ct == "" {
		ct = http.DetectContentType(a.TextureData)
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.TextureData)
}

// HandleClips lists the clips registered under a group key.
func (api *API) HandleClips(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	clips := api.audio.Clips(key)
	if len(clips) == 0 {
		api.writeError(r.Context(), w, http.StatusNotFound, "no clips for key")
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, ClipsResponse{Key: key, Clips: clips})
}

func (api *API) describe(name string) (catalog.Descriptor, bool) {
	return api.catalog.Manifest().Lookup(name)
}

func statusOf(l *bundle.Loader, inManifest bool) BundleStatus {
	d := l.Descriptor()
	st := BundleStatus{
		Name:       d.Name,
		Hash:       d.Hash,
		InManifest: inManifest,
		State:      l.State().String(),
		Complete:   l.Complete(),
		Refs:       l.Refs(),
		URL:        l.URL(),
		Atlases:    l.Atlases(),
		Clips:      l.Clips(),
	}
	if err := l.Err(); err != nil {
		st.Error = err.Error()
	}
	if c := l.Content(); c != nil {
		st.Content = &Content{Hash: c.Hash, Size: c.Size, Files: c.Files, LoadedAt: c.LoadedAt}
	}
	return st
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorResponse{Error: msg})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContextOr(ctx, api.logger).Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
