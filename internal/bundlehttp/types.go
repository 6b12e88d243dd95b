package bundlehttp

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/atlas"
)

// ListResponse is served by GET /api/bundles.
type ListResponse struct {
	Ready        bool           `json:"ready"`
	ManifestHash string         `json:"manifest_hash,omitempty"`
	Error        string         `json:"error,omitempty"`
	Bundles      []BundleStatus `json:"bundles"`
}

// BundleStatus describes one manifest entry and its loader, if any.
type BundleStatus struct {
	Name       string   `json:"name"`
	Hash       string   `json:"hash"`
	InManifest bool     `json:"in_manifest"`
	State      string   `json:"state"`
	Complete   bool     `json:"complete,omitempty"`
	Refs       int      `json:"refs,omitempty"`
	URL        string   `json:"url,omitempty"`
	Error      string   `json:"error,omitempty"`
	Atlases    []string `json:"atlases,omitempty"`
	Clips      []string `json:"clips,omitempty"`
	Content    *Content `json:"content,omitempty"`
}

// Content summarizes the extracted archive of a ready bundle.
type Content struct {
	Hash     string    `json:"hash"`
	Size     int       `json:"size"`
	Files    int       `json:"files"`
	LoadedAt time.Time `json:"loaded_at"`
}

// AtlasResponse is served by GET /api/atlases/{name}.
type AtlasResponse struct {
	*atlas.Atlas
	HasTexture bool `json:"has_texture"`
}

// ClipsResponse is served by GET /api/audio/{key}.
type ClipsResponse struct {
	Key   string   `json:"key"`
	Clips []string `json:"clips"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// stateUnloaded is reported for manifest entries without a live loader.
const stateUnloaded = "unloaded"
