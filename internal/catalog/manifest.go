package catalog

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/keithlinneman/linnemanlabs-bundles/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-bundles/internal/xerrors"
)

var (
	ErrManifestFetch     = errors.New("manifest fetch failed")
	ErrManifestInvalid   = errors.New("manifest invalid")
	ErrManifestSignature = errors.New("manifest signature invalid")
)

// Descriptor identifies one bundle. Values are immutable once parsed.
type Descriptor struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// Manifest is a parsed, indexed manifest document.
type Manifest struct {
	// Hash is the SHA-256 of the raw manifest bytes.
	Hash string

	entries    []Descriptor
	index      map[string]int
	duplicates []string
}

// ParseManifest decodes a JSON array of {"name","hash"} records.
//
// When a name appears more than once the last record wins and keeps the
// position of the first. Records with an empty name or a hash that is not a
// SHA-256 hex digest are rejected. Hashes are stored lowercased.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw []Descriptor
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, xerrors.Mark(xerrors.Wrap(err, "decode manifest"), ErrManifestInvalid)
	}

	m := &Manifest{
		Hash:    cryptoutil.SHA256Hex(data),
		entries: make([]Descriptor, 0, len(raw)),
		index:   make(map[string]int, len(raw)),
	}
	for i, d := range raw {
		d.Name = strings.TrimSpace(d.Name)
		d.Hash = cryptoutil.NormalizeHex(d.Hash)
		if d.Name == "" {
			return nil, xerrors.Mark(xerrors.Newf("entry %d: empty name", i), ErrManifestInvalid)
		}
		if d.Hash == "" {
			return nil, xerrors.Mark(xerrors.Newf("entry %d (%s): empty hash", i, d.Name), ErrManifestInvalid)
		}
		if !cryptoutil.IsSHA256Hex(d.Hash) {
			return nil, xerrors.Mark(xerrors.Newf("entry %d (%s): hash is not a sha256 hex digest", i, d.Name), ErrManifestInvalid)
		}
		if pos, ok := m.index[d.Name]; ok {
			m.entries[pos] = d
			m.duplicates = append(m.duplicates, d.Name)
			continue
		}
		m.index[d.Name] = len(m.entries)
		m.entries = append(m.entries, d)
	}
	return m, nil
}

// Lookup returns the descriptor registered under name.
func (m *Manifest) Lookup(name string) (Descriptor, bool) {
	if m == nil {
		return Descriptor{}, false
	}
	i, ok := m.index[name]
	if !ok {
		return Descriptor{}, false
	}
	return m.entries[i], true
}

// Descriptors returns a copy of the entries in manifest order.
func (m *Manifest) Descriptors() []Descriptor {
	if m == nil {
		return nil
	}
	out := make([]Descriptor, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Duplicates lists names that appeared more than once, once per extra occurrence.
func (m *Manifest) Duplicates() []string { return m.duplicates }
