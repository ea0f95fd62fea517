package entity

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ManifestEntry is the declarative part of an entity registration: the
// name and cardinality kind. The callback fields of Metadata (OnNodeCreate,
// OnNodeDelete, ...) are never manifest-driven - they're Go closures bound
// to a plugin's own storage, so a plugin supplies them via Resolve at load
// time rather than trying to serialize function values into YAML.
//
// A plugin ships a manifest describing what entity tables it owns, and
// registers the code that operates on them separately.
type ManifestEntry struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`
}

// manifestDoc is the top-level shape of an entity manifest file.
type manifestDoc struct {
	Entities []ManifestEntry `yaml:"entities"`
}

// ParseManifest decodes a YAML entity manifest into its declarative
// entries. It does not register anything; call Registry.RegisterManifest
// with a Resolve func to attach the plugin's callbacks and register each
// entry.
func ParseManifest(data []byte) ([]ManifestEntry, error) {
	var doc manifestDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("entity: parsing manifest: %w", err)
	}
	for i, e := range doc.Entities {
		switch e.Kind {
		case KindPeer, KindGroup, KindRelational:
		default:
			return nil, fmt.Errorf("entity: manifest entry %d (%q): invalid kind %q", i, e.Name, e.Kind)
		}
		if e.Name == "" {
			return nil, fmt.Errorf("entity: manifest entry %d: empty name", i)
		}
	}
	return doc.Entities, nil
}

// RegisterManifest parses a YAML entity manifest and registers every entry
// against r, with Resolve supplying the Go-side callbacks for each
// (name, kind) pair. A nil *Metadata returned by resolve skips that entry
// (the plugin declared it in the manifest but chose not to wire it in this
// build).
func (r *Registry) RegisterManifest(data []byte, resolve func(name string, kind Kind) *Metadata) error {
	entries, err := ParseManifest(data)
	if err != nil {
		return err
	}
	for _, e := range entries {
		md := resolve(e.Name, e.Kind)
		if md == nil {
			continue
		}
		if md.Name == "" {
			md.Name = e.Name
		}
		if md.Kind == "" {
			md.Kind = e.Kind
		}
		if err := r.Register(md); err != nil {
			return err
		}
	}
	return nil
}
