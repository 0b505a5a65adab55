// Package programme catalogs the CORDIS programme generations the pipeline
// knows how to fetch and extract.
package programme

import (
	_ "embed"
	"maps"
	"os"
	"slices"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/cordis-cli/internal/fault"
)

//go:embed programmes.yaml
var defaultCatalog []byte

// Kind is the distribution shape of a programme's export.
type Kind string

const (
	// ArchiveOfXML is one compressed archive holding one XML file per project.
	ArchiveOfXML Kind = "archive_of_xml"
	// FlatCSVList is a list of ready-made delimited files.
	FlatCSVList Kind = "flat_csv_list"
)

// Descriptor describes one programme generation.
type Descriptor struct {
	ID   string   `yaml:"id"`
	Kind Kind     `yaml:"kind"`
	URLs []string `yaml:"urls"`

	// Namespaces maps prefix to URI for XML field lookup. FieldPrefix is the
	// prefix that qualifies every record field; empty means unqualified.
	Namespaces  map[string]string `yaml:"namespaces,omitempty"`
	FieldPrefix string            `yaml:"field_prefix,omitempty"`

	// MetadataFile is the non-record file bundled in the archive.
	MetadataFile string `yaml:"metadata_file,omitempty"`
}

// SourceURL returns the archive URL of an ArchiveOfXML programme.
func (d Descriptor) SourceURL() string {
	if len(d.URLs) == 0 {
		return ""
	}
	return d.URLs[0]
}

func (d Descriptor) clone() Descriptor {
	d.URLs = slices.Clone(d.URLs)
	d.Namespaces = maps.Clone(d.Namespaces)
	return d
}

func (d Descriptor) validate() error {
	if d.ID == "" {
		return eris.New("programme: missing id")
	}
	if len(d.URLs) == 0 {
		return eris.Errorf("programme %s: no source urls", d.ID)
	}
	switch d.Kind {
	case ArchiveOfXML:
		if len(d.URLs) != 1 {
			return eris.Errorf("programme %s: archive programmes take exactly one url, got %d", d.ID, len(d.URLs))
		}
		if d.FieldPrefix != "" {
			if _, ok := d.Namespaces[d.FieldPrefix]; !ok {
				return eris.Errorf("programme %s: field prefix %q not in namespaces", d.ID, d.FieldPrefix)
			}
		}
	case FlatCSVList:
	default:
		return eris.Errorf("programme %s: unknown kind %q", d.ID, d.Kind)
	}
	return nil
}

// Registry is an immutable, ordered catalog of programmes.
type Registry struct {
	programmes map[string]Descriptor
	order      []string
}

// NewRegistry builds a registry from descriptors, preserving their order.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{programmes: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.programmes[d.ID]; dup {
			return nil, eris.Errorf("programme: duplicate id %q", d.ID)
		}
		r.programmes[d.ID] = d.clone()
		r.order = append(r.order, d.ID)
	}
	return r, nil
}

type catalog struct {
	Programmes []Descriptor `yaml:"programmes"`
}

// Parse builds a registry from a YAML catalog.
func Parse(data []byte) (*Registry, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "programme: parse catalog")
	}
	if len(c.Programmes) == 0 {
		return nil, eris.New("programme: catalog lists no programmes")
	}
	return NewRegistry(c.Programmes...)
}

// Load reads a YAML catalog from path. An empty path yields the built-in
// CORDIS catalog.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "programme: read catalog %s", path)
	}
	return Parse(data)
}

// Default returns the built-in CORDIS catalog.
func Default() (*Registry, error) {
	return Parse(defaultCatalog)
}

// Describe returns the descriptor for id.
func (r *Registry) Describe(id string) (Descriptor, error) {
	d, ok := r.programmes[id]
	if !ok {
		return Descriptor{}, fault.New(fault.UnknownProgramme, id, nil)
	}
	return d.clone(), nil
}

// All returns every descriptor in catalog order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.programmes[id].clone())
	}
	return out
}

// Select returns the named descriptors in the order given, or all of them
// when ids is empty.
func (r *Registry) Select(ids []string) ([]Descriptor, error) {
	if len(ids) == 0 {
		return r.All(), nil
	}
	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		d, err := r.Describe(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// IDs returns programme ids in catalog order.
func (r *Registry) IDs() []string {
	return slices.Clone(r.order)
}
