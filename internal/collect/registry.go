package collect

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/i474232898/external-factors/internal/series"
)

// Category groups sources in the registry and the logs.
type Category string

const (
	CategoryMacro     Category = "macro"
	CategoryClimate   Category = "climate"
	CategorySatellite Category = "satellite"
	CategoryHydrology Category = "hydrology"
)

// Source is the static identity of one provider.
type Source struct {
	Name     string
	Label    string
	Category Category
	Fetcher  Fetcher
}

// Registry is the ordered, immutable list of sources a run collects.
type Registry struct {
	sources []Source
	byName  map[string]int
}

// NewRegistry validates sources and keeps them in the given order.
func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(sources))}
	for i, s := range sources {
		if s.Name == "" {
			return nil, errors.Newf("source %d has no name", i)
		}
		if s.Fetcher == nil {
			return nil, errors.Newf("source %q has no fetcher", s.Name)
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, errors.Newf("duplicate source name %q", s.Name)
		}
		r.byName[s.Name] = len(r.sources)
		r.sources = append(r.sources, s)
	}
	return r, nil
}

// Sources returns the sources in registry order.
func (r *Registry) Sources() []Source {
	return append([]Source(nil), r.sources...)
}

// Names returns the source names in registry order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.sources))
	for i, s := range r.sources {
		out[i] = s.Name
	}
	return out
}

func (r *Registry) Lookup(name string) (Source, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Source{}, false
	}
	return r.sources[i], true
}

func (r *Registry) Len() int { return len(r.sources) }

// Sink persists a named table. Persist either writes the whole artifact or
// leaves any previous artifact of the same name untouched.
type Sink interface {
	Persist(ctx context.Context, name string, t series.Table) error
}

// TableLoader reads back a persisted table.
type TableLoader interface {
	Load(ctx context.Context, name string) (series.Table, error)
}

// Gate validates credentials and bootstraps third-party clients before any
// fetch runs.
type Gate interface {
	ValidateAndInitialize(ctx context.Context) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context) error

func (f GateFunc) ValidateAndInitialize(ctx context.Context) error {
	return f(ctx)
}
