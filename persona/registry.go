package persona

import (
	"sort"

	"github.com/m4xw311/hybridshell/errors"
)

// Registry maps persona ids to instances. It is immutable once built.
type Registry struct {
	byID    map[string]Persona
	ordered []Persona
}

// NewRegistry registers personas. Ids must be unique.
func NewRegistry(personas ...Persona) (*Registry, error) {
	r := &Registry{byID: make(map[string]Persona, len(personas))}
	for _, p := range personas {
		d := p.Descriptor()
		if d.ID == "" {
			return nil, errors.New("persona has an empty id")
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, errors.New("persona %q registered twice", d.ID)
		}
		r.byID[d.ID] = p
		r.ordered = append(r.ordered, p)
	}
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Descriptor().Priority > r.ordered[j].Descriptor().Priority
	})
	return r, nil
}

func (r *Registry) Get(id string) (Persona, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// All returns the personas by descending priority, ties in registration
// order.
func (r *Registry) All() []Persona {
	return append([]Persona(nil), r.ordered...)
}

// Capable returns the personas whose capabilities include want, by
// descending priority.
func (r *Registry) Capable(want Capability) []Persona {
	var out []Persona
	for _, p := range r.ordered {
		if p.Descriptor().Capabilities.Has(want) {
			out = append(out, p)
		}
	}
	return out
}
