package conveyor

import "sort"

// Registry holds every workflow descriptor, built once at process start.
// It is read-only after construction.
type Registry struct {
	byID   map[string]*Workflow
	byName map[string]*Workflow
	ids    []string
}

// NewRegistry builds a registry from the given workflows. Duplicate names
// are a fatal configuration error.
func NewRegistry(workflows ...*Workflow) (*Registry, error) {
	r := &Registry{
		byID:   make(map[string]*Workflow, len(workflows)),
		byName: make(map[string]*Workflow, len(workflows)),
	}
	for _, w := range workflows {
		if _, ok := r.byID[w.ID()]; ok {
			return nil, NewConfigError(w.Name(), "duplicate workflow id %q", w.ID())
		}
		r.byID[w.ID()] = w
		r.byName[w.Name()] = w
		r.ids = append(r.ids, w.ID())
	}
	sort.Strings(r.ids)
	return r, nil
}

// Resolve returns the workflow with the given id.
func (r *Registry) Resolve(id string) (*Workflow, bool) {
	w, ok := r.byID[id]
	return w, ok
}

// ByName returns the workflow with the given name, also matching the
// slugged form so callers may pass either.
func (r *Registry) ByName(name string) (*Workflow, bool) {
	if w, ok := r.byName[name]; ok {
		return w, true
	}
	w, ok := r.byID[Slugify(name)]
	return w, ok
}

// List returns all workflows ordered by id.
func (r *Registry) List() []*Workflow {
	out := make([]*Workflow, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.byID[id])
	}
	return out
}
