// Package registry holds the ordered list of overlay layers and their
// user-controlled visibility and opacity.
//
// The registry is not safe for concurrent use; it is owned by the session's
// event loop and every mutation happens there.
package registry

import (
	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
)

type ChangeKind int

const (
	ChangeVisibility ChangeKind = iota
	ChangeOpacity
	ChangeParams
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeVisibility:
		return "visibility"
	case ChangeOpacity:
		return "opacity"
	case ChangeParams:
		return "params"
	default:
		return "unknown"
	}
}

// Change lists the layers affected by one effective transition.
type Change struct {
	Kind ChangeKind
	IDs  []model.LayerID
}

// Has reports whether any of the changed layers is of the given kind.
func (c Change) Has(r *Registry, kind model.LayerKind) bool {
	for _, id := range c.IDs {
		if l, ok := r.Layer(id); ok && l.Kind == kind {
			return true
		}
	}
	return false
}

type Registry struct {
	layers []model.LayerSpec
	index  map[model.LayerID]int

	subs   map[int]func(Change)
	nextID int
}

// New copies specs in order. Duplicate ids keep the first occurrence.
func New(specs []model.LayerSpec) *Registry {
	r := &Registry{
		index: make(map[model.LayerID]int, len(specs)),
		subs:  make(map[int]func(Change)),
	}
	for _, s := range specs {
		if _, dup := r.index[s.ID]; dup || s.ID == "" {
			continue
		}
		s.Opacity = model.ClampOpacity(s.Opacity)
		r.index[s.ID] = len(r.layers)
		r.layers = append(r.layers, s)
	}
	return r
}

// Subscribe registers fn for every subsequent change. The returned func
// removes the subscription.
func (r *Registry) Subscribe(fn func(Change)) (cancel func()) {
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	return func() { delete(r.subs, id) }
}

func (r *Registry) notify(c Change) {
	if len(c.IDs) == 0 {
		return
	}
	for i := 0; i < r.nextID; i++ {
		if fn, ok := r.subs[i]; ok {
			fn(c)
		}
	}
}

func (r *Registry) get(id model.LayerID) *model.LayerSpec {
	i, ok := r.index[id]
	if !ok {
		return nil
	}
	return &r.layers[i]
}

func (r *Registry) Toggle(id model.LayerID) {
	l := r.get(id)
	if l == nil {
		return
	}
	l.Visible = !l.Visible
	r.notify(Change{Kind: ChangeVisibility, IDs: []model.LayerID{id}})
}

func (r *Registry) SetVisible(id model.LayerID, visible bool) {
	l := r.get(id)
	if l == nil || l.Visible == visible {
		return
	}
	l.Visible = visible
	r.notify(Change{Kind: ChangeVisibility, IDs: []model.LayerID{id}})
}

func (r *Registry) SetOpacity(id model.LayerID, v float64) {
	l := r.get(id)
	if l == nil {
		return
	}
	v = model.ClampOpacity(v)
	if l.Opacity == v {
		return
	}
	l.Opacity = v
	r.notify(Change{Kind: ChangeOpacity, IDs: []model.LayerID{id}})
}

// HideAll turns every visible layer off and emits a single change.
func (r *Registry) HideAll() {
	var ids []model.LayerID
	for i := range r.layers {
		if r.layers[i].Visible {
			r.layers[i].Visible = false
			ids = append(ids, r.layers[i].ID)
		}
	}
	r.notify(Change{Kind: ChangeVisibility, IDs: ids})
}

func (r *Registry) SetStyleName(id model.LayerID, name string) {
	l := r.get(id)
	if l == nil || l.StyleName == name {
		return
	}
	l.StyleName = name
	r.notify(Change{Kind: ChangeParams, IDs: []model.LayerID{id}})
}

func (r *Registry) SetSource(id model.LayerID, src string) {
	l := r.get(id)
	if l == nil || l.Source == src {
		return
	}
	l.Source = src
	r.notify(Change{Kind: ChangeParams, IDs: []model.LayerID{id}})
}

func (r *Registry) Layer(id model.LayerID) (model.LayerSpec, bool) {
	l := r.get(id)
	if l == nil {
		return model.LayerSpec{}, false
	}
	return *l, true
}

// Layers returns a copy of all layers in registration order.
func (r *Registry) Layers() []model.LayerSpec {
	out := make([]model.LayerSpec, len(r.layers))
	copy(out, r.layers)
	return out
}

// Visible returns the visible layers of kind in registration order.
func (r *Registry) Visible(kind model.LayerKind) []model.LayerSpec {
	var out []model.LayerSpec
	for _, l := range r.layers {
		if l.Kind == kind && l.Visible {
			out = append(out, l)
		}
	}
	return out
}

// Order returns the registration index of id, or -1.
func (r *Registry) Order(id model.LayerID) int {
	if i, ok := r.index[id]; ok {
		return i
	}
	return -1
}
