// Package vector mirrors the visibility of polygon layers onto the map
// widget. Each layer fetches at most once per visibility transition, and a
// per-layer epoch discards results that a hide or a newer fetch superseded.
package vector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/overlay-sync/internal/core/config"
	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
	"github.com/mohammed-shakir/overlay-sync/internal/core/observability"
	"github.com/mohammed-shakir/overlay-sync/internal/core/ogc"
	mylog "github.com/mohammed-shakir/overlay-sync/internal/logger"
	"github.com/mohammed-shakir/overlay-sync/internal/loop"
	"github.com/mohammed-shakir/overlay-sync/internal/registry"
	"github.com/mohammed-shakir/overlay-sync/internal/viewport"
)

type Fetcher interface {
	FetchVector(ctx context.Context, q ogc.VectorQuery) (*geojson.FeatureCollection, error)
}

type Layers interface {
	Layer(id model.LayerID) (model.LayerSpec, bool)
	Layers() []model.LayerSpec
}

var _ Layers = (*registry.Registry)(nil)

type Phase int

const (
	Hidden Phase = iota
	Fetching
	Resolved
)

func (p Phase) String() string {
	switch p {
	case Hidden:
		return "hidden"
	case Fetching:
		return "fetching"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

type Options struct {
	Pad     float64
	Limit   int
	Buckets []config.ToleranceBucket
	// Retain bounds how many layers keep their last result for re-show.
	Retain int
}

type layerState struct {
	phase   Phase
	epoch   uint64
	cancel  context.CancelFunc
	handles []viewport.Handle
	polys   []viewport.Polygon
	// padded area of the fetch in flight or the result on display
	bbox model.BBox
}

type retained struct {
	fingerprint uint64
	bbox        model.BBox
	polys       []viewport.Polygon
}

// Request is what a fetch was issued with.
type Request struct {
	Layer model.LayerID
	Epoch uint64
	Query ogc.VectorQuery
}

type Manager struct {
	logger *slog.Logger
	post   loop.Poster
	layers Layers
	view   viewport.Source
	fetch  Fetcher
	opts   Options

	states map[model.LayerID]*layerState
	cache  *lru.Cache[model.LayerID, retained]

	spawn func(func()) // for tests
}

func New(logger *slog.Logger, post loop.Poster, layers Layers, view viewport.Source, fetch Fetcher, opts Options) (*Manager, error) {
	if opts.Pad <= 0 {
		opts.Pad = DefaultPad
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if len(opts.Buckets) == 0 {
		opts.Buckets = DefaultBuckets
	}
	if opts.Retain <= 0 {
		opts.Retain = 32
	}
	cache, err := lru.New[model.LayerID, retained](opts.Retain)
	if err != nil {
		return nil, fmt.Errorf("vector: retained cache: %w", err)
	}
	return &Manager{
		logger: logger.With("component", "vector"),
		post:   post,
		layers: layers,
		view:   view,
		fetch:  fetch,
		opts:   opts,
		states: make(map[model.LayerID]*layerState),
		cache:  cache,
		spawn:  func(f func()) { go f() },
	}, nil
}

func (m *Manager) state(id model.LayerID) *layerState {
	st, ok := m.states[id]
	if !ok {
		st = &layerState{}
		m.states[id] = st
	}
	return st
}

func fingerprint(l model.LayerSpec, tolerance float64) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(l.Source)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(l.Style.Color)
	_, _ = fmt.Fprintf(d, "\x00%g\x00%g\x00%g\x00%g",
		l.Style.FillOpacity, l.Style.StrokeOpacity, l.Style.StrokeWeight, tolerance)
	return d.Sum64()
}

// Show makes the layer's polygons visible, fetching unless a retained result
// for the same parameters already covers the viewport.
func (m *Manager) Show(id model.LayerID) {
	layer, ok := m.layers.Layer(id)
	if !ok || layer.Kind != model.Vector {
		return
	}
	st := m.state(id)
	if st.phase != Hidden {
		return
	}

	snap := m.view.Snapshot()
	bbox := PaddedBBox(snap, m.opts.Pad)
	tol := Tolerance(m.opts.Buckets, snap.Zoom, true)
	fp := fingerprint(layer, tol)

	if r, ok := m.cache.Get(id); ok && r.fingerprint == fp && r.bbox.Contains(snap.BBox()) {
		observability.IncVectorFetch("reused")
		st.bbox = r.bbox
		m.attach(id, st, r.polys)
		m.logger.Debug("vector layer reused", "layer_id", id, "primitives", len(r.polys))
		return
	}

	st.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel
	st.phase = Fetching
	st.bbox = bbox

	req := Request{
		Layer: id,
		Epoch: st.epoch,
		Query: ogc.VectorQuery{
			Table:     layer.Source,
			BBox:      &bbox,
			Tolerance: tol,
			Limit:     m.opts.Limit,
			SRID:      model.SRID4326,
		},
	}
	m.logger.Debug("vector fetch", "layer_id", id, "epoch", req.Epoch,
		"bbox", bbox.String(), "tolerance", tol, "zoom", snap.Zoom)

	m.spawn(func() {
		fc, err := m.fetch.FetchVector(ctx, req.Query)
		m.post.Post(func() { m.arrive(req, fp, fc, err) })
	})
}

func (m *Manager) arrive(req Request, fp uint64, fc *geojson.FeatureCollection, err error) {
	st := m.state(req.Layer)
	if req.Epoch != st.epoch || st.phase != Fetching {
		observability.IncVectorFetch("stale")
		m.logger.Debug("stale vector result dropped", "layer_id", req.Layer, "epoch", req.Epoch, "current", st.epoch)
		return
	}
	st.cancel = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			st.phase = Hidden
			observability.IncVectorFetch("canceled")
			m.logger.Debug("vector fetch canceled", "layer_id", req.Layer, "epoch", req.Epoch)
			return
		}
		// resolved with nothing drawn; the next hide/show cycle fetches again
		st.phase = Resolved
		observability.IncVectorFetch("error")
		m.logger.ErrorContext(mylog.WithLayer(context.Background(), string(req.Layer)),
			"vector fetch failed", "epoch", req.Epoch, "err", err)
		return
	}

	layer, ok := m.layers.Layer(req.Layer)
	if !ok {
		st.phase = Hidden
		return
	}
	polys := Primitives(fc, layer)
	m.cache.Add(req.Layer, retained{fingerprint: fp, bbox: *req.Query.BBox, polys: polys})
	observability.IncVectorFetch("ok")
	m.attach(req.Layer, st, polys)
	m.logger.Debug("vector layer resolved", "layer_id", req.Layer, "epoch", req.Epoch,
		"features", len(fc.Features), "primitives", len(polys))
}

func (m *Manager) attach(id model.LayerID, st *layerState, polys []viewport.Polygon) {
	m.detach(st)
	st.handles = make([]viewport.Handle, 0, len(polys))
	for _, p := range polys {
		st.handles = append(st.handles, m.view.AddPolygon(p))
	}
	st.polys = polys
	st.phase = Resolved
	observability.SetVectorPrimitives(string(id), len(st.handles))
}

func (m *Manager) detach(st *layerState) {
	for _, h := range st.handles {
		m.view.RemovePolygon(h)
	}
	st.handles = nil
	st.polys = nil
}

// Hide removes the layer's primitives and cancels any fetch in flight.
func (m *Manager) Hide(id model.LayerID) {
	st, ok := m.states[id]
	if !ok || st.phase == Hidden {
		return
	}
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	// invalidates the fetch in flight even if cancellation loses the race
	st.epoch++
	m.detach(st)
	st.phase = Hidden
	observability.SetVectorPrimitives(string(id), 0)
	m.logger.Debug("vector layer hidden", "layer_id", id)
}

func (m *Manager) HideAll() {
	for id := range m.states {
		m.Hide(id)
	}
}

// Sync brings every vector layer in line with its visibility.
func (m *Manager) Sync() {
	for _, l := range m.layers.Layers() {
		if l.Kind != model.Vector {
			continue
		}
		if l.Visible {
			m.Show(l.ID)
		} else {
			m.Hide(l.ID)
		}
	}
}

// LayersChanged reacts to registry transitions. A parameter change drops the
// retained result and refetches a visible layer.
func (m *Manager) LayersChanged(ch registry.Change) {
	for _, id := range ch.IDs {
		l, ok := m.layers.Layer(id)
		if !ok || l.Kind != model.Vector {
			continue
		}
		switch ch.Kind {
		case registry.ChangeVisibility:
			if l.Visible {
				m.Show(id)
			} else {
				m.Hide(id)
			}
		case registry.ChangeParams:
			m.cache.Remove(id)
			if l.Visible {
				m.Hide(id)
				m.Show(id)
			}
		}
	}
}

// Invalidate drops the retained result for the layer and refetches it when
// it is on display and the changed area overlaps what was fetched. It reports
// whether a refetch was issued.
func (m *Manager) Invalidate(id model.LayerID, area model.BBox) bool {
	m.cache.Remove(id)
	st, ok := m.states[id]
	if !ok || st.phase == Hidden || !st.bbox.Intersects(area) {
		return false
	}
	m.Hide(id)
	m.Show(id)
	return true
}

// Phase reports the layer's state; unknown layers are Hidden.
func (m *Manager) Phase(id model.LayerID) Phase {
	if st, ok := m.states[id]; ok {
		return st.phase
	}
	return Hidden
}

func (m *Manager) Epoch(id model.LayerID) uint64 {
	if st, ok := m.states[id]; ok {
		return st.epoch
	}
	return 0
}

// InFlight reports whether a fetch is outstanding for the layer.
func (m *Manager) InFlight(id model.LayerID) bool {
	st, ok := m.states[id]
	return ok && st.cancel != nil
}

// Handles returns the primitives currently registered for the layer.
func (m *Manager) Handles(id model.LayerID) []viewport.Handle {
	st, ok := m.states[id]
	if !ok {
		return nil
	}
	return append([]viewport.Handle(nil), st.handles...)
}

// Titles returns the titles of live primitives containing at, in layer
// order.
func (m *Manager) Titles(at model.LatLng) []string {
	var out []string
	pt := orb.Point{at.Lng, at.Lat}
	for _, l := range m.layers.Layers() {
		st, ok := m.states[l.ID]
		if !ok {
			continue
		}
		for _, p := range st.polys {
			if planar.RingContains(p.Path, pt) {
				out = append(out, p.Title)
			}
		}
	}
	return out
}

// Close cancels every fetch and removes all primitives.
func (m *Manager) Close() {
	m.HideAll()
	m.cache.Purge()
}

// Primitives builds one polygon per polygon part using its outer ring.
func Primitives(fc *geojson.FeatureCollection, layer model.LayerSpec) []viewport.Polygon {
	if fc == nil {
		return nil
	}
	var out []viewport.Polygon
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		title := featureTitle(f.Properties, layer)
		add := func(p orb.Polygon) {
			if len(p) == 0 || len(p[0]) < 3 {
				return
			}
			out = append(out, viewport.Polygon{Path: p[0], Style: layer.Style, Title: title})
		}
		switch g := f.Geometry.(type) {
		case orb.Polygon:
			add(g)
		case orb.MultiPolygon:
			for _, p := range g {
				add(p)
			}
		}
	}
	return out
}

func featureTitle(props geojson.Properties, layer model.LayerSpec) string {
	for _, k := range []string{"dgm_nm", "present_sn"} {
		if s, ok := props[k].(string); ok && s != "" {
			return s
		}
	}
	if layer.DisplayName != "" {
		return layer.DisplayName
	}
	return string(layer.ID)
}
