// Package raster keeps WMS overlay images registered with a panning map.
//
// Every redraw is a render cycle: the compositor snapshots the viewport,
// requests one image per visible raster layer and composites arrivals onto
// the primary surface while a ghost copy of the previous frame stays on
// screen. Results tagged with an older cycle are dropped.
package raster

import (
	"context"
	"image"
	"log/slog"
	"slices"

	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
	"github.com/mohammed-shakir/overlay-sync/internal/core/observability"
	"github.com/mohammed-shakir/overlay-sync/internal/core/ogc"
	mylog "github.com/mohammed-shakir/overlay-sync/internal/logger"
	"github.com/mohammed-shakir/overlay-sync/internal/loop"
	"github.com/mohammed-shakir/overlay-sync/internal/registry"
	"github.com/mohammed-shakir/overlay-sync/internal/surface"
	"github.com/mohammed-shakir/overlay-sync/internal/tileclient"
	"github.com/mohammed-shakir/overlay-sync/internal/viewport"
)

// SmallImageBytes flags responses that are most likely blank or an error
// tile.
const SmallImageBytes = 200

type Fetcher interface {
	FetchRaster(ctx context.Context, q ogc.GetMap) (tileclient.Raster, error)
}

// Layers is the read side of the layer registry.
type Layers interface {
	Layer(id model.LayerID) (model.LayerSpec, bool)
	Visible(kind model.LayerKind) []model.LayerSpec
	Order(id model.LayerID) int
}

var _ Layers = (*registry.Registry)(nil)

// Cycle describes the current render cycle.
type Cycle struct {
	ID       uint64
	Trigger  string
	Snapshot model.ViewportSnapshot
	Layers   []model.LayerID
	Pending  []model.LayerID
}

type Options struct {
	Width  int
	Height int
	Format string
	// OnCycle runs on the loop each time a cycle with at least one layer
	// starts.
	OnCycle func(Cycle)
}

type Compositor struct {
	logger *slog.Logger
	post   loop.Poster
	layers Layers
	view   viewport.Source
	fetch  Fetcher
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc

	primary *surface.Surface
	ghost   *surface.Surface
	scratch *surface.Surface

	cycle     Cycle
	pending   map[model.LayerID]struct{}
	resolved  map[model.LayerID]image.Image
	cleared   bool
	lastOrder int
	drawn     int

	panning bool
	closed  bool

	spawn func(func()) // for tests
}

func New(logger *slog.Logger, post loop.Poster, layers Layers, view viewport.Source, fetch Fetcher, opts Options) *Compositor {
	if opts.Width <= 0 || opts.Height <= 0 {
		s := view.Snapshot()
		opts.Width, opts.Height = s.Width, s.Height
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Compositor{
		logger:  logger.With("component", "raster"),
		post:    post,
		layers:  layers,
		view:    view,
		fetch:   fetch,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		primary: surface.New(opts.Width, opts.Height),
		ghost:   surface.New(opts.Width, opts.Height),
		scratch: surface.New(opts.Width, opts.Height),
		pending: map[model.LayerID]struct{}{},
		spawn:   func(f func()) { go f() },
	}
}

// StartCycle begins a new render cycle, superseding any cycle in flight.
func (c *Compositor) StartCycle(trigger string) {
	if c.closed {
		return
	}
	snap := c.view.Snapshot()
	visible := c.layers.Visible(model.Raster)

	c.cycle = Cycle{ID: c.cycle.ID + 1, Trigger: trigger, Snapshot: snap}
	c.pending = make(map[model.LayerID]struct{}, len(visible))
	c.resolved = make(map[model.LayerID]image.Image, len(visible))
	c.cleared = false
	c.lastOrder = -1
	c.drawn = 0
	for _, l := range visible {
		c.pending[l.ID] = struct{}{}
		c.cycle.Layers = append(c.cycle.Layers, l.ID)
	}
	observability.IncRenderCycle(trigger)
	observability.SetRasterPending(len(c.pending))

	if len(visible) == 0 {
		c.primary.Clear()
		c.ghost.Clear()
		c.logger.Debug("render cycle without layers", "cycle", c.cycle.ID, "trigger", trigger)
		return
	}

	c.ghost.CopyFrom(c.primary)

	bbox := snap.BBox()
	w, h := c.primary.Size()
	c.logger.Debug("render cycle started",
		"cycle", c.cycle.ID, "trigger", trigger, "layers", len(visible), "bbox", bbox.String())

	for _, l := range visible {
		q := ogc.GetMap{
			Layers:      l.Source,
			Styles:      l.Styles(),
			BBox:        bbox,
			Width:       w,
			Height:      h,
			Format:      c.opts.Format,
			Transparent: true,
		}
		id, cycle, ctx := l.ID, c.cycle.ID, c.ctx
		c.spawn(func() {
			r, err := c.fetch.FetchRaster(ctx, q)
			c.post.Post(func() { c.arrive(cycle, id, r, err) })
		})
	}

	if c.opts.OnCycle != nil {
		c.opts.OnCycle(c.Cycle())
	}
}

func (c *Compositor) arrive(cycle uint64, id model.LayerID, r tileclient.Raster, err error) {
	if c.closed || cycle != c.cycle.ID {
		observability.IncRasterResponse("stale")
		c.logger.Debug("stale raster dropped", "cycle", cycle, "current", c.cycle.ID, "layer_id", id)
		return
	}
	if _, ok := c.pending[id]; !ok {
		return
	}
	defer c.settle(id)

	layer, ok := c.layers.Layer(id)
	if !ok || !layer.Visible {
		observability.IncRasterResponse("hidden")
		c.logger.Debug("raster for hidden layer dropped", "cycle", cycle, "layer_id", id)
		return
	}
	if err != nil {
		observability.IncRasterResponse("error")
		ctx := mylog.WithLayer(mylog.WithCycle(context.Background(), cycle), string(id))
		c.logger.ErrorContext(ctx, "raster fetch failed", "err", err)
		return
	}
	if r.Size > 0 && r.Size < SmallImageBytes {
		c.logger.Warn("suspiciously small raster image", "cycle", cycle, "layer_id", id, "bytes", r.Size)
	}

	if !c.cleared {
		c.primary.Clear()
		c.cleared = true
	}
	c.resolved[id] = r.Image
	c.drawn++
	observability.IncRasterResponse("ok")

	order := c.layers.Order(id)
	if order > c.lastOrder {
		c.primary.Draw(r.Image, layer.Opacity)
		c.lastOrder = order
		return
	}
	// a layer registered below one already drawn: rebuild in order
	c.scratch.Clear()
	for _, l := range c.layers.Visible(model.Raster) {
		if img, ok := c.resolved[l.ID]; ok {
			c.scratch.Draw(img, l.Opacity)
		}
	}
	c.primary.CopyFrom(c.scratch)
}

func (c *Compositor) settle(id model.LayerID) {
	delete(c.pending, id)
	observability.SetRasterPending(len(c.pending))
	if len(c.pending) > 0 {
		return
	}
	c.ghost.Clear()
	if c.drawn == 0 {
		c.primary.Clear()
	}
	c.logger.Debug("render cycle drained", "cycle", c.cycle.ID, "drawn", c.drawn)
}

// Pan keeps both surfaces registered with the map while it moves.
func (c *Compositor) Pan() {
	if c.closed {
		return
	}
	c.panning = true
	// surfaces hold pixels at the cycle's zoom until the next cycle draws
	dx, dy := viewport.PixelDelta(c.cycle.Snapshot.Center, c.view.Snapshot().Center, c.cycle.Snapshot.Zoom)
	c.translate(dx, dy)
}

// Idle resets the translation and redraws for the settled viewport.
func (c *Compositor) Idle() {
	if c.closed {
		return
	}
	c.panning = false
	c.translate(0, 0)
	c.StartCycle("idle")
}

func (c *Compositor) translate(dx, dy float64) {
	c.primary.Translate(dx, dy)
	c.ghost.Translate(dx, dy)
	c.view.TranslateSurface(dx, dy)
}

// LayersChanged starts a cycle when a raster layer was affected.
func (c *Compositor) LayersChanged(ch registry.Change) {
	for _, id := range ch.IDs {
		if l, ok := c.layers.Layer(id); ok && l.Kind == model.Raster {
			c.StartCycle("layers")
			return
		}
	}
}

func (c *Compositor) Refresh() { c.StartCycle("refresh") }

// Invalidate redraws when a visible layer among ids overlaps area in the
// current viewport.
func (c *Compositor) Invalidate(ids []model.LayerID, area model.BBox) bool {
	if c.closed || !c.view.Snapshot().BBox().Intersects(area) {
		return false
	}
	for _, id := range ids {
		if l, ok := c.layers.Layer(id); ok && l.Kind == model.Raster && l.Visible {
			c.StartCycle("invalidate")
			return true
		}
	}
	return false
}

func (c *Compositor) Resize(width, height int) {
	if c.closed || width <= 0 || height <= 0 {
		return
	}
	c.primary.Resize(width, height)
	c.ghost.Resize(width, height)
	c.scratch.Resize(width, height)
	c.StartCycle("resize")
}

// Close releases the surfaces; late arrivals are dropped.
func (c *Compositor) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	c.pending = map[model.LayerID]struct{}{}
	c.resolved = nil
	c.primary = surface.New(0, 0)
	c.ghost = surface.New(0, 0)
	c.scratch = surface.New(0, 0)
	observability.SetRasterPending(0)
}

// Cycle returns a copy of the current cycle with pending ids in
// registration order.
func (c *Compositor) Cycle() Cycle {
	out := c.cycle
	out.Layers = slices.Clone(c.cycle.Layers)
	out.Pending = nil
	for _, id := range c.cycle.Layers {
		if _, ok := c.pending[id]; ok {
			out.Pending = append(out.Pending, id)
		}
	}
	return out
}

func (c *Compositor) Panning() bool { return c.panning }

func (c *Compositor) Primary() *surface.Surface { return c.primary }
func (c *Compositor) Ghost() *surface.Surface   { return c.ghost }

// Frame composites ghost under primary with the current translation.
func (c *Compositor) Frame() *image.RGBA {
	return surface.Compose(c.ghost, c.primary)
}
