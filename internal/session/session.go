// Package session wires one map widget to the layer registry and the two
// overlay engines. Widget callbacks may arrive on any goroutine; the session
// forwards them onto its loop, where every engine mutation happens.
package session

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/overlay-sync/internal/core/config"
	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
	"github.com/mohammed-shakir/overlay-sync/internal/core/ogc"
	"github.com/mohammed-shakir/overlay-sync/internal/hitevents"
	"github.com/mohammed-shakir/overlay-sync/internal/loop"
	"github.com/mohammed-shakir/overlay-sync/internal/raster"
	"github.com/mohammed-shakir/overlay-sync/internal/registry"
	"github.com/mohammed-shakir/overlay-sync/internal/vector"
	"github.com/mohammed-shakir/overlay-sync/internal/viewport"
)

// Client is everything the session fetches from upstream.
type Client interface {
	raster.Fetcher
	vector.Fetcher
	FetchFeatureInfo(ctx context.Context, q ogc.GetFeatureInfo) (*geojson.FeatureCollection, error)
}

// Publisher receives one event per render cycle.
type Publisher interface {
	Cycle(session string, cycle uint64, trigger string, snap model.ViewportSnapshot, layers []model.LayerID) hitevents.Event
	Publish(ev hitevents.Event)
}

type Options struct {
	ID           string
	Width        int
	Height       int
	Format       string
	IdleDebounce time.Duration
	Vector       vector.Options
	Hits         Publisher
}

// OptionsFromConfig maps the process configuration onto session options.
func OptionsFromConfig(id string, cfg config.Config) Options {
	return Options{
		ID:           id,
		Width:        cfg.SurfaceWidth,
		Height:       cfg.SurfaceHeight,
		Format:       cfg.RasterFormat,
		IdleDebounce: cfg.IdleDebounce,
		Vector: vector.Options{
			Pad:     cfg.VectorPad,
			Limit:   cfg.VectorLimit,
			Buckets: cfg.ToleranceBuckets,
			Retain:  cfg.VectorRetain,
		},
	}
}

// ClickResult is what was found under the last click.
type ClickResult struct {
	At       model.LatLng     `json:"at"`
	Epoch    uint64           `json:"epoch"`
	Pending  bool             `json:"pending"`
	Titles   []string         `json:"titles"`
	Features []map[string]any `json:"features,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type Session struct {
	id     string
	logger *slog.Logger
	loop   loop.Runner
	reg    *registry.Registry
	view   viewport.Source
	client Client

	raster   *raster.Compositor
	vector   *vector.Manager
	debounce *loop.Debouncer

	click  ClickResult
	unsub  []func()
	spawn  func(func()) // for tests
	closed bool
}

func New(logger *slog.Logger, lp loop.Runner, reg *registry.Registry, view viewport.Source, client Client, opts Options) (*Session, error) {
	if opts.IdleDebounce <= 0 {
		opts.IdleDebounce = 120 * time.Millisecond
	}
	logger = logger.With("session_id", opts.ID)

	s := &Session{
		id:       opts.ID,
		logger:   logger,
		loop:     lp,
		reg:      reg,
		view:     view,
		client:   client,
		debounce: loop.NewDebouncer(opts.IdleDebounce, lp),
		spawn:    func(f func()) { go f() },
	}

	ropts := raster.Options{Width: opts.Width, Height: opts.Height, Format: opts.Format}
	if opts.Hits != nil {
		hits := opts.Hits
		ropts.OnCycle = func(c raster.Cycle) {
			hits.Publish(hits.Cycle(s.id, c.ID, c.Trigger, c.Snapshot, c.Layers))
		}
	}
	s.raster = raster.New(logger, lp, reg, view, client, ropts)

	vm, err := vector.New(logger, lp, reg, view, client, opts.Vector)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	s.vector = vm

	s.unsub = append(s.unsub,
		reg.Subscribe(func(c registry.Change) {
			s.raster.LayersChanged(c)
			s.vector.LayersChanged(c)
		}),
		view.Subscribe(viewport.Funcs{
			Pan:   func() { lp.Post(s.onPan) },
			Zoom:  func() { lp.Post(s.onZoom) },
			Idle:  func() { lp.Post(s.onIdle) },
			Click: func(at model.LatLng) { lp.Post(func() { s.onClick(at) }) },
		}),
	)
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Start draws the initial state; call once the loop is running.
func (s *Session) Start(ctx context.Context) error {
	return s.loop.Call(ctx, func() {
		s.raster.StartCycle("start")
		s.vector.Sync()
	})
}

func (s *Session) onPan() {
	if s.closed {
		return
	}
	s.raster.Pan()
	s.debounce.Trigger(s.settle)
}

func (s *Session) onZoom() {
	if s.closed {
		return
	}
	s.debounce.Trigger(s.settle)
}

func (s *Session) onIdle() {
	if s.closed {
		return
	}
	s.debounce.Trigger(s.settle)
}

func (s *Session) settle() {
	if s.closed {
		return
	}
	s.raster.Idle()
}

func (s *Session) onClick(at model.LatLng) {
	if s.closed {
		return
	}
	s.click = ClickResult{At: at, Epoch: s.click.Epoch + 1, Titles: s.vector.Titles(at)}

	visible := s.reg.Visible(model.Raster)
	if len(visible) == 0 {
		return
	}
	snap := s.view.Snapshot()
	q := ogc.GetFeatureInfo{GetMap: ogc.GetMap{
		BBox:   snap.BBox(),
		Width:  snap.Width,
		Height: snap.Height,
	}}
	var layers, styles []string
	for _, l := range visible {
		layers = append(layers, l.Source)
		styles = append(styles, l.Styles())
	}
	q.Layers = strings.Join(layers, ",")
	q.Styles = strings.Join(styles, ",")
	q.I, q.J = pixelAt(snap, at)

	epoch := s.click.Epoch
	s.click.Pending = true
	s.spawn(func() {
		fc, err := s.client.FetchFeatureInfo(context.Background(), q)
		s.loop.Post(func() { s.onFeatureInfo(epoch, fc, err) })
	})
}

func (s *Session) onFeatureInfo(epoch uint64, fc *geojson.FeatureCollection, err error) {
	if epoch != s.click.Epoch {
		return
	}
	s.click.Pending = false
	if err != nil {
		s.click.Error = err.Error()
		s.logger.Warn("feature info failed", "err", err)
		return
	}
	for _, f := range fc.Features {
		s.click.Features = append(s.click.Features, map[string]any(f.Properties))
	}
}

// pixelAt converts at to surface pixel coordinates of snap.
func pixelAt(snap model.ViewportSnapshot, at model.LatLng) (int, int) {
	nw := model.LatLng{Lat: snap.NorthEast.Lat, Lng: snap.SouthWest.Lng}
	ox, oy := viewport.WorldPixel(nw, snap.Zoom)
	x, y := viewport.WorldPixel(at, snap.Zoom)
	return int(math.Round(x - ox)), int(math.Round(y - oy))
}

func (s *Session) do(ctx context.Context, fn func()) error {
	return s.loop.Call(ctx, func() {
		if !s.closed {
			fn()
		}
	})
}

func (s *Session) Toggle(ctx context.Context, id model.LayerID) error {
	return s.do(ctx, func() { s.reg.Toggle(id) })
}

func (s *Session) SetOpacity(ctx context.Context, id model.LayerID, v float64) error {
	return s.do(ctx, func() { s.reg.SetOpacity(id, v) })
}

func (s *Session) HideAll(ctx context.Context) error {
	return s.do(ctx, s.reg.HideAll)
}

func (s *Session) Refresh(ctx context.Context) error {
	return s.do(ctx, s.raster.Refresh)
}

// Invalidate reacts to an upstream change of source inside area. It returns
// how many overlays were redrawn or refetched.
func (s *Session) Invalidate(ctx context.Context, source string, area model.BBox) (int, error) {
	n := 0
	err := s.do(ctx, func() {
		var rasters []model.LayerID
		for _, l := range s.reg.Layers() {
			if !sourceMatches(l, source) {
				continue
			}
			switch l.Kind {
			case model.Raster:
				rasters = append(rasters, l.ID)
			case model.Vector:
				if s.vector.Invalidate(l.ID, area) {
					n++
				}
			}
		}
		if len(rasters) > 0 && s.raster.Invalidate(rasters, area) {
			n++
		}
	})
	return n, err
}

// sourceMatches accepts the layer id or any entry of its source list.
func sourceMatches(l model.LayerSpec, source string) bool {
	source = strings.TrimSpace(source)
	if source == "" {
		return false
	}
	if strings.EqualFold(string(l.ID), source) {
		return true
	}
	for part := range strings.SplitSeq(l.Source, ",") {
		if strings.EqualFold(strings.TrimSpace(part), source) {
			return true
		}
	}
	return false
}

func (s *Session) Resize(ctx context.Context, width, height int) error {
	return s.do(ctx, func() { s.raster.Resize(width, height) })
}

func (s *Session) Layers(ctx context.Context) ([]model.LayerSpec, error) {
	var out []model.LayerSpec
	err := s.do(ctx, func() { out = s.reg.Layers() })
	return out, err
}

// Frame composites the current overlay image.
func (s *Session) Frame(ctx context.Context) (*image.RGBA, error) {
	var out *image.RGBA
	err := s.do(ctx, func() { out = s.raster.Frame() })
	return out, err
}

// Status summarises the engines' state.
type Status struct {
	Cycle        raster.Cycle             `json:"cycle"`
	Panning      bool                     `json:"panning"`
	VectorPhases map[model.LayerID]string `json:"vector_phases"`
}

func (s *Session) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.do(ctx, func() {
		st.Cycle = s.raster.Cycle()
		st.Panning = s.raster.Panning()
		st.VectorPhases = map[model.LayerID]string{}
		for _, l := range s.reg.Layers() {
			if l.Kind == model.Vector {
				st.VectorPhases[l.ID] = s.vector.Phase(l.ID).String()
			}
		}
	})
	return st, err
}

func (s *Session) LastClick(ctx context.Context) (ClickResult, error) {
	var out ClickResult
	err := s.do(ctx, func() { out = s.click })
	return out, err
}

// Close detaches from the widget and the registry and releases both engines.
func (s *Session) Close(ctx context.Context) error {
	s.debounce.Cancel()
	return s.loop.Call(ctx, func() {
		if s.closed {
			return
		}
		s.closed = true
		for _, u := range s.unsub {
			u()
		}
		s.raster.Close()
		s.vector.Close()
	})
}
