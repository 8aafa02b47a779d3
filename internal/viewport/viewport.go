// Package viewport describes the map widget the engine drives and provides
// an in-memory implementation used by the headless host and in tests.
package viewport

import (
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
)

// Handle identifies a polygon primitive registered with the widget.
type Handle uint64

type Polygon struct {
	Path  orb.Ring
	Style model.Style
	Title string
}

// Listener receives widget events. Implementations must not block.
type Listener interface {
	OnPan()
	OnZoom()
	OnIdle()
	OnClick(at model.LatLng)
}

// Source is the map widget as seen by the engine.
type Source interface {
	Snapshot() model.ViewportSnapshot
	TranslateSurface(dx, dy float64)
	AddPolygon(p Polygon) Handle
	RemovePolygon(h Handle)
	Subscribe(l Listener) (cancel func())
}

// Funcs adapts plain functions to Listener; nil fields are ignored.
type Funcs struct {
	Pan   func()
	Zoom  func()
	Idle  func()
	Click func(model.LatLng)
}

func (f Funcs) OnPan() {
	if f.Pan != nil {
		f.Pan()
	}
}

func (f Funcs) OnZoom() {
	if f.Zoom != nil {
		f.Zoom()
	}
}

func (f Funcs) OnIdle() {
	if f.Idle != nil {
		f.Idle()
	}
}

func (f Funcs) OnClick(at model.LatLng) {
	if f.Click != nil {
		f.Click(at)
	}
}
