package viewport

import (
	"slices"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
)

const (
	MinZoom = 1
	MaxZoom = 21
)

// Map is an in-memory widget. Events are delivered synchronously on the
// caller's goroutine after the map's own lock is released.
type Map struct {
	mu sync.Mutex

	center model.LatLng
	zoom   int
	width  int
	height int
	dx, dy float64

	polys  map[Handle]Polygon
	nextH  Handle
	subs   map[int]Listener
	nextID int
}

var _ Source = (*Map)(nil)

func NewMap(center model.LatLng, zoom, width, height int) *Map {
	return &Map{
		center: center,
		zoom:   clampZoom(zoom),
		width:  width,
		height: height,
		polys:  make(map[Handle]Polygon),
		subs:   make(map[int]Listener),
	}
}

func clampZoom(z int) int {
	return max(MinZoom, min(MaxZoom, z))
}

func (m *Map) Snapshot() model.ViewportSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	cx, cy := WorldPixel(m.center, m.zoom)
	hw, hh := float64(m.width)/2, float64(m.height)/2
	return model.ViewportSnapshot{
		SouthWest: FromWorldPixel(cx-hw, cy+hh, m.zoom),
		NorthEast: FromWorldPixel(cx+hw, cy-hh, m.zoom),
		Center:    m.center,
		Zoom:      m.zoom,
		Width:     m.width,
		Height:    m.height,
	}
}

func (m *Map) TranslateSurface(dx, dy float64) {
	m.mu.Lock()
	m.dx, m.dy = dx, dy
	m.mu.Unlock()
}

// Translation is the offset last applied by TranslateSurface.
func (m *Map) Translation() (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dx, m.dy
}

func (m *Map) AddPolygon(p Polygon) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextH++
	m.polys[m.nextH] = p
	return m.nextH
}

func (m *Map) RemovePolygon(h Handle) {
	m.mu.Lock()
	delete(m.polys, h)
	m.mu.Unlock()
}

// Polygons returns the live primitives ordered by handle.
func (m *Map) Polygons() []Polygon {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := make([]Handle, 0, len(m.polys))
	for h := range m.polys {
		hs = append(hs, h)
	}
	slices.Sort(hs)
	out := make([]Polygon, 0, len(hs))
	for _, h := range hs {
		out = append(out, m.polys[h])
	}
	return out
}

// HitTest returns the titles of live primitives containing at.
func (m *Map) HitTest(at model.LatLng) []string {
	var out []string
	for _, p := range m.Polygons() {
		if planar.RingContains(p.Path, orb.Point{at.Lng, at.Lat}) {
			out = append(out, p.Title)
		}
	}
	return out
}

func (m *Map) Subscribe(l Listener) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = l
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Map) listeners() []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Listener, 0, len(m.subs))
	for i := 0; i < m.nextID; i++ {
		if l, ok := m.subs[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Pan moves the view by a screen offset in pixels. Positive dx moves the view
// east, positive dy south. Idle must be signalled separately.
func (m *Map) Pan(dx, dy float64) {
	m.mu.Lock()
	cx, cy := WorldPixel(m.center, m.zoom)
	m.center = FromWorldPixel(cx+dx, cy+dy, m.zoom)
	m.mu.Unlock()
	for _, l := range m.listeners() {
		l.OnPan()
	}
}

func (m *Map) SetZoom(z int) {
	m.mu.Lock()
	z = clampZoom(z)
	changed := z != m.zoom
	m.zoom = z
	m.mu.Unlock()
	if !changed {
		return
	}
	for _, l := range m.listeners() {
		l.OnZoom()
	}
}

func (m *Map) Resize(width, height int) {
	m.mu.Lock()
	m.width, m.height = width, height
	m.mu.Unlock()
}

// Idle signals the end of a gesture.
func (m *Map) Idle() {
	for _, l := range m.listeners() {
		l.OnIdle()
	}
}

func (m *Map) Click(at model.LatLng) {
	for _, l := range m.listeners() {
		l.OnClick(at)
	}
}
