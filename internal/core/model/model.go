// Package model defines core domain types shared across the engine.
package model

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

const SRID4326 = "EPSG:4326"

type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   string
}

// String representation matching the xmin,ymin,xmax,ymax query format
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.X1, b.Y1, b.X2, b.Y2)
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

func (b BBox) Center() LatLng {
	return LatLng{Lat: (b.Y1 + b.Y2) / 2, Lng: (b.X1 + b.X2) / 2}
}

func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.X1, b.Y1}, Max: orb.Point{b.X2, b.Y2}}
}

// Pad grows the box around its centre: each half-extent becomes the full
// extent times factor, so 1.25 yields a box 2.5x as wide and tall.
func (b BBox) Pad(factor float64) BBox {
	c := b.Center()
	halfW := b.Width() * factor
	halfH := b.Height() * factor
	return BBox{
		X1:   c.Lng - halfW,
		Y1:   c.Lat - halfH,
		X2:   c.Lng + halfW,
		Y2:   c.Lat + halfH,
		SRID: b.SRID,
	}
}

// Contains reports whether o lies entirely inside b.
func (b BBox) Contains(o BBox) bool {
	return o.X1 >= b.X1 && o.Y1 >= b.Y1 && o.X2 <= b.X2 && o.Y2 <= b.Y2
}

// Intersects reports whether the boxes share any area or edge.
func (b BBox) Intersects(o BBox) bool {
	return b.X1 <= o.X2 && o.X1 <= b.X2 && b.Y1 <= o.Y2 && o.Y1 <= b.Y2
}

func (b BBox) Valid() bool {
	return b.X2 > b.X1 && b.Y2 > b.Y1 &&
		!math.IsNaN(b.X1) && !math.IsNaN(b.Y1) && !math.IsNaN(b.X2) && !math.IsNaN(b.Y2)
}

type LatLng struct {
	Lat, Lng float64
}

func (p LatLng) Point() orb.Point { return orb.Point{p.Lng, p.Lat} }

// ViewportSnapshot is captured when a fetch is issued and never mutated.
type ViewportSnapshot struct {
	SouthWest LatLng
	NorthEast LatLng
	Center    LatLng
	Zoom      int
	Width     int
	Height    int
}

func (v ViewportSnapshot) BBox() BBox {
	return BBox{
		X1:   v.SouthWest.Lng,
		Y1:   v.SouthWest.Lat,
		X2:   v.NorthEast.Lng,
		Y2:   v.NorthEast.Lat,
		SRID: SRID4326,
	}
}

type LayerID string

type LayerKind int

const (
	Raster LayerKind = iota
	Vector
)

func (k LayerKind) String() string {
	switch k {
	case Raster:
		return "raster"
	case Vector:
		return "vector"
	default:
		return "unknown"
	}
}

// Style is how vector primitives are painted.
type Style struct {
	Color         string  `json:"color"`
	FillOpacity   float64 `json:"fill_opacity"`
	StrokeOpacity float64 `json:"stroke_opacity"`
	StrokeWeight  float64 `json:"stroke_weight"`
}

type LayerSpec struct {
	ID          LayerID
	Kind        LayerKind
	DisplayName string
	Description string
	Category    string

	// Source is the WMS layer list for raster layers and the table name for
	// vector layers. StyleName is the WMS style list.
	Source    string
	StyleName string

	Visible bool
	Opacity float64
	Style   Style
}

// Styles falls back to the layer names, which WMS accepts as default styles.
func (l LayerSpec) Styles() string {
	if l.StyleName != "" {
		return l.StyleName
	}
	return l.Source
}

func ClampOpacity(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
