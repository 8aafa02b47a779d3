package viewport

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
)

const (
	tileSize = 256
	// half the circumference of the spherical mercator world in metres
	mercatorHalf = 20037508.342789244
	maxLat       = 85.05112878
)

func worldSize(zoom int) float64 {
	return tileSize * math.Exp2(float64(zoom))
}

// WorldPixel projects p to Web Mercator world pixel coordinates at zoom,
// origin top-left.
func WorldPixel(p model.LatLng, zoom int) (x, y float64) {
	lat := math.Max(-maxLat, math.Min(maxLat, p.Lat))
	m := project.WGS84.ToMercator(orb.Point{p.Lng, lat})
	ws := worldSize(zoom)
	x = (m[0] + mercatorHalf) / (2 * mercatorHalf) * ws
	y = (mercatorHalf - m[1]) / (2 * mercatorHalf) * ws
	return x, y
}

// FromWorldPixel is the inverse of WorldPixel.
func FromWorldPixel(x, y float64, zoom int) model.LatLng {
	ws := worldSize(zoom)
	m := orb.Point{x/ws*2*mercatorHalf - mercatorHalf, mercatorHalf - y/ws*2*mercatorHalf}
	g := project.Mercator.ToWGS84(m)
	return model.LatLng{Lat: g[1], Lng: g[0]}
}

// PixelDelta is the screen offset, in pixels at zoom, that content anchored
// at from must move by to stay registered once the view is centred on to.
func PixelDelta(from, to model.LatLng, zoom int) (dx, dy float64) {
	fx, fy := WorldPixel(from, zoom)
	tx, ty := WorldPixel(to, zoom)
	return fx - tx, fy - ty
}
