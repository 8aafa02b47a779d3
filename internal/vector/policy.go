package vector

import (
	"math"

	"github.com/mohammed-shakir/overlay-sync/internal/core/config"
	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
)

const (
	DefaultPad   = 1.25
	DefaultLimit = 20000

	// used when the zoom level is unknown
	unknownZoomWithBBox    = 0.00025
	unknownZoomWithoutBBox = 0.0006
)

// DefaultBuckets maps zoom levels to simplification tolerance in degrees.
var DefaultBuckets = []config.ToleranceBucket{
	{MaxZoom: 10, Tolerance: 0.0006},
	{MaxZoom: 12, Tolerance: 0.00025},
	{MaxZoom: 14, Tolerance: 0.00012},
	{MaxZoom: math.MaxInt, Tolerance: 0.00005},
}

// Tolerance picks the first bucket whose MaxZoom is at least zoom. A
// non-positive zoom is treated as unknown.
func Tolerance(buckets []config.ToleranceBucket, zoom int, hasBBox bool) float64 {
	if zoom <= 0 {
		if hasBBox {
			return unknownZoomWithBBox
		}
		return unknownZoomWithoutBBox
	}
	for _, b := range buckets {
		if zoom <= b.MaxZoom {
			return b.Tolerance
		}
	}
	if len(buckets) > 0 {
		return buckets[len(buckets)-1].Tolerance
	}
	return 0
}

// PaddedBBox grows the viewport so that small pans stay inside the fetched
// area.
func PaddedBBox(snap model.ViewportSnapshot, pad float64) model.BBox {
	return snap.BBox().Pad(pad)
}
