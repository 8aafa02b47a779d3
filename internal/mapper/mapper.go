// Package mapper converts between geographic coordinates and H3 cells.
package mapper

import (
	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
)

type Interface interface {
	CellForPoint(p model.LatLng, res int) (string, error)
	CellsForBBox(bb model.BBox, res int) ([]string, error)
}
