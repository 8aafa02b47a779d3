// Package invalidation describes upstream data change notices. A notice names
// the source that changed (a vector table or a WMS layer) and where.
package invalidation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
)

type Event struct {
	Version   int             `json:"version"`
	Op        string          `json:"op"`
	Source    string          `json:"source"`
	TS        time.Time       `json:"ts"`
	FeatureID any             `json:"feature_id,omitempty"`
	BBox      *BBox           `json:"bbox,omitempty"`
	Geometry  json.RawMessage `json:"geometry,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete", "restyle":
	default:
		return fmt.Errorf("op must be insert|update|delete|restyle")
	}
	if strings.TrimSpace(e.Source) == "" {
		return fmt.Errorf("source is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	hasBBox := e.BBox != nil
	hasGeom := len(e.Geometry) > 0
	if hasBBox == hasGeom {
		return fmt.Errorf("exactly one of bbox or geometry is required")
	}
	if hasBBox {
		bb := *e.BBox
		if bb.SRID != model.SRID4326 {
			return fmt.Errorf("bbox.srid must be %s", model.SRID4326)
		}
		if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
			return fmt.Errorf("bbox longitude out of range")
		}
		if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
			return fmt.Errorf("bbox latitude out of range")
		}
		if !(bb.X2 > bb.X1 && bb.Y2 > bb.Y1) {
			return fmt.Errorf("bbox must satisfy x2>x1 and y2>y1")
		}
		return nil
	}
	g, err := geojson.UnmarshalGeometry(e.Geometry)
	if err != nil {
		return fmt.Errorf("geometry parse: %w", err)
	}
	switch g.Geometry().GeoJSONType() {
	case "Polygon", "MultiPolygon":
		return nil
	default:
		return fmt.Errorf("geometry.type must be Polygon or MultiPolygon")
	}
}

// Area is the changed extent in EPSG:4326. Call Validate first.
func (e Event) Area() (model.BBox, error) {
	if e.BBox != nil {
		return model.BBox{X1: e.BBox.X1, Y1: e.BBox.Y1, X2: e.BBox.X2, Y2: e.BBox.Y2, SRID: model.SRID4326}, nil
	}
	g, err := geojson.UnmarshalGeometry(e.Geometry)
	if err != nil {
		return model.BBox{}, fmt.Errorf("geometry parse: %w", err)
	}
	b := g.Geometry().Bound()
	return model.BBox{X1: b.Min[0], Y1: b.Min[1], X2: b.Max[0], Y2: b.Max[1], SRID: model.SRID4326}, nil
}
