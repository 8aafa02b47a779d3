package invalidation

import (
	"encoding/json"
	"testing"
	"time"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

const square = `{"type":"Polygon","coordinates":[[[126.9,37.5],[127.0,37.5],[127.0,37.6],[126.9,37.6],[126.9,37.5]]]}`

func TestEvent_Validate_BBoxAndPolygonMutualExclusion(t *testing.T) {
	ev := Event{
		Version: 1, Op: "update", Source: "lt_c_uq111", TS: mustTS(),
		BBox:     &BBox{X1: 126.9, Y1: 37.5, X2: 127, Y2: 37.6, SRID: "EPSG:4326"},
		Geometry: json.RawMessage(square),
	}
	if err := ev.Validate(); err == nil {
		t.Fatalf("expected error when both bbox and geometry are set")
	}
}

func TestEvent_Validate_BBoxHappyPath(t *testing.T) {
	ev := Event{
		Version: 1, Op: "delete", Source: "lt_c_uq111", TS: mustTS(),
		BBox: &BBox{X1: 126.9, Y1: 37.5, X2: 127, Y2: 37.6, SRID: "EPSG:4326"},
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	a, err := ev.Area()
	if err != nil {
		t.Fatalf("area: %v", err)
	}
	if a.X1 != 126.9 || a.Y2 != 37.6 || a.SRID != "EPSG:4326" {
		t.Fatalf("area=%+v", a)
	}
}

func TestEvent_Validate_PolygonHappyPath(t *testing.T) {
	ev := Event{
		Version: 1, Op: "insert", Source: "lp_pa_cbnd_bubun", TS: mustTS(),
		Geometry: json.RawMessage(square),
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	a, err := ev.Area()
	if err != nil {
		t.Fatalf("area: %v", err)
	}
	if a.X1 != 126.9 || a.Y1 != 37.5 || a.X2 != 127.0 || a.Y2 != 37.6 {
		t.Fatalf("area=%+v", a)
	}
}

func TestEvent_Validate_Rejects(t *testing.T) {
	cases := map[string]Event{
		"flat bbox": {
			Version: 1, Op: "update", Source: "lt_c_uq111", TS: mustTS(),
			BBox: &BBox{X1: 11, Y1: 55, X2: 11, Y2: 56, SRID: "EPSG:4326"},
		},
		"bad op": {
			Version: 1, Op: "upsert", Source: "lt_c_uq111", TS: mustTS(),
			BBox: &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"},
		},
		"no source": {
			Version: 1, Op: "update", TS: mustTS(),
			BBox: &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"},
		},
		"point geometry": {
			Version: 1, Op: "update", Source: "lt_c_uq111", TS: mustTS(),
			Geometry: json.RawMessage(`{"type":"Point","coordinates":[127,37.5]}`),
		},
		"wrong srid": {
			Version: 1, Op: "update", Source: "lt_c_uq111", TS: mustTS(),
			BBox: &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:3857"},
		},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			if err := ev.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
