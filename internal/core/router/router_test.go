package router

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/overlay-sync/internal/core/health"
	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
	"github.com/mohammed-shakir/overlay-sync/internal/session"
	"github.com/mohammed-shakir/overlay-sync/internal/viewport"
)

type fakeEngine struct {
	layers  []model.LayerSpec
	toggled []model.LayerID
	opacity map[model.LayerID]float64
	hidden  int
	refresh int
	resized [][2]int
	err     error
}

func (f *fakeEngine) Layers(context.Context) ([]model.LayerSpec, error) { return f.layers, f.err }

func (f *fakeEngine) Toggle(_ context.Context, id model.LayerID) error {
	f.toggled = append(f.toggled, id)
	return f.err
}

func (f *fakeEngine) SetOpacity(_ context.Context, id model.LayerID, v float64) error {
	if f.opacity == nil {
		f.opacity = map[model.LayerID]float64{}
	}
	f.opacity[id] = v
	return f.err
}

func (f *fakeEngine) HideAll(context.Context) error { f.hidden++; return f.err }
func (f *fakeEngine) Refresh(context.Context) error { f.refresh++; return f.err }

func (f *fakeEngine) Resize(_ context.Context, width, height int) error {
	f.resized = append(f.resized, [2]int{width, height})
	return f.err
}

func (f *fakeEngine) Frame(context.Context) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	return img, f.err
}

func (f *fakeEngine) Status(context.Context) (session.Status, error) {
	return session.Status{Panning: true, VectorPhases: map[model.LayerID]string{"uq111": "resolved"}}, f.err
}

func (f *fakeEngine) LastClick(context.Context) (session.ClickResult, error) {
	return session.ClickResult{}, f.err
}

type fakeCaps struct {
	names []string
	err   error
}

func (c fakeCaps) Capabilities(context.Context) ([]string, error) { return c.names, c.err }

func newTestRouter(t *testing.T, eng *fakeEngine, caps Capabilities) (http.Handler, *viewport.Map) {
	t.Helper()
	m := viewport.NewMap(model.LatLng{Lat: 37.55, Lng: 126.95}, 11, 800, 600)
	h := New(Deps{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Engine:       eng,
		Widget:       m,
		Metrics:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		Ready:        health.ReadinessFunc(func() (bool, uint64) { return true, 1 }),
		Capabilities: caps,
	})
	return h, m
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func sampleLayers() []model.LayerSpec {
	return []model.LayerSpec{
		{ID: "cadastral", Kind: model.Raster, DisplayName: "Cadastral", Source: "lp_pa_cbnd_bubun", Opacity: 0.7},
		{ID: "uq111", Kind: model.Vector, DisplayName: "Residential", Source: "lt_c_uq111", Visible: true, Opacity: 1},
	}
}

func TestLayers_ListsCatalog(t *testing.T) {
	h, _ := newTestRouter(t, &fakeEngine{layers: sampleLayers()}, nil)

	rr := do(h, http.MethodGet, "/layers")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var got []layerView
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].Kind != "raster" || got[1].Kind != "vector" || !got[1].Visible {
		t.Fatalf("unexpected layers: %+v", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestToggle_KnownAndUnknown(t *testing.T) {
	eng := &fakeEngine{layers: sampleLayers()}
	h, _ := newTestRouter(t, eng, nil)

	if rr := do(h, http.MethodPost, "/layers/uq111/toggle"); rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d want 204", rr.Code)
	}
	if len(eng.toggled) != 1 || eng.toggled[0] != "uq111" {
		t.Fatalf("toggled=%v", eng.toggled)
	}
	if rr := do(h, http.MethodPost, "/layers/nope/toggle"); rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rr.Code)
	}
	if len(eng.toggled) != 1 {
		t.Fatalf("unknown layer must not reach the engine")
	}
}

func TestOpacity_Validation(t *testing.T) {
	eng := &fakeEngine{layers: sampleLayers()}
	h, _ := newTestRouter(t, eng, nil)

	if rr := do(h, http.MethodPost, "/layers/cadastral/opacity"); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing value status=%d want 400", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/layers/cadastral/opacity?value=abc"); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad value status=%d want 400", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/layers/cadastral/opacity?value=0.4"); rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d want 204", rr.Code)
	}
	if eng.opacity["cadastral"] != 0.4 {
		t.Fatalf("opacity=%v", eng.opacity)
	}
}

func TestHideAllAndRefresh(t *testing.T) {
	eng := &fakeEngine{}
	h, _ := newTestRouter(t, eng, nil)

	if rr := do(h, http.MethodPost, "/layers/hide"); rr.Code != http.StatusNoContent {
		t.Fatalf("hide status=%d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/refresh"); rr.Code != http.StatusAccepted {
		t.Fatalf("refresh status=%d", rr.Code)
	}
	if eng.hidden != 1 || eng.refresh != 1 {
		t.Fatalf("hidden=%d refresh=%d", eng.hidden, eng.refresh)
	}
}

func TestEngineError_Is503(t *testing.T) {
	h, _ := newTestRouter(t, &fakeEngine{err: errors.New("loop closed")}, nil)
	if rr := do(h, http.MethodPost, "/refresh"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", rr.Code)
	}
}

func TestViewportControls_DriveWidget(t *testing.T) {
	h, m := newTestRouter(t, &fakeEngine{}, nil)

	var pans, zooms, idles, clicks int
	m.Subscribe(viewport.Funcs{
		Pan:   func() { pans++ },
		Zoom:  func() { zooms++ },
		Idle:  func() { idles++ },
		Click: func(model.LatLng) { clicks++ },
	})

	before := m.Snapshot().Center
	if rr := do(h, http.MethodPost, "/viewport/pan?dx=100&dy=0"); rr.Code != http.StatusAccepted {
		t.Fatalf("pan status=%d", rr.Code)
	}
	if after := m.Snapshot().Center; after.Lng <= before.Lng {
		t.Fatalf("pan east should grow lng: %v -> %v", before, after)
	}
	if rr := do(h, http.MethodPost, "/viewport/pan?dx=1"); rr.Code != http.StatusBadRequest {
		t.Fatalf("pan without dy status=%d want 400", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/viewport/zoom?level=13"); rr.Code != http.StatusAccepted {
		t.Fatalf("zoom status=%d", rr.Code)
	}
	if m.Snapshot().Zoom != 13 {
		t.Fatalf("zoom=%d want 13", m.Snapshot().Zoom)
	}
	if rr := do(h, http.MethodPost, "/viewport/zoom?level=x"); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad zoom status=%d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/viewport/idle"); rr.Code != http.StatusAccepted {
		t.Fatalf("idle status=%d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/viewport/click?lat=37.5&lng=127"); rr.Code != http.StatusAccepted {
		t.Fatalf("click status=%d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/viewport/click?lat=91&lng=127"); rr.Code != http.StatusBadRequest {
		t.Fatalf("out of range click status=%d", rr.Code)
	}
	if pans != 1 || zooms != 1 || idles != 1 || clicks != 1 {
		t.Fatalf("pans=%d zooms=%d idles=%d clicks=%d", pans, zooms, idles, clicks)
	}

	rr := do(h, http.MethodGet, "/viewport")
	var snap model.ViewportSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Zoom != 13 || snap.Width != 800 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestViewportControls_RejectNonFinite(t *testing.T) {
	h, m := newTestRouter(t, &fakeEngine{}, nil)
	var pans, clicks int
	m.Subscribe(viewport.Funcs{
		Pan:   func() { pans++ },
		Click: func(model.LatLng) { clicks++ },
	})
	before := m.Snapshot().Center

	for _, target := range []string{
		"/viewport/pan?dx=NaN&dy=0",
		"/viewport/pan?dx=0&dy=nan",
		"/viewport/pan?dx=Inf&dy=0",
		"/viewport/click?lat=NaN&lng=127",
		"/viewport/click?lat=37.5&lng=NaN",
	} {
		if rr := do(h, http.MethodPost, target); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s status=%d want 400", target, rr.Code)
		}
	}
	if after := m.Snapshot().Center; after != before {
		t.Fatalf("centre moved: %v -> %v", before, after)
	}
	if pans != 0 || clicks != 0 {
		t.Fatalf("pans=%d clicks=%d want 0", pans, clicks)
	}
}

func TestViewportResize(t *testing.T) {
	eng := &fakeEngine{}
	h, m := newTestRouter(t, eng, nil)

	if rr := do(h, http.MethodPost, "/viewport/resize?w=1024&h=768"); rr.Code != http.StatusAccepted {
		t.Fatalf("resize status=%d", rr.Code)
	}
	if snap := m.Snapshot(); snap.Width != 1024 || snap.Height != 768 {
		t.Fatalf("widget size=%dx%d want 1024x768", snap.Width, snap.Height)
	}
	if len(eng.resized) != 1 || eng.resized[0] != [2]int{1024, 768} {
		t.Fatalf("engine resized=%v", eng.resized)
	}

	for _, target := range []string{
		"/viewport/resize?w=0&h=768",
		"/viewport/resize?w=1024&h=-1",
		"/viewport/resize?w=x&h=768",
		"/viewport/resize?w=1024",
	} {
		if rr := do(h, http.MethodPost, target); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s status=%d want 400", target, rr.Code)
		}
	}
	if len(eng.resized) != 1 {
		t.Fatalf("rejected resizes reached the engine: %v", eng.resized)
	}
	if snap := m.Snapshot(); snap.Width != 1024 {
		t.Fatalf("rejected resize changed widget: %+v", snap)
	}

	eng.err = errors.New("closed")
	if rr := do(h, http.MethodPost, "/viewport/resize?w=640&h=480"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("engine failure status=%d want 503", rr.Code)
	}
}

func TestFrame_IsPNG(t *testing.T) {
	h, _ := newTestRouter(t, &fakeEngine{}, nil)
	rr := do(h, http.MethodGet, "/frame.png")
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("status=%d ct=%q", rr.Code, rr.Header().Get("Content-Type"))
	}
	img, err := png.Decode(rr.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 3 {
		t.Fatalf("bounds=%v", img.Bounds())
	}
}

func TestOverlays_GeoJSON(t *testing.T) {
	h, m := newTestRouter(t, &fakeEngine{}, nil)
	m.AddPolygon(viewport.Polygon{
		Path:  orb.Ring{{126.9, 37.5}, {127.0, 37.5}, {127.0, 37.6}, {126.9, 37.5}},
		Style: model.Style{Color: "#FFFF00", FillOpacity: 0.3},
		Title: "Zone A",
	})

	rr := do(h, http.MethodGet, "/overlays")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	fc, err := geojson.UnmarshalFeatureCollection(rr.Body.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fc.Features) != 1 {
		t.Fatalf("features=%d want 1", len(fc.Features))
	}
	f := fc.Features[0]
	if f.Properties.MustString("title", "") != "Zone A" || f.Properties.MustString("color", "") != "#FFFF00" {
		t.Fatalf("properties=%v", f.Properties)
	}
	if _, ok := f.Geometry.(orb.Polygon); !ok {
		t.Fatalf("geometry=%T want polygon", f.Geometry)
	}
}

func TestStatusAndClick(t *testing.T) {
	h, _ := newTestRouter(t, &fakeEngine{}, nil)

	rr := do(h, http.MethodGet, "/status")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"panning":true`) {
		t.Fatalf("status body=%s", rr.Body.String())
	}
	if rr := do(h, http.MethodGet, "/viewport/click"); rr.Code != http.StatusOK {
		t.Fatalf("click status=%d", rr.Code)
	}
}

func TestCapabilities(t *testing.T) {
	h, _ := newTestRouter(t, &fakeEngine{}, nil)
	if rr := do(h, http.MethodGet, "/capabilities"); rr.Code != http.StatusNotImplemented {
		t.Fatalf("status=%d want 501", rr.Code)
	}

	h, _ = newTestRouter(t, &fakeEngine{}, fakeCaps{names: []string{"lt_c_uq111", "lp_pa_cbnd_bubun"}})
	rr := do(h, http.MethodGet, "/capabilities")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"total":2`) {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	h, _ = newTestRouter(t, &fakeEngine{}, fakeCaps{err: errors.New("down")})
	if rr := do(h, http.MethodGet, "/capabilities"); rr.Code != http.StatusBadGateway {
		t.Fatalf("status=%d want 502", rr.Code)
	}
}

func TestProbes(t *testing.T) {
	h, _ := newTestRouter(t, &fakeEngine{}, nil)
	for _, p := range []string{"/healthz", "/readyz", "/metrics"} {
		if rr := do(h, http.MethodGet, p); rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", p, rr.Code)
		}
	}
	rr := do(h, http.MethodOptions, "/layers")
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}
