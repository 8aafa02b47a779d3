package session

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
	"github.com/mohammed-shakir/overlay-sync/internal/core/ogc"
	"github.com/mohammed-shakir/overlay-sync/internal/hitevents"
	"github.com/mohammed-shakir/overlay-sync/internal/loop"
	"github.com/mohammed-shakir/overlay-sync/internal/registry"
	"github.com/mohammed-shakir/overlay-sync/internal/tileclient"
	"github.com/mohammed-shakir/overlay-sync/internal/viewport"
)

type fakeClient struct {
	mu      sync.Mutex
	rasters []ogc.GetMap
	vectors []ogc.VectorQuery
	infos   []ogc.GetFeatureInfo
	infoErr error
}

func (f *fakeClient) FetchRaster(_ context.Context, q ogc.GetMap) (tileclient.Raster, error) {
	f.mu.Lock()
	f.rasters = append(f.rasters, q)
	f.mu.Unlock()
	img := image.NewRGBA(image.Rect(0, 0, q.Width, q.Height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+3] = 200, 255
	}
	return tileclient.Raster{Image: img, Size: 1024}, nil
}

func (f *fakeClient) FetchVector(_ context.Context, q ogc.VectorQuery) (*geojson.FeatureCollection, error) {
	f.mu.Lock()
	f.vectors = append(f.vectors, q)
	f.mu.Unlock()
	c := q.BBox.Center()
	d := 0.001
	feat := geojson.NewFeature(orb.Polygon{{
		{c.Lng - d, c.Lat - d}, {c.Lng + d, c.Lat - d}, {c.Lng + d, c.Lat + d}, {c.Lng - d, c.Lat + d}, {c.Lng - d, c.Lat - d},
	}})
	feat.Properties["dgm_nm"] = "centre block"
	fc := geojson.NewFeatureCollection()
	fc.Append(feat)
	return fc, nil
}

func (f *fakeClient) FetchFeatureInfo(_ context.Context, q ogc.GetFeatureInfo) (*geojson.FeatureCollection, error) {
	f.mu.Lock()
	f.infos = append(f.infos, q)
	err := f.infoErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	feat := geojson.NewFeature(orb.Point{0, 0})
	feat.Properties["emd_kor_nm"] = "Sajik-dong"
	fc := geojson.NewFeatureCollection()
	fc.Append(feat)
	return fc, nil
}

func (f *fakeClient) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rasters), len(f.vectors), len(f.infos)
}

type fakeHits struct {
	mu     sync.Mutex
	events []hitevents.Event
}

func (h *fakeHits) Cycle(session string, cycle uint64, trigger string, _ model.ViewportSnapshot, layers []model.LayerID) hitevents.Event {
	ev := hitevents.Event{Session: session, Cycle: cycle, Trigger: trigger}
	for _, l := range layers {
		ev.Layers = append(ev.Layers, string(l))
	}
	return ev
}

func (h *fakeHits) Publish(ev hitevents.Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

type harness struct {
	t      *testing.T
	loop   *loop.Manual
	reg    *registry.Registry
	view   *viewport.Map
	client *fakeClient
	hits   *fakeHits
	s      *Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		loop: loop.NewManual(),
		reg: registry.New([]model.LayerSpec{
			{ID: "cadastral", Kind: model.Raster, Source: "lp_pa_cbnd_bubun", Opacity: 1, Visible: true},
			{ID: "uq111", Kind: model.Vector, Source: "public.upis_c_uq111", DisplayName: "Urban area", Visible: true},
		}),
		view:   viewport.NewMap(model.LatLng{Lat: 37.5665, Lng: 126.978}, 14, 16, 16),
		client: &fakeClient{},
		hits:   &fakeHits{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(logger, h.loop, h.reg, h.view, h.client, Options{
		ID:           "test",
		IdleDebounce: 20 * time.Millisecond,
		Hits:         h.hits,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.s = s
	return h
}

// settle drains the loop until cond holds; completions arrive from other
// goroutines.
func (h *harness) settle(cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.loop.Drain()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) status() Status {
	st, err := h.s.Status(context.Background())
	if err != nil {
		h.t.Fatal(err)
	}
	return st
}

func TestStart_DrawsRasterAndVector(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool {
		st := h.status()
		return len(st.Cycle.Pending) == 0 && st.VectorPhases["uq111"] == "resolved"
	})

	frame, err := h.s.Frame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if frame.RGBAAt(8, 8) != (color.RGBA{R: 200, A: 255}) {
		t.Fatalf("frame pixel=%v", frame.RGBAAt(8, 8))
	}
	if n := len(h.view.Polygons()); n != 1 {
		t.Fatalf("polygons=%d want 1", n)
	}
	if len(h.hits.events) != 1 || h.hits.events[0].Trigger != "start" || h.hits.events[0].Session != "test" {
		t.Fatalf("hit events=%+v", h.hits.events)
	}
}

func TestPanThenIdleStartsDebouncedCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool { return len(h.status().Cycle.Pending) == 0 })

	h.view.Pan(5, 0)
	h.view.Pan(5, 0)
	h.loop.Drain()
	if wx, _ := h.view.Translation(); wx > -9.99 || wx < -10.01 {
		t.Fatalf("widget translation=%v want -10", wx)
	}

	h.view.Idle()
	h.settle(func() bool {
		st := h.status()
		return st.Cycle.ID == 2 && len(st.Cycle.Pending) == 0
	})
	st := h.status()
	if st.Cycle.Trigger != "idle" || st.Panning {
		t.Fatalf("status=%+v", st)
	}
	if wx, wy := h.view.Translation(); wx != 0 || wy != 0 {
		t.Fatalf("translation must reset on idle, got %v,%v", wx, wy)
	}
	if r, v, _ := h.client.counts(); r != 2 || v != 1 {
		t.Fatalf("raster fetches=%d vector fetches=%d; vector must not refetch on pan", r, v)
	}
}

func TestToggleAndOpacityGoThroughRegistry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.s.Toggle(ctx, "uq111"); err != nil {
		t.Fatal(err)
	}
	if err := h.s.SetOpacity(ctx, "cadastral", 3); err != nil {
		t.Fatal(err)
	}
	layers, err := h.s.Layers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if layers[0].Opacity != 1 || layers[1].Visible {
		t.Fatalf("layers=%+v", layers)
	}
	if err := h.s.HideAll(ctx); err != nil {
		t.Fatal(err)
	}
	st := h.status()
	if len(st.Cycle.Layers) != 0 || st.VectorPhases["uq111"] != "hidden" {
		t.Fatalf("status=%+v", st)
	}
}

func TestClickCollectsTitlesAndFeatureInfo(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool { return h.status().VectorPhases["uq111"] == "resolved" })

	center := h.view.Snapshot().Center
	h.view.Click(center)
	h.settle(func() bool {
		c, _ := h.s.LastClick(ctx)
		return c.Epoch == 1 && !c.Pending
	})

	c, err := h.s.LastClick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Titles) != 1 || c.Titles[0] != "centre block" {
		t.Fatalf("titles=%v", c.Titles)
	}
	if len(c.Features) != 1 || c.Features[0]["emd_kor_nm"] != "Sajik-dong" {
		t.Fatalf("features=%v", c.Features)
	}
	q := h.client.infos[0]
	if q.I != 8 || q.J != 8 || q.Layers != "lp_pa_cbnd_bubun" {
		t.Fatalf("feature info query=%+v", q)
	}
}

func TestClickFeatureInfoError(t *testing.T) {
	h := newHarness(t)
	h.client.infoErr = errors.New("upstream status 502: bad gateway")
	h.view.Click(h.view.Snapshot().Center)
	h.settle(func() bool {
		c, _ := h.s.LastClick(context.Background())
		return c.Epoch == 1 && !c.Pending
	})
	c, _ := h.s.LastClick(context.Background())
	if c.Error == "" {
		t.Fatalf("expected error in click result")
	}
}

func TestCloseDetaches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool { return h.status().VectorPhases["uq111"] == "resolved" })

	if err := h.s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(h.view.Polygons()); n != 0 {
		t.Fatalf("polygons=%d after close", n)
	}
	h.view.Idle()
	h.reg.Toggle("cadastral")
	time.Sleep(5 * time.Millisecond)
	h.loop.Drain()
	if r, _, _ := h.client.counts(); r != 1 {
		t.Fatalf("closed session must not fetch, raster fetches=%d", r)
	}
}

func TestPixelAt(t *testing.T) {
	m := viewport.NewMap(model.LatLng{Lat: 37.5, Lng: 127}, 12, 200, 100)
	snap := m.Snapshot()
	i, j := pixelAt(snap, snap.Center)
	if i != 100 || j != 50 {
		t.Fatalf("pixel=%d,%d want 100,50", i, j)
	}
}

func TestInvalidate_RoutesBySource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool {
		st := h.status()
		return len(st.Cycle.Pending) == 0 && st.VectorPhases["uq111"] == "resolved"
	})

	around := model.BBox{X1: 126.97, Y1: 37.56, X2: 126.99, Y2: 37.57}

	n, err := h.s.Invalidate(ctx, "nope", around)
	if err != nil || n != 0 {
		t.Fatalf("unknown source n=%d err=%v", n, err)
	}

	n, err = h.s.Invalidate(ctx, "LP_PA_CBND_BUBUN", around)
	if err != nil || n != 1 {
		t.Fatalf("raster n=%d err=%v", n, err)
	}
	if st := h.status(); st.Cycle.Trigger != "invalidate" {
		t.Fatalf("trigger=%q want invalidate", st.Cycle.Trigger)
	}

	n, err = h.s.Invalidate(ctx, "public.upis_c_uq111", around)
	if err != nil || n != 1 {
		t.Fatalf("vector n=%d err=%v", n, err)
	}
	h.settle(func() bool {
		r, v, _ := h.client.counts()
		return r == 2 && v == 2 && h.status().VectorPhases["uq111"] == "resolved"
	})
	if n := len(h.view.Polygons()); n != 1 {
		t.Fatalf("polygons=%d want 1", n)
	}
}

func TestSourceMatches(t *testing.T) {
	l := model.LayerSpec{ID: "cadastral", Source: "lp_pa_cbnd_bubun, lp_pa_cbnd_bonbun"}
	for _, s := range []string{"cadastral", "lp_pa_cbnd_bonbun", "LP_PA_CBND_BUBUN"} {
		if !sourceMatches(l, s) {
			t.Fatalf("%q should match", s)
		}
	}
	for _, s := range []string{"", "lp_pa", "uq111"} {
		if sourceMatches(l, s) {
			t.Fatalf("%q should not match", s)
		}
	}
}

func TestResize_ReallocatesAndRedraws(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool { return len(h.status().Cycle.Pending) == 0 })

	h.view.Resize(32, 24)
	if err := h.s.Resize(ctx, 32, 24); err != nil {
		t.Fatal(err)
	}
	h.settle(func() bool {
		st := h.status()
		return st.Cycle.ID == 2 && len(st.Cycle.Pending) == 0
	})
	if st := h.status(); st.Cycle.Trigger != "resize" {
		t.Fatalf("trigger=%q want resize", st.Cycle.Trigger)
	}

	frame, err := h.s.Frame(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if b := frame.Bounds(); b.Dx() != 32 || b.Dy() != 24 {
		t.Fatalf("frame bounds=%v want 32x24", b)
	}
	if frame.RGBAAt(30, 22) != (color.RGBA{R: 200, A: 255}) {
		t.Fatalf("frame pixel=%v", frame.RGBAAt(30, 22))
	}
	h.client.mu.Lock()
	last := h.client.rasters[len(h.client.rasters)-1]
	h.client.mu.Unlock()
	if last.Width != 32 || last.Height != 24 {
		t.Fatalf("fetch size=%dx%d want 32x24", last.Width, last.Height)
	}
}
