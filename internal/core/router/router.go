// Package router exposes one overlay session over HTTP.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/overlay-sync/internal/core/health"
	"github.com/mohammed-shakir/overlay-sync/internal/core/middleware"
	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
	"github.com/mohammed-shakir/overlay-sync/internal/session"
	"github.com/mohammed-shakir/overlay-sync/internal/viewport"
)

// Engine is the session as seen by the HTTP layer.
type Engine interface {
	Layers(ctx context.Context) ([]model.LayerSpec, error)
	Toggle(ctx context.Context, id model.LayerID) error
	SetOpacity(ctx context.Context, id model.LayerID, v float64) error
	HideAll(ctx context.Context) error
	Refresh(ctx context.Context) error
	Resize(ctx context.Context, width, height int) error
	Frame(ctx context.Context) (*image.RGBA, error)
	Status(ctx context.Context) (session.Status, error)
	LastClick(ctx context.Context) (session.ClickResult, error)
}

var _ Engine = (*session.Session)(nil)

// Widget drives the map the session is attached to.
type Widget interface {
	Pan(dx, dy float64)
	SetZoom(z int)
	Idle()
	Resize(width, height int)
	Click(at model.LatLng)
	Snapshot() model.ViewportSnapshot
	Polygons() []viewport.Polygon
}

var _ Widget = (*viewport.Map)(nil)

type Capabilities interface {
	Capabilities(ctx context.Context) ([]string, error)
}

type Deps struct {
	Logger  *slog.Logger
	Engine  Engine
	Widget  Widget
	Metrics http.Handler
	Ready   health.ReadinessReporter

	// MetricsPath defaults to /metrics.
	MetricsPath string
	// Capabilities is optional; without it /capabilities answers 501.
	Capabilities Capabilities
}

type handler struct {
	logger *slog.Logger
	engine Engine
	widget Widget
	caps   Capabilities
}

func New(d Deps) http.Handler {
	h := &handler{logger: d.Logger, engine: d.Engine, widget: d.Widget, caps: d.Capabilities}

	r := chi.NewRouter()
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if d.Ready != nil {
		r.Get("/readyz", health.Readiness(d.Ready))
	}
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, d.Metrics)
	}

	r.Get("/layers", h.layers)
	r.Post("/layers/hide", h.hideAll)
	r.Post("/layers/{id}/toggle", h.toggle)
	r.Post("/layers/{id}/opacity", h.opacity)
	r.Post("/refresh", h.refresh)

	r.Get("/viewport", h.viewport)
	r.Post("/viewport/pan", h.pan)
	r.Post("/viewport/zoom", h.zoom)
	r.Post("/viewport/idle", h.idle)
	r.Post("/viewport/resize", h.resize)
	r.Post("/viewport/click", h.click)
	r.Get("/viewport/click", h.lastClick)

	r.Get("/status", h.status)
	r.Get("/frame.png", h.frame)
	r.Get("/overlays", h.overlays)
	r.Get("/capabilities", h.capabilities)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	http.Error(w, err.Error(), http.StatusServiceUnavailable)
}

type layerView struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Source      string      `json:"source"`
	Visible     bool        `json:"visible"`
	Opacity     float64     `json:"opacity"`
	Style       model.Style `json:"style"`
}

func (h *handler) layers(w http.ResponseWriter, r *http.Request) {
	ls, err := h.engine.Layers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]layerView, 0, len(ls))
	for _, l := range ls {
		out = append(out, layerView{
			ID:          string(l.ID),
			Kind:        l.Kind.String(),
			Name:        l.DisplayName,
			Description: l.Description,
			Source:      l.Source,
			Visible:     l.Visible,
			Opacity:     l.Opacity,
			Style:       l.Style,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// layerID resolves the {id} parameter, answering 404 for unknown layers.
func (h *handler) layerID(w http.ResponseWriter, r *http.Request) (model.LayerID, bool) {
	id := model.LayerID(chi.URLParam(r, "id"))
	ls, err := h.engine.Layers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return "", false
	}
	for _, l := range ls {
		if l.ID == id {
			return id, true
		}
	}
	http.Error(w, fmt.Sprintf("unknown layer %q", id), http.StatusNotFound)
	return "", false
}

func (h *handler) toggle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.layerID(w, r)
	if !ok {
		return
	}
	if err := h.engine.Toggle(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) opacity(w http.ResponseWriter, r *http.Request) {
	v, err := floatParam(r, "value")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, ok := h.layerID(w, r)
	if !ok {
		return
	}
	if err := h.engine.SetOpacity(r.Context(), id, v); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) hideAll(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.HideAll(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Refresh(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) viewport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.widget.Snapshot())
}

func (h *handler) pan(w http.ResponseWriter, r *http.Request) {
	dx, err := floatParam(r, "dx")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dy, err := floatParam(r, "dy")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.widget.Pan(dx, dy)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) zoom(w http.ResponseWriter, r *http.Request) {
	z, err := strconv.Atoi(r.URL.Query().Get("level"))
	if err != nil {
		http.Error(w, "invalid level", http.StatusBadRequest)
		return
	}
	h.widget.SetZoom(z)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) idle(w http.ResponseWriter, _ *http.Request) {
	h.widget.Idle()
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) resize(w http.ResponseWriter, r *http.Request) {
	width, err := strconv.Atoi(r.URL.Query().Get("w"))
	if err != nil || width <= 0 {
		http.Error(w, "invalid w", http.StatusBadRequest)
		return
	}
	height, err := strconv.Atoi(r.URL.Query().Get("h"))
	if err != nil || height <= 0 {
		http.Error(w, "invalid h", http.StatusBadRequest)
		return
	}
	h.widget.Resize(width, height)
	if err := h.engine.Resize(r.Context(), width, height); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) click(w http.ResponseWriter, r *http.Request) {
	lat, err := floatParam(r, "lat")
	if err != nil || lat < -90 || lat > 90 {
		http.Error(w, "invalid lat", http.StatusBadRequest)
		return
	}
	lng, err := floatParam(r, "lng")
	if err != nil || lng < -180 || lng > 180 {
		http.Error(w, "invalid lng", http.StatusBadRequest)
		return
	}
	h.widget.Click(model.LatLng{Lat: lat, Lng: lng})
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) lastClick(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.LastClick(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Status(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) frame(w http.ResponseWriter, r *http.Request) {
	img, err := h.engine.Frame(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := png.Encode(w, img); err != nil {
		h.logger.Warn("encode frame", "err", err)
	}
}

// overlays renders the live polygon primitives as GeoJSON.
func (h *handler) overlays(w http.ResponseWriter, _ *http.Request) {
	fc := geojson.NewFeatureCollection()
	for _, p := range h.widget.Polygons() {
		f := geojson.NewFeature(orb.Polygon{p.Path})
		f.Properties["title"] = p.Title
		f.Properties["color"] = p.Style.Color
		f.Properties["fill_opacity"] = p.Style.FillOpacity
		f.Properties["stroke_opacity"] = p.Style.StrokeOpacity
		f.Properties["stroke_weight"] = p.Style.StrokeWeight
		fc.Append(f)
	}
	b, err := fc.MarshalJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(b)
}

func (h *handler) capabilities(w http.ResponseWriter, r *http.Request) {
	if h.caps == nil {
		http.Error(w, "capabilities not available", http.StatusNotImplemented)
		return
	}
	names, err := h.caps.Capabilities(r.Context())
	if err != nil {
		h.logger.Warn("capabilities failed", "err", err)
		http.Error(w, "upstream error: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"layers": names, "total": len(names)})
}

func floatParam(r *http.Request, name string) (float64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}
