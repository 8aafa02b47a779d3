// Package catalog loads the static overlay layer list. Without a file the
// built-in catalog is used.
package catalog

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
	"github.com/mohammed-shakir/overlay-sync/internal/core/ogc"
)

type rasterEntry struct {
	ID          string  `mapstructure:"id"`
	Name        string  `mapstructure:"name"`
	Description string  `mapstructure:"description"`
	Layers      string  `mapstructure:"layers"`
	Styles      string  `mapstructure:"styles"`
	Opacity     float64 `mapstructure:"opacity"`
	Visible     bool    `mapstructure:"visible"`
}

type vectorEntry struct {
	ID           string  `mapstructure:"id"`
	Name         string  `mapstructure:"name"`
	Table        string  `mapstructure:"table"`
	Color        string  `mapstructure:"color"`
	FillOpacity  float64 `mapstructure:"fill_opacity"`
	StrokeWeight float64 `mapstructure:"stroke_weight"`
	Visible      bool    `mapstructure:"visible"`
}

type file struct {
	Raster []rasterEntry `mapstructure:"raster"`
	Vector []vectorEntry `mapstructure:"vector"`
}

// DefaultStrokeOpacity is applied to every vector layer.
const DefaultStrokeOpacity = 0.8

// Load reads the catalog at path (format taken from the extension). An
// empty path returns Default().
func Load(path string) ([]model.LayerSpec, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var f file
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("catalog: decode %s: %w", path, err)
	}
	return f.specs()
}

func (f file) specs() ([]model.LayerSpec, error) {
	out := make([]model.LayerSpec, 0, len(f.Raster)+len(f.Vector))
	seen := make(map[string]struct{}, cap(out))
	add := func(s model.LayerSpec) error {
		if s.ID == "" {
			return fmt.Errorf("catalog: %s layer without id", s.Kind)
		}
		if _, dup := seen[string(s.ID)]; dup {
			return fmt.Errorf("catalog: duplicate layer id %q", s.ID)
		}
		seen[string(s.ID)] = struct{}{}
		out = append(out, s)
		return nil
	}

	for _, r := range f.Raster {
		if r.Layers == "" {
			return nil, fmt.Errorf("catalog: raster layer %q has no wms layers", r.ID)
		}
		if err := add(model.LayerSpec{
			ID:          model.LayerID(r.ID),
			Kind:        model.Raster,
			DisplayName: r.Name,
			Description: r.Description,
			Category:    "wms",
			Source:      r.Layers,
			StyleName:   r.Styles,
			Visible:     r.Visible,
			Opacity:     model.ClampOpacity(r.Opacity),
		}); err != nil {
			return nil, err
		}
	}
	for _, e := range f.Vector {
		if err := ogc.ValidateTable(e.Table); err != nil {
			return nil, fmt.Errorf("catalog: vector layer %q: %w", e.ID, err)
		}
		weight := e.StrokeWeight
		if weight <= 0 {
			weight = 1
		}
		if err := add(model.LayerSpec{
			ID:          model.LayerID(e.ID),
			Kind:        model.Vector,
			DisplayName: e.Name,
			Category:    "upis",
			Source:      e.Table,
			Visible:     e.Visible,
			Opacity:     1,
			Style: model.Style{
				Color:         e.Color,
				FillOpacity:   model.ClampOpacity(e.FillOpacity),
				StrokeOpacity: DefaultStrokeOpacity,
				StrokeWeight:  weight,
			},
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Default is the built-in catalog: three WMS layers followed by the urban
// planning district polygons.
func Default() []model.LayerSpec {
	f := file{
		Raster: []rasterEntry{
			{ID: "cadastral", Name: "Continuous cadastral map", Description: "Parcel boundaries and lot numbers",
				Layers: "lp_pa_cbnd_bonbun,lp_pa_cbnd_bubun", Styles: "lp_pa_cbnd_bonbun_line,lp_pa_cbnd_bubun_line", Opacity: 0.7},
			{ID: "urban_planning", Name: "Urban areas", Description: "Residential, commercial and industrial zoning",
				Layers: "lt_c_uq111", Styles: "lt_c_uq111", Opacity: 0.6},
			{ID: "administrative", Name: "Eup/myeon/dong boundaries", Description: "Administrative boundaries",
				Layers: "lt_c_ademd", Styles: "lt_c_ademd", Opacity: 0.5},
		},
		Vector: []vectorEntry{
			{ID: "uq111", Name: "Urban area", Table: "public.upis_c_uq111", Color: "#00a0e9", FillOpacity: 0.18},
			{ID: "uq121", Name: "Landscape district", Table: "public.upis_c_uq121", Color: "#34d399", FillOpacity: 0.15},
			{ID: "uq122", Name: "Aesthetic district", Table: "public.upis_c_uq122", Color: "#f59e0b", FillOpacity: 0.15},
			{ID: "uq123", Name: "Height district", Table: "public.upis_c_uq123", Color: "#ef4444", FillOpacity: 0.15},
			{ID: "uq124", Name: "Fire prevention district", Table: "public.upis_c_uq124", Color: "#8b5cf6", FillOpacity: 0.12},
			{ID: "uq125", Name: "Disaster prevention district", Table: "public.upis_c_uq125", Color: "#f97316", FillOpacity: 0.12},
			{ID: "uq126", Name: "Preservation district", Table: "public.upis_c_uq126", Color: "#10b981", FillOpacity: 0.12},
			{ID: "uq128", Name: "Settlement district", Table: "public.upis_c_uq128", Color: "#3b82f6", FillOpacity: 0.12},
			{ID: "uq129", Name: "Development promotion district", Table: "public.upis_c_uq129", Color: "#6366f1", FillOpacity: 0.12},
			{ID: "uq130", Name: "Restricted use district", Table: "public.upis_c_uq130", Color: "#f43f5e", FillOpacity: 0.12},
			{ID: "uq131", Name: "Other use district", Table: "public.upis_c_uq131", Color: "#0ea5e9", FillOpacity: 0.12},
		},
	}
	specs, err := f.specs()
	if err != nil {
		panic(err)
	}
	return specs
}
