// Package ogc builds query parameters for the WMS image service and the
// GeoJSON geometry service.
package ogc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/overlay-sync/internal/core/model"
)

const (
	DefaultFormat = "image/png"
	wmsVersion    = "1.3.0"
)

type Credentials struct {
	Key    string
	Domain string
}

type GetMap struct {
	Layers      string
	Styles      string
	BBox        model.BBox
	Width       int
	Height      int
	Format      string
	Transparent bool
}

type GetFeatureInfo struct {
	GetMap
	I, J int
}

func Endpoint(base string) string {
	return strings.TrimRight(base, "/")
}

// wmsBBox applies the WMS 1.3.0 axis order: EPSG:4326 is lat/lon, so the
// box becomes ymin,xmin,ymax,xmax.
func wmsBBox(b model.BBox) string {
	if b.SRID == "" || strings.EqualFold(b.SRID, model.SRID4326) {
		return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.Y1, b.X1, b.Y2, b.X2)
	}
	return b.String()
}

func crs(b model.BBox) string {
	if b.SRID == "" {
		return model.SRID4326
	}
	return strings.ToUpper(b.SRID)
}

func BuildGetMapParams(q GetMap, cred Credentials) url.Values {
	params := url.Values{}
	params.Set("SERVICE", "WMS")
	params.Set("REQUEST", "GetMap")
	params.Set("VERSION", wmsVersion)
	params.Set("LAYERS", q.Layers)
	params.Set("STYLES", q.Styles)
	params.Set("CRS", crs(q.BBox))
	params.Set("BBOX", wmsBBox(q.BBox))
	params.Set("WIDTH", strconv.Itoa(q.Width))
	params.Set("HEIGHT", strconv.Itoa(q.Height))
	format := strings.TrimSpace(q.Format)
	if format == "" {
		format = DefaultFormat
	}
	params.Set("FORMAT", format)
	params.Set("TRANSPARENT", strings.ToUpper(strconv.FormatBool(q.Transparent)))
	setCredentials(params, cred)
	return params
}

func BuildGetFeatureInfoParams(q GetFeatureInfo, cred Credentials) url.Values {
	params := BuildGetMapParams(q.GetMap, cred)
	params.Set("REQUEST", "GetFeatureInfo")
	params.Set("QUERY_LAYERS", q.Layers)
	params.Set("I", strconv.Itoa(q.I))
	params.Set("J", strconv.Itoa(q.J))
	params.Set("INFO_FORMAT", "application/json")
	params.Set("EXCEPTIONS", "application/json")
	params.Del("FORMAT")
	params.Del("TRANSPARENT")
	return params
}

func BuildGetCapabilitiesParams(cred Credentials) url.Values {
	params := url.Values{}
	params.Set("SERVICE", "WMS")
	params.Set("REQUEST", "GetCapabilities")
	setCredentials(params, cred)
	return params
}

func setCredentials(params url.Values, cred Credentials) {
	if cred.Key == "" {
		return
	}
	params.Set("KEY", cred.Key)
	domain := cred.Domain
	if domain == "" {
		domain = "localhost"
	}
	params.Set("DOMAIN", domain)
}
